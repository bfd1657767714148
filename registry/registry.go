// Package registry is the process-wide table mapping a database filename
// to its open state: its page-store entry, whether a connection is
// currently opening it, and any in-flight (not-yet-committed) transaction.
// It is the single structure shared between the gateway, the leader, and
// the FSM: one registry feeds both the FSM and every per-connection
// leader.
package registry

import (
	"sync"

	"github.com/canonical/dqlite-core/vfs"
)

// Entry is one database's registry record.
type Entry struct {
	Filename string
	DB       *vfs.Database

	// Opening is set for the duration of a connection's open() call, so
	// a second concurrent opener on the same database observes Busy.
	Opening bool
}

// pendingTx tracks a write transaction that has been proposed to Raft but
// not yet committed: which database it targets, the WAL frame count it
// started from (so a rollback knows how far to truncate), and whether it
// belongs to this node's own leader (as opposed to one merely replicated
// from a peer).
type pendingTx struct {
	filename   string
	startFrame int
	isLeader   bool
}

// Registry is the process-wide database table. All methods are safe for
// concurrent use: the gateway's own goroutine per connection and the
// FSM's Apply goroutine all serialize through this mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	pending map[uint64]*pendingTx
	store   *vfs.Store
}

// New returns an empty registry backed by store. It installs store's
// delete hook, so that vfs.Store.Delete also drops the matching registry
// entry.
func New(store *vfs.Store) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		pending: make(map[uint64]*pendingTx),
		store:   store,
	}
	store.SetDeleteHook(r.onDelete)
	return r
}

func (r *Registry) onDelete(filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, filename)
}

// GetOrCreate returns the registry entry for filename, creating one (and
// its backing vfs.Database) if this is the first time it's been seen.
func (r *Registry) GetOrCreate(filename string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[filename]
	if !ok {
		e = &Entry{Filename: filename, DB: r.store.GetOrCreate(filename)}
		r.entries[filename] = e
	}
	return e
}

// Get returns the registry entry for filename, or nil if it has never
// been opened.
func (r *Registry) Get(filename string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[filename]
}

// ForEach calls fn for every registered entry, in no particular order.
func (r *Registry) ForEach(fn func(*Entry)) {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		fn(e)
	}
}

// TryOpen marks filename as opening and reports whether this call won
// the race; a second concurrent opener is refused with Busy.
func (r *Registry) TryOpen(filename string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[filename]
	if !ok {
		e = &Entry{Filename: filename, DB: r.store.GetOrCreate(filename)}
		r.entries[filename] = e
	}
	if e.Opening {
		return e, false
	}
	e.Opening = true
	return e, true
}

// FinishOpen clears the opening flag set by TryOpen.
func (r *Registry) FinishOpen(filename string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[filename]; ok {
		e.Opening = false
	}
}

// BeginLeader records txID as pending against filename, originated by
// this node's own leader (as opposed to a replicated follower apply).
// startFrame is the WAL frame count the transaction's first dirty frame
// landed at.
func (r *Registry) BeginLeader(txID uint64, filename string, startFrame int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[txID] = &pendingTx{filename: filename, startFrame: startFrame, isLeader: true}
}

// Begin implements fsm.PendingTracker: it records a replicated (follower)
// pending transaction. If this node's own leader already registered txID
// via BeginLeader, that registration is preserved (isLeader stays true),
// since the FSM applies its own leader's commands too.
func (r *Registry) Begin(txID uint64, filename string, startFrame int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[txID]; ok {
		return
	}
	r.pending[txID] = &pendingTx{filename: filename, startFrame: startFrame}
}

// Lookup implements fsm.PendingTracker.
func (r *Registry) Lookup(txID uint64) (string, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.pending[txID]; ok {
		return p.filename, p.startFrame, true
	}
	return "", 0, false
}

// End implements fsm.PendingTracker.
func (r *Registry) End(txID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, txID)
}

// IsLeader implements fsm.PendingTracker: it reports whether txID was
// originated by this node's own leader, whose WAL already holds the
// transaction's frames by the time the FSM applies the matching log entry.
func (r *Registry) IsLeader(txID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pending[txID]
	return ok && p.isLeader
}

// HasPendingTx reports whether any transaction is currently in flight
// against filename. Its only caller is the leader's pre-write check; the
// CHECKPOINT apply path and FSM snapshots do not consult it.
func (r *Registry) HasPendingTx(filename string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pending {
		if p.filename == filename {
			return true
		}
	}
	return false
}
