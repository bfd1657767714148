package vfs

import (
	"sync"

	"github.com/canonical/dqlite-core/dqerr"
)

// DeleteHook is invoked immediately before a database is removed from a
// Store, so callers (e.g. the registry package) can drop their own handles
// first. Only one hook may be installed per Store.
type DeleteHook func(filename string)

// Store is the page store: the process-wide collection of named databases
// a VFS instance mediates access to. It owns no SQL semantics; it is pure
// storage
type Store struct {
	mu     sync.Mutex
	dbs    map[string]*Database
	onDel  DeleteHook
	tracer Tracer
}

// NewStore returns an empty page store.
func NewStore() *Store {
	return &Store{dbs: make(map[string]*Database), tracer: NopTracer}
}

// SetDeleteHook installs fn as the single delete hook for this store.
func (s *Store) SetDeleteHook(fn DeleteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDel = fn
}

// SetTracer installs t as the Tracer every database in this store reports
// operations to, including ones created after this call.
func (s *Store) SetTracer(t Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
	for _, db := range s.dbs {
		db.Tracer = t
	}
}

// GetOrCreate returns the database named filename, creating an empty one if
// it doesn't exist yet.
func (s *Store) GetOrCreate(filename string) *Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.dbs[filename]
	if !ok {
		db = NewDatabase(filename)
		db.Tracer = s.tracer
		s.dbs[filename] = db
	}
	return db
}

// Get returns the database named filename, or nil if it doesn't exist.
func (s *Store) Get(filename string) *Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dbs[filename]
}

// Exists reports whether filename has been registered in the store.
func (s *Store) Exists(filename string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dbs[filename]
	return ok
}

// Delete removes filename from the store. Fails with IODeleteErr if any
// handle is still open, or IODeleteNoent-shaped NotFound if it doesn't
// exist The delete hook, if any, runs before removal.
func (s *Store) Delete(filename string) error {
	s.mu.Lock()
	db, ok := s.dbs[filename]
	if !ok {
		s.mu.Unlock()
		return dqerr.New(dqerr.NotFound, "database %q does not exist", filename)
	}
	if db.RefCount() > 0 {
		s.mu.Unlock()
		return dqerr.New(dqerr.IODeleteErr, "database %q has open handles", filename)
	}
	hook := s.onDel
	delete(s.dbs, filename)
	s.mu.Unlock()

	if hook != nil {
		hook(filename)
	}
	return nil
}

// ReplaceAll discards every database currently registered and replaces
// them with dbs, keyed by filename. Used by fsm.Restore to reinstate a
// Raft snapshot wholesale.
func (s *Store) ReplaceAll(dbs map[string]*Database) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs = dbs
}

// ForEach calls fn for every registered database, in no particular order.
// Used by fsm.Snapshot to collect every database.
func (s *Store) ForEach(fn func(*Database)) {
	s.mu.Lock()
	dbs := make([]*Database, 0, len(s.dbs))
	for _, db := range s.dbs {
		dbs = append(dbs, db)
	}
	s.mu.Unlock()

	for _, db := range dbs {
		fn(db)
	}
}
