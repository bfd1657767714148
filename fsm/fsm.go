// Package fsm implements the hashicorp/raft finite state machine that
// turns replicated command log entries into vfs.Store mutations. One
// FSM backs one raft.Raft; the same registry feeds it and every
// per-connection leader.
package fsm

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/canonical/dqlite-core/command"
	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/vfs"
	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PendingTracker is the subset of registry.Registry the FSM needs to
// resolve a transaction ID to the database it targets and to clear it once
// applied. Expressed as an interface so fsm has no import-cycle dependency
// on registry.
type PendingTracker interface {
	// Begin records that txID is now pending against filename, with the
	// WAL frame count the transaction started from.
	Begin(txID uint64, filename string, startFrame int)
	// Lookup returns the database and starting frame recorded for a
	// pending txID. ok is false if txID is unknown.
	Lookup(txID uint64) (filename string, startFrame int, ok bool)
	// IsLeader reports whether txID was originated by this node's own
	// leader, as opposed to replicated from a peer.
	IsLeader(txID uint64) bool
	// End clears a pending txID, successfully applied or rolled back.
	End(txID uint64)
}

// FSM applies replicated commands against a vfs.Store, satisfying
// raft.FSM. One FSM instance backs one raft.Raft.
type FSM struct {
	log     *logrus.Entry
	store   *vfs.Store
	pending PendingTracker
}

var _ raft.FSM = (*FSM)(nil)

// New returns an FSM that applies commands against store, tracking
// in-flight transactions through pending.
func New(store *vfs.Store, pending PendingTracker, log *logrus.Entry) *FSM {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FSM{log: log, store: store, pending: pending}
}

// Apply decodes a single log entry and applies it to the page store. Any
// decode or apply error on a follower is unrecoverable: the local state
// has diverged from the committed log, so Apply panics rather than
// returning the error, matching hashicorp/raft's contract that FSM.Apply
// must not fail recoverably. Correctness over availability. CHECKPOINT
// entries are the exception: one naming an unknown database returns a
// NotFound error as the entry's response, and one refused as Busy is
// ignored.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	cmd, err := command.Decode(entry.Data)
	if err != nil {
		f.log.WithError(err).Panic("corrupt command in raft log")
	}

	switch c := cmd.(type) {
	case command.Open:
		f.applyOpen(c)
		return nil
	case command.Frames:
		return f.applyFrames(c)
	case command.Undo:
		f.applyUndo(c)
		return nil
	case command.Checkpoint:
		return f.applyCheckpoint(c)
	default:
		f.log.Panicf("unknown command type %T in raft log", cmd)
		return nil
	}
}

func (f *FSM) applyOpen(c command.Open) {
	db := f.store.GetOrCreate(c.Filename)
	db.Open()
}

func (f *FSM) applyFrames(c command.Frames) error {
	db := f.store.GetOrCreate(c.Filename)
	if db.PageSize == 0 {
		db.PageSize = c.Data.PageSizeBytes()
	}

	if f.pending.IsLeader(c.TxID) {
		// The local leader polled these frames out of its own WAL
		// before proposing them, so they are already present here;
		// only followers append.
		if c.IsCommit {
			f.pending.End(c.TxID)
			vfs.MaybeCheckpoint(db, checkpointThreshold)
		}
		return nil
	}

	startFrame := 0
	if db.WAL != nil {
		startFrame = db.WAL.MxFrame()
	}

	pages := make([]uint32, len(c.Data.PageNumbers))
	for i, n := range c.Data.PageNumbers {
		pages[i] = uint32(n)
	}
	tx := vfs.Transaction{PageNumbers: pages, Pages: c.Data.Pages}

	if err := vfs.Apply(db, tx, c.Truncate, c.IsCommit); err != nil {
		f.log.WithError(err).Panic("failed to apply replicated frames")
	}

	if c.IsCommit {
		f.pending.End(c.TxID)
		vfs.MaybeCheckpoint(db, checkpointThreshold)
	} else if _, _, ok := f.pending.Lookup(c.TxID); !ok {
		f.pending.Begin(c.TxID, c.Filename, startFrame)
	}
	return nil
}

func (f *FSM) applyUndo(c command.Undo) {
	filename, startFrame, ok := f.pending.Lookup(c.TxID)
	if !ok {
		// Nothing pending under this ID; the rollback notice is a
		// no-op, which can happen legitimately on a node that never
		// saw the original FRAMES entries (e.g. joined after a
		// snapshot).
		return
	}
	db := f.store.Get(filename)
	if db != nil && db.WAL != nil {
		if err := vfs.Abort(db, startFrame); err != nil {
			f.log.WithError(err).Panic("failed to undo pending transaction")
		}
	}
	f.pending.End(c.TxID)
}

func (f *FSM) applyCheckpoint(c command.Checkpoint) error {
	db := f.store.Get(c.Filename)
	if db == nil {
		return dqerr.New(dqerr.NotFound, "no such database %q", c.Filename)
	}
	_, err := vfs.Checkpoint(db)
	if err != nil {
		// A Busy checkpoint (reader holding a read mark) is a normal
		// race, not log corruption: a CHECKPOINT command can race a
		// reader on some followers but not others, and all that
		// matters is that the main file and WAL stay logically
		// consistent.
		if code, ok := dqerr.CodeOf(err); ok && code == dqerr.Busy {
			return nil
		}
		f.log.WithError(err).Panic("failed to apply checkpoint")
	}
	return nil
}

// checkpointThreshold is the WAL frame count that triggers an
// opportunistic checkpoint during apply. The FSM replays the same
// decision on every node, so it uses a fixed default rather than
// possibly-divergent local config.
const checkpointThreshold = 1000

// snapshotEntry is one database's on-disk image, as carried in a Raft
// snapshot.
type snapshotEntry struct {
	Filename string
	Main     []byte
	WAL      []byte
	PageSize int
}

// fsmSnapshot implements raft.FSMSnapshot over a point-in-time copy of
// every open database in the store.
type fsmSnapshot struct {
	entries []snapshotEntry
}

// Snapshot captures every database's main file and WAL, to be persisted
// by raft.SnapshotStore and later restored on a new or lagging node.
// It must not observe a database with a write transaction
// in flight: the caller (node/leader wiring) is responsible for quiescing
// writes before invoking this, and Snapshot itself is defensive: a
// snapshot that begins mid-Frames-apply is internally consistent because
// vfs.Database serializes all mutation under its own mutex.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var entries []snapshotEntry
	f.store.ForEach(func(db *vfs.Database) {
		main, wal := db.Snapshot()
		entries = append(entries, snapshotEntry{
			Filename: db.Filename,
			Main:     main,
			WAL:      wal,
			PageSize: db.PageSize,
		})
	})
	return &fsmSnapshot{entries: entries}, nil
}

// Persist writes the snapshot in a simple length-prefixed framing: a
// uint32 entry count, then per entry a length-prefixed filename, a uint32
// page size, and length-prefixed main/WAL blobs.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer func() { _ = sink.Close() }()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(s.entries))); err != nil {
		return errors.Wrap(err, "write entry count")
	}
	for _, e := range s.entries {
		if err := writeLenPrefixed(&buf, []byte(e.Filename)); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.BigEndian, uint32(e.PageSize)); err != nil {
			return errors.Wrap(err, "write page size")
		}
		if err := writeLenPrefixed(&buf, e.Main); err != nil {
			return err
		}
		if err := writeLenPrefixed(&buf, e.WAL); err != nil {
			return err
		}
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "write snapshot sink")
	}
	return nil
}

func (s *fsmSnapshot) Release() {}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(b))); err != nil {
		return errors.Wrap(err, "write length prefix")
	}
	if _, err := buf.Write(b); err != nil {
		return errors.Wrap(err, "write payload")
	}
	return nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "read length prefix")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.Wrap(err, "read payload")
	}
	return b, nil
}

// Restore replaces the entire store's contents with a snapshot taken by
// Persist, discarding whatever state the node previously had. Called by
// hashicorp/raft on startup when a node must catch up from a snapshot
// rather than the full log.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var count uint32
	if err := binary.Read(rc, binary.BigEndian, &count); err != nil {
		return errors.Wrap(err, "read entry count")
	}

	restored := make(map[string]*vfs.Database, count)
	for i := uint32(0); i < count; i++ {
		filenameBytes, err := readLenPrefixed(rc)
		if err != nil {
			return err
		}
		var pageSize uint32
		if err := binary.Read(rc, binary.BigEndian, &pageSize); err != nil {
			return errors.Wrap(err, "read page size")
		}
		main, err := readLenPrefixed(rc)
		if err != nil {
			return err
		}
		wal, err := readLenPrefixed(rc)
		if err != nil {
			return err
		}

		filename := string(filenameBytes)
		db := vfs.NewDatabase(filename)
		if err := db.Restore(main, wal, int(pageSize)); err != nil {
			return errors.Wrapf(err, "restore database %q", filename)
		}
		restored[filename] = db
	}

	f.store.ReplaceAll(restored)
	return nil
}
