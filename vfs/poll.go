package vfs

import (
	"sort"

	"github.com/canonical/dqlite-core/dqerr"
)

// Transaction is the set of dirty pages a just-committed write transaction
// left at the tail of the WAL, as returned by Poll.
type Transaction struct {
	PageNumbers []uint32
	Pages       [][]byte
}

// NPages returns the number of dirty pages; 0 means no transaction is
// pending.
func (t Transaction) NPages() int { return len(t.PageNumbers) }

// Poll returns the transaction descriptor for the frames most recently
// appended to db's WAL but not yet published, without mutating any state.
// It is a pure inspection: calling it twice in a row returns the same
// result. The returned frame count is the WAL's length at the moment of
// this call (sinceFrame when nothing is pending). To discard the
// transaction, callers pass sinceFrame, not this count, to Abort.
//
// The returned Pages are copies of the frame payloads, so they stay valid
// across a later Apply or Abort.
func Poll(db *Database, sinceFrame int) (Transaction, int) {
	db.Tracer.Trace(db.Filename, "poll")
	db.mu.Lock()
	defer db.mu.Unlock()

	wal := db.WAL
	if wal == nil || wal.MxFrame() <= sinceFrame {
		return Transaction{}, sinceFrame
	}

	tx := Transaction{}
	for i := sinceFrame; i < wal.MxFrame(); i++ {
		f := wal.Frames[i]
		tx.PageNumbers = append(tx.PageNumbers, f.Header.PageNumber)
		page := make([]byte, len(f.Page))
		copy(page, f.Page)
		tx.Pages = append(tx.Pages, page)
	}
	return tx, wal.MxFrame()
}

// Apply publishes a polled (or replicated) transaction: it copies the
// frames into db's canonical WAL, advances mxFrame, and releases the write
// lock (shm slot 0). commit marks whether this is the final (committing)
// batch of frames for the transaction, which sets the commit-mark field on
// the last frame to the database's post-commit size in pages.
//
// Apply tolerates being called against a follower's page store that holds
// no write lock at all.
func Apply(db *Database, tx Transaction, truncate uint32, commit bool) error {
	db.Tracer.Trace(db.Filename, "apply")
	db.mu.Lock()
	if db.WAL == nil {
		db.WAL = NewWAL(db.PageSize, int64(len(db.Filename)))
	}
	wal := db.WAL
	if wal.PageSize == 0 && db.PageSize != 0 {
		wal.PageSize = db.PageSize
		wal.Header.PageSize = uint32(db.PageSize)
	}
	db.mu.Unlock()

	if truncate != 0 {
		// A frames batch reporting a WAL restart resets the log
		// before applying its own frames.
		wal.Reset()
	}

	for i, pgno := range tx.PageNumbers {
		var mark uint32
		if commit && i == len(tx.PageNumbers)-1 {
			mark = dbSizeAfterFrames(db, tx)
		}
		wal.AppendFrame(pgno, tx.Pages[i], mark)
	}

	db.Shm.Unlock(LockWrite, 1, true)
	return nil
}

// dbSizeAfterFrames computes the database size in pages implied by the
// highest page number touched by tx, falling back to the current size.
func dbSizeAfterFrames(db *Database, tx Transaction) uint32 {
	max := db.SizePages()
	for _, pgno := range tx.PageNumbers {
		if pgno > max {
			max = pgno
		}
	}
	return max
}

// Abort truncates the WAL back to mxFrameAtPoll frames, the WAL length
// before the transaction's frames (the sinceFrame its Poll was given), and
// releases the write lock. Readers are unaffected.
func Abort(db *Database, mxFrameAtPoll int) error {
	db.Tracer.Trace(db.Filename, "abort")
	db.mu.Lock()
	wal := db.WAL
	db.mu.Unlock()

	if wal == nil {
		db.Shm.Unlock(LockWrite, 1, true)
		return nil
	}
	if err := wal.TruncateTo(mxFrameAtPoll); err != nil {
		return err
	}
	db.Shm.Unlock(LockWrite, 1, true)
	return nil
}

// readMarkSlots is the set of shm lock slots (3..7) a checkpoint must hold
// exclusively to prove no reader's snapshot extends past frame 0.
func readMarkSlots() []int {
	slots := make([]int, 5)
	for i := range slots {
		slots[i] = LockRead(i)
	}
	return slots
}

// CheckpointResult reports how much of the WAL a checkpoint reclaimed.
type CheckpointResult struct {
	// Log is the number of frames still in the WAL after the attempt.
	Log int
	// Checkpointed is the number of frames copied back to the main file.
	Checkpointed int
}

// Full reports whether the checkpoint fully reclaimed the WAL: no frame
// may remain in the log afterwards.
func (r CheckpointResult) Full() bool { return r.Log == 0 }

// Checkpoint attempts a passive-to-truncate checkpoint on db: it copies
// every WAL frame back to the main file and truncates the WAL to zero
// length. It is refused (Busy) while any read mark is set above 0, checked
// by exclusive-locking the read-mark slots, which must be released again
// regardless of outcome.
func Checkpoint(db *Database) (CheckpointResult, error) {
	db.Tracer.Trace(db.Filename, "checkpoint")
	slots := readMarkSlots()
	if err := db.Shm.TryExclusiveAll(slots); err != nil {
		return CheckpointResult{}, dqerr.Wrap(dqerr.Busy, err, "checkpoint postponed")
	}
	defer db.Shm.ReleaseAll(slots)

	db.mu.Lock()
	wal := db.WAL
	db.mu.Unlock()
	if wal == nil || wal.MxFrame() == 0 {
		return CheckpointResult{}, nil
	}

	// Later frames supersede earlier ones for the same page, and the main
	// file only ever grows one page at a time, so collapse to the newest
	// version of each page and write back in ascending page order.
	latest := make(map[uint32][]byte)
	for _, f := range wal.Frames {
		latest[f.Header.PageNumber] = f.Page
	}
	order := make([]uint32, 0, len(latest))
	for pgno := range latest {
		order = append(order, pgno)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, pgno := range order {
		if err := db.WritePage(pgno, latest[pgno]); err != nil {
			return CheckpointResult{}, err
		}
	}
	n := wal.MxFrame()
	wal.Reset()
	return CheckpointResult{Log: 0, Checkpointed: n}, nil
}

// MaybeCheckpoint opportunistically checkpoints db once its WAL holds at
// least threshold frames. It never fails the surrounding Apply: errors,
// including Busy from an active reader, are swallowed.
func MaybeCheckpoint(db *Database, threshold int) {
	db.mu.Lock()
	wal := db.WAL
	db.mu.Unlock()
	if wal == nil || wal.MxFrame() < threshold {
		return
	}
	_, _ = Checkpoint(db)
}
