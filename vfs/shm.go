package vfs

import (
	"sync"

	"github.com/canonical/dqlite-core/dqerr"
)

// ShmRegionSize is the chunk size shared-memory regions are allocated in,
//
const ShmRegionSize = 32 * 1024

// NLock is the number of lock slots in the WAL-index lock table.
const NLock = 8

// Named lock slots, mirroring SQLite's own wal-index layout: slot 0 is the
// write lock, slots 3..7 hold the read marks.
const (
	LockWrite      = 0
	LockCheckpoint = 1
	LockRecover    = 2
)

// LockRead returns the slot number for read-mark i (0..4).
func LockRead(i int) int { return 3 + i }

// Shm is the shared-memory index region of a database: an on-demand
// allocated array of 32 KiB chunks, plus the lock table backing xShmLock.
// Single-process semantics: Barrier and unmap-on-checkpoint are no-ops.
type Shm struct {
	mu        sync.Mutex
	regions   [][]byte
	shared    [NLock]int
	exclusive [NLock]int
}

// NewShm returns an empty shared-memory region.
func NewShm() *Shm {
	return &Shm{}
}

// Map returns the region at index, allocating on demand if extend is true.
// If extend is false and the slot hasn't been allocated yet, it returns nil
// without error
func (s *Shm) Map(index int, extend bool) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.regions) <= index {
		if !extend {
			return nil
		}
		s.regions = append(s.regions, make([]byte, ShmRegionSize))
	}
	return s.regions[index]
}

// Lock acquires a shared or exclusive lock over slots [offset, offset+n).
// LOCK+SHARED fails with Busy if any exclusive count is nonzero in range;
// otherwise increments each slot's shared count. LOCK+EXCLUSIVE fails if
// any shared or exclusive count is nonzero in range; otherwise sets each
// slot's exclusive count to 1.
func (s *Shm) Lock(offset, n int, exclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := offset; i < offset+n; i++ {
		if exclusive {
			if s.shared[i] != 0 || s.exclusive[i] != 0 {
				return dqerr.New(dqerr.Busy, "shm slot %d held", i)
			}
		} else {
			if s.exclusive[i] != 0 {
				return dqerr.New(dqerr.Busy, "shm slot %d exclusively held", i)
			}
		}
	}
	for i := offset; i < offset+n; i++ {
		if exclusive {
			s.exclusive[i] = 1
		} else {
			s.shared[i]++
		}
	}
	return nil
}

// Unlock releases a shared or exclusive lock over slots [offset,
// offset+n). Releasing a lock that was never acquired is a no-op:
// idempotent release is required so the SQL engine's open sequence works
// unchanged.
func (s *Shm) Unlock(offset, n int, exclusive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := offset; i < offset+n; i++ {
		if exclusive {
			s.exclusive[i] = 0
		} else if s.shared[i] > 0 {
			s.shared[i]--
		}
	}
}

// TryExclusiveAll attempts to take an exclusive lock on every one of the
// read-mark slots (3..7), used by checkpoint to verify no reader holds a
// snapshot above frame 0. Returns Busy if any slot is currently held.
func (s *Shm) TryExclusiveAll(slots []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, i := range slots {
		if s.shared[i] != 0 || s.exclusive[i] != 0 {
			return dqerr.New(dqerr.Busy, "read mark slot %d held", i)
		}
	}
	for _, i := range slots {
		s.exclusive[i] = 1
	}
	return nil
}

// ReleaseAll clears the exclusive bit on the given slots (the counterpart
// to TryExclusiveAll).
func (s *Shm) ReleaseAll(slots []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range slots {
		s.exclusive[i] = 0
	}
}

// Barrier is a no-op under single-process semantics.
func (s *Shm) Barrier() {}
