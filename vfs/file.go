package vfs

import (
	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/engine"
)

// mainFile implements engine.MainFile against a Database's page array and
// shm region.
type mainFile struct {
	db *Database
}

var _ engine.MainFile = (*mainFile)(nil)

func (f *mainFile) Kind() engine.Kind { return engine.KindMain }

func (f *mainFile) ReadPage(n uint32, buf []byte) error {
	return f.db.ReadPage(n, buf)
}

func (f *mainFile) WritePage(n uint32, data []byte) error {
	// The first write to a main DB must include the 100-byte header;
	// the page size is extracted from it and frozen.
	if n == 1 && f.db.PageSize == 0 && len(data) >= 18 {
		raw := uint16(data[16])<<8 | uint16(data[17])
		pageSize, err := DecodeHeaderPageSize(raw)
		if err != nil {
			return err
		}
		f.db.PageSize = pageSize
	}
	return f.db.WritePage(n, data)
}

func (f *mainFile) TruncatePages(n uint32) error {
	return f.db.Truncate(n)
}

func (f *mainFile) SizePages() (uint32, error) {
	return f.db.SizePages(), nil
}

func (f *mainFile) ShmMap(index int, extend bool) []byte {
	return f.db.Shm.Map(index, extend)
}

func (f *mainFile) ShmLock(offset, n int, exclusive bool) error {
	return f.db.Shm.Lock(offset, n, exclusive)
}

func (f *mainFile) ShmUnlock(offset, n int, exclusive bool) {
	f.db.Shm.Unlock(offset, n, exclusive)
}

func (f *mainFile) ShmBarrier() { f.db.Shm.Barrier() }

func (f *mainFile) FileControl(name, value string) (bool, error) {
	return fileControlPragma(f.db, name, value)
}

func (f *mainFile) Close() error {
	f.db.Close()
	return nil
}

// walFile implements engine.WALFile against a Database's WAL region.
type walFile struct {
	db *Database
}

var _ engine.WALFile = (*walFile)(nil)

func (f *walFile) Kind() engine.Kind { return engine.KindWAL }

// ensureWAL lazily creates the WAL region, resolving its page size from
// the main database's page size on first access.
func (f *walFile) ensureWAL() {
	if f.db.WAL == nil {
		f.db.WAL = NewWAL(f.db.PageSize, int64(len(f.db.Filename)+1))
	}
	if f.db.WAL.PageSize == 0 && f.db.PageSize != 0 {
		f.db.WAL.PageSize = f.db.PageSize
		f.db.WAL.Header.PageSize = uint32(f.db.PageSize)
	}
}

func (f *walFile) AppendFrame(pageNumber uint32, page []byte, commitMark uint32) error {
	f.ensureWAL()
	f.db.WAL.AppendFrame(pageNumber, page, commitMark)
	return nil
}

func (f *walFile) FrameCount() int {
	f.ensureWAL()
	return f.db.WAL.MxFrame()
}

func (f *walFile) ReadFrame(index int) (uint32, []byte, uint32, error) {
	f.ensureWAL()
	if index < 0 || index >= len(f.db.WAL.Frames) {
		return 0, nil, 0, dqerr.New(dqerr.IOShortRead, "frame %d out of range", index)
	}
	fr := f.db.WAL.Frames[index]
	return fr.Header.PageNumber, fr.Page, fr.Header.CommitMark, nil
}

func (f *walFile) TruncateFrames(n int) error {
	f.ensureWAL()
	if n != 0 {
		// Non-zero WAL truncation outside of a checkpoint is refused,
		//
		return dqerr.New(dqerr.Protocol, "non-zero WAL truncate refused")
	}
	f.db.WAL.Reset()
	return nil
}

func (f *walFile) FileControl(name, value string) (bool, error) { return false, nil }

func (f *walFile) Close() error {
	f.db.Close()
	return nil
}

// otherFile is a scratch/temp file backed by a plain in-memory buffer, used
// for the NULL-filename DELETEONCLOSE case.
type otherFile struct {
	buf []byte
}

var _ engine.OtherFile = (*otherFile)(nil)

func (f *otherFile) Kind() engine.Kind { return engine.KindOther }

func (f *otherFile) ReadAt(dst []byte, offset int64) (int, error) {
	if offset < 0 || int(offset) >= len(f.buf) {
		for i := range dst {
			dst[i] = 0
		}
		return 0, dqerr.New(dqerr.IOShortRead, "short read at offset %d", offset)
	}
	n := copy(dst, f.buf[offset:])
	return n, nil
}

func (f *otherFile) WriteAt(src []byte, offset int64) (int, error) {
	end := int(offset) + len(src)
	if end > len(f.buf) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[offset:end], src)
	return len(src), nil
}

func (f *otherFile) Truncate(size int64) error {
	if int(size) <= len(f.buf) {
		f.buf = f.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, f.buf)
	f.buf = grown
	return nil
}

func (f *otherFile) FileControl(name, value string) (bool, error) { return false, nil }
func (f *otherFile) Close() error                                 { return nil }
