package vfs

import (
	"sync"

	"github.com/canonical/dqlite-core/dqerr"
)

// Database is the in-memory backing store for one named database: its main
// file's page array, the WAL region sitting alongside it, and the
// shared-memory index.
type Database struct {
	mu sync.Mutex

	Filename string
	// PageSize is 0 until the first write determines it.
	PageSize int

	pages map[uint32][]byte // 1-based page number -> page bytes
	size  uint32             // database size in pages

	WAL *WAL
	Shm *Shm

	// openCount tracks outstanding open handles across all file kinds
	// (main, WAL, other) for this database, used by xDelete's refcount
	// check.
	openCount int

	// Tracer receives one event per Poll/Apply/Abort/Checkpoint against
	// this database. Defaults to NopTracer; set via Store.SetTracer.
	Tracer Tracer
}

// NewDatabase creates an empty, not-yet-initialized database entry.
func NewDatabase(filename string) *Database {
	return &Database{
		Filename: filename,
		pages:    make(map[uint32][]byte),
		Shm:      NewShm(),
		Tracer:   NopTracer,
	}
}

// Open increments the open-handle refcount.
func (d *Database) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCount++
}

// Close decrements the open-handle refcount.
func (d *Database) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openCount > 0 {
		d.openCount--
	}
}

// RefCount returns the number of outstanding open handles.
func (d *Database) RefCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCount
}

// WALFrameCount returns the number of frames currently in the WAL region,
// 0 if none exists yet.
func (d *Database) WALFrameCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WAL == nil {
		return 0
	}
	return len(d.WAL.Frames)
}

// SizePages returns the current database size in pages.
func (d *Database) SizePages() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// ReadPage returns a copy of page n (1-based). A read past EOF, or any
// read on an empty file, fails with IOShortRead and zeroes the
// destination buffer.
func (d *Database) ReadPage(n uint32, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.pages[n]
	if !ok || n == 0 || n > d.size {
		for i := range dst {
			dst[i] = 0
		}
		return dqerr.New(dqerr.IOShortRead, "short read on page %d (size %d)", n, d.size)
	}
	copy(dst, page)
	return nil
}

// WritePage writes page n, which must either replace an existing page or
// extend the database by exactly one page.
func (d *Database) WritePage(n uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n == 0 {
		return dqerr.New(dqerr.IOWriteErr, "page numbers are 1-based")
	}
	if n > d.size+1 {
		return dqerr.New(dqerr.IOWriteErr, "write to page %d would skip pages (size %d)", n, d.size)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	d.pages[n] = buf
	if n > d.size {
		d.size = n
	}
	return nil
}

// Truncate shrinks the database to sizePages, which must not exceed the
// current size.
func (d *Database) Truncate(sizePages uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sizePages > d.size {
		return dqerr.New(dqerr.IOTruncateErr, "truncate %d exceeds current size %d", sizePages, d.size)
	}
	for n := sizePages + 1; n <= d.size; n++ {
		delete(d.pages, n)
	}
	d.size = sizePages
	return nil
}

// Snapshot returns the database's main-file bytes, concatenating pages 1..size
// in order, and the current WAL bytes, for use by fsm.Snapshot.
func (d *Database) Snapshot() (main []byte, wal []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	main = make([]byte, int(d.size)*d.PageSize)
	for n := uint32(1); n <= d.size; n++ {
		p := d.pages[n]
		copy(main[int(n-1)*d.PageSize:], p)
	}

	if d.WAL == nil {
		return main, nil
	}
	wal = EncodeWALHeader(d.WAL.Header)
	for _, f := range d.WAL.Frames {
		wal = append(wal, encodeFrameHeader(f.Header)...)
		wal = append(wal, f.Page...)
	}
	return main, wal
}

// Restore replaces the database's main file and WAL contents from the
// bytes produced by Snapshot.
func (d *Database) Restore(main []byte, wal []byte, pageSize int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.PageSize = pageSize
	d.pages = make(map[uint32][]byte)
	d.size = 0
	if pageSize > 0 {
		n := uint32(len(main) / pageSize)
		for i := uint32(0); i < n; i++ {
			page := make([]byte, pageSize)
			copy(page, main[int(i)*pageSize:int(i+1)*pageSize])
			d.pages[i+1] = page
		}
		d.size = n
	}

	if len(wal) == 0 {
		d.WAL = NewWAL(pageSize, int64(len(main)))
		return nil
	}
	hdr, err := DecodeWALHeader(wal)
	if err != nil {
		return err
	}
	w := NewWAL(pageSize, int64(len(main)))
	w.Header = hdr
	off := walHeaderSize
	for off+frameHeaderSize <= len(wal) {
		fh, err := decodeFrameHeader(wal[off:])
		if err != nil {
			return err
		}
		off += frameHeaderSize
		if off+pageSize > len(wal) {
			return dqerr.New(dqerr.Corrupt, "truncated WAL frame payload")
		}
		page := make([]byte, pageSize)
		copy(page, wal[off:off+pageSize])
		off += pageSize
		w.Frames = append(w.Frames, walFrame{Header: fh, Page: page})
	}
	d.WAL = w
	return nil
}
