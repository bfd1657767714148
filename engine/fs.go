// Package engine defines the abstract boundary around the SQL engine:
// the filesystem operations it calls into the VFS for (open,
// read/write a page, shm map/lock, file control), and the connection
// operations the gateway/leader drive it with (prepare, bind, step,
// finalize). The SQL engine itself is out of scope; this
// package only pins down the shape other packages code against, plus a
// production adapter over mattn/go-sqlite3 and an in-process test double.
//
// The File hierarchy is expressed in pages and frames rather than as a
// byte-offset-addressed vtable. A literal C sqlite3_io_methods shape would
// need raw ReadAt/WriteAt at arbitrary offsets; the replication pipeline
// only ever performs page-aligned main-file I/O and whole-frame WAL I/O,
// so that's the surface the engine boundary exposes.
package engine

// OpenFlags mirrors the subset of SQLite's xOpen flags the VFS cares
// about.
type OpenFlags int

const (
	FlagReadWrite OpenFlags = 1 << iota
	FlagCreate
	FlagExclusive
	FlagDeleteOnClose
	FlagMainDB
	FlagWAL
)

// Kind is the file-type tag a VFS assigns at Open time.
type Kind int

const (
	KindMain Kind = iota
	KindWAL
	KindOther
)

// File is the surface common to every open handle: its kind, pragma
// interception, and close.
type File interface {
	Kind() Kind
	// FileControl handles a named pragma. ok is false when the VFS
	// declines to intercept it (SQLite's NotFound convention) and the
	// caller should fall through to its own handling.
	FileControl(name, value string) (ok bool, err error)
	Close() error
}

// MainFile is a handle to a database's main file: page-aligned reads and
// writes, truncate, size, and the shared-memory index that lives alongside
// it.
type MainFile interface {
	File
	ReadPage(pageNumber uint32, buf []byte) error
	WritePage(pageNumber uint32, buf []byte) error
	TruncatePages(n uint32) error
	SizePages() (uint32, error)

	ShmMap(index int, extend bool) []byte
	ShmLock(offset, n int, exclusive bool) error
	ShmUnlock(offset, n int, exclusive bool)
	ShmBarrier()
}

// WALFile is a handle to the write-ahead log region alongside a main file:
// whole-frame reads/writes's "WAL writes follow the fixed
// pattern: header, then pairs of (frame header, page payload)".
type WALFile interface {
	File
	AppendFrame(pageNumber uint32, page []byte, commitMark uint32) error
	FrameCount() int
	ReadFrame(index int) (pageNumber uint32, page []byte, commitMark uint32, err error)
	TruncateFrames(n int) error
}

// OtherFile is a scratch/temp file with plain byte-offset semantics, used
// for the NULL-filename DELETEONCLOSE case normally forwarded to the host
// VFS.
type OtherFile interface {
	File
	ReadAt(buf []byte, offset int64) (int, error)
	WriteAt(buf []byte, offset int64) (int, error)
	Truncate(size int64) error
}

// FileSystem is the VFS surface: open/delete. Implemented by vfs.VFS.
type FileSystem interface {
	Name() string
	Open(filename string, flags OpenFlags) (File, error)
	Delete(filename string) error
}
