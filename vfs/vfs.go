package vfs

import (
	"strconv"
	"strings"

	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/engine"
)

// VFS impersonates the SQL engine's file interface against a Store. It is
// registered under a user-chosen name at priority 0 (non-default).
type VFS struct {
	name  string
	store *Store
}

var _ engine.FileSystem = (*VFS)(nil)

// New returns a VFS named name, backed by store.
func New(name string, store *Store) *VFS {
	return &VFS{name: name, store: store}
}

func (v *VFS) Name() string { return v.name }

// Store returns the page store backing this VFS, for callers (leader,
// fsm) that need direct access to Database entries rather than going
// through the engine.File boundary.
func (v *VFS) Store() *Store { return v.store }

// Open resolves filename to a Store entry and returns a handle of the kind
// determined by flags
//
// EXCLUSIVE|CREATE on an existing file fails with CantOpen (here: a
// dqerr.IOWriteErr carrying the EEXIST-equivalent message). Opening a NULL
// (empty) filename requires FlagDeleteOnClose and is served from an
// in-memory scratch buffer, standing in for forwarding to the host VFS.
func (v *VFS) Open(filename string, flags engine.OpenFlags) (engine.File, error) {
	if filename == "" {
		if flags&engine.FlagDeleteOnClose == 0 {
			return nil, dqerr.New(dqerr.IOWriteErr, "NULL filename requires DELETEONCLOSE")
		}
		return &otherFile{}, nil
	}

	switch {
	case flags&engine.FlagWAL != 0:
		db := v.store.GetOrCreate(mainFilenameFromWAL(filename))
		db.Open()
		return &walFile{db: db}, nil
	case flags&engine.FlagMainDB != 0:
		exists := v.store.Exists(filename)
		if exists && flags&engine.FlagExclusive != 0 && flags&engine.FlagCreate != 0 {
			return nil, dqerr.New(dqerr.IOWriteErr, "file %q exists (EEXIST)", filename)
		}
		db := v.store.GetOrCreate(filename)
		db.Open()
		return &mainFile{db: db}, nil
	default:
		db := v.store.GetOrCreate(filename)
		db.Open()
		return &otherFile{}, nil
	}
}

// mainFilenameFromWAL strips the "-wal" suffix real sqlite appends to
// derive a WAL filename from its main database's filename, so both kinds
// of handle resolve to the same Store entry.
func mainFilenameFromWAL(walFilename string) string {
	return strings.TrimSuffix(walFilename, "-wal")
}

// WALFilename is the inverse of mainFilenameFromWAL, exposed for callers
// that need to construct the companion name.
func WALFilename(mainFilename string) string {
	return mainFilename + "-wal"
}

// Delete removes filename from the store. Refuses if the database still
// has open handles (IODeleteErr) or doesn't exist (NotFound).
func (v *VFS) Delete(filename string) error {
	return v.store.Delete(filename)
}

// fileControlPragma intercepts the page_size and journal_mode pragmas
// on behalf of the file handles. Returning ok=false (the NotFound
// convention) tells the caller to let the SQL engine continue its own
// pragma handling, which is essential for page_size to actually take
// effect on the pager.
func fileControlPragma(db *Database, name, value string) (bool, error) {
	switch name {
	case "page_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return true, dqerr.New(dqerr.IOWriteErr, "invalid page_size %q", value)
		}
		if !ValidPageSize(n) {
			return true, dqerr.New(dqerr.IOWriteErr, "page_size %d must be a power of two in [512,65536]", n)
		}
		if db.PageSize != 0 && db.PageSize != n {
			return true, dqerr.New(dqerr.IOWriteErr, "page_size already fixed at %d", db.PageSize)
		}
		db.PageSize = n
		// NotFound (ok=false, err=nil) tells the engine to continue
		// its own pragma handling path, which is what actually makes
		// the page size take effect on the pager.
		return false, nil
	case "journal_mode":
		if !strings.EqualFold(value, "WAL") {
			return true, dqerr.New(dqerr.IOWriteErr, "only journal_mode=WAL is supported, got %q", value)
		}
		return true, nil
	default:
		return false, nil
	}
}
