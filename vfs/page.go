// Package vfs implements the replicating storage backend: an in-memory page
// store standing in for the SQL engine's main database file, write-ahead
// log, and shared-memory index, plus the VFS surface (engine.FileSystem)
// that mediates access to it and the Poll/Apply/Abort/Checkpoint API that
// turns a committed transaction into a set of frames ready for Raft
// replication.
package vfs

import "github.com/canonical/dqlite-core/dqerr"

// Page sizes are powers of two in [MinPageSize, MaxPageSize]; 1 is the
// on-disk encoding for 65536 (it doesn't fit in the header's uint16 field).
const (
	MinPageSize = 512
	MaxPageSize = 65536
)

// ValidPageSize reports whether n is an acceptable page size: a power of
// two in [512, 65536].
func ValidPageSize(n int) bool {
	if n < MinPageSize || n > MaxPageSize {
		return false
	}
	return n&(n-1) == 0
}

// DecodeHeaderPageSize interprets the raw 16-bit page_size field stored at
// byte offset 16 of page 1, where the value 1 means 65536 (it doesn't fit
// in 16 bits otherwise). Returns a Corrupt error for anything else that
// isn't itself a valid page size.
func DecodeHeaderPageSize(raw uint16) (int, error) {
	if raw == 1 {
		return MaxPageSize, nil
	}
	n := int(raw)
	if !ValidPageSize(n) {
		return 0, dqerr.New(dqerr.Corrupt, "invalid page size encoding %d", raw)
	}
	return n, nil
}

// EncodeHeaderPageSize is the inverse of DecodeHeaderPageSize.
func EncodeHeaderPageSize(n int) uint16 {
	if n == MaxPageSize {
		return 1
	}
	return uint16(n)
}

// Page is one fixed-size block of a database file. Number is 1-based.
type Page struct {
	Number uint32
	Data   []byte
}

// Clone returns a deep copy of p, used whenever a caller must hold a page's
// contents across an operation that may reallocate the owning store, such
// as Poll's caller copying frames before a subsequent Apply or Abort.
func (p Page) Clone() Page {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return Page{Number: p.Number, Data: data}
}
