// Package dqerr defines the domain-level error kinds shared by every layer
// of the replication stack, from the page store up to the gateway.
package dqerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a domain-level error kind, independent of the Go error
// type that carries it. Callers branch on Code rather than matching error
// strings.
type Code int

const (
	// Protocol marks a malformed command, unknown command type, or bad
	// format byte.
	Protocol Code = iota + 1
	// Parse marks a short or invalid serialized primitive.
	Parse
	// IOReadErr marks a page-store read failure.
	IOReadErr
	// IOWriteErr marks a page-store write failure.
	IOWriteErr
	// IOShortRead marks a read that ran past the end of a file.
	IOShortRead
	// IODeleteErr marks a failed file deletion.
	IODeleteErr
	// IOTruncateErr marks an invalid or failed truncate.
	IOTruncateErr
	// IOFsyncErr marks a failed durability sync (unused on the
	// replication-backed hot path but kept for VFS interface parity).
	IOFsyncErr
	// IONotLeader marks an attempt to mutate a database while the local
	// node is not the Raft leader.
	IONotLeader
	// Busy marks a lock conflict the caller may retry.
	Busy
	// BusySnapshot marks a serialization conflict between a read
	// transaction and a concurrent writer.
	BusySnapshot
	// NotFound marks a missing database, statement, or file.
	NotFound
	// NoMem marks an allocation failure.
	NoMem
	// Corrupt marks a page-size or header sanity failure.
	Corrupt
	// Constraint marks a SQL-level constraint violation or other engine
	// error surfaced verbatim to the client.
	Constraint
)

// String renders the code in its canonical form, e.g. "IO:NotLeader".
func (c Code) String() string {
	switch c {
	case Protocol:
		return "Protocol"
	case Parse:
		return "Parse"
	case IOReadErr:
		return "IO:Read"
	case IOWriteErr:
		return "IO:Write"
	case IOShortRead:
		return "IO:Short"
	case IODeleteErr:
		return "IO:Delete"
	case IOTruncateErr:
		return "IO:Truncate"
	case IOFsyncErr:
		return "IO:Fsync"
	case IONotLeader:
		return "IO:NotLeader"
	case Busy:
		return "Busy"
	case BusySnapshot:
		return "BusySnapshot"
	case NotFound:
		return "NotFound"
	case NoMem:
		return "NoMem"
	case Corrupt:
		return "Corrupt"
	case Constraint:
		return "Constraint"
	default:
		return "Unknown"
	}
}

// Error is a domain error carrying a Code alongside the usual message/cause
// chain, so a caller can both log a human-readable message and drive
// control flow off the Code.
type Error struct {
	code  Code
	cause error
}

// New builds an Error with the given code and formatted message.
func New(code Code, format string, args ...interface{}) error {
	return &Error{code: code, cause: fmt.Errorf(format, args...)}
}

// Wrap attaches a code to an existing error, preserving it as the cause.
func Wrap(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, cause: errors.Wrap(err, message)}
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.code, e.cause) }

// Unwrap lets errors.Is/errors.As and github.com/pkg/errors.Cause see
// through to the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the Code carried by err, walking the cause chain. Returns
// false if no *Error is found anywhere in the chain.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.code, true
		}
		cause := errors.Unwrap(err)
		if cause == err {
			break
		}
		err = cause
	}
	return 0, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
