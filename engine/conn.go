package engine

import "github.com/canonical/dqlite-core/serialize"

// StepResult is what Conn.Step reports after advancing a statement one
// row, matching the sqlite3_step outcomes the gateway dispatches on.
type StepResult int

const (
	StepDone StepResult = iota
	StepRow
	StepError
)

// Conn is a single SQL connection, opened against a FileSystem-backed
// database. It is the boundary with the SQL engine itself: everything
// above this interface (leader, gateway) is this repository's own code;
// everything below (the actual B-tree/query planner/VM) is not.
type Conn interface {
	// Prepare compiles sql into a Stmt. Neither implementation in this
	// package splits multi-statement text: the whole text is prepared and
	// Stmt.Tail is always empty (the gateway splits on ';' itself).
	Prepare(sql string) (Stmt, error)
	// IsLeader reports whether the underlying Raft node currently
	// believes itself to be leader, checked at begin time for write
	// transactions.
	IsLeader() bool
	// Close releases the connection and its underlying file handles.
	Close() error
}

// Stmt is a single compiled statement, bound and stepped by the leader's
// exec/query dispatch.
type Stmt interface {
	// Bind walks values into the statement's positional parameters in
	// order. In the memEngine, if values has fewer entries than the
	// statement has parameters, the extras are left unbound (read as
	// integer 0) and execution proceeds. The sqlite3 adapter passes the
	// values to database/sql, which fails the statement on a count
	// mismatch.
	Bind(values []serialize.Value) error
	// Step advances execution by one row. On StepRow, Columns returns
	// that row's values.
	Step() (StepResult, error)
	// Columns returns the current row's column values, valid only
	// immediately after Step returns StepRow.
	Columns() []serialize.Value
	// ColumnNames returns the result set's column names, stable across
	// the statement's lifetime.
	ColumnNames() []string
	// LastInsertRowID and RowsAffected report the exec-style results
	// a RESULT response carries back to the client.
	LastInsertRowID() int64
	RowsAffected() int64
	// Tail is reserved for SQL text following this statement in the
	// buffer Prepare was given; both implementations return "".
	Tail() string
	// Reset rewinds the statement so it can be stepped again with new
	// bindings, without recompiling.
	Reset() error
	// Finalize releases the statement.
	Finalize() error
}
