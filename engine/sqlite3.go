package engine

import (
	"database/sql"
	"strings"
	"sync/atomic"

	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/serialize"
	"github.com/mattn/go-sqlite3"
)

// leaderFlag is a process-wide atomic the node wiring toggles as its Raft
// state changes, so that sqlite3Conn.IsLeader has something to read
// without an import cycle back into the node package. One flag per
// registered sqlite3Conn would be more precise; a single process-wide
// flag is sufficient because a process runs exactly one Raft instance.
var leaderFlag int32

// SetLeader is called by the node wiring whenever this node's Raft
// leadership status changes.
func SetLeader(isLeader bool) {
	v := int32(0)
	if isLeader {
		v = 1
	}
	atomic.StoreInt32(&leaderFlag, v)
}

func init() {
	sql.Register("dqlite-sqlite3", &sqlite3.SQLiteDriver{})
}

// sqlite3Conn is a full-SQL Conn backed by mattn/go-sqlite3 through
// database/sql, for callers that need real SQL fidelity and accept
// unreplicated storage.
//
// It opens against the named file directly, NOT through the replicating
// VFS: mattn/go-sqlite3 exposes no sqlite3_vfs registration hook from
// Go, so bridging it to vfs.Store would need a cgo shim this module does
// not carry. Until such a shim exists, writes made through this
// connection bypass Poll/propose/apply entirely; the replication
// pipeline is exercised end-to-end by OpenMemOnVFS connections, whose
// storage is the page store itself.
type sqlite3Conn struct {
	db *sql.DB
}

var _ Conn = (*sqlite3Conn)(nil)

// OpenSQLite3 opens filename (a real path on disk, or ":memory:") as a
// production Conn.
func OpenSQLite3(filename string) (Conn, error) {
	db, err := sql.Open("dqlite-sqlite3", filename+"?_journal_mode=WAL")
	if err != nil {
		return nil, dqerr.Wrap(dqerr.IOReadErr, err, "open sqlite3 connection")
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, dqerr.Wrap(dqerr.IOReadErr, err, "ping sqlite3 connection")
	}
	return &sqlite3Conn{db: db}, nil
}

func (c *sqlite3Conn) Prepare(query string) (Stmt, error) {
	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, dqerr.Wrap(dqerr.Parse, err, "prepare statement")
	}
	return &sqlite3Stmt{stmt: stmt, query: query}, nil
}

func (c *sqlite3Conn) IsLeader() bool {
	return atomic.LoadInt32(&leaderFlag) != 0
}

func (c *sqlite3Conn) Close() error {
	return c.db.Close()
}

// sqlite3Stmt wraps *sql.Stmt. database/sql has no direct sqlite3_step
// equivalent, so Step is emulated through Query/rows.Next, which is
// sufficient for the row-at-a-time contract the gateway needs.
type sqlite3Stmt struct {
	stmt  *sql.Stmt
	query string
	args  []interface{}
	rows  *sql.Rows
	cols  []string
	vals  []serialize.Value

	execDone     bool
	lastInsertID int64
	rowsAffected int64
}

var _ Stmt = (*sqlite3Stmt)(nil)

func (s *sqlite3Stmt) Bind(values []serialize.Value) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		a, err := valueToDriver(v)
		if err != nil {
			return err
		}
		args[i] = a
	}
	s.args = args
	return nil
}

func valueToDriver(v serialize.Value) (interface{}, error) {
	switch v.Type {
	case serialize.TypeInteger, serialize.TypeBoolean, serialize.TypeUnixtime:
		return v.Integer, nil
	case serialize.TypeFloat:
		return v.Float, nil
	case serialize.TypeText, serialize.TypeISO8601:
		return v.Text, nil
	case serialize.TypeBlob:
		return v.Blob, nil
	case serialize.TypeNull:
		return nil, nil
	default:
		return nil, dqerr.New(dqerr.Parse, "unsupported bind value type %d", v.Type)
	}
}

// producesRows reports whether this statement yields a result set.
// database/sql splits the two execution paths (Query vs Exec) where
// sqlite3_step does not, and only the Exec path surfaces last-insert-id
// and rows-affected.
func (s *sqlite3Stmt) producesRows() bool {
	q := strings.ToUpper(strings.TrimSpace(s.query))
	for _, prefix := range []string{"SELECT", "WITH", "PRAGMA", "EXPLAIN"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (s *sqlite3Stmt) Step() (StepResult, error) {
	if !s.producesRows() {
		if s.execDone {
			return StepDone, nil
		}
		res, err := s.stmt.Exec(s.args...)
		if err != nil {
			return StepError, dqerr.Wrap(dqerr.Constraint, err, "execute statement")
		}
		s.execDone = true
		if id, err := res.LastInsertId(); err == nil {
			s.lastInsertID = id
		}
		if n, err := res.RowsAffected(); err == nil {
			s.rowsAffected = n
		}
		return StepDone, nil
	}

	if s.rows == nil {
		rows, err := s.stmt.Query(s.args...)
		if err != nil {
			return StepError, dqerr.Wrap(dqerr.Constraint, err, "step statement")
		}
		s.rows = rows
		cols, err := rows.Columns()
		if err != nil {
			return StepError, dqerr.Wrap(dqerr.IOReadErr, err, "read columns")
		}
		s.cols = cols
	}

	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return StepError, dqerr.Wrap(dqerr.IOReadErr, err, "iterate rows")
		}
		return StepDone, nil
	}

	dest := make([]interface{}, len(s.cols))
	for i := range dest {
		dest[i] = new(interface{})
	}
	if err := s.rows.Scan(dest...); err != nil {
		return StepError, dqerr.Wrap(dqerr.IOReadErr, err, "scan row")
	}

	vals := make([]serialize.Value, len(dest))
	for i, d := range dest {
		v, err := driverToValue(*(d.(*interface{})))
		if err != nil {
			return StepError, err
		}
		vals[i] = v
	}
	s.vals = vals
	return StepRow, nil
}

func driverToValue(v interface{}) (serialize.Value, error) {
	switch t := v.(type) {
	case nil:
		return serialize.Value{Type: serialize.TypeNull}, nil
	case int64:
		return serialize.Value{Type: serialize.TypeInteger, Integer: t}, nil
	case float64:
		return serialize.Value{Type: serialize.TypeFloat, Float: t}, nil
	case string:
		return serialize.Value{Type: serialize.TypeText, Text: t}, nil
	case []byte:
		return serialize.Value{Type: serialize.TypeBlob, Blob: t}, nil
	default:
		return serialize.Value{}, dqerr.New(dqerr.Parse, "unsupported column value type %T", v)
	}
}

func (s *sqlite3Stmt) Columns() []serialize.Value { return s.vals }
func (s *sqlite3Stmt) ColumnNames() []string       { return s.cols }

func (s *sqlite3Stmt) LastInsertRowID() int64 { return s.lastInsertID }
func (s *sqlite3Stmt) RowsAffected() int64    { return s.rowsAffected }

func (s *sqlite3Stmt) Tail() string { return "" }

func (s *sqlite3Stmt) Reset() error {
	if s.rows != nil {
		s.rows.Close()
		s.rows = nil
	}
	s.cols = nil
	s.vals = nil
	s.execDone = false
	return nil
}

func (s *sqlite3Stmt) Finalize() error {
	if s.rows != nil {
		s.rows.Close()
	}
	return s.stmt.Close()
}
