// Package dqliteclient is a reference client: a minimal driver that
// issues the full request vocabulary against a gateway.Gateway directly,
// so that end-to-end behavior can be exercised in-process without a wire
// codec.
package dqliteclient

import (
	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/gateway"
	"github.com/canonical/dqlite-core/serialize"
	"github.com/google/uuid"
)

// Client drives a gateway.Gateway the way a real wire client would drive
// a connection: open once, prepare/exec/query/finalize any number of
// statements, close.
type Client struct {
	id string
	gw *gateway.Gateway
}

// Connect opens filename against gw and returns a Client bound to it:
// the usual dial-then-configure shape, minus any network transport.
func Connect(gw *gateway.Gateway, filename string) (*Client, error) {
	if err := gw.Open(filename); err != nil {
		return nil, err
	}
	return &Client{id: uuid.NewString(), gw: gw}, nil
}

// ID identifies this client's connection, for log correlation.
func (c *Client) ID() string { return c.id }

// Statement is a handle returned by Prepare, usable with Exec/Query/
// Finalize.
type Statement struct {
	id uint64
	gw *gateway.Gateway
}

// Prepare compiles sql against the client's open database.
func (c *Client) Prepare(sql string) (*Statement, error) {
	id, err := c.gw.Prepare(sql)
	if err != nil {
		return nil, err
	}
	return &Statement{id: id, gw: c.gw}, nil
}

// Exec binds params and runs stmt to completion, returning the exec-style
// result.
func (s *Statement) Exec(params ...serialize.Value) (ExecResult, error) {
	result, err := s.gw.Exec(s.id, params)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{LastInsertRowID: result.LastInsertRowID, RowsAffected: result.RowsAffected}, nil
}

// Query binds params and drains stmt's full result set, concatenating
// every streamed chunk.
func (s *Statement) Query(params ...serialize.Value) (QueryResult, error) {
	chunks, err := s.gw.Query(s.id, params)
	if err != nil {
		return QueryResult{}, err
	}
	return concatChunks(chunks), nil
}

// Finalize releases the prepared statement.
func (s *Statement) Finalize() error {
	return s.gw.Finalize(s.id)
}

// ExecResult carries the two counters an exec-style statement reports.
type ExecResult struct {
	LastInsertRowID int64
	RowsAffected    int64
}

// QueryResult is a fully materialized result set, with the PART/DONE
// chunking already resolved away.
type QueryResult struct {
	Columns []string
	Rows    [][]serialize.Value
}

func concatChunks(chunks []gateway.RowsChunk) QueryResult {
	var out QueryResult
	for _, c := range chunks {
		if out.Columns == nil {
			out.Columns = c.Columns
		}
		out.Rows = append(out.Rows, c.Values...)
	}
	return out
}

// ExecSQL runs sql directly against the client's connection without a
// persistent statement handle, supporting multi-statement text.
func (c *Client) ExecSQL(sql string, params ...serialize.Value) (ExecResult, error) {
	result, err := c.gw.ExecSQL(sql, params)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{LastInsertRowID: result.LastInsertRowID, RowsAffected: result.RowsAffected}, nil
}

// QuerySQL runs sql directly and drains its full result set.
func (c *Client) QuerySQL(sql string, params ...serialize.Value) (QueryResult, error) {
	chunks, err := c.gw.QuerySQL(sql, params)
	if err != nil {
		return QueryResult{}, err
	}
	return concatChunks(chunks), nil
}

// Interrupt stops the connection's current row-producing request.
func (c *Client) Interrupt() error { return c.gw.Interrupt() }

// Close releases the client's database handle.
func (c *Client) Close() error { return c.gw.Close() }

// MustValue is a small test convenience building a serialize.Value from a
// Go literal, so scenario tests can write Exec(MustValue(1)) rather than
// spelling out the tagged union by hand. Panics on an unsupported type,
// which is only ever a test-authoring mistake, never a runtime condition.
func MustValue(v interface{}) serialize.Value {
	switch t := v.(type) {
	case int:
		return serialize.Value{Type: serialize.TypeInteger, Integer: int64(t)}
	case int64:
		return serialize.Value{Type: serialize.TypeInteger, Integer: t}
	case float64:
		return serialize.Value{Type: serialize.TypeFloat, Float: t}
	case string:
		return serialize.Value{Type: serialize.TypeText, Text: t}
	case []byte:
		return serialize.Value{Type: serialize.TypeBlob, Blob: t}
	case nil:
		return serialize.Value{Type: serialize.TypeNull}
	default:
		panic(dqerr.New(dqerr.Parse, "unsupported literal type %T", v))
	}
}
