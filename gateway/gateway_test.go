package gateway_test

import (
	"testing"
	"time"

	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/engine"
	"github.com/canonical/dqlite-core/fsm"
	"github.com/canonical/dqlite-core/gateway"
	"github.com/canonical/dqlite-core/registry"
	"github.com/canonical/dqlite-core/serialize"
	"github.com/canonical/dqlite-core/vfs"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

// fsmProposer is a leader.Proposer that commits every proposal
// immediately by applying it to one or more state machines, standing in
// for a quorum of one.
type fsmProposer struct {
	fsms    []*fsm.FSM
	state   raft.RaftState
	applied uint64
}

func (p *fsmProposer) Apply(cmd []byte, _ time.Duration) raft.ApplyFuture {
	p.applied++
	entry := &raft.Log{Index: p.applied, Data: append([]byte(nil), cmd...)}
	for _, f := range p.fsms {
		f.Apply(entry)
	}
	return &fakeFuture{index: p.applied}
}

func (p *fsmProposer) State() raft.RaftState { return p.state }
func (p *fsmProposer) AppliedIndex() uint64  { return p.applied }

type fakeFuture struct{ index uint64 }

func (f *fakeFuture) Error() error          { return nil }
func (f *fakeFuture) Index() uint64         { return f.index }
func (f *fakeFuture) Response() interface{} { return nil }

// fakeBarrier satisfies gateway.Barrier without a running raft.Raft.
type fakeBarrier struct{}

func (fakeBarrier) Barrier(timeout time.Duration) raft.Future { return &fakeFuture{} }

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	store := vfs.NewStore()
	reg := registry.New(store)
	f := fsm.New(store, reg, nil)
	fs := vfs.New("test", store)
	return gateway.New(reg, store, fakeBarrier{}, &fsmProposer{fsms: []*fsm.FSM{f}, state: raft.Leader},
		func(filename string) (engine.Conn, error) { return engine.OpenMemOnVFS(filename, fs) },
		500*time.Millisecond, nil)
}

// Open, prepare/exec a CREATE TABLE and INSERT, prepare/query a SELECT
// MAX, finalize, close.
func TestGatewayOpenPrepareExecQuery(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))

	createID, err := g.Prepare("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	_, err = g.Exec(createID, nil)
	require.NoError(t, err)
	require.NoError(t, g.Finalize(createID))

	insertID, err := g.Prepare("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	result, err := g.Exec(insertID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.RowsAffected)
	require.NoError(t, g.Finalize(insertID))

	selectID, err := g.Prepare("SELECT MAX(n) FROM t")
	require.NoError(t, err)
	chunks, err := g.Query(selectID, nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, gateway.EOFDone, chunks[0].EOF)
	require.Equal(t, int64(1), chunks[0].Values[0][0].Integer)
	require.NoError(t, g.Finalize(selectID))

	require.NoError(t, g.Close())
}

func TestGatewayRefusesSecondOpenOnSameConnection(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))
	err := g.Open(t.Name())
	require.Error(t, err)
	require.True(t, dqerr.Is(err, dqerr.Busy))
}

func TestGatewayExecSQLMultiStatement(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))

	_, err := g.ExecSQL("CREATE TABLE t(n INT); INSERT INTO t VALUES (1); INSERT INTO t VALUES (2)", nil)
	require.NoError(t, err)

	chunks, err := g.QuerySQL("SELECT COUNT(*) FROM t", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, int64(2), chunks[0].Values[0][0].Integer)
}

func TestGatewayQueryChunksLargeResult(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))

	_, err := g.ExecSQL("CREATE TABLE t(n INT)", nil)
	require.NoError(t, err)
	for i := 0; i < gateway.RowsPerChunk+5; i++ {
		_, err := g.ExecSQL("INSERT INTO t VALUES (1)", nil)
		require.NoError(t, err)
	}

	chunks, err := g.QuerySQL("SELECT * FROM t", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, gateway.EOFPart, chunks[0].EOF)
	require.Equal(t, gateway.EOFDone, chunks[1].EOF)
	require.Len(t, chunks[0].Values, gateway.RowsPerChunk)
	require.Len(t, chunks[1].Values, 5)
}

// PRAGMA delete_database only takes effect if the transaction that issued
// it commits with no other write in it.
func TestGatewayDeleteDatabaseAppliesOnCleanCommit(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))
	_, err := g.ExecSQL("CREATE TABLE t(n INT)", nil)
	require.NoError(t, err)

	_, err = g.ExecSQL("BEGIN IMMEDIATE; PRAGMA delete_database; COMMIT", nil)
	require.NoError(t, err)

	require.NoError(t, g.Close())
}

func TestGatewayDeleteDatabaseDroppedByOtherWriteInSameTx(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))
	_, err := g.ExecSQL("CREATE TABLE t(n INT)", nil)
	require.NoError(t, err)

	_, err = g.ExecSQL("BEGIN IMMEDIATE; PRAGMA delete_database; INSERT INTO t VALUES (1); COMMIT", nil)
	require.NoError(t, err)

	// The delete was dropped, so the table this connection wrote to is
	// still there to query.
	chunks, err := g.QuerySQL("SELECT COUNT(*) FROM t", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), chunks[0].Values[0][0].Integer)
}

type recordingTracer struct {
	events []string
}

func (r *recordingTracer) Trace(id, op string) {
	r.events = append(r.events, op)
}

func TestGatewayTracerObservesRequests(t *testing.T) {
	g := newTestGateway(t)
	tracer := &recordingTracer{}
	g.SetTracer(tracer)

	require.NoError(t, g.Open(t.Name()))
	_, err := g.ExecSQL("CREATE TABLE t(n INT)", nil)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	require.Contains(t, tracer.events, "open")
	require.Contains(t, tracer.events, "exec_sql")
	require.Contains(t, tracer.events, "close")
}

func TestGatewayInsertWithParams(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))
	_, err := g.ExecSQL("CREATE TABLE t(n INT)", nil)
	require.NoError(t, err)

	id, err := g.Prepare("INSERT INTO t VALUES (?)")
	require.NoError(t, err)
	_, err = g.Exec(id, []serialize.Value{{Type: serialize.TypeInteger, Integer: 42}})
	require.NoError(t, err)

	chunks, err := g.QuerySQL("SELECT * FROM t", nil)
	require.NoError(t, err)
	require.Equal(t, int64(42), chunks[0].Values[0][0].Integer)
}

func TestGatewayDeleteDatabaseRefusedOutsideImmediateTx(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.Open(t.Name()))

	_, err := g.ExecSQL("PRAGMA delete_database", nil)
	require.Error(t, err)
	require.True(t, dqerr.Is(err, dqerr.Protocol))

	// A deferred BEGIN isn't enough either; the transaction must take
	// the write lock up front.
	_, err = g.ExecSQL("BEGIN; PRAGMA delete_database; COMMIT", nil)
	require.Error(t, err)
	require.True(t, dqerr.Is(err, dqerr.Protocol))
}
