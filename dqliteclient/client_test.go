package dqliteclient_test

import (
	"strings"
	"testing"
	"time"

	"github.com/canonical/dqlite-core/dqliteclient"
	"github.com/canonical/dqlite-core/engine"
	"github.com/canonical/dqlite-core/fsm"
	"github.com/canonical/dqlite-core/gateway"
	"github.com/canonical/dqlite-core/registry"
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

// CREATE TABLE, INSERT, SELECT MAX(n) through the in-process client.
func TestClientCreateInsertSelectMax(t *testing.T) {
	gw := newTestGateway(t)
	c, err := dqliteclient.Connect(gw, t.Name())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ExecSQL("CREATE TABLE t(n INT)")
	require.NoError(t, err)

	insert, err := c.Prepare("INSERT INTO t VALUES (?)")
	require.NoError(t, err)
	result, err := insert.Exec(dqliteclient.MustValue(1))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.RowsAffected)
	require.NoError(t, insert.Finalize())

	selectMax, err := c.Prepare("SELECT MAX(n) FROM t")
	require.NoError(t, err)
	rows, err := selectMax.Query()
	require.NoError(t, err)
	require.Len(t, rows.Rows, 1)
	require.Equal(t, int64(1), rows.Rows[0][0].Integer)
	require.NoError(t, selectMax.Finalize())
}

// A rolled-back write is invisible, a subsequently committed one is
// visible, all through ExecSQL multi-statement text.
func TestClientRollbackThenCommitVisibility(t *testing.T) {
	gw := newTestGateway(t)
	c, err := dqliteclient.Connect(gw, t.Name())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ExecSQL("CREATE TABLE t(n INT)")
	require.NoError(t, err)

	_, err = c.ExecSQL("BEGIN; INSERT INTO t VALUES (1); ROLLBACK")
	require.NoError(t, err)

	_, err = c.ExecSQL("BEGIN; INSERT INTO t VALUES (2); COMMIT")
	require.NoError(t, err)

	rows, err := c.QuerySQL("SELECT COUNT(*) FROM t")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows.Rows[0][0].Integer)
}

// A gateway only ever opens one database per connection; a second Connect
// against the same Gateway must fail the way a second wire Open would.
func TestClientSecondOpenOnSameConnectionFails(t *testing.T) {
	gw := newTestGateway(t)
	c, err := dqliteclient.Connect(gw, t.Name())
	require.NoError(t, err)
	defer c.Close()

	_, err = dqliteclient.Connect(gw, t.Name())
	require.Error(t, err)
}

func TestClientQueryChunksLargeResult(t *testing.T) {
	gw := newTestGateway(t)
	c, err := dqliteclient.Connect(gw, t.Name())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ExecSQL("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	for i := 0; i < gateway.RowsPerChunk+5; i++ {
		_, err := c.ExecSQL("INSERT INTO t VALUES (1)")
		require.NoError(t, err)
	}

	rows, err := c.QuerySQL("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, rows.Rows, gateway.RowsPerChunk+5)
}

// A single TEXT column of 20,000,000 bytes survives insert, twice over.
func TestClientLargeTextInsert(t *testing.T) {
	gw := newTestGateway(t)
	c, err := dqliteclient.Connect(gw, t.Name())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ExecSQL("CREATE TABLE t(s TEXT)")
	require.NoError(t, err)

	big := strings.Repeat("x", 20_000_000)
	insert, err := c.Prepare("INSERT INTO t VALUES (?)")
	require.NoError(t, err)
	defer insert.Finalize()

	result, err := insert.Exec(dqliteclient.MustValue(big))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.RowsAffected)

	result, err = insert.Exec(dqliteclient.MustValue(big))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.RowsAffected)

	rows, err := c.QuerySQL("SELECT COUNT(*) FROM t")
	require.NoError(t, err)
	require.Equal(t, int64(2), rows.Rows[0][0].Integer)
}

// A commit made through a leader gateway on one store is applied to a
// second store's state machine and becomes visible to a connection
// reading over there: the full write path, from SQL text to replicated
// page frames to a follower's result set.
func TestClientReplicationAcrossStores(t *testing.T) {
	storeA := vfs.NewStore()
	regA := registry.New(storeA)
	fsmA := fsm.New(storeA, regA, nil)
	fsA := vfs.New("node-a", storeA)

	storeB := vfs.NewStore()
	regB := registry.New(storeB)
	fsmB := fsm.New(storeB, regB, nil)
	fsB := vfs.New("node-b", storeB)

	proposer := &fsmProposer{fsms: []*fsm.FSM{fsmA, fsmB}, state: raft.Leader}
	gw := gateway.New(regA, storeA, fakeBarrier{}, proposer,
		func(filename string) (engine.Conn, error) { return engine.OpenMemOnVFS(filename, fsA) },
		500*time.Millisecond, nil)

	c, err := dqliteclient.Connect(gw, "replicated.db")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ExecSQL("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	_, err = c.ExecSQL("INSERT INTO t VALUES (42)")
	require.NoError(t, err)

	// The follower's page store received the frames.
	db := storeB.Get("replicated.db")
	require.NotNil(t, db)
	require.NotNil(t, db.WAL)
	require.NotEqual(t, 0, db.WAL.MxFrame())

	// A connection over the follower's store decodes them back into
	// rows.
	follower, err := engine.OpenMemOnVFS("replicated.db", fsB)
	require.NoError(t, err)
	defer follower.Close()

	stmt, err := follower.Prepare("SELECT MAX(n) FROM t")
	require.NoError(t, err)
	res, err := stmt.Step()
	require.NoError(t, err)
	require.Equal(t, engine.StepRow, res)
	require.Equal(t, int64(42), stmt.Columns()[0].Integer)
}
