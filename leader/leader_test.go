package leader_test

import (
	"testing"
	"time"

	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/engine"
	"github.com/canonical/dqlite-core/fsm"
	"github.com/canonical/dqlite-core/leader"
	"github.com/canonical/dqlite-core/registry"
	"github.com/canonical/dqlite-core/vfs"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

// fsmProposer is a leader.Proposer that commits every proposal
// immediately by applying it to one or more state machines, standing in
// for a quorum of one. State is fixed at construction.
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

// harness bundles one node's worth of state: a page store, the registry
// over it, a state machine applying to it, and a VFS for connections to
// open through.
type harness struct {
	store *vfs.Store
	reg   *registry.Registry
	fsm   *fsm.FSM
	fs    *vfs.VFS
}

func newHarness() *harness {
	store := vfs.NewStore()
	reg := registry.New(store)
	return &harness{
		store: store,
		reg:   reg,
		fsm:   fsm.New(store, reg, nil),
		fs:    vfs.New("test", store),
	}
}

func newTestLeader(t *testing.T, state raft.RaftState, busyTimeout time.Duration) (*leader.Leader, engine.Conn, *harness) {
	t.Helper()
	h := newHarness()
	conn, err := engine.OpenMemOnVFS(t.Name(), h.fs)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	proposer := &fsmProposer{fsms: []*fsm.FSM{h.fsm}, state: state}
	l := leader.New(t.Name(), conn, h.reg, proposer, busyTimeout, nil)
	return l, conn, h
}

// CREATE TABLE t(n INT); INSERT INTO t VALUES (1); SELECT MAX(n) FROM t.
// Every write travels the full path: the engine publishes WAL frames
// through the VFS, the leader polls and proposes them, and the state
// machine resolves the pending transaction.
func TestLeaderExecAndQuery(t *testing.T) {
	l, conn, h := newTestLeader(t, raft.Leader, 500*time.Millisecond)

	stmt, err := conn.Prepare("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	_, err = l.Exec(stmt, nil)
	require.NoError(t, err)

	stmt, err = conn.Prepare("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	result, err := l.Exec(stmt, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.RowsAffected)

	// The commits went through the page store, not around it.
	db := h.store.Get(t.Name())
	require.NotNil(t, db)
	require.NotNil(t, db.WAL)
	require.NotEqual(t, 0, db.WAL.MxFrame())

	stmt, err = conn.Prepare("SELECT MAX(n) FROM t")
	require.NoError(t, err)
	rows, err := l.Query(stmt, nil)
	require.NoError(t, err)
	require.Len(t, rows.Values, 1)
	require.Equal(t, int64(1), rows.Values[0][0].Integer)
}

func TestLeaderRefusesWhenNotLeader(t *testing.T) {
	l, conn, _ := newTestLeader(t, raft.Follower, 10*time.Millisecond)

	stmt, err := conn.Prepare("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	_, err = l.Exec(stmt, nil)
	require.Error(t, err)
	require.True(t, dqerr.Is(err, dqerr.IONotLeader))
}

func TestLeaderRefusesConcurrentOpener(t *testing.T) {
	l, conn, h := newTestLeader(t, raft.Leader, 10*time.Millisecond)
	_, ok := h.reg.TryOpen(t.Name())
	require.True(t, ok)

	stmt, err := conn.Prepare("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	_, err = l.Exec(stmt, nil)
	require.Error(t, err)
	require.True(t, dqerr.Is(err, dqerr.Busy))
}

// Two writers contending for the same database: the second blocks on the
// busy-timeout retry loop and succeeds once the first transaction ends.
func TestLeaderBusyRetryEventuallySucceeds(t *testing.T) {
	l, conn, h := newTestLeader(t, raft.Leader, 500*time.Millisecond)

	h.reg.BeginLeader(99, t.Name(), 0)
	go func() {
		time.Sleep(30 * time.Millisecond)
		h.reg.End(99)
	}()

	stmt, err := conn.Prepare("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	_, err = l.Exec(stmt, nil)
	require.NoError(t, err)
}

// The same contention with a budget too short to outlive the holder is
// reported as Busy rather than blocking forever.
func TestLeaderBusyTimeoutExpires(t *testing.T) {
	l, conn, h := newTestLeader(t, raft.Leader, 20*time.Millisecond)

	h.reg.BeginLeader(100, t.Name(), 0)
	defer h.reg.End(100)

	stmt, err := conn.Prepare("CREATE TABLE t(n INT)")
	require.NoError(t, err)
	_, err = l.Exec(stmt, nil)
	require.Error(t, err)
	require.True(t, dqerr.Is(err, dqerr.Busy))
}
