// Package leader implements the per-writable-connection leader: it owns
// a database's write path, serializing it against a Raft proposal for
// every committing write transaction.
//
// Engines that expose commit hooks switch between a "main" stack and a
// "loop" stack so a step in progress can yield control back to the
// request thread. Go has no portable stack-switching primitive and
// doesn't need one: a goroutine plus a channel handshake gives the same
// "suspend here, resume there" shape without a coroutine library.
package leader

import (
	"time"

	"github.com/canonical/dqlite-core/command"
	"github.com/canonical/dqlite-core/dqerr"
	"github.com/canonical/dqlite-core/engine"
	"github.com/canonical/dqlite-core/registry"
	"github.com/canonical/dqlite-core/serialize"
	"github.com/canonical/dqlite-core/vfs"
	"github.com/hashicorp/raft"
	"github.com/sirupsen/logrus"
)

// Proposer is the subset of *raft.Raft the leader needs: propose a
// command and learn the current Raft state. Expressed as an interface so
// tests can exercise the busy-timeout and failed-proposal paths with a fake.
type Proposer interface {
	Apply(cmd []byte, timeout time.Duration) raft.ApplyFuture
	State() raft.RaftState
	AppliedIndex() uint64
}

// Result is what Exec reports on success: the two counters a RESULT
// response carries.
type Result struct {
	LastInsertRowID int64
	RowsAffected    int64
}

// Rows is what Query reports: column names and every row's values,
// already fully materialized (the gateway's PART/DONE chunking happens
// above this layer).
type Rows struct {
	Columns []string
	Values  [][]serialize.Value
}

// Leader owns the write path for one database on behalf of one client
// connection. One Leader exists per open writable connection per
// database.
type Leader struct {
	filename    string
	conn        engine.Conn
	db          *vfs.Database
	reg         *registry.Registry
	raft        Proposer
	busyTimeout time.Duration
	log         *logrus.Entry
}

// New returns a Leader for filename, driving conn (already open against
// that database) and proposing write transactions through r.
func New(filename string, conn engine.Conn, reg *registry.Registry, r Proposer, busyTimeout time.Duration, log *logrus.Entry) *Leader {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	entry := reg.GetOrCreate(filename)
	return &Leader{
		filename:    filename,
		conn:        conn,
		db:          entry.DB,
		reg:         reg,
		raft:        r,
		busyTimeout: busyTimeout,
		log:         log,
	}
}

// stepOutcome is what the background step goroutine reports back to Exec/
// Query over its result channel: the step loop ran to completion (DONE),
// yielded a row (ROW, only relevant to Query's caller which keeps
// stepping), or failed.
type stepOutcome struct {
	result engine.StepResult
	err    error
}

// runToCompletion steps stmt on a dedicated goroutine, collecting rows as
// it goes, and returns once the statement reports DONE or ERROR. The
// goroutine is the "loop stack": it runs independently of the caller so
// that, in a fuller engine binding than this repository's Conn interface
// exposes, the commit hooks below could suspend it mid-step without
// blocking the caller's own goroutine.
func runToCompletion(stmt engine.Stmt, collectRows bool) (Rows, int64, int64, error) {
	done := make(chan stepOutcome, 1)
	var rows Rows
	if collectRows {
		rows.Columns = stmt.ColumnNames()
	}

	go func() {
		for {
			res, err := stmt.Step()
			if err != nil {
				done <- stepOutcome{result: engine.StepError, err: err}
				return
			}
			if res == engine.StepRow {
				if collectRows {
					rows.Values = append(rows.Values, stmt.Columns())
				}
				continue
			}
			done <- stepOutcome{result: res}
			return
		}
	}()

	outcome := <-done
	if outcome.err != nil {
		return Rows{}, 0, 0, outcome.err
	}
	if collectRows && rows.Columns == nil {
		rows.Columns = stmt.ColumnNames()
	}
	return rows, stmt.LastInsertRowID(), stmt.RowsAffected(), nil
}

// begin performs the pre-flight checks for a write: a concurrent opener
// on the same database, a transaction in progress owned by someone else,
// and this node's own leadership.
func (l *Leader) begin() error {
	if entry := l.reg.Get(l.filename); entry != nil && entry.Opening {
		return dqerr.New(dqerr.Busy, "database %q is being opened by another connection", l.filename)
	}
	if l.reg.HasPendingTx(l.filename) {
		return dqerr.New(dqerr.Busy, "a transaction is already in progress on %q", l.filename)
	}
	if l.raft.State() != raft.Leader {
		return dqerr.New(dqerr.IONotLeader, "this node is not the raft leader")
	}
	return nil
}

// exec runs one statement to completion, then, if it left new frames at
// the tail of the WAL, proposes and waits for them to commit through
// Raft.
func (l *Leader) exec(stmt engine.Stmt, collectRows bool) (Rows, Result, error) {
	deadline := time.Now().Add(l.busyTimeout)
	for {
		if err := l.begin(); err != nil {
			if dqerr.Is(err, dqerr.Busy) && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return Rows{}, Result{}, err
		}
		break
	}

	// The WAL length before the statement runs marks where this
	// statement's own frames, if any, will start. Captured fresh every
	// time because a checkpoint may have truncated the WAL since the
	// last write.
	preFrames := l.db.WALFrameCount()

	rows, lastInsertID, rowsAffected, err := runToCompletion(stmt, collectRows)
	if err != nil {
		return Rows{}, Result{}, err
	}

	if err := l.commitIfDirty(preFrames); err != nil {
		return Rows{}, Result{}, err
	}

	return rows, Result{LastInsertRowID: lastInsertID, RowsAffected: rowsAffected}, nil
}

// commitIfDirty polls this leader's database for frames appended past
// sinceFrame and, if any exist, proposes them as a FRAMES command.
// A failed Apply (including loss of leadership between Poll and commit)
// aborts the frames locally and propagates the error. No UNDO command is
// proposed for such a transaction.
func (l *Leader) commitIfDirty(sinceFrame int) error {
	tx, _ := vfs.Poll(l.db, sinceFrame)
	if tx.NPages() == 0 {
		return nil
	}

	txID := l.raft.AppliedIndex()
	l.reg.BeginLeader(txID, l.filename, sinceFrame)

	pageNumbers := make([]uint64, len(tx.PageNumbers))
	for i, n := range tx.PageNumbers {
		pageNumbers[i] = uint64(n)
	}
	cmd := command.Frames{
		Filename: l.filename,
		TxID:     txID,
		IsCommit: true,
		Data: command.FrameData{
			PageSize:    vfs.EncodeHeaderPageSize(l.db.PageSize),
			PageNumbers: pageNumbers,
			Pages:       tx.Pages,
		},
	}
	buf, err := command.Encode(cmd)
	if err != nil {
		return err
	}

	future := l.raft.Apply(buf, l.busyTimeout)
	if err := future.Error(); err != nil {
		// Leadership lost (or the proposal otherwise failed) after we
		// already polled. Abort locally and drop the leader's pending
		// record; no UNDO is proposed. If the proposal does commit
		// after all, the FSM will re-apply the frames the way it does
		// on a follower, leaving this node's WAL identical to everyone
		// else's.
		if abortErr := vfs.Abort(l.db, sinceFrame); abortErr != nil {
			l.log.WithError(abortErr).Warn("failed to abort zombie transaction locally")
		}
		l.reg.End(txID)
		return dqerr.Wrap(dqerr.IONotLeader, err, "propose frames")
	}

	return nil
}

// Exec runs sql (already prepared as stmt) with args bound, honoring the
// busy-timeout retry and commit-replication sequence, and returns the
// exec-style result.
func (l *Leader) Exec(stmt engine.Stmt, args []serialize.Value) (Result, error) {
	if err := stmt.Reset(); err != nil {
		return Result{}, err
	}
	if err := stmt.Bind(args); err != nil {
		return Result{}, err
	}
	_, result, err := l.exec(stmt, false)
	return result, err
}

// Query runs sql (already prepared as stmt) with args bound and returns
// every row produced.
func (l *Leader) Query(stmt engine.Stmt, args []serialize.Value) (Rows, error) {
	if err := stmt.Reset(); err != nil {
		return Rows{}, err
	}
	if err := stmt.Bind(args); err != nil {
		return Rows{}, err
	}
	rows, _, err := l.exec(stmt, true)
	return rows, err
}

// Filename returns the database this leader writes to.
func (l *Leader) Filename() string { return l.filename }
