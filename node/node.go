// Package node wires a runnable *raft.Raft instance to an fsm.FSM: a
// bolt-backed log/stable store, a file snapshot store, a caller-supplied
// transport, and single-server bootstrap when no prior state exists.
package node

import (
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/canonical/dqlite-core/engine"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Instance bundles a running raft.Raft with the resources it owns and
// that must be closed alongside it.
type Instance struct {
	Raft  *raft.Raft
	FSM   raft.FSM
	logs  *raftboltdb.BoltStore
	snaps raft.SnapshotStore
	log   *logrus.Entry
}

// Config describes how to construct a node's Raft instance.
type Config struct {
	// ID is this server's unique Raft identity.
	ID raft.ServerID
	// Dir is the directory holding this node's Raft logs and snapshots.
	Dir string
	// Transport carries Raft RPCs to peers. Use raft.NewInmemTransport
	// for a single-process or test deployment.
	Transport raft.Transport
	// Latency scales the default Raft timeouts: 1.0 keeps
	// hashicorp/raft's defaults, values closer to 0 tighten them for
	// low-latency links (e.g. in-process tests).
	Latency float64
	// Bootstrap, when true, initializes a brand-new single-server
	// cluster consisting only of this node, if no existing Raft state
	// is found on disk. Joiners should leave this false.
	Bootstrap bool
}

// New constructs a Raft instance backed by a bolt log/stable store and a
// file snapshot store under cfg.Dir, running fsm as its state machine.
func New(fsm raft.FSM, cfg Config, log *logrus.Entry) (*Instance, error) {
	if cfg.Latency <= 0 {
		return nil, errors.New("latency must be positive")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("raft-id", string(cfg.ID))

	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, errors.Wrap(err, "create node directory")
	}

	config := raftConfig(cfg.Latency)
	config.LocalID = cfg.ID
	config.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Output: os.Stderr,
		Level:  hclog.Info,
	})

	if err := raft.ValidateConfig(config); err != nil {
		return nil, errors.Wrap(err, "invalid raft configuration")
	}

	logs, err := raftboltdb.New(raftboltdb.Options{
		Path:        filepath.Join(cfg.Dir, "logs.db"),
		BoltOptions: &bolt.Options{Timeout: 5 * time.Second},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create bolt store for raft logs")
	}

	snaps, err := newFileSnapshotStore(cfg.Dir)
	if err != nil {
		logs.Close()
		return nil, errors.Wrap(err, "create file snapshot store")
	}

	if cfg.Bootstrap {
		if err := maybeBootstrap(config, logs, snaps, cfg.Transport); err != nil {
			logs.Close()
			return nil, errors.Wrap(err, "bootstrap cluster")
		}
	}

	r, err := raft.NewRaft(config, fsm, logs, logs, snaps, cfg.Transport)
	if err != nil {
		logs.Close()
		return nil, errors.Wrap(err, "start raft")
	}

	log.Debug("raft instance started")
	return &Instance{Raft: r, FSM: fsm, logs: logs, snaps: snaps, log: log}, nil
}

func newFileSnapshotStore(dir string) (raft.SnapshotStore, error) {
	// Snapshots are taken frequently under a low checkpoint threshold;
	// discard the noisy default logging rather than silencing the raft
	// logger entirely.
	discard := hclog.New(&hclog.LoggerOptions{Output: ioutil.Discard})
	return raft.NewFileSnapshotStoreWithLogger(dir, 2, discard)
}

// TrackLeadership consumes the raft instance's leadership notifications,
// mirroring them into the engine's process-wide leadership flag so SQL
// connections can answer IsLeader without a handle on raft itself. It
// blocks until the notification channel closes, so callers run it on its
// own goroutine.
func (i *Instance) TrackLeadership() {
	for isLeader := range i.Raft.LeaderCh() {
		engine.SetLeader(isLeader)
		i.log.WithField("leader", isLeader).Debug("leadership changed")
	}
}

// Shutdown stops the Raft instance and releases its log store.
func (i *Instance) Shutdown() error {
	i.log.Debug("stopping raft instance")
	if err := i.Raft.Shutdown().Error(); err != nil {
		return errors.Wrap(err, "shutdown raft")
	}
	if err := i.logs.Close(); err != nil {
		return errors.Wrap(err, "close raft log store")
	}
	return nil
}

// Log retention knobs. A snapshot every snapshotInterval applied entries
// keeps restarts cheap, and trailingLogs keeps enough log behind the
// snapshot that a briefly-lagging follower catches up from the log
// instead of installing a whole snapshot. Frame commands are much larger
// than typical raft entries, so both sit well below hashicorp/raft's
// defaults.
const (
	snapshotInterval = 1024
	trailingLogs     = 2048
)

// raftConfig returns hashicorp/raft's defaults with every
// network-sensitive timeout multiplied by latency.
func raftConfig(latency float64) *raft.Config {
	config := raft.DefaultConfig()
	config.HeartbeatTimeout = scaleTimeout(config.HeartbeatTimeout, latency)
	config.ElectionTimeout = scaleTimeout(config.ElectionTimeout, latency)
	config.CommitTimeout = scaleTimeout(config.CommitTimeout, latency)
	config.LeaderLeaseTimeout = scaleTimeout(config.LeaderLeaseTimeout, latency)
	config.SnapshotThreshold = snapshotInterval
	config.TrailingLogs = trailingLogs
	return config
}

func scaleTimeout(d time.Duration, factor float64) time.Duration {
	return time.Duration(math.Ceil(float64(d) * factor))
}

// maybeBootstrap seeds a brand-new single-server cluster around this
// node. Stores that already hold state from a previous run are left
// alone: the node rejoins whatever cluster it was already part of.
func maybeBootstrap(conf *raft.Config, logs *raftboltdb.BoltStore, snaps raft.SnapshotStore, trans raft.Transport) error {
	bootstrapped, err := raft.HasExistingState(logs, logs, snaps)
	if err != nil {
		return errors.Wrap(err, "check existing raft state")
	}
	if bootstrapped {
		return nil
	}
	self := raft.Server{ID: conf.LocalID, Address: trans.LocalAddr()}
	return raft.BootstrapCluster(conf, logs, logs, snaps, trans, raft.Configuration{
		Servers: []raft.Server{self},
	})
}
