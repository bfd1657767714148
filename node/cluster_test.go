package node_test

import (
	"testing"
	"time"

	"github.com/canonical/dqlite-core/command"
	"github.com/canonical/dqlite-core/fsm"
	"github.com/canonical/dqlite-core/node"
	"github.com/canonical/dqlite-core/registry"
	"github.com/canonical/dqlite-core/vfs"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

type clusterNode struct {
	inst  *node.Instance
	store *vfs.Store
	reg   *registry.Registry
}

func newInmemCluster(t *testing.T, ids ...raft.ServerID) ([]*clusterNode, map[raft.ServerID]raft.ServerAddress) {
	t.Helper()

	transports := make(map[raft.ServerID]*raft.InmemTransport, len(ids))
	addrs := make(map[raft.ServerID]raft.ServerAddress, len(ids))
	for _, id := range ids {
		addr, trans := raft.NewInmemTransport(raft.ServerAddress(id))
		transports[id] = trans
		addrs[id] = addr
	}
	for _, id := range ids {
		for _, peer := range ids {
			if peer == id {
				continue
			}
			transports[id].Connect(addrs[peer], transports[peer])
		}
	}

	nodes := make([]*clusterNode, 0, len(ids))
	for i, id := range ids {
		store := vfs.NewStore()
		reg := registry.New(store)
		f := fsm.New(store, reg, nil)
		inst, err := node.New(f, node.Config{
			ID:        id,
			Dir:       t.TempDir(),
			Transport: transports[id],
			Latency:   0.1,
			Bootstrap: i == 0,
		}, nil)
		require.NoError(t, err)
		nodes = append(nodes, &clusterNode{inst: inst, store: store, reg: reg})
	}
	return nodes, addrs
}

func awaitLeader(t *testing.T, n *clusterNode) {
	t.Helper()
	select {
	case isLeader := <-n.inst.Raft.LeaderCh():
		require.True(t, isLeader)
	case <-time.After(5 * time.Second):
		t.Fatal("node never became leader")
	}
}

func applyFrames(t *testing.T, leader *clusterNode, filename string, txID uint64, pgno uint32, page []byte) {
	t.Helper()
	cmd := command.Frames{
		Filename: filename,
		TxID:     txID,
		IsCommit: true,
		Data: command.FrameData{
			PageSize:    uint16(len(page)),
			PageNumbers: []uint64{uint64(pgno)},
			Pages:       [][]byte{page},
		},
	}
	buf, err := command.Encode(cmd)
	require.NoError(t, err)
	future := leader.inst.Raft.Apply(buf, time.Second)
	require.NoError(t, future.Error())
}

// A write committed on the leader, followed by a Barrier on the leader,
// is eventually observed by a follower added after the commit.
//
// Also: a 3-node cluster, a second node added to an
// established single-node leader, then leadership transferred — a replica
// added after the fact still ends up with every committed transaction.
func TestClusterReplicationBarrierAndLeadershipTransfer(t *testing.T) {
	ids := []raft.ServerID{"node-1", "node-2", "node-3"}
	nodes, addrs := newInmemCluster(t, ids...)
	defer func() {
		for _, n := range nodes {
			n.inst.Shutdown()
		}
	}()

	leader := nodes[0]
	awaitLeader(t, leader)

	filename := "cluster.db"
	openCmd, err := command.Encode(command.Open{Filename: filename})
	require.NoError(t, err)
	require.NoError(t, leader.inst.Raft.Apply(openCmd, time.Second).Error())

	page := make([]byte, 512)
	page[16], page[17] = 0x02, 0x00 // page_size field encodes 512
	applyFrames(t, leader, filename, 1, 1, page)

	// Add node-2 as a voter, issue a Barrier on the leader, then wait for
	// node-2's own store to hold the already-committed page.
	require.NoError(t, leader.inst.Raft.AddVoter(ids[1], addrs[ids[1]], 0, time.Second).Error())
	require.NoError(t, leader.inst.Raft.Barrier(time.Second).Error())

	require.Eventually(t, func() bool {
		db := nodes[1].store.Get(filename)
		return db != nil && db.WAL != nil && db.WAL.MxFrame() == 1
	}, 2*time.Second, 10*time.Millisecond, "node-2 never replicated the committed page")

	// Transfer leadership to node-2 and confirm it can keep proposing
	// commands afterwards.
	require.NoError(t, leader.inst.Raft.AddVoter(ids[2], addrs[ids[2]], 0, time.Second).Error())
	require.NoError(t, leader.inst.Raft.LeadershipTransferToServer(ids[1], addrs[ids[1]]).Error())

	require.Eventually(t, func() bool {
		return nodes[1].inst.Raft.State() == raft.Leader
	}, 5*time.Second, 20*time.Millisecond, "leadership never transferred to node-2")

	page2 := make([]byte, 512)
	page2[16], page2[17] = 0x02, 0x00
	applyFrames(t, nodes[1], filename, 2, 2, page2)

	require.NoError(t, nodes[1].inst.Raft.Barrier(time.Second).Error())
	require.Eventually(t, func() bool {
		db := nodes[2].store.Get(filename)
		return db != nil && db.WAL != nil && db.WAL.MxFrame() == 2
	}, 2*time.Second, 10*time.Millisecond, "node-3 never replicated the transaction committed after leadership transfer")
}
