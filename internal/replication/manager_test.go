package replication

import (
	"context"
	"testing"
	"time"

	"github.com/ledgermesh/ledgermesh/internal/peernet"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testWAL(t *testing.T, name string) *wal.Engine {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	e, err := wal.Open(wal.Options{
		Dir: t.TempDir(), Name: name, MaxBufferSize: 4096, RolloverBytes: 1 << 20,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func testNetwork(t *testing.T, nodeID string, signer *peernet.HandshakeSigner) *peernet.Network {
	t.Helper()
	cfg := peernet.DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	net := peernet.New(nodeID, signer, cfg, logrus.NewEntry(logrus.New()))
	require.NoError(t, net.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = net.Close() })
	return net
}

func connect(t *testing.T, from, to *peernet.Network, toNodeID, toAddr string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, from.Connect(ctx, toNodeID, toAddr))
	require.Eventually(t, func() bool { return from.IsConnected(toNodeID) }, time.Second, 10*time.Millisecond)
}

func TestAsyncReplicationAppliesOnFollowerInOrder(t *testing.T) {
	signer := peernet.NewHandshakeSigner([]byte("cluster-secret"), time.Minute)

	leaderWAL := testWAL(t, "leader")
	followerWAL := testWAL(t, "follower")

	leaderNet := testNetwork(t, "leader", signer)
	followerNet := testNetwork(t, "follower", signer)

	leaderElection := NewStaticElection("leader", "leader")
	followerElection := NewStaticElection("follower", "leader")

	leaderCfg := DefaultConfig()
	leaderCfg.Sync = SyncModeAsync
	followerCfg := DefaultConfig()

	leaderMgr := New("leader", leaderWAL, leaderNet, leaderElection, leaderCfg, nil)
	followerMgr := New("follower", followerWAL, followerNet, followerElection, followerCfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderMgr.Start(ctx)
	followerMgr.Start(ctx)

	replicatedLeader := NewReplicatedWAL(leaderWAL, leaderMgr, nil)

	addr := followerNet.Addr()
	connect(t, leaderNet, followerNet, "follower", addr)
	require.Eventually(t, func() bool { return leaderNet.IsConnected("follower") }, time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := replicatedLeader.WriteEntry(context.Background(), wal.Draft{
			TransactionID: "tx-1", Type: wal.RecordData, CollectionName: "widgets",
			Operation: wal.OpInsert, Data: []byte(`{"n":1}`),
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return followerMgr.LastApplied() >= 3
	}, 2*time.Second, 20*time.Millisecond, "follower should apply all three replicated entries in order")
}

func TestSyncRequestServicesCatchUp(t *testing.T) {
	signer := peernet.NewHandshakeSigner([]byte("cluster-secret"), time.Minute)

	leaderWAL := testWAL(t, "leader")
	followerWAL := testWAL(t, "follower")

	leaderNet := testNetwork(t, "leader", signer)
	followerNet := testNetwork(t, "follower", signer)

	leaderElection := NewStaticElection("leader", "leader")
	followerElection := NewStaticElection("follower", "leader")

	cfg := DefaultConfig()
	cfg.BatchSize = 2

	leaderMgr := New("leader", leaderWAL, leaderNet, leaderElection, cfg, nil)
	followerMgr := New("follower", followerWAL, followerNet, followerElection, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderMgr.Start(ctx)
	followerMgr.Start(ctx)

	for i := 0; i < 3; i++ {
		_, err := leaderWAL.WriteEntry(context.Background(), wal.Draft{
			TransactionID: "tx-pre", Type: wal.RecordData, CollectionName: "widgets",
			Operation: wal.OpInsert, Data: []byte(`{"n":1}`),
		})
		require.NoError(t, err)
	}

	connect(t, followerNet, leaderNet, "leader", leaderNet.Addr())
	followerMgr.SyncWithCluster(followerMgr.LastApplied() + 1)

	require.Eventually(t, func() bool {
		return followerMgr.LastApplied() >= 3
	}, 2*time.Second, 20*time.Millisecond, "follower should catch up via sync request")
}

func TestSyncReplicationBlocksUntilFollowerAcks(t *testing.T) {
	signer := peernet.NewHandshakeSigner([]byte("cluster-secret"), time.Minute)

	leaderWAL := testWAL(t, "leader")
	followerWAL := testWAL(t, "follower")

	leaderNet := testNetwork(t, "leader", signer)
	followerNet := testNetwork(t, "follower", signer)

	leaderElection := NewStaticElection("leader", "leader")
	followerElection := NewStaticElection("follower", "leader")

	leaderCfg := DefaultConfig()
	leaderCfg.Sync = SyncModeSync
	leaderCfg.AckTimeout = 2 * time.Second
	followerCfg := DefaultConfig()

	leaderMgr := New("leader", leaderWAL, leaderNet, leaderElection, leaderCfg, nil)
	followerMgr := New("follower", followerWAL, followerNet, followerElection, followerCfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderMgr.Start(ctx)
	followerMgr.Start(ctx)

	replicatedLeader := NewReplicatedWAL(leaderWAL, leaderMgr, nil)

	connect(t, leaderNet, followerNet, "follower", followerNet.Addr())
	require.Eventually(t, func() bool { return leaderNet.IsConnected("follower") }, time.Second, 10*time.Millisecond)

	_, err := replicatedLeader.WriteEntry(context.Background(), wal.Draft{
		TransactionID: "tx-1", Type: wal.RecordData, CollectionName: "widgets",
		Operation: wal.OpInsert, Data: []byte(`{"n":1}`),
	})
	require.NoError(t, err, "Replicate should return once the lone connected follower acks, since needed = len(peers)/2+1 = 1")
	require.EqualValues(t, 1, followerMgr.LastApplied(), "the follower must have durably applied the entry before the leader's ack-wait returns")
}

// TestOutOfOrderEntryIsBufferedNotAcked guards against the bug where
// applyOrBufferLocked's buffered (out-of-order) branch was still treated
// as a successful apply by its caller: spec §4.H requires a follower to
// reply ACK only for an entry it durably applied, and SYNC_REQUEST when it
// only buffered the entry. A false positive here would let a leader's
// majority-ack wait succeed on a follower that has not actually persisted
// the entry.
func TestOutOfOrderEntryIsBufferedNotAcked(t *testing.T) {
	signer := peernet.NewHandshakeSigner([]byte("cluster-secret"), time.Minute)
	followerWAL := testWAL(t, "follower")
	followerNet := testNetwork(t, "follower", signer)
	followerElection := NewStaticElection("follower", "leader")

	mgr := New("follower", followerWAL, followerNet, followerElection, DefaultConfig(), nil)

	mgr.mu.Lock()
	applied := mgr.applyOrBufferLocked(wal.Record{Sequence: 5, Type: wal.RecordData, CollectionName: "widgets", Operation: wal.OpInsert})
	buffered := len(mgr.outOfOrder)
	lastApplied := mgr.lastApplied
	mgr.mu.Unlock()

	require.False(t, applied, "an out-of-order entry must not be reported as applied")
	require.Equal(t, 1, buffered, "the out-of-order entry should be buffered for later contiguity draining")
	require.EqualValues(t, 0, lastApplied, "lastApplied must not advance past a gap")

	mgr.mu.Lock()
	applied = mgr.applyOrBufferLocked(wal.Record{Sequence: 1, Type: wal.RecordData, CollectionName: "widgets", Operation: wal.OpInsert})
	lastApplied = mgr.lastApplied
	mgr.mu.Unlock()

	require.True(t, applied, "the contiguous entry must be reported as applied")
	require.EqualValues(t, 1, lastApplied)
}
