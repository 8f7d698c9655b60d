package peernet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.FailureThreshold = 3
	cfg.DialTimeout = time.Second
	cfg.MaxDialRetries = 2
	cfg.DialBackoffBase = 10 * time.Millisecond
	return cfg
}

func newTestNetwork(t *testing.T, nodeID string, signer *HandshakeSigner) *Network {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	n := New(nodeID, signer, testConfig(), log)
	require.NoError(t, n.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = n.Close() })
	return n
}



func TestNetworkHandshakeAndMessageDelivery(t *testing.T) {
	signer := NewHandshakeSigner([]byte("cluster-secret"), time.Minute)
	serverNet := newTestNetwork(t, "node-a", signer)
	clientNet := newTestNetwork(t, "node-b", signer)

	received := make(chan Message, 1)
	var mu sync.Mutex
	serverNet.OnMessage(func(m Message) {
		mu.Lock()
		defer mu.Unlock()
		received <- m
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clientNet.Connect(ctx, "node-a", serverNet.Addr()))

	require.Eventually(t, func() bool {
		return clientNet.IsConnected("node-a")
	}, time.Second, 10*time.Millisecond)

	err := clientNet.SendMessage("node-a", Message{Type: MessageWALEntry, Payload: []byte(`{"op":"insert"}`)})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, MessageWALEntry, msg.Type)
		assert.Equal(t, "node-b", msg.SourceNodeID)
		ok, verr := Verify(msg)
		require.NoError(t, verr)
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}
}

func TestNetworkRejectsProtocolVersionMismatch(t *testing.T) {
	secret := []byte("cluster-secret")
	signer := NewHandshakeSigner(secret, time.Minute)

	now := time.Now().UTC()
	claims := HandshakeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "node-old",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		NodeID:          "node-old",
		ProtocolVersion: ProtocolVersion + 1,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = signer.Validate(token)
	require.Error(t, err)
}

func TestBroadcastMessageReachesAllPeers(t *testing.T) {
	signer := NewHandshakeSigner([]byte("cluster-secret"), time.Minute)
	hub := newTestNetwork(t, "hub", signer)

	var mu sync.Mutex
	receivedBy := map[string]int{}
	hub.OnMessage(func(m Message) {
		mu.Lock()
		receivedBy[m.SourceNodeID]++
		mu.Unlock()
	})

	peers := []*Network{
		newTestNetwork(t, "peer-1", signer),
		newTestNetwork(t, "peer-2", signer),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, p := range peers {
		require.NoError(t, p.Connect(ctx, "hub", hub.Addr()))
	}
	require.Eventually(t, func() bool {
		return len(hub.GetConnectedNodes()) == 2
	}, time.Second, 10*time.Millisecond)

	for _, p := range peers {
		results := p.BroadcastMessage(Message{Type: MessageSyncRequest})
		for _, err := range results {
			require.NoError(t, err)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return receivedBy["peer-1"] >= 1 && receivedBy["peer-2"] >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
