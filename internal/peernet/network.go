package peernet

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// Config tunes reconnect and liveness behavior (spec §4.G, §5 Timeouts).
type Config struct {
	HeartbeatInterval time.Duration
	FailureThreshold  int
	DialTimeout       time.Duration
	MaxDialRetries    int
	DialBackoffBase   time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 2 * time.Second,
		FailureThreshold:  3,
		DialTimeout:       5 * time.Second,
		MaxDialRetries:    5,
		DialBackoffBase:   200 * time.Millisecond,
	}
}

// Handler is invoked once per received, checksum-verified message.
type Handler func(Message)

// LifecycleHandler is invoked on node connect/disconnect/error events (spec
// §4.G: "emits events: nodeConnected, nodeDisconnected, nodeError").
type LifecycleHandler func(nodeID string, err error)

// Network is the Peer Network (spec §4.G): bidirectional framed transport
// between cluster nodes, grounded on the teacher's manual
// grpc.ServiceDesc/JSON-codec server plus its concurrent
// fan-out-over-peers pattern from handleFederatedQuery, generalized from a
// unary request/response RPC to a long-lived bidi stream per peer.
type Network struct {
	nodeID string
	signer *HandshakeSigner
	cfg    Config
	log    *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*peerConn

	onMessage      Handler
	onConnected    LifecycleHandler
	onDisconnected LifecycleHandler
	onError        LifecycleHandler

	server   *grpc.Server
	listener net.Listener
}

func New(nodeID string, signer *HandshakeSigner, cfg Config, log *logrus.Entry) *Network {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Network{
		nodeID: nodeID,
		signer: signer,
		cfg:    cfg,
		log:    log.WithField("component", "peernet").WithField("node", nodeID),
		conns:  make(map[string]*peerConn),
	}
}

// OnMessage registers the single handler invoked for every verified
// inbound message, regardless of which peer it came from.
func (n *Network) OnMessage(h Handler) { n.onMessage = h }

func (n *Network) OnNodeConnected(h LifecycleHandler)    { n.onConnected = h }
func (n *Network) OnNodeDisconnected(h LifecycleHandler) { n.onDisconnected = h }
func (n *Network) OnNodeError(h LifecycleHandler)        { n.onError = h }

// Listen starts accepting inbound peer connections on addr.
func (n *Network) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return faults.Wrap(faults.KindIO, "listen for peer connections", err)
	}
	n.listener = lis
	n.server = grpc.NewServer()
	registerPeerService(n.server, n.acceptInbound)
	go func() {
		if err := n.server.Serve(lis); err != nil {
			n.log.WithError(err).Warn("peer gRPC server stopped")
		}
	}()
	return nil
}

// acceptInbound handles one server-side stream: the first envelope from
// the remote side must carry a valid handshake before any message is
// accepted (spec §6 handshake-before-traffic requirement).
func (n *Network) acceptInbound(stream grpc.ServerStream) error {
	var first envelope
	if err := stream.RecvMsg(&first); err != nil {
		return err
	}
	claims, err := n.signer.Validate(first.Handshake)
	if err != nil {
		return err
	}

	reply, err := n.signer.Issue(n.nodeID)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&envelope{Handshake: reply}); err != nil {
		return err
	}

	conn := newPeerConn(claims.NodeID, stream)
	n.register(conn)
	defer n.unregister(conn.nodeID, nil)

	n.runConnection(conn)
	return nil
}

// Connect dials a peer, performs the handshake, and starts its connection
// loop; it retries with exponential back-off up to MaxDialRetries (spec
// §4.G: "outbound connections use exponential back-off with a maximum
// retry count per peer").
func (n *Network) Connect(ctx context.Context, nodeID, address string) error {
	var lastErr error
	backoff := n.cfg.DialBackoffBase
	attempts := n.cfg.MaxDialRetries
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
		conn, err := grpc.DialContext(dialCtx, address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
			grpc.WithBlock(),
		)
		cancel()
		if err != nil {
			lastErr = err
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		stream, err := openClientStream(ctx, conn)
		if err != nil {
			conn.Close()
			lastErr = err
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		token, err := n.signer.Issue(n.nodeID)
		if err != nil {
			conn.Close()
			return err
		}
		if err := stream.SendMsg(&envelope{Handshake: token}); err != nil {
			conn.Close()
			lastErr = err
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		var reply envelope
		if err := stream.RecvMsg(&reply); err != nil {
			conn.Close()
			lastErr = err
			time.Sleep(backoff)
			backoff *= 2
			continue
		}
		if _, err := n.signer.Validate(reply.Handshake); err != nil {
			conn.Close()
			return err
		}

		pc := newPeerConn(nodeID, stream)
		pc.grpcConn = conn
		n.register(pc)
		go func() {
			defer n.unregister(pc.nodeID, nil)
			n.runConnection(pc)
		}()
		return nil
	}

	if n.onError != nil {
		n.onError(nodeID, lastErr)
	}
	return faults.Wrap(faults.KindNetworkPartition, "connect to peer "+nodeID, lastErr)
}

// Addr returns the address this network is listening on, once Listen has
// succeeded. Callers that bind to an ephemeral port (":0") use it to learn
// the resolved address before handing it to a peer for Connect.
func (n *Network) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

func (n *Network) register(pc *peerConn) {
	n.mu.Lock()
	n.conns[pc.nodeID] = pc
	n.mu.Unlock()
	if n.onConnected != nil {
		n.onConnected(pc.nodeID, nil)
	}
}

func (n *Network) unregister(nodeID string, cause error) {
	n.mu.Lock()
	delete(n.conns, nodeID)
	n.mu.Unlock()
	if n.onDisconnected != nil {
		n.onDisconnected(nodeID, cause)
	}
}

// runConnection drives one peer's read loop and heartbeat ticker until the
// stream closes or too many heartbeats are missed (spec §4.G failure
// threshold).
func (n *Network) runConnection(pc *peerConn) {
	missed := 0
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	readErrs := make(chan error, 1)
	go func() {
		for {
			var env envelope
			if err := pc.stream.RecvMsg(&env); err != nil {
				readErrs <- err
				return
			}
			pc.touch()
			missed = 0
			if env.Message.Type == MessageHeartbeat {
				continue
			}
			ok, err := Verify(env.Message)
			if err != nil || !ok {
				n.log.WithField("peer", pc.nodeID).Warn("dropping message with invalid checksum")
				continue
			}
			if n.onMessage != nil {
				n.onMessage(env.Message)
			}
		}
	}()

	for {
		select {
		case err := <-readErrs:
			if n.onError != nil && err != nil {
				n.onError(pc.nodeID, err)
			}
			return
		case <-ticker.C:
			if time.Since(pc.lastSeen()) > n.cfg.HeartbeatInterval {
				missed++
			}
			if missed >= n.cfg.FailureThreshold {
				if n.onError != nil {
					n.onError(pc.nodeID, faults.New(faults.KindNetworkPartition, "missed heartbeat threshold"))
				}
				pc.Close()
				return
			}
			hb, err := Sign(Message{Type: MessageHeartbeat, SourceNodeID: n.nodeID, TargetNodeID: pc.nodeID, Timestamp: nowNano(), MessageID: uuid.NewString()})
			if err == nil {
				_ = pc.send(hb)
			}
		}
	}
}

// SendMessage delivers msg to exactly one connected peer.
func (n *Network) SendMessage(nodeID string, msg Message) error {
	n.mu.RLock()
	pc, ok := n.conns[nodeID]
	n.mu.RUnlock()
	if !ok {
		return faults.New(faults.KindNetworkPartition, "not connected to peer "+nodeID)
	}
	msg.SourceNodeID = n.nodeID
	msg.TargetNodeID = nodeID
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.Timestamp = nowNano()
	signed, err := Sign(msg)
	if err != nil {
		return err
	}
	return pc.send(signed)
}

// BroadcastMessage fans msg out to every connected peer concurrently,
// grounded on the teacher's handleFederatedQuery peer fan-out (wg +
// buffered result channel), generalized from query responses to
// send-errors.
func (n *Network) BroadcastMessage(msg Message) map[string]error {
	n.mu.RLock()
	targets := make([]*peerConn, 0, len(n.conns))
	for _, pc := range n.conns {
		targets = append(targets, pc)
	}
	n.mu.RUnlock()

	results := make(map[string]error, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, pc := range targets {
		wg.Add(1)
		go func(pc *peerConn) {
			defer wg.Done()
			m := msg
			m.SourceNodeID = n.nodeID
			m.TargetNodeID = pc.nodeID
			if m.MessageID == "" {
				m.MessageID = uuid.NewString()
			}
			m.Timestamp = nowNano()
			signed, err := Sign(m)
			if err == nil {
				err = pc.send(signed)
			}
			mu.Lock()
			results[pc.nodeID] = err
			mu.Unlock()
		}(pc)
	}
	wg.Wait()
	return results
}

func (n *Network) Disconnect(nodeID string) error {
	n.mu.Lock()
	pc, ok := n.conns[nodeID]
	delete(n.conns, nodeID)
	n.mu.Unlock()
	if !ok {
		return faults.New(faults.KindNetworkPartition, "not connected to peer "+nodeID)
	}
	return pc.Close()
}

func (n *Network) GetConnectedNodes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.conns))
	for id := range n.conns {
		out = append(out, id)
	}
	return out
}

func (n *Network) IsConnected(nodeID string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.conns[nodeID]
	return ok
}

// Close stops the listener and every peer connection.
func (n *Network) Close() error {
	n.mu.Lock()
	conns := make([]*peerConn, 0, len(n.conns))
	for _, pc := range n.conns {
		conns = append(conns, pc)
	}
	n.conns = make(map[string]*peerConn)
	n.mu.Unlock()

	for _, pc := range conns {
		_ = pc.Close()
	}
	if n.server != nil {
		n.server.GracefulStop()
	}
	return nil
}

// peerConn wraps one established stream (inbound or outbound — both
// satisfy rawStream) plus last-activity tracking for heartbeat liveness.
type peerConn struct {
	nodeID   string
	stream   rawStream
	grpcConn *grpc.ClientConn // nil for inbound (server-accepted) connections

	mu         sync.Mutex
	lastSeenAt time.Time

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func newPeerConn(nodeID string, stream rawStream) *peerConn {
	return &peerConn{nodeID: nodeID, stream: stream, lastSeenAt: time.Now().UTC()}
}

func (p *peerConn) touch() {
	p.mu.Lock()
	p.lastSeenAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *peerConn) lastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeenAt
}

func (p *peerConn) send(msg Message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.stream.SendMsg(&envelope{Message: msg})
}

func (p *peerConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.grpcConn != nil {
			err = p.grpcConn.Close()
		}
	})
	return err
}
