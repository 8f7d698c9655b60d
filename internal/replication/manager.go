// Package replication implements the Replication Manager and Replicated
// WAL (spec §4.H, §4.I): leader-streams WAL entries to followers over the
// Peer Network, with synchronous or asynchronous acknowledgement, role
// transitions, and catch-up sync. Grounded on the teacher's
// cmd/server/main.go handleFederatedQuery fan-out for broadcast delivery
// and on internal/wal for the log it streams.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/peernet"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
)

// Mode is the cluster's replication topology (spec §6 config contract).
type Mode string

const (
	ModeMasterSlave Mode = "MASTER_SLAVE"
	ModeMultiMaster Mode = "MULTI_MASTER"
)

// SyncMode is the per-write acknowledgement policy (spec §4.H).
type SyncMode string

const (
	SyncModeSync  SyncMode = "SYNC"
	SyncModeAsync SyncMode = "ASYNC"
)

type Config struct {
	Mode          Mode
	Sync          SyncMode
	AckTimeout    time.Duration
	BatchSize     int
	BatchPause    time.Duration
	MaxAwaitTime  time.Duration
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:          ModeMasterSlave,
		Sync:          SyncModeAsync,
		AckTimeout:    2 * time.Second,
		BatchSize:     100,
		BatchPause:    10 * time.Millisecond,
		MaxAwaitTime:  3 * time.Second,
		RetryInterval: 500 * time.Millisecond,
	}
}

// walEntryPayload is the JSON body of a WAL_ENTRY message's Payload.
type walEntryPayload struct {
	Sequence       uint64            `json:"sequence"`
	Timestamp      time.Time         `json:"timestamp"`
	TransactionID  string            `json:"transaction_id"`
	Type           wal.RecordType    `json:"type"`
	CollectionName string            `json:"collection_name"`
	Operation      wal.OperationType `json:"operation"`
	Data           []byte            `json:"data"`
}

type ackPayload struct {
	Sequence uint64 `json:"sequence"`
}

type syncRequestPayload struct {
	FromSequence uint64 `json:"from_sequence"`
}

func recordToPayload(r wal.Record) walEntryPayload {
	return walEntryPayload{
		Sequence:       r.Sequence,
		Timestamp:      r.Timestamp,
		TransactionID:  r.TransactionID,
		Type:           r.Type,
		CollectionName: r.CollectionName,
		Operation:      r.Operation,
		Data:           r.Data,
	}
}

// pendingEntry tracks one ASYNC-mode outstanding entry awaiting acks.
type pendingEntry struct {
	record  wal.Record
	sentAt  time.Time
	ackedBy map[string]bool
}

// ackWaiter is parked by a SYNC-mode Replicate call until a majority of
// acks arrive or AckTimeout elapses.
type ackWaiter struct {
	needed int
	acked  map[string]bool
	done   chan struct{}
	once   sync.Once
}

// Manager is the Replication Manager (spec §4.H).
type Manager struct {
	nodeID   string
	walEngine *wal.Engine
	net      *peernet.Network
	election ElectionModule
	cfg      Config
	log      *logrus.Entry

	mu           sync.Mutex
	pending      map[uint64]*pendingEntry
	waiters      map[uint64]*ackWaiter
	lastApplied  uint64
	outOfOrder   map[uint64]wal.Record
	gapSince     time.Time

	closeOnce sync.Once
	stopCh    chan struct{}
}

func New(nodeID string, walEngine *wal.Engine, net *peernet.Network, election ElectionModule, cfg Config, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		nodeID:     nodeID,
		walEngine:  walEngine,
		net:        net,
		election:   election,
		cfg:        cfg,
		log:        log.WithField("component", "replication").WithField("node", nodeID),
		pending:    make(map[uint64]*pendingEntry),
		waiters:    make(map[uint64]*ackWaiter),
		outOfOrder: make(map[uint64]wal.Record),
		stopCh:     make(chan struct{}),
	}
	m.lastApplied = walEngine.CurrentSequence()
	net.OnMessage(m.handleMessage)
	return m
}

// Start launches the manager's background loops: ASYNC retry sweeper and
// out-of-order gap watchdog.
func (m *Manager) Start(ctx context.Context) {
	go m.retryLoop(ctx)
	go m.gapWatchdog(ctx)
}

func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

// Replicate is called by the Replicated WAL after a successful local
// write, only when this node is LEADER. It broadcasts the entry and, in
// SYNC mode, blocks until a majority of connected peers ack it or
// AckTimeout elapses (spec §4.H).
func (m *Manager) Replicate(ctx context.Context, rec wal.Record) error {
	if m.election.CurrentRole() != RoleLeader {
		return nil
	}

	peers := m.net.GetConnectedNodes()
	payload, err := json.Marshal(recordToPayload(rec))
	if err != nil {
		return faults.Wrap(faults.KindIO, "marshal wal entry for replication", err)
	}
	msg := peernet.Message{Type: peernet.MessageWALEntry, Payload: payload, MessageID: fmt.Sprintf("wal-%d", rec.Sequence)}

	switch m.cfg.Sync {
	case SyncModeSync:
		needed := len(peers)/2 + 1
		if needed == 0 {
			return nil
		}
		waiter := &ackWaiter{needed: needed, acked: make(map[string]bool), done: make(chan struct{})}
		m.mu.Lock()
		m.waiters[rec.Sequence] = waiter
		m.pending[rec.Sequence] = &pendingEntry{record: rec, sentAt: time.Now().UTC(), ackedBy: make(map[string]bool)}
		m.mu.Unlock()

		m.net.BroadcastMessage(msg)
		peersConnected.WithLabelValues(m.nodeID).Set(float64(len(peers)))
		pendingEntries.WithLabelValues(m.nodeID).Set(float64(len(m.pending)))

		select {
		case <-waiter.done:
			m.mu.Lock()
			delete(m.waiters, rec.Sequence)
			m.mu.Unlock()
			return nil
		case <-time.After(m.cfg.AckTimeout):
			m.mu.Lock()
			delete(m.waiters, rec.Sequence)
			m.mu.Unlock()
			replicationTimeoutsTotal.WithLabelValues(m.nodeID).Inc()
			return faults.New(faults.KindTimeout, "replication ack timeout").
				WithContext("sequence", rec.Sequence)
		case <-ctx.Done():
			return ctx.Err()
		}

	default: // ASYNC
		m.mu.Lock()
		m.pending[rec.Sequence] = &pendingEntry{record: rec, sentAt: time.Now().UTC(), ackedBy: make(map[string]bool)}
		pendingCount := len(m.pending)
		m.mu.Unlock()
		pendingEntries.WithLabelValues(m.nodeID).Set(float64(pendingCount))
		m.net.BroadcastMessage(msg)
		return nil
	}
}

func (m *Manager) handleMessage(msg peernet.Message) {
	switch msg.Type {
	case peernet.MessageWALEntry:
		m.onWALEntry(msg)
	case peernet.MessageAck:
		m.onAck(msg)
	case peernet.MessageSyncRequest:
		m.onSyncRequest(msg)
	}
}

// onWALEntry is the follower path: verify contiguity, apply in order,
// buffer out-of-order arrivals, and ack (spec §4.H follower behaviour:
// "if out-of-order, reply with a SYNC_REQUEST; otherwise apply to the
// local WAL and reply ACK" — the two are mutually exclusive, since an ACK
// the leader counts toward majority replication must mean the entry is
// durably applied, not merely buffered).
func (m *Manager) onWALEntry(msg peernet.Message) {
	var p walEntryPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		m.log.WithError(err).Warn("discarding malformed wal entry message")
		return
	}
	rec := wal.Record{
		Sequence: p.Sequence, Timestamp: p.Timestamp, TransactionID: p.TransactionID,
		Type: p.Type, CollectionName: p.CollectionName, Operation: p.Operation, Data: p.Data,
	}

	m.mu.Lock()
	applied := m.applyOrBufferLocked(rec)
	fromSeq := m.lastApplied + 1
	m.mu.Unlock()

	if applied {
		m.ackLocked(msg.SourceNodeID, msg.MessageID, rec.Sequence)
		return
	}
	m.requestSync(fromSeq)
}

// applyOrBufferLocked must be called with m.mu held. It reports whether
// rec.Sequence is now durably applied to the local WAL — false means the
// entry was only buffered because it arrived out of order.
func (m *Manager) applyOrBufferLocked(rec wal.Record) bool {
	if rec.Sequence <= m.lastApplied {
		return true // already applied; duplicate delivery, no-op
	}
	if rec.Sequence != m.lastApplied+1 {
		m.outOfOrder[rec.Sequence] = rec
		if m.gapSince.IsZero() {
			m.gapSince = time.Now().UTC()
		}
		return false
	}

	m.applyLocked(rec)
	applied := m.lastApplied == rec.Sequence
	for {
		next, ok := m.outOfOrder[m.lastApplied+1]
		if !ok {
			break
		}
		delete(m.outOfOrder, next.Sequence)
		m.applyLocked(next)
	}
	if len(m.outOfOrder) == 0 {
		m.gapSince = time.Time{}
	}
	return applied
}

func (m *Manager) applyLocked(rec wal.Record) {
	if _, err := m.walEngine.WriteEntry(context.Background(), wal.Draft{
		TransactionID: rec.TransactionID, Type: rec.Type, CollectionName: rec.CollectionName,
		Operation: rec.Operation, Data: rec.Data,
	}); err != nil {
		m.log.WithError(err).WithField("sequence", rec.Sequence).Warn("failed to apply replicated entry")
		return
	}
	m.lastApplied = rec.Sequence
}

func (m *Manager) ackLocked(sourceNodeID, messageID string, sequence uint64) {
	payload, err := json.Marshal(ackPayload{Sequence: sequence})
	if err != nil {
		return
	}
	ack := peernet.Message{Type: peernet.MessageAck, MessageID: messageID, Payload: payload}
	go func() {
		if err := m.net.SendMessage(sourceNodeID, ack); err != nil {
			m.log.WithError(err).WithField("peer", sourceNodeID).Debug("failed to send replication ack")
		}
	}()
}

// onAck is the leader path: tally acks for pending/waited entries.
func (m *Manager) onAck(msg peernet.Message) {
	var p ackPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if pe, ok := m.pending[p.Sequence]; ok {
		pe.ackedBy[msg.SourceNodeID] = true
		acksTotal.WithLabelValues(m.nodeID, "acked").Inc()
		delete(m.pending, p.Sequence)
		pendingEntries.WithLabelValues(m.nodeID).Set(float64(len(m.pending)))
	}

	if w, ok := m.waiters[p.Sequence]; ok {
		w.acked[msg.SourceNodeID] = true
		if len(w.acked) >= w.needed {
			w.once.Do(func() { close(w.done) })
		}
	}
}

// onSyncRequest is the leader's catch-up servicing path (spec §4.H
// "sync-request servicing"): stream entries from fromSequence in batches,
// pausing briefly between batches to avoid flooding the requester.
func (m *Manager) onSyncRequest(msg peernet.Message) {
	var p syncRequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	syncRequestsTotal.WithLabelValues(m.nodeID, "serviced").Inc()

	reader, err := m.walEngine.ReadEntries(p.FromSequence)
	if err != nil {
		m.log.WithError(err).Warn("failed to open reader for sync request")
		return
	}
	defer reader.Close()

	sent := 0
	for {
		rec, err := reader.Next()
		if err != nil {
			break
		}
		payload, err := json.Marshal(recordToPayload(rec))
		if err != nil {
			continue
		}
		_ = m.net.SendMessage(msg.SourceNodeID, peernet.Message{
			Type: peernet.MessageWALEntry, Payload: payload, MessageID: fmt.Sprintf("sync-%d", rec.Sequence),
		})
		sent++
		if m.cfg.BatchSize > 0 && sent%m.cfg.BatchSize == 0 {
			time.Sleep(m.cfg.BatchPause)
		}
	}
}

// requestSync issues a SYNC_REQUEST to the known leader for entries from
// fromSequence onward (spec §4.H / §4.I syncWithCluster).
func (m *Manager) requestSync(fromSequence uint64) {
	leader := m.election.LeaderID()
	if leader == "" || leader == m.nodeID {
		return
	}
	payload, err := json.Marshal(syncRequestPayload{FromSequence: fromSequence})
	if err != nil {
		return
	}
	syncRequestsTotal.WithLabelValues(m.nodeID, "issued").Inc()
	if err := m.net.SendMessage(leader, peernet.Message{Type: peernet.MessageSyncRequest, Payload: payload}); err != nil {
		m.log.WithError(err).WithField("leader", leader).Warn("failed to issue sync request")
	}
}

// SyncWithCluster is the public entry point used by the Replicated WAL on
// follower startup (spec §4.I).
func (m *Manager) SyncWithCluster(fromSequence uint64) {
	m.requestSync(fromSequence)
}

func (m *Manager) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.retryPending()
		}
	}
}

// retryPending re-broadcasts ASYNC entries that have waited at least
// AckTimeout without any acknowledgement; onAck drops an entry from
// pending at its first ack (spec §4.H "on timeout, move to a retry queue").
func (m *Manager) retryPending() {
	if m.cfg.Sync != SyncModeAsync {
		return
	}
	now := time.Now().UTC()
	m.mu.Lock()
	stale := make([]wal.Record, 0)
	for _, pe := range m.pending {
		if now.Sub(pe.sentAt) >= m.cfg.AckTimeout {
			stale = append(stale, pe.record)
			pe.sentAt = now
		}
	}
	m.mu.Unlock()

	for _, rec := range stale {
		payload, err := json.Marshal(recordToPayload(rec))
		if err != nil {
			continue
		}
		m.net.BroadcastMessage(peernet.Message{Type: peernet.MessageWALEntry, Payload: payload, MessageID: fmt.Sprintf("wal-retry-%d", rec.Sequence)})
	}
}

// gapWatchdog requests a resync if a follower's out-of-order buffer has
// had a persistent gap longer than MaxAwaitTime (spec §5 "it buffers
// out-of-order arrivals and requests resync if a gap persists past
// maxAwaitTimeMS").
func (m *Manager) gapWatchdog(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaxAwaitTime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			gapSince := m.gapSince
			fromSeq := m.lastApplied + 1
			m.mu.Unlock()
			if gapSince.IsZero() {
				continue
			}
			if time.Since(gapSince) >= m.cfg.MaxAwaitTime {
				m.requestSync(fromSeq)
			}
		}
	}
}

// PendingCount reports the number of ASYNC/SYNC entries awaiting ack.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// LastApplied reports the highest sequence number this node has applied
// from the replication stream (followers). On a leader it stays at the
// local WAL's sequence as of New, since Replicate does not advance it.
func (m *Manager) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}
