// Package ledgermesh wires the WAL engine, transactional storage
// adapters, transaction coordinator, change-stream manager, polling
// sources, peer network, and replication manager into one embeddable
// Store, the way the teacher's tinysql.go wired parser/planner/executor/
// storage into one top-level Database (deleted along with the SQL
// engine, per DESIGN.md).
package ledgermesh

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ledgermesh/ledgermesh/config"
	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/ledgermesh/ledgermesh/internal/changestream"
	"github.com/ledgermesh/ledgermesh/internal/peernet"
	"github.com/ledgermesh/ledgermesh/internal/polling"
	"github.com/ledgermesh/ledgermesh/internal/registry"
	"github.com/ledgermesh/ledgermesh/internal/replication"
	"github.com/ledgermesh/ledgermesh/internal/txn"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store is the embeddable facade composing every core component named in
// SPEC_FULL.md §2's component table.
type Store struct {
	cfg config.Config
	log *logrus.Entry

	systemWAL *wal.Engine

	registry    *registry.Registry
	coordinator *txn.Coordinator
	fanout      *registry.CrossAdapterCoordinator

	changestream *changestream.Manager
	pollers      []*polling.Source
	fingerprints *lru.Cache[string, uint64]

	election ElectionAndReplication

	checkpointCron *cron.Cron
}

// ElectionAndReplication bundles the optional cluster-facing pieces; they
// are nil when cfg.Cluster is empty (single-node deployment).
type ElectionAndReplication struct {
	Network  *peernet.Network
	Manager  *replication.Manager
	Election *replication.StaticElection
}

// Open builds every component described by cfg but does not yet start
// background loops or listen on any socket — call Start for that.
func Open(cfg config.Config, log *logrus.Entry) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("node", cfg.Node.ID)

	var checksumKey [32]byte
	if cfg.WAL.ChecksumKeyHex != "" {
		raw, err := hex.DecodeString(cfg.WAL.ChecksumKeyHex)
		if err != nil || len(raw) != 32 {
			return nil, faults.New(faults.KindIO, "wal.checksum_key_hex must decode to 32 bytes")
		}
		copy(checksumKey[:], raw)
	}
	systemWAL, err := wal.Open(wal.Options{
		Dir: cfg.WAL.Path, Name: "system",
		MaxBufferSize: cfg.WAL.MaxBufferSize, RolloverBytes: cfg.WAL.RolloverBytes,
		ChecksumKey: checksumKey,
	}, log)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "open system wal", err)
	}

	s := &Store{
		cfg:       cfg,
		log:       log,
		systemWAL: systemWAL,
		registry:  registry.New(registry.Config{
			HealthCheckInterval: cfg.Registry.HealthCheckInterval,
			RetryAttempts:       cfg.Registry.RetryAttempts,
			HealthCheckTimeout:  cfg.Registry.OperationTimeout,
		}, log),
	}

	s.coordinator = txn.New(systemWAL, txn.Config{
		PrepareTimeout:      cfg.Transaction.PrepareTimeout,
		FinalizeTimeout:     cfg.Transaction.FinalizeTimeout,
		GlobalTimeout:       cfg.Transaction.GlobalTimeout,
		MaxFinalizeAttempts: cfg.Transaction.MaxFinalizeAttempts,
		FinalizeBackoffBase: cfg.Transaction.FinalizeBackoffBase,
	}, log)
	s.fanout = registry.NewCrossAdapterCoordinator(s.registry, s.coordinator, registry.FanOutConfig{
		Timeout: cfg.Registry.OperationTimeout, Parallel: true,
	})

	tokenStore, err := buildTokenStore(cfg.Subscriptions)
	if err != nil {
		return nil, err
	}
	s.changestream = changestream.NewManager(changestream.Config{
		BufferSize:    cfg.Subscriptions.BufferSize,
		FlushInterval: time.Duration(cfg.Subscriptions.FlushIntervalMs) * time.Millisecond,
		MaxRetries:    cfg.Subscriptions.MaxRetries,
		MaxRetryDelay: time.Duration(cfg.Subscriptions.MaxRetryDelayMs) * time.Millisecond,
		RetryWindow:   30 * time.Second,
	}, tokenStore, log)

	fingerprints, err := lru.New[string, uint64](1024)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "allocate fingerprint cache", err)
	}
	s.fingerprints = fingerprints

	if err := s.buildAdapters(); err != nil {
		return nil, err
	}

	if len(cfg.Cluster) > 0 {
		if err := s.buildCluster(); err != nil {
			return nil, err
		}
	}

	s.checkpointCron = cron.New()
	interval := cfg.WAL.CheckpointInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := s.checkpointCron.AddFunc(spec, s.runCheckpoint); err != nil {
		return nil, faults.Wrap(faults.KindIO, "schedule checkpoint cron", err)
	}

	return s, nil
}

func buildTokenStore(cfg config.SubscriptionConfig) (changestream.TokenStore, error) {
	switch cfg.ResumeTokenStrategy {
	case config.ResumeTokenFile:
		return changestream.NewFileTokenStore(cfg.ResumeTokenRoot)
	case config.ResumeTokenEtcd:
		cli, err := clientv3.New(clientv3.Config{Endpoints: cfg.EtcdEndpoints, DialTimeout: 5 * time.Second})
		if err != nil {
			return nil, faults.Wrap(faults.KindIO, "connect etcd resume-token store", err)
		}
		return changestream.NewEtcdTokenStore(cli, cfg.EtcdKeyPrefix), nil
	default:
		return changestream.NewMemoryTokenStore(), nil
	}
}

// buildAdapters wires one adapter per cfg.Adapters entry and, for any
// adapter without native push (Capability.Realtime == false), a Polling
// Change Source driving it (spec §4.F). "driver"-type entries (the opaque
// external Backend Driver, spec §1 out-of-scope wire protocol) are not
// auto-wired here — callers supply a concrete adapter.BackendDriver via
// AddDriverAdapter once Store is open.
func (s *Store) buildAdapters() error {
	for _, ac := range s.cfg.Adapters {
		if !ac.Enabled {
			continue
		}
		var a adapter.Adapter
		switch ac.Type {
		case "memory":
			a = adapter.NewMemoryAdapter(ac.ID, s.systemWAL, s.log)
		case "file":
			a = adapter.NewFileAdapter(ac.ID, ac.Path, s.systemWAL, s.log)
		case "sqlite":
			sa, err := adapter.NewSQLiteAdapter(ac.ID, ac.Path, s.systemWAL, s.log)
			if err != nil {
				return faults.Wrap(faults.KindIO, "open sqlite adapter "+ac.ID, err)
			}
			a = sa
		case "driver":
			continue
		default:
			return faults.New(faults.KindCapabilityMissing, "unknown adapter type: "+ac.Type)
		}
		if err := s.registry.Register(a, ac.Type); err != nil {
			return err
		}
		s.wirePollingIfNeeded(a)
	}
	return nil
}

// AddDriverAdapter registers a caller-supplied BackendDriver-backed
// adapter (e.g. the external document database or spreadsheet API, spec
// §1's opaque Backend Drivers) under id, and wires a Polling Change
// Source for it since driver backends have no native push feed.
func (s *Store) AddDriverAdapter(id string, driver adapter.BackendDriver) error {
	a := adapter.NewDriverAdapter(id, driver, s.systemWAL, s.log)
	if err := s.registry.Register(a, "driver"); err != nil {
		return err
	}
	s.wirePollingIfNeeded(a)
	return nil
}

func (s *Store) wirePollingIfNeeded(a adapter.Adapter) {
	if a.Capabilities().Realtime {
		return
	}
	fa, ok := a.(polling.FetchAller)
	if !ok {
		return
	}
	src := polling.NewSource(a.ID(), "*", fa, s.changestream, polling.Config{
		Interval: time.Duration(s.cfg.Polling.IntervalMs) * time.Millisecond,
		Debounce: time.Duration(s.cfg.Polling.DebounceMs) * time.Millisecond,
	}, s.fingerprints, s.log)
	s.pollers = append(s.pollers, src)
}

// buildCluster wires the Peer Network, Replication Manager, and election
// module when cfg.Cluster names other nodes (spec §4.G-§4.I).
func (s *Store) buildCluster() error {
	if s.cfg.Replication.PeerChecksumKeyHex != "" {
		raw, err := hex.DecodeString(s.cfg.Replication.PeerChecksumKeyHex)
		if err != nil {
			return faults.Wrap(faults.KindIO, "decode peer_checksum_key_hex", err)
		}
		if len(raw) != 32 {
			return faults.New(faults.KindIO, "peer_checksum_key_hex must decode to 32 bytes")
		}
		var peerChecksumKey [32]byte
		copy(peerChecksumKey[:], raw)
		peernet.SetChecksumKey(peerChecksumKey)
	}

	secret := []byte(s.cfg.Node.ID) // replaced by a real shared secret from the Config Provider in production
	signer := peernet.NewHandshakeSigner(secret, time.Minute)

	netCfg := peernet.DefaultConfig()
	netCfg.HeartbeatInterval = s.cfg.Replication.HeartbeatInterval
	netCfg.FailureThreshold = s.cfg.Replication.FailureThreshold
	netCfg.MaxDialRetries = s.cfg.Replication.MaxOutboundRetries
	net := peernet.New(s.cfg.Node.ID, signer, netCfg, s.log)

	// StaticElection (spec §13 Open Question 3) takes its fixed leader from
	// node.initial_role: a node configured "LEADER" names itself, every
	// other node defers to the first cluster member by convention (a real
	// ElectionModule would replace this with Raft-driven leader discovery).
	leaderID := s.cfg.Node.ID
	if s.cfg.Node.InitialRole != "LEADER" && len(s.cfg.Cluster) > 0 {
		leaderID = s.cfg.Cluster[0].ID
	}
	election := replication.NewStaticElection(s.cfg.Node.ID, leaderID)

	repCfg := replication.DefaultConfig()
	repCfg.Mode = replication.Mode(s.cfg.Replication.Mode)
	repCfg.Sync = replication.SyncMode(s.cfg.Replication.Sync)
	repCfg.AckTimeout = s.cfg.Replication.ReplicationAckTimeout
	repCfg.BatchSize = s.cfg.Replication.BatchSize
	repCfg.MaxAwaitTime = time.Duration(s.cfg.Replication.MaxAwaitTimeMs) * time.Millisecond

	mgr := replication.New(s.cfg.Node.ID, s.systemWAL, net, election, repCfg, s.log)

	s.election = ElectionAndReplication{Network: net, Manager: mgr, Election: election}
	return nil
}

func (s *Store) runCheckpoint() {
	if _, err := s.systemWAL.CreateCheckpoint(context.Background()); err != nil {
		s.log.WithError(err).Warn("periodic checkpoint failed")
	}
}

// Start launches every background loop: adapter start, health checks,
// polling sources, cluster listener/connections, replication manager, and
// the checkpoint cron.
func (s *Store) Start(ctx context.Context) error {
	if err := s.registry.BulkStart(ctx); err != nil {
		return err
	}
	s.registry.StartHealthChecks(ctx)

	for _, p := range s.pollers {
		p.Start(ctx)
	}

	if s.election.Network != nil {
		listenAddr := fmt.Sprintf("%s:%d", s.cfg.Node.ListenAddress, s.cfg.Node.ListenPort)
		if err := s.election.Network.Listen(listenAddr); err != nil {
			return err
		}
		for _, peer := range s.cfg.Cluster {
			if peer.ID == s.cfg.Node.ID {
				continue
			}
			addr := fmt.Sprintf("%s:%d", peer.Address, peer.Port)
			if err := s.election.Network.Connect(ctx, peer.ID, addr); err != nil {
				s.log.WithError(err).WithField("peer", peer.ID).Warn("failed to connect to cluster peer at startup")
			}
		}
		s.election.Manager.Start(ctx)
	}

	s.checkpointCron.Start()
	return nil
}

// Stop stops the checkpoint cron and the polling sources, shuts down the
// change-stream manager (persisting every subscription's resume token),
// closes the replication manager and peer network, stops health checks and
// every adapter, and finally closes the system WAL.
func (s *Store) Stop(ctx context.Context) error {
	s.checkpointCron.Stop()

	for _, p := range s.pollers {
		p.Stop()
	}

	if err := s.changestream.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("change-stream shutdown reported an error")
	}

	if s.election.Network != nil {
		s.election.Manager.Close()
		s.election.Network.Close()
	}

	s.registry.StopHealthChecks()
	if err := s.registry.BulkStop(ctx); err != nil {
		s.log.WithError(err).Warn("adapter bulk stop reported an error")
	}

	return s.systemWAL.Close()
}

// Registry exposes the Adapter Registry for direct lifecycle control.
func (s *Store) Registry() *registry.Registry { return s.registry }

// Coordinator exposes the Transaction Coordinator for direct 2PC use.
func (s *Store) Coordinator() *txn.Coordinator { return s.coordinator }

// FanOut exposes the cross-adapter coordinator (spec §4.J).
func (s *Store) FanOut() *registry.CrossAdapterCoordinator { return s.fanout }

// ChangeStream exposes the Change-Stream Manager for subscriptions.
func (s *Store) ChangeStream() *changestream.Manager { return s.changestream }
