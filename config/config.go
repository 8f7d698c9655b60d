// Package config defines the validated option structs the external Config
// Provider supplies (spec §6). It deliberately does not parse files, watch
// for changes, or overlay environment variables — that machinery belongs to
// the Config Provider, which is out of scope here. LoadYAML is a minimal
// decode-and-validate helper for tests and cmd/server, not a substitute for
// a real provider.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ReplicationMode selects the cluster topology.
type ReplicationMode string

const (
	ModeMasterSlave ReplicationMode = "MASTER_SLAVE"
	ModeMultiMaster ReplicationMode = "MULTI_MASTER"
)

// SyncMode selects how the Replication Manager acknowledges writes.
type SyncMode string

const (
	SyncAsync SyncMode = "ASYNC"
	SyncSync  SyncMode = "SYNC"
)

// ResumeTokenStrategy selects where the Change-Stream Manager persists
// resume tokens.
type ResumeTokenStrategy string

const (
	ResumeTokenMemory ResumeTokenStrategy = "memory"
	ResumeTokenFile   ResumeTokenStrategy = "file"
	ResumeTokenEtcd   ResumeTokenStrategy = "etcd"
)

// WALConfig configures the WAL Engine (§4.A).
type WALConfig struct {
	Path               string        `yaml:"path"`
	FlushIntervalMs    int           `yaml:"flush_interval_ms"`
	MaxBufferSize      int           `yaml:"max_buffer_size"`
	RolloverBytes      int64         `yaml:"rollover_bytes"`
	ChecksumKeyHex     string        `yaml:"checksum_key_hex"`
	CheckpointEvery    uint64        `yaml:"checkpoint_every"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// TransactionConfig configures the Transaction Coordinator (§4.D).
type TransactionConfig struct {
	PrepareTimeout       time.Duration `yaml:"prepare_timeout"`
	FinalizeTimeout      time.Duration `yaml:"finalize_timeout"`
	GlobalTimeout        time.Duration `yaml:"global_timeout"`
	MaxFinalizeAttempts  int           `yaml:"max_finalize_attempts"`
	FinalizeBackoffBase  time.Duration `yaml:"finalize_backoff_base"`
}

// ReplicationConfig configures the Replication Manager and Peer Network
// (§4.G, §4.H).
type ReplicationConfig struct {
	Mode                 ReplicationMode `yaml:"mode"`
	Sync                 SyncMode        `yaml:"sync"`
	HeartbeatInterval    time.Duration   `yaml:"heartbeat_interval"`
	FailureThreshold     int             `yaml:"failure_threshold"`
	ElectionTimeout      time.Duration   `yaml:"election_timeout"`
	ReplicationAckTimeout time.Duration  `yaml:"replication_ack_timeout"`
	BatchSize            int             `yaml:"batch_size"`
	MaxAwaitTimeMs        int            `yaml:"max_await_time_ms"`
	MaxOutboundRetries    int            `yaml:"max_outbound_retries"`
	// PeerChecksumKeyHex is the cluster-wide HighwayHash key for peer wire
	// messages (hex-encoded, must decode to 32 bytes), analogous to
	// WALConfig.ChecksumKeyHex but covering a separate trust boundary.
	PeerChecksumKeyHex string `yaml:"peer_checksum_key_hex"`
}

// NodeConfig identifies one member of the cluster membership list.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// SubscriptionConfig configures the Change-Stream Manager (§4.E).
type SubscriptionConfig struct {
	BufferSize          int                 `yaml:"buffer_size"`
	FlushIntervalMs     int                 `yaml:"flush_interval_ms"`
	MaxRetries          int                 `yaml:"max_retries"`
	MaxRetryDelayMs     int                 `yaml:"max_retry_delay_ms"`
	ResumeTokenStrategy ResumeTokenStrategy `yaml:"resume_token_strategy"`
	ResumeTokenRoot     string              `yaml:"resume_token_root"`
	EtcdEndpoints       []string            `yaml:"etcd_endpoints"`
	EtcdKeyPrefix       string              `yaml:"etcd_key_prefix"`
}

// PollingConfig configures the Polling Change Source (§4.F).
type PollingConfig struct {
	IntervalMs int `yaml:"interval_ms"`
	DebounceMs int `yaml:"debounce_ms"`
}

// AdapterConfig enables and configures one backend adapter.
type AdapterConfig struct {
	ID      string         `yaml:"id"`
	Type    string         `yaml:"type"` // "file", "memory", "sqlite", "driver"
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Extra   map[string]any `yaml:"extra"`
}

// RegistryConfig configures the Adapter Registry (§4.J).
type RegistryConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	RetryAttempts       int           `yaml:"retry_attempts"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
}

// NodeIdentity is this node's own id and optional initial role.
type NodeIdentity struct {
	ID           string `yaml:"id"`
	InitialRole  string `yaml:"initial_role"` // "LEADER", "FOLLOWER", or empty
	ListenAddress string `yaml:"listen_address"`
	ListenPort   int    `yaml:"listen_port"`
}

// Config is the full validated configuration tree, the concrete shape of
// the "Config contract" in spec §6.
type Config struct {
	Node          NodeIdentity        `yaml:"node"`
	WAL           WALConfig           `yaml:"wal"`
	Transaction   TransactionConfig   `yaml:"transaction"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Subscriptions SubscriptionConfig  `yaml:"subscriptions"`
	Polling       PollingConfig       `yaml:"polling"`
	Adapters      []AdapterConfig     `yaml:"adapters"`
	Registry      RegistryConfig      `yaml:"registry"`
	Cluster       []NodeConfig        `yaml:"cluster"`
}

// Defaults returns a Config with every documented default filled in. Callers
// overlay their own values on top (LoadYAML does this via strict decode onto
// a copy of Defaults()).
func Defaults() Config {
	return Config{
		WAL: WALConfig{
			FlushIntervalMs:    0, // COMMIT/ROLLBACK/CHECKPOINT always flush immediately
			MaxBufferSize:      64 * 1024,
			RolloverBytes:      64 * 1024 * 1024,
			CheckpointEvery:    1000,
			CheckpointInterval: 5 * time.Minute,
		},
		Transaction: TransactionConfig{
			PrepareTimeout:      5 * time.Second,
			FinalizeTimeout:     10 * time.Second,
			GlobalTimeout:       30 * time.Second,
			MaxFinalizeAttempts: 5,
			FinalizeBackoffBase: 100 * time.Millisecond,
		},
		Replication: ReplicationConfig{
			Mode:                  ModeMasterSlave,
			Sync:                  SyncAsync,
			HeartbeatInterval:     2 * time.Second,
			FailureThreshold:      3,
			ElectionTimeout:       5 * time.Second,
			ReplicationAckTimeout: 5 * time.Second,
			BatchSize:             256,
			MaxAwaitTimeMs:         10_000,
			MaxOutboundRetries:     8,
		},
		Subscriptions: SubscriptionConfig{
			BufferSize:          256,
			FlushIntervalMs:     50,
			MaxRetries:          5,
			MaxRetryDelayMs:     30_000,
			ResumeTokenStrategy: ResumeTokenMemory,
		},
		Polling: PollingConfig{
			IntervalMs: 1000,
			DebounceMs: 200,
		},
		Registry: RegistryConfig{
			HealthCheckInterval: 10 * time.Second,
			RetryAttempts:       3,
			OperationTimeout:    5 * time.Second,
		},
	}
}

// Validate rejects configurations that cannot be wired up, the way the
// Config Provider is required to before handing values to the core.
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.WAL.Path == "" {
		return fmt.Errorf("config: wal.path is required")
	}
	switch c.Replication.Mode {
	case ModeMasterSlave, ModeMultiMaster, "":
	default:
		return fmt.Errorf("config: unknown replication.mode %q", c.Replication.Mode)
	}
	switch c.Replication.Sync {
	case SyncAsync, SyncSync, "":
	default:
		return fmt.Errorf("config: unknown replication.sync %q", c.Replication.Sync)
	}
	switch c.Subscriptions.ResumeTokenStrategy {
	case ResumeTokenMemory, ResumeTokenFile, ResumeTokenEtcd, "":
	default:
		return fmt.Errorf("config: unknown subscriptions.resume_token_strategy %q", c.Subscriptions.ResumeTokenStrategy)
	}
	if c.Subscriptions.ResumeTokenStrategy == ResumeTokenEtcd && len(c.Subscriptions.EtcdEndpoints) == 0 {
		return fmt.Errorf("config: subscriptions.etcd_endpoints is required when resume_token_strategy is etcd")
	}
	seen := make(map[string]bool, len(c.Adapters))
	for _, a := range c.Adapters {
		if a.ID == "" {
			return fmt.Errorf("config: adapter entry missing id")
		}
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate adapter id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// LoadYAML decodes a YAML document into a Config seeded with Defaults(),
// rejecting unknown keys, then validates it. This is the thin, concrete
// stand-in for the external Config Provider used by tests and cmd/server —
// it intentionally has no hot-reload, file-watch, or environment-overlay
// support.
func LoadYAML(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := Defaults()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
