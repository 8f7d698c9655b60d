// Package adapter defines the Transactional Storage Adapter contract
// (spec §4.C) and its shared scaffolding. Concrete backends — File, Memory,
// SQLite, and the generic driver-backed adapter for external services —
// each embed Base and supply only the backend-specific operations, mirroring
// the "abstract base class with many abstract methods + private helpers"
// re-architecture called out in the spec's design notes: here that becomes
// an interface plus an embeddable struct instead of an inheritance chain.
package adapter

import (
	"context"
	"time"
)

// Capability flags advertise what an adapter actually supports. The
// Transaction Coordinator consults Transactions before enlisting an adapter
// in a cross-adapter transaction and fails with CapabilityMissing otherwise.
type Capability struct {
	Read         bool
	Write        bool
	Realtime     bool
	Transactions bool
	Batch        bool
}

// State is the adapter's lifecycle state (spec §3 "Adapter").
type State int

const (
	StateInactive State = iota
	StateInitializing
	StateActive
	StateError
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Document is an opaque collection document. The adapter layer never
// interprets its shape — schema/typed-update evaluation is explicitly out of
// scope (spec §1 Non-goals).
type Document map[string]any

// OpKind is the kind of data operation staged or applied by an adapter.
type OpKind int

const (
	OpQuery OpKind = iota + 1
	OpInsert
	OpUpdate
	OpDelete
	OpBatchInsert
	OpBatchUpdate
	OpBatchDelete
)

// StagedOperation is one buffered mutation inside an open transaction.
// Collection is always a first-class field rather than embedded in Filter —
// the Open Question decision recorded in SPEC_FULL.md §13.
type StagedOperation struct {
	Kind       OpKind
	Collection string
	DocumentID string
	NewValue   Document
	Filter     map[string]any
}

// BatchUpdateOp is one entry of a BatchUpdate call.
type BatchUpdateOp struct {
	DocumentID string
	Patch      Document
}

// ChangeEvent is what the Change-Stream Manager forwards to subscribers
// (spec §3 "Change Event").
type ChangeEvent struct {
	Type          string // INSERT | UPDATE | DELETE
	Collection    string
	DocumentID    string
	NewValue      Document
	PreviousValue Document
	Timestamp     time.Time
}

// HealthStatus is the result of one HealthCheck call.
type HealthStatus struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
}

// Adapter is the contract every backend implements (spec §4.C).
type Adapter interface {
	ID() string
	Capabilities() Capability
	State() State

	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	HealthCheck(ctx context.Context) HealthStatus
	Ping(ctx context.Context) error

	Query(ctx context.Context, collection string, filter map[string]any) ([]Document, error)
	Insert(ctx context.Context, txID, collection string, doc Document) error
	Update(ctx context.Context, txID, collection, documentID string, patch Document) error
	Delete(ctx context.Context, txID, collection, documentID string, filter map[string]any) error
	BatchInsert(ctx context.Context, txID, collection string, docs []Document) error
	BatchUpdate(ctx context.Context, txID, collection string, ops []BatchUpdateOp) error
	BatchDelete(ctx context.Context, txID, collection string, ids []string) error

	PrepareCommit(ctx context.Context, txID string) (bool, error)
	FinalizeCommit(ctx context.Context, txID string) error
	Rollback(ctx context.Context, txID string) error
}

// RealtimeSource is implemented by adapters whose Capability.Realtime is
// true: they push ChangeEvents natively instead of requiring the Polling
// Change Source (spec §4.F) to detect changes for them.
type RealtimeSource interface {
	Events() <-chan ChangeEvent
}
