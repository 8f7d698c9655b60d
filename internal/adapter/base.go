package adapter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
)

// txnStage is the staging buffer for one in-flight transaction, keyed by
// transaction id per spec §4.C. It is touched only from the coordinator's
// execution path for that transaction.
type txnStage struct {
	ops      []StagedOperation
	prepared bool
}

// Base is the shared scaffolding every concrete Adapter embeds: lifecycle
// state, per-transaction staging buffers, WAL interleaving for PREPARE/
// COMMIT/ROLLBACK records, idempotency bookkeeping for finalize/rollback,
// health-check failure counting, and a change-event fan-out channel.
// Concrete adapters (File, Memory, SQLite, driver-backed) supply only the
// backend-specific Query/Insert/Update/Delete/apply logic, mirroring the
// "interface + shared implementation struct" pattern the spec's design
// notes call for in place of an abstract base class.
type Base struct {
	id   string
	caps Capability
	wal  *wal.Engine
	log  *logrus.Entry

	mu      sync.Mutex
	state   State
	staging map[string]*txnStage

	finalized  map[string]bool
	rolledBack map[string]bool

	healthFailures atomic.Int32
	events         chan ChangeEvent
}

// NewBase constructs the shared scaffolding. walEngine may be nil, in which
// case WriteSystemRecord writes nothing; the reference adapters write their
// PREPARE/COMMIT/ROLLBACK records through it into whatever engine they are
// given.
func NewBase(id string, caps Capability, walEngine *wal.Engine, log *logrus.Entry) *Base {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Base{
		id:         id,
		caps:       caps,
		wal:        walEngine,
		log:        log.WithField("adapter", id),
		state:      StateInactive,
		staging:    make(map[string]*txnStage),
		finalized:  make(map[string]bool),
		rolledBack: make(map[string]bool),
		events:     make(chan ChangeEvent, 256),
	}
}

func (b *Base) ID() string               { return b.id }
func (b *Base) Capabilities() Capability { return b.caps }

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Events exposes the change-event channel for adapters that advertise
// Capability.Realtime.
func (b *Base) Events() <-chan ChangeEvent { return b.events }

func (b *Base) emit(ev ChangeEvent) {
	select {
	case b.events <- ev:
	default:
		b.log.Warn("change event channel full, dropping event")
	}
}

// Stage appends an operation to txID's buffer without touching the backend.
func (b *Base) Stage(txID string, op StagedOperation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.staging[txID]
	if !ok {
		s = &txnStage{}
		b.staging[txID] = s
	}
	s.ops = append(s.ops, op)
}

// StagedOps returns a copy of txID's buffered operations, in issue order.
func (b *Base) StagedOps(txID string) []StagedOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.staging[txID]
	if !ok {
		return nil
	}
	out := make([]StagedOperation, len(s.ops))
	copy(out, s.ops)
	return out
}

func (b *Base) markPrepared(txID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.staging[txID]; ok {
		s.prepared = true
	}
}

// ClearStage discards txID's staging buffer after finalize or rollback.
func (b *Base) ClearStage(txID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.staging, txID)
}

// AlreadyFinalized reports whether FinalizeCommit has already succeeded for
// txID, so callers can make the second call a no-op (spec §4.C idempotence,
// testable property 8).
func (b *Base) AlreadyFinalized(txID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized[txID]
}

func (b *Base) MarkFinalized(txID string) {
	b.mu.Lock()
	b.finalized[txID] = true
	b.mu.Unlock()
}

// AlreadyRolledBack reports whether Rollback has already completed for txID.
func (b *Base) AlreadyRolledBack(txID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rolledBack[txID]
}

func (b *Base) MarkRolledBack(txID string) {
	b.mu.Lock()
	b.rolledBack[txID] = true
	b.mu.Unlock()
}

// WriteSystemRecord appends a PREPARE/COMMIT/ROLLBACK record to the
// adapter's WAL, if one is configured. Adapters that share the Engine owned
// by the Store (the common case) pass that Engine in at construction.
func (b *Base) WriteSystemRecord(ctx context.Context, txID string, t wal.RecordType, collection string) error {
	if b.wal == nil {
		return nil
	}
	_, err := b.wal.WriteEntry(ctx, wal.Draft{
		TransactionID:  txID,
		Type:           t,
		CollectionName: collection,
		Operation:      systemOperationFor(t),
	})
	return err
}

func systemOperationFor(t wal.RecordType) wal.OperationType {
	switch t {
	case wal.RecordPrepare:
		return wal.OpBegin
	case wal.RecordCommit:
		return wal.OpCommit
	case wal.RecordRollback:
		return wal.OpRollback
	default:
		return wal.OpStore
	}
}

// RecordHealthFailure increments the consecutive-failure counter used by the
// Adapter Registry's health-check loop (spec §4.J) and returns the new
// count.
func (b *Base) RecordHealthFailure() int32 {
	return b.healthFailures.Add(1)
}

// ResetHealthFailures clears the consecutive-failure counter after a
// successful health check.
func (b *Base) ResetHealthFailures() {
	b.healthFailures.Store(0)
}

// HealthFailures returns the current consecutive-failure count.
func (b *Base) HealthFailures() int32 {
	return b.healthFailures.Load()
}

// RequireCapability returns a CapabilityMissing fault when the requested
// capability is not advertised.
func (b *Base) RequireCapability(name string, has bool) error {
	if has {
		return nil
	}
	return faults.New(faults.KindCapabilityMissing, "adapter "+b.id+" does not support "+name).
		WithContext("adapter", b.id).WithContext("capability", name)
}

// TransitionLifecycle is the common Initialize/Start/Stop/Restart skeleton;
// concrete adapters call it with the backend-specific setup/teardown thunk.
func (b *Base) TransitionLifecycle(to State, work func() error) error {
	b.setState(StateInitializing)
	if err := work(); err != nil {
		b.setState(StateError)
		return err
	}
	b.setState(to)
	return nil
}

// Log exposes the adapter-scoped logger to embedding types.
func (b *Base) Log() *logrus.Entry { return b.log }
