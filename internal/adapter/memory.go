package adapter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
)

// memorySnapshot is one copy-on-write version of the adapter's whole
// dataset. Readers hold a reference to a snapshot for the duration of a
// Query and never observe a partially-applied commit, grounded on the
// teacher's MVCC version-chain approach (mvcc.go) simplified to
// whole-snapshot granularity since cross-collection serializability inside
// one backend is explicitly out of scope (spec §1 Non-goals).
type memorySnapshot struct {
	collections map[string]map[string]Document
}

func (s *memorySnapshot) clone() *memorySnapshot {
	next := &memorySnapshot{collections: make(map[string]map[string]Document, len(s.collections))}
	for name, docs := range s.collections {
		cp := make(map[string]Document, len(docs))
		for id, d := range docs {
			cp[id] = d
		}
		next.collections[name] = cp
	}
	return next
}

// MemoryAdapter is the in-memory reference adapter (spec §4.C): staging
// buffer lives beside a copy-on-write snapshot; finalize swaps the snapshot
// pointer atomically.
type MemoryAdapter struct {
	*Base
	snapshot atomic.Pointer[memorySnapshot]
}

func NewMemoryAdapter(id string, walEngine *wal.Engine, log *logrus.Entry) *MemoryAdapter {
	m := &MemoryAdapter{
		Base: NewBase(id, Capability{Read: true, Write: true, Realtime: true, Transactions: true, Batch: true}, walEngine, log),
	}
	m.snapshot.Store(&memorySnapshot{collections: make(map[string]map[string]Document)})
	return m
}

func (m *MemoryAdapter) Initialize(ctx context.Context) error {
	return m.TransitionLifecycle(StateActive, func() error { return nil })
}

func (m *MemoryAdapter) Start(ctx context.Context) error {
	m.setState(StateActive)
	return nil
}

func (m *MemoryAdapter) Stop(ctx context.Context) error {
	m.setState(StateStopping)
	m.setState(StateInactive)
	return nil
}

func (m *MemoryAdapter) Restart(ctx context.Context) error {
	if err := m.Stop(ctx); err != nil {
		return err
	}
	return m.Initialize(ctx)
}

func (m *MemoryAdapter) Ping(ctx context.Context) error { return nil }

func (m *MemoryAdapter) HealthCheck(ctx context.Context) HealthStatus {
	m.ResetHealthFailures()
	return HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}
}

func (m *MemoryAdapter) Query(ctx context.Context, collection string, filter map[string]any) ([]Document, error) {
	if err := m.RequireCapability("read", m.Capabilities().Read); err != nil {
		return nil, err
	}
	snap := m.snapshot.Load()
	var out []Document
	for _, doc := range snap.collections[collection] {
		if matchesFilter(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *MemoryAdapter) Insert(ctx context.Context, txID, collection string, doc Document) error {
	if err := m.RequireCapability("write", m.Capabilities().Write); err != nil {
		return err
	}
	m.Stage(txID, StagedOperation{Kind: OpInsert, Collection: collection, DocumentID: documentID(doc), NewValue: doc})
	return nil
}

func (m *MemoryAdapter) Update(ctx context.Context, txID, collection, documentID string, patch Document) error {
	if err := m.RequireCapability("write", m.Capabilities().Write); err != nil {
		return err
	}
	m.Stage(txID, StagedOperation{Kind: OpUpdate, Collection: collection, DocumentID: documentID, NewValue: patch})
	return nil
}

func (m *MemoryAdapter) Delete(ctx context.Context, txID, collection, documentID string, filter map[string]any) error {
	if err := m.RequireCapability("write", m.Capabilities().Write); err != nil {
		return err
	}
	m.Stage(txID, StagedOperation{Kind: OpDelete, Collection: collection, DocumentID: documentID, Filter: filter})
	return nil
}

func (m *MemoryAdapter) BatchInsert(ctx context.Context, txID, collection string, docs []Document) error {
	if err := m.RequireCapability("batch", m.Capabilities().Batch); err != nil {
		return err
	}
	for _, d := range docs {
		m.Stage(txID, StagedOperation{Kind: OpInsert, Collection: collection, DocumentID: documentID(d), NewValue: d})
	}
	return nil
}

func (m *MemoryAdapter) BatchUpdate(ctx context.Context, txID, collection string, ops []BatchUpdateOp) error {
	if err := m.RequireCapability("batch", m.Capabilities().Batch); err != nil {
		return err
	}
	for _, op := range ops {
		m.Stage(txID, StagedOperation{Kind: OpUpdate, Collection: collection, DocumentID: op.DocumentID, NewValue: op.Patch})
	}
	return nil
}

func (m *MemoryAdapter) BatchDelete(ctx context.Context, txID, collection string, ids []string) error {
	if err := m.RequireCapability("batch", m.Capabilities().Batch); err != nil {
		return err
	}
	for _, id := range ids {
		m.Stage(txID, StagedOperation{Kind: OpDelete, Collection: collection, DocumentID: id})
	}
	return nil
}

func (m *MemoryAdapter) PrepareCommit(ctx context.Context, txID string) (bool, error) {
	if err := m.WriteSystemRecord(ctx, txID, wal.RecordPrepare, wal.SystemCollection); err != nil {
		return false, err
	}
	m.markPrepared(txID)
	return true, nil
}

func (m *MemoryAdapter) FinalizeCommit(ctx context.Context, txID string) error {
	if m.AlreadyFinalized(txID) {
		return nil
	}
	ops := m.StagedOps(txID)

	current := m.snapshot.Load()
	next := current.clone()
	for _, op := range ops {
		if next.collections[op.Collection] == nil {
			next.collections[op.Collection] = make(map[string]Document)
		}
		applyStaged(next.collections[op.Collection], op)
	}
	m.snapshot.Store(next)

	if err := m.WriteSystemRecord(ctx, txID, wal.RecordCommit, wal.SystemCollection); err != nil {
		return err
	}
	for _, op := range ops {
		m.emit(changeEventFor(op))
	}
	m.MarkFinalized(txID)
	m.ClearStage(txID)
	return nil
}

func (m *MemoryAdapter) Rollback(ctx context.Context, txID string) error {
	if m.AlreadyRolledBack(txID) {
		return nil
	}
	m.ClearStage(txID)
	if err := m.WriteSystemRecord(ctx, txID, wal.RecordRollback, wal.SystemCollection); err != nil {
		return err
	}
	m.MarkRolledBack(txID)
	return nil
}
