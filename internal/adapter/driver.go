package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
)

// BackendDriver is the opaque contract an external-service driver fulfills
// (spec §1: the concrete wire protocol to the external document database and
// spreadsheet service is "treated as two opaque Backend Drivers with a
// defined request/response contract"). A driver has no notion of
// transactions; DriverAdapter is what simulates 2PC on top of it.
type BackendDriver interface {
	Name() string
	FetchAll(ctx context.Context, collection string) ([]Document, error)
	ApplyInsert(ctx context.Context, collection string, doc Document) error
	ApplyUpdate(ctx context.Context, collection, documentID string, patch Document) (previous Document, err error)
	ApplyDelete(ctx context.Context, collection, documentID string) (previous Document, err error)
	Ping(ctx context.Context) error
}

// undoOp is one entry of the reverse-operation log DriverAdapter keeps per
// transaction. Because the driver has no native staging, forward operations
// are applied to it as soon as they are issued — this is the
// read-committed-at-commit-time degradation the spec requires adapters
// without native transactions to document (§4.C). Rollback replays undoOps
// in reverse to restore the pre-transaction state.
type undoOp struct {
	kind       OpKind // the operation that UNDOES the forward change
	collection string
	documentID string
	value      Document
}

// DriverAdapter adapts any BackendDriver to the Adapter contract. It is the
// shape shared by the document-database, spreadsheet, and Markdown-tree
// adapters mentioned in the spec — only the driver implementation differs
// per backend.
type DriverAdapter struct {
	*Base
	driver BackendDriver

	mu      sync.Mutex
	undoLog map[string][]undoOp
}

// NewDriverAdapter wraps driver. Realtime is always false: none of these
// backends push change feeds, so the Polling Change Source (§4.F) is
// responsible for detecting their changes.
func NewDriverAdapter(id string, driver BackendDriver, walEngine *wal.Engine, log *logrus.Entry) *DriverAdapter {
	return &DriverAdapter{
		Base:    NewBase(id, Capability{Read: true, Write: true, Realtime: false, Transactions: true, Batch: true}, walEngine, log),
		driver:  driver,
		undoLog: make(map[string][]undoOp),
	}
}

func (d *DriverAdapter) Initialize(ctx context.Context) error {
	return d.TransitionLifecycle(StateActive, func() error { return d.driver.Ping(ctx) })
}

func (d *DriverAdapter) Start(ctx context.Context) error {
	d.setState(StateActive)
	return nil
}

func (d *DriverAdapter) Stop(ctx context.Context) error {
	d.setState(StateStopping)
	d.setState(StateInactive)
	return nil
}

func (d *DriverAdapter) Restart(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}
	return d.Initialize(ctx)
}

func (d *DriverAdapter) Ping(ctx context.Context) error { return d.driver.Ping(ctx) }

func (d *DriverAdapter) HealthCheck(ctx context.Context) HealthStatus {
	if err := d.driver.Ping(ctx); err != nil {
		d.RecordHealthFailure()
		return HealthStatus{Healthy: false, Message: err.Error(), CheckedAt: time.Now().UTC()}
	}
	d.ResetHealthFailures()
	return HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}
}

func (d *DriverAdapter) Query(ctx context.Context, collection string, filter map[string]any) ([]Document, error) {
	if err := d.RequireCapability("read", d.Capabilities().Read); err != nil {
		return nil, err
	}
	docs, err := d.driver.FetchAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	var out []Document
	for _, doc := range docs {
		if matchesFilter(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (d *DriverAdapter) pushUndo(txID string, op undoOp) {
	d.mu.Lock()
	d.undoLog[txID] = append(d.undoLog[txID], op)
	d.mu.Unlock()
}

func (d *DriverAdapter) Insert(ctx context.Context, txID, collection string, doc Document) error {
	if err := d.RequireCapability("write", d.Capabilities().Write); err != nil {
		return err
	}
	if err := d.driver.ApplyInsert(ctx, collection, doc); err != nil {
		return err
	}
	id := documentID(doc)
	d.pushUndo(txID, undoOp{kind: OpDelete, collection: collection, documentID: id})
	d.Stage(txID, StagedOperation{Kind: OpInsert, Collection: collection, DocumentID: id, NewValue: doc})
	return nil
}

func (d *DriverAdapter) Update(ctx context.Context, txID, collection, documentID string, patch Document) error {
	if err := d.RequireCapability("write", d.Capabilities().Write); err != nil {
		return err
	}
	previous, err := d.driver.ApplyUpdate(ctx, collection, documentID, patch)
	if err != nil {
		return err
	}
	d.pushUndo(txID, undoOp{kind: OpUpdate, collection: collection, documentID: documentID, value: previous})
	d.Stage(txID, StagedOperation{Kind: OpUpdate, Collection: collection, DocumentID: documentID, NewValue: patch})
	return nil
}

func (d *DriverAdapter) Delete(ctx context.Context, txID, collection, documentID string, filter map[string]any) error {
	if err := d.RequireCapability("write", d.Capabilities().Write); err != nil {
		return err
	}
	previous, err := d.driver.ApplyDelete(ctx, collection, documentID)
	if err != nil {
		return err
	}
	d.pushUndo(txID, undoOp{kind: OpInsert, collection: collection, documentID: documentID, value: previous})
	d.Stage(txID, StagedOperation{Kind: OpDelete, Collection: collection, DocumentID: documentID, Filter: filter})
	return nil
}

func (d *DriverAdapter) BatchInsert(ctx context.Context, txID, collection string, docs []Document) error {
	for _, doc := range docs {
		if err := d.Insert(ctx, txID, collection, doc); err != nil {
			return err
		}
	}
	return nil
}

func (d *DriverAdapter) BatchUpdate(ctx context.Context, txID, collection string, ops []BatchUpdateOp) error {
	for _, op := range ops {
		if err := d.Update(ctx, txID, collection, op.DocumentID, op.Patch); err != nil {
			return err
		}
	}
	return nil
}

func (d *DriverAdapter) BatchDelete(ctx context.Context, txID, collection string, ids []string) error {
	for _, id := range ids {
		if err := d.Delete(ctx, txID, collection, id, nil); err != nil {
			return err
		}
	}
	return nil
}

func (d *DriverAdapter) PrepareCommit(ctx context.Context, txID string) (bool, error) {
	if err := d.driver.Ping(ctx); err != nil {
		return false, nil
	}
	if err := d.WriteSystemRecord(ctx, txID, wal.RecordPrepare, wal.SystemCollection); err != nil {
		return false, err
	}
	d.markPrepared(txID)
	return true, nil
}

func (d *DriverAdapter) FinalizeCommit(ctx context.Context, txID string) error {
	if d.AlreadyFinalized(txID) {
		return nil
	}
	d.mu.Lock()
	delete(d.undoLog, txID) // forward operations already landed on the driver; nothing left to undo
	d.mu.Unlock()

	if err := d.WriteSystemRecord(ctx, txID, wal.RecordCommit, wal.SystemCollection); err != nil {
		return err
	}
	for _, op := range d.StagedOps(txID) {
		d.emit(changeEventFor(op))
	}
	d.MarkFinalized(txID)
	d.ClearStage(txID)
	return nil
}

func (d *DriverAdapter) Rollback(ctx context.Context, txID string) error {
	if d.AlreadyRolledBack(txID) {
		return nil
	}
	d.mu.Lock()
	ops := d.undoLog[txID]
	delete(d.undoLog, txID)
	d.mu.Unlock()

	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.kind {
		case OpDelete:
			d.driver.ApplyDelete(ctx, op.collection, op.documentID)
		case OpInsert:
			d.driver.ApplyInsert(ctx, op.collection, op.value)
		case OpUpdate:
			d.driver.ApplyUpdate(ctx, op.collection, op.documentID, op.value)
		}
	}

	if err := d.WriteSystemRecord(ctx, txID, wal.RecordRollback, wal.SystemCollection); err != nil {
		return err
	}
	d.MarkRolledBack(txID)
	d.ClearStage(txID)
	return nil
}
