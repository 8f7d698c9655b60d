package adapter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
)

// FileAdapter is the file-backed reference adapter (spec §4.C): a staging
// buffer lives in memory; finalize writes the backend's serialized form
// atomically via write-temp-then-rename, grounded on the teacher's disk
// backend (backend_disk.go's manifest/table persistence).
type FileAdapter struct {
	*Base
	root string

	mu          sync.RWMutex
	collections map[string]map[string]Document
	loaded      map[string]bool
}

// NewFileAdapter constructs a FileAdapter rooted at dir. walEngine, if
// non-nil, receives this adapter's PREPARE/COMMIT/ROLLBACK records.
func NewFileAdapter(id, dir string, walEngine *wal.Engine, log *logrus.Entry) *FileAdapter {
	return &FileAdapter{
		Base:        NewBase(id, Capability{Read: true, Write: true, Realtime: true, Transactions: true, Batch: true}, walEngine, log),
		root:        dir,
		collections: make(map[string]map[string]Document),
		loaded:      make(map[string]bool),
	}
}

func (f *FileAdapter) snapshotPath(collection string) string {
	return filepath.Join(f.root, collection+".snapshot")
}

func (f *FileAdapter) Initialize(ctx context.Context) error {
	return f.TransitionLifecycle(StateActive, func() error {
		return os.MkdirAll(f.root, 0o755)
	})
}

func (f *FileAdapter) Start(ctx context.Context) error {
	f.setState(StateActive)
	return nil
}

func (f *FileAdapter) Stop(ctx context.Context) error {
	f.setState(StateStopping)
	f.setState(StateInactive)
	return nil
}

func (f *FileAdapter) Restart(ctx context.Context) error {
	if err := f.Stop(ctx); err != nil {
		return err
	}
	return f.Initialize(ctx)
}

func (f *FileAdapter) Ping(ctx context.Context) error {
	if _, err := os.Stat(f.root); err != nil {
		return faults.Wrap(faults.KindIO, "ping file adapter root", err)
	}
	return nil
}

func (f *FileAdapter) HealthCheck(ctx context.Context) HealthStatus {
	if err := f.Ping(ctx); err != nil {
		f.RecordHealthFailure()
		return HealthStatus{Healthy: false, Message: err.Error(), CheckedAt: time.Now().UTC()}
	}
	f.ResetHealthFailures()
	return HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}
}

// ensureLoaded lazily reads a collection's snapshot file into memory the
// first time it is touched. Caller must hold f.mu for writing.
func (f *FileAdapter) ensureLoaded(collection string) error {
	if f.loaded[collection] {
		return nil
	}
	docs := make(map[string]Document)
	data, err := os.ReadFile(f.snapshotPath(collection))
	if err == nil {
		if jsonErr := json.Unmarshal(data, &docs); jsonErr != nil {
			return faults.Wrap(faults.KindCorruption, "decode snapshot for "+collection, jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return faults.Wrap(faults.KindIO, "read snapshot for "+collection, err)
	}
	f.collections[collection] = docs
	f.loaded[collection] = true
	return nil
}

func (f *FileAdapter) Query(ctx context.Context, collection string, filter map[string]any) ([]Document, error) {
	if err := f.RequireCapability("read", f.Capabilities().Read); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensureLoaded(collection); err != nil {
		return nil, err
	}
	var out []Document
	for _, doc := range f.collections[collection] {
		if matchesFilter(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func matchesFilter(doc Document, filter map[string]any) bool {
	for k, v := range filter {
		if doc[k] != v {
			return false
		}
	}
	return true
}

func (f *FileAdapter) Insert(ctx context.Context, txID, collection string, doc Document) error {
	if err := f.RequireCapability("write", f.Capabilities().Write); err != nil {
		return err
	}
	f.Stage(txID, StagedOperation{Kind: OpInsert, Collection: collection, DocumentID: documentID(doc), NewValue: doc})
	return nil
}

func (f *FileAdapter) Update(ctx context.Context, txID, collection, documentID string, patch Document) error {
	if err := f.RequireCapability("write", f.Capabilities().Write); err != nil {
		return err
	}
	f.Stage(txID, StagedOperation{Kind: OpUpdate, Collection: collection, DocumentID: documentID, NewValue: patch})
	return nil
}

func (f *FileAdapter) Delete(ctx context.Context, txID, collection, documentID string, filter map[string]any) error {
	if err := f.RequireCapability("write", f.Capabilities().Write); err != nil {
		return err
	}
	f.Stage(txID, StagedOperation{Kind: OpDelete, Collection: collection, DocumentID: documentID, Filter: filter})
	return nil
}

func (f *FileAdapter) BatchInsert(ctx context.Context, txID, collection string, docs []Document) error {
	if err := f.RequireCapability("batch", f.Capabilities().Batch); err != nil {
		return err
	}
	for _, d := range docs {
		f.Stage(txID, StagedOperation{Kind: OpInsert, Collection: collection, DocumentID: documentID(d), NewValue: d})
	}
	return nil
}

func (f *FileAdapter) BatchUpdate(ctx context.Context, txID, collection string, ops []BatchUpdateOp) error {
	if err := f.RequireCapability("batch", f.Capabilities().Batch); err != nil {
		return err
	}
	for _, op := range ops {
		f.Stage(txID, StagedOperation{Kind: OpUpdate, Collection: collection, DocumentID: op.DocumentID, NewValue: op.Patch})
	}
	return nil
}

func (f *FileAdapter) BatchDelete(ctx context.Context, txID, collection string, ids []string) error {
	if err := f.RequireCapability("batch", f.Capabilities().Batch); err != nil {
		return err
	}
	for _, id := range ids {
		f.Stage(txID, StagedOperation{Kind: OpDelete, Collection: collection, DocumentID: id})
	}
	return nil
}

func documentID(doc Document) string {
	if v, ok := doc["id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (f *FileAdapter) PrepareCommit(ctx context.Context, txID string) (bool, error) {
	if err := f.WriteSystemRecord(ctx, txID, wal.RecordPrepare, wal.SystemCollection); err != nil {
		return false, err
	}
	f.markPrepared(txID)
	return true, nil
}

func (f *FileAdapter) FinalizeCommit(ctx context.Context, txID string) error {
	if f.AlreadyFinalized(txID) {
		return nil
	}
	ops := f.StagedOps(txID)

	f.mu.Lock()
	touched := make(map[string]bool)
	for _, op := range ops {
		if err := f.ensureLoaded(op.Collection); err != nil {
			f.mu.Unlock()
			f.setState(StateError)
			return faults.Wrap(faults.KindIO, "load collection for finalize", err)
		}
		applyStaged(f.collections[op.Collection], op)
		touched[op.Collection] = true
	}
	snapshots := make(map[string]map[string]Document, len(touched))
	for name := range touched {
		snapshots[name] = f.collections[name]
	}
	f.mu.Unlock()

	for name, docs := range snapshots {
		if err := f.persistCollection(name, docs); err != nil {
			f.setState(StateError)
			return faults.Wrap(faults.KindIO, "persist collection "+name, err)
		}
	}

	if err := f.WriteSystemRecord(ctx, txID, wal.RecordCommit, wal.SystemCollection); err != nil {
		return err
	}

	for _, op := range ops {
		f.emit(changeEventFor(op))
	}
	f.MarkFinalized(txID)
	f.ClearStage(txID)
	return nil
}

func applyStaged(docs map[string]Document, op StagedOperation) {
	switch op.Kind {
	case OpInsert:
		docs[op.DocumentID] = op.NewValue
	case OpUpdate:
		existing := make(Document, len(docs[op.DocumentID])+len(op.NewValue))
		for k, v := range docs[op.DocumentID] {
			existing[k] = v
		}
		for k, v := range op.NewValue {
			existing[k] = v
		}
		docs[op.DocumentID] = existing
	case OpDelete:
		delete(docs, op.DocumentID)
	}
}

func changeEventFor(op StagedOperation) ChangeEvent {
	t := "INSERT"
	switch op.Kind {
	case OpUpdate:
		t = "UPDATE"
	case OpDelete:
		t = "DELETE"
	}
	return ChangeEvent{Type: t, Collection: op.Collection, DocumentID: op.DocumentID, NewValue: op.NewValue, Timestamp: time.Now().UTC()}
}

func (f *FileAdapter) persistCollection(name string, docs map[string]Document) error {
	data, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	path := f.snapshotPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileAdapter) Rollback(ctx context.Context, txID string) error {
	if f.AlreadyRolledBack(txID) {
		return nil
	}
	f.ClearStage(txID)
	if err := f.WriteSystemRecord(ctx, txID, wal.RecordRollback, wal.SystemCollection); err != nil {
		return err
	}
	f.MarkRolledBack(txID)
	return nil
}
