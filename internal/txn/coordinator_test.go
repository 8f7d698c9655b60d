package txn

import (
	"context"
	"testing"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
)

func openTestWAL(t *testing.T) *wal.Engine {
	t.Helper()
	log := logrus.NewEntry(logrus.New())
	e, err := wal.Open(wal.Options{
		Dir:           t.TempDir(),
		Name:          "coordinator",
		MaxBufferSize: 4096,
		RolloverBytes: 1 << 20,
	}, log)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func defaultTestConfig() Config {
	return Config{
		PrepareTimeout:      time.Second,
		FinalizeTimeout:     time.Second,
		GlobalTimeout:       5 * time.Second,
		MaxFinalizeAttempts: 3,
		FinalizeBackoffBase: time.Millisecond,
	}
}

// rejectingAdapter wraps a MemoryAdapter but always votes "not ready" at
// prepare time, simulating a participant that cannot honor the transaction
// (spec S2 scenario: cross-adapter 2PC with one participant failing prepare).
type rejectingAdapter struct {
	*adapter.MemoryAdapter
}

func (r *rejectingAdapter) PrepareCommit(ctx context.Context, txID string) (bool, error) {
	return false, nil
}

func TestCoordinatorSingleAdapterCommit(t *testing.T) {
	ctx := context.Background()
	w := openTestWAL(t)
	log := logrus.NewEntry(logrus.New())
	mem := adapter.NewMemoryAdapter("mem-1", w, log)
	if err := mem.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	c := New(w, defaultTestConfig(), log)
	txID, err := c.Begin(ctx, []adapter.Adapter{mem})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	err = c.Operation(ctx, txID, "mem-1", OperationRecord{
		Kind:       adapter.OpInsert,
		Collection: "users",
		NewValue:   adapter.Document{"id": "1", "name": "Alice"},
	})
	if err != nil {
		t.Fatalf("operation: %v", err)
	}

	if err := c.Commit(ctx, txID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	docs, err := mem.Query(ctx, "users", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0]["name"] != "Alice" {
		t.Fatalf("expected Alice to be committed, got %v", docs)
	}

	if _, err := c.Status(txID); err == nil {
		t.Fatal("expected Status to error for a completed, evicted transaction")
	}
}

func TestCoordinatorAbortsWhenParticipantRejectsPrepare(t *testing.T) {
	ctx := context.Background()
	w := openTestWAL(t)
	log := logrus.NewEntry(logrus.New())

	willingAdapter := adapter.NewMemoryAdapter("mem-willing", w, log)
	rejecting := &rejectingAdapter{MemoryAdapter: adapter.NewMemoryAdapter("mem-rejecting", w, log)}
	for _, a := range []adapter.Adapter{willingAdapter, rejecting} {
		if err := a.Initialize(ctx); err != nil {
			t.Fatalf("initialize %s: %v", a.ID(), err)
		}
	}

	c := New(w, defaultTestConfig(), log)
	txID, err := c.Begin(ctx, []adapter.Adapter{willingAdapter, rejecting})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := c.Operation(ctx, txID, "mem-willing", OperationRecord{
		Kind:       adapter.OpInsert,
		Collection: "orders",
		NewValue:   adapter.Document{"id": "1", "total": 42},
	}); err != nil {
		t.Fatalf("operation on willing adapter: %v", err)
	}
	if err := c.Operation(ctx, txID, "mem-rejecting", OperationRecord{
		Kind:       adapter.OpInsert,
		Collection: "orders",
		NewValue:   adapter.Document{"id": "1", "total": 42},
	}); err != nil {
		t.Fatalf("operation on rejecting adapter: %v", err)
	}

	err = c.Commit(ctx, txID)
	if err == nil {
		t.Fatal("expected commit to fail when a participant rejects prepare")
	}
	if !faults.Is(err, faults.KindAborted) {
		t.Fatalf("expected KindAborted, got %v", err)
	}

	docs, qerr := willingAdapter.Query(ctx, "orders", nil)
	if qerr != nil {
		t.Fatalf("query: %v", qerr)
	}
	if len(docs) != 0 {
		t.Fatalf("expected willing adapter's staged write to be rolled back, got %v", docs)
	}
}

func TestCoordinatorCommitOnUnknownTransactionErrors(t *testing.T) {
	ctx := context.Background()
	w := openTestWAL(t)
	log := logrus.NewEntry(logrus.New())
	c := New(w, defaultTestConfig(), log)

	if err := c.Commit(ctx, "does-not-exist"); err == nil {
		t.Fatal("expected error committing an unknown transaction")
	}
}

// noTransactionAdapter wraps a MemoryAdapter but advertises no transaction
// support, exercising Begin's capability guard (spec §4.C Capability flags).
type noTransactionAdapter struct {
	*adapter.MemoryAdapter
}

func (n *noTransactionAdapter) Capabilities() adapter.Capability {
	caps := n.MemoryAdapter.Capabilities()
	caps.Transactions = false
	return caps
}

func TestCoordinatorRequiresTransactionsCapability(t *testing.T) {
	ctx := context.Background()
	w := openTestWAL(t)
	log := logrus.NewEntry(logrus.New())
	c := New(w, defaultTestConfig(), log)

	noTxn := &noTransactionAdapter{MemoryAdapter: adapter.NewMemoryAdapter("mem-notxn", w, log)}
	if err := noTxn.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	_, err := c.Begin(ctx, []adapter.Adapter{noTxn})
	if err == nil {
		t.Fatal("expected Begin to reject a non-transactional adapter")
	}
	if !faults.Is(err, faults.KindCapabilityMissing) {
		t.Fatalf("expected KindCapabilityMissing, got %v", err)
	}
}
