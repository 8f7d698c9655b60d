package adapter

import (
	"context"
	"testing"
)

func TestMemoryAdapterCommitSwapsSnapshot(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("mem-1", nil, nil)
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	before, err := a.Query(ctx, "users", nil)
	if err != nil {
		t.Fatalf("query before: %v", err)
	}
	if len(before) != 0 {
		t.Fatalf("expected empty collection before commit, got %v", before)
	}

	if err := a.Insert(ctx, "t1", "users", Document{"id": "1", "name": "Alice"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// Staged but not yet committed: readers must still see the old snapshot.
	during, err := a.Query(ctx, "users", nil)
	if err != nil {
		t.Fatalf("query during: %v", err)
	}
	if len(during) != 0 {
		t.Fatalf("expected staged insert invisible before commit, got %v", during)
	}

	if _, err := a.PrepareCommit(ctx, "t1"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := a.FinalizeCommit(ctx, "t1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	after, err := a.Query(ctx, "users", nil)
	if err != nil {
		t.Fatalf("query after: %v", err)
	}
	if len(after) != 1 || after[0]["name"] != "Alice" {
		t.Fatalf("expected Alice visible after commit, got %v", after)
	}
}

func TestMemoryAdapterRollbackLeavesSnapshotUntouched(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter("mem-2", nil, nil)
	a.Initialize(ctx)

	if err := a.Insert(ctx, "t1", "orders", Document{"id": "o1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := a.Rollback(ctx, "t1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	docs, err := a.Query(ctx, "orders", nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no documents after rollback, got %v", docs)
	}
}
