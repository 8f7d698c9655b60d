package wal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ledgermesh/ledgermesh/faults"
)

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(Options{
		Dir:           dir,
		Name:          "test",
		MaxBufferSize: 4096,
		RolloverBytes: 0,
	}, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	return e
}

func TestEngineWriteEntryMonotonicSequence(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	ctx := context.Background()
	seq1, err := e.WriteEntry(ctx, Draft{TransactionID: "t1", Type: RecordBegin, CollectionName: "users"})
	if err != nil {
		t.Fatalf("write begin: %v", err)
	}
	seq2, err := e.WriteEntry(ctx, Draft{TransactionID: "t1", Type: RecordData, CollectionName: "users", Operation: OpInsert, Data: []byte("alice")})
	if err != nil {
		t.Fatalf("write data: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("expected monotonically increasing sequence, got %d then %d", seq1, seq2)
	}
	seq3, err := e.WriteEntry(ctx, Draft{TransactionID: "t1", Type: RecordCommit, CollectionName: "users"})
	if err != nil {
		t.Fatalf("write commit: %v", err)
	}
	if seq3 <= seq2 {
		t.Fatalf("expected commit sequence greater than data sequence")
	}
	if got := e.CurrentSequence(); got != seq3 {
		t.Fatalf("CurrentSequence() = %d, want %d", got, seq3)
	}
	if got := e.DurableUpto(); got != seq3 {
		t.Fatalf("commit record must be durably flushed immediately, DurableUpto() = %d, want %d", got, seq3)
	}
}

func TestEngineRecoverReplaysOnlyCommitted(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	ctx := context.Background()

	e.WriteEntry(ctx, Draft{TransactionID: "committed", Type: RecordBegin})
	e.WriteEntry(ctx, Draft{TransactionID: "committed", Type: RecordData, CollectionName: "users", Operation: OpInsert, Data: []byte("alice")})
	e.WriteEntry(ctx, Draft{TransactionID: "committed", Type: RecordCommit})

	e.WriteEntry(ctx, Draft{TransactionID: "rolledback", Type: RecordBegin})
	e.WriteEntry(ctx, Draft{TransactionID: "rolledback", Type: RecordData, CollectionName: "users", Operation: OpInsert, Data: []byte("bob")})
	e.WriteEntry(ctx, Draft{TransactionID: "rolledback", Type: RecordRollback})

	e.WriteEntry(ctx, Draft{TransactionID: "dangling", Type: RecordBegin})
	e.WriteEntry(ctx, Draft{TransactionID: "dangling", Type: RecordData, CollectionName: "users", Operation: OpInsert, Data: []byte("carol")})
	// no terminal record for "dangling" — simulates a crash mid-transaction

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openTestEngine(t, dir)
	defer reopened.Close()

	var replayed []string
	stats, err := reopened.Recover(ctx, func(r Record) error {
		replayed = append(replayed, string(r.Data))
		return nil
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if stats.Replayed != 1 {
		t.Fatalf("expected exactly 1 replayed record, got %d", stats.Replayed)
	}
	if len(replayed) != 1 || replayed[0] != "alice" {
		t.Fatalf("expected only the committed transaction's data to replay, got %v", replayed)
	}
	if stats.SkippedAborted != 2 {
		t.Fatalf("expected 2 skipped (rolled back + dangling) transactions, got %d", stats.SkippedAborted)
	}
	if stats.Checkpoint.Sequence == 0 {
		t.Fatalf("expected recover to emit a checkpoint")
	}
}

func TestEngineDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	ctx := context.Background()

	e.WriteEntry(ctx, Draft{TransactionID: "t1", Type: RecordBegin})
	e.WriteEntry(ctx, Draft{TransactionID: "t1", Type: RecordData, CollectionName: "users", Operation: OpInsert, Data: []byte("alice")})
	e.WriteEntry(ctx, Draft{TransactionID: "t1", Type: RecordCommit})
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	path := baseSegmentPath(dir, "test")
	flipByteNearEnd(t, path)

	reopened := openTestEngine(t, dir)
	defer reopened.Close()

	_, err := reopened.Recover(ctx, func(Record) error { return nil })
	if err == nil {
		t.Fatalf("expected recover to report corruption, got nil error")
	}
	if !containsFault(err) {
		t.Fatalf("expected a corruption fault, got: %v", err)
	}
}

func flipByteNearEnd(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(data) < 4 {
		t.Fatalf("segment too small to corrupt")
	}
	data[len(data)-2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("rewrite corrupted segment: %v", err)
	}
}

func containsFault(err error) bool {
	return faults.Is(err, faults.KindCorruption)
}

func TestEngineRolloverCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{
		Dir:           dir,
		Name:          "roll",
		MaxBufferSize: 64,
		RolloverBytes: 64, // tiny threshold forces a rollover quickly
	}, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if _, err := e.WriteEntry(ctx, Draft{
			TransactionID:  SystemTransactionID,
			Type:           RecordData,
			CollectionName: "users",
			Operation:      OpInsert,
			Data:           []byte("payload-to-force-rollover-eventually"),
		}); err != nil {
			t.Fatalf("write entry %d: %v", i, err)
		}
	}

	paths, err := listSegmentPaths(dir, "roll")
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(paths) < 2 {
		t.Fatalf("expected rollover to produce multiple segment files, got %d: %v", len(paths), paths)
	}
	if filepath.Base(paths[0]) != "roll.wal" {
		t.Fatalf("expected base segment first, got %v", paths)
	}
}

func TestEngineTruncateRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Options{
		Dir:           dir,
		Name:          "trunc",
		MaxBufferSize: 64,
		RolloverBytes: 64,
	}, nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	var lastSeq uint64
	for i := 0; i < 20; i++ {
		seq, err := e.WriteEntry(ctx, Draft{
			TransactionID:  SystemTransactionID,
			Type:           RecordData,
			CollectionName: "users",
			Operation:      OpInsert,
			Data:           []byte("payload-to-force-rollover-eventually"),
		})
		if err != nil {
			t.Fatalf("write entry %d: %v", i, err)
		}
		lastSeq = seq
	}

	before, err := listSegmentPaths(dir, "trunc")
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	if len(before) < 2 {
		t.Fatalf("test setup requires multiple segments, got %d", len(before))
	}

	if err := e.Truncate(lastSeq); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	after, err := listSegmentPaths(dir, "trunc")
	if err != nil {
		t.Fatalf("list segments after truncate: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("expected only the active segment to remain, got %d: %v", len(after), after)
	}
}
