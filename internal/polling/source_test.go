package polling

import (
	"context"
	"sync"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/ledgermesh/ledgermesh/internal/changestream"
	"github.com/sirupsen/logrus"
)

type fakeFetcher struct {
	mu   sync.Mutex
	docs []adapter.Document
}

func (f *fakeFetcher) FetchAll(ctx context.Context, collection string) ([]adapter.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]adapter.Document, len(f.docs))
	copy(out, f.docs)
	return out, nil
}

func (f *fakeFetcher) setDocs(docs []adapter.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = docs
}

func waitForCount(t *testing.T, get func() int, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if get() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected at least %d events, got %d", want, get())
}

func TestSourceEmitsInsertOnFirstSighting(t *testing.T) {
	ctx := context.Background()
	manager := changestream.NewManager(changestream.DefaultConfig(), changestream.NewMemoryTokenStore(), logrus.NewEntry(logrus.New()))

	var mu sync.Mutex
	var events []adapter.ChangeEvent
	_, err := manager.CreateStream(ctx, "sub", "widgets", nil, func(ev adapter.ChangeEvent) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	fetcher := &fakeFetcher{docs: []adapter.Document{{"id": "1", "name": "gear"}}}
	cache, err := lru.New[string, uint64](16)
	if err != nil {
		t.Fatalf("new lru: %v", err)
	}

	src := NewSource("src-1", "widgets", fetcher, manager, Config{Interval: 10 * time.Millisecond, Debounce: 15 * time.Millisecond}, cache, logrus.NewEntry(logrus.New()))
	src.Start(ctx)
	defer src.Stop()

	waitForCount(t, func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(events)
	}, 1, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != "INSERT" || events[0].DocumentID != "1" {
		t.Fatalf("expected INSERT for doc 1, got %+v", events[0])
	}
}

func TestSourceDebouncesRapidEdits(t *testing.T) {
	ctx := context.Background()
	manager := changestream.NewManager(changestream.DefaultConfig(), changestream.NewMemoryTokenStore(), logrus.NewEntry(logrus.New()))

	var mu sync.Mutex
	var events []adapter.ChangeEvent
	_, err := manager.CreateStream(ctx, "sub", "notes", nil, func(ev adapter.ChangeEvent) error {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	fetcher := &fakeFetcher{docs: []adapter.Document{{"id": "1", "body": "v1"}}}
	cache, err := lru.New[string, uint64](16)
	if err != nil {
		t.Fatalf("new lru: %v", err)
	}
	src := NewSource("src-2", "notes", fetcher, manager, Config{Interval: 5 * time.Millisecond, Debounce: 60 * time.Millisecond}, cache, logrus.NewEntry(logrus.New()))
	src.Start(ctx)
	defer src.Stop()

	waitForCount(t, func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(events)
	}, 1, time.Second)

	// Coalesce several rapid edits inside the debounce window.
	fetcher.setDocs([]adapter.Document{{"id": "1", "body": "v2"}})
	time.Sleep(20 * time.Millisecond)
	fetcher.setDocs([]adapter.Document{{"id": "1", "body": "v3"}})
	time.Sleep(20 * time.Millisecond)
	fetcher.setDocs([]adapter.Document{{"id": "1", "body": "v4"}})

	waitForCount(t, func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(events)
	}, 2, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected exactly 2 events (initial insert + one coalesced update), got %d: %+v", len(events), events)
	}
	if events[1].Type != "UPDATE" || events[1].NewValue["body"] != "v4" {
		t.Fatalf("expected coalesced update to carry the final value v4, got %+v", events[1])
	}
}
