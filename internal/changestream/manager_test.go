package changestream

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/sirupsen/logrus"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManagerDeliversEventsAndAdvancesResumeToken(t *testing.T) {
	m := NewManager(DefaultConfig(), NewMemoryTokenStore(), logrus.NewEntry(logrus.New()))
	ctx := context.Background()

	var mu sync.Mutex
	var received []adapter.ChangeEvent

	sub, err := m.CreateStream(ctx, "sub-1", "users", nil, func(ev adapter.ChangeEvent) error {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	m.Publish(adapter.ChangeEvent{Type: "INSERT", Collection: "users", DocumentID: "1", Timestamp: time.Now().UTC()})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	if sub.ResumeToken() == "" {
		t.Fatal("expected resume token to advance after delivery")
	}
}

func TestManagerResumeTokenSurvivesRestartViaFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileTokenStore(dir)
	if err != nil {
		t.Fatalf("new file token store: %v", err)
	}

	m1 := NewManager(DefaultConfig(), store, logrus.NewEntry(logrus.New()))
	done := make(chan struct{})
	_, err = m1.CreateStream(ctx, "sub-resume", "orders", nil, func(ev adapter.ChangeEvent) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	m1.Publish(adapter.ChangeEvent{Type: "INSERT", Collection: "orders", DocumentID: "1", Timestamp: time.Now().UTC()})
	<-done

	if err := m1.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, err := filepath.Abs(dir); err != nil {
		t.Fatalf("resolve dir: %v", err)
	}

	m2 := NewManager(DefaultConfig(), store, logrus.NewEntry(logrus.New()))
	sub2, err := m2.CreateStream(ctx, "sub-resume", "orders", nil, func(ev adapter.ChangeEvent) error { return nil })
	if err != nil {
		t.Fatalf("create stream after restart: %v", err)
	}
	if sub2.ResumeToken() == "" {
		t.Fatal("expected resume token to be loaded from the file store after restart")
	}
}

func TestManagerPauseStopsDeliveryUntilResumed(t *testing.T) {
	m := NewManager(DefaultConfig(), NewMemoryTokenStore(), logrus.NewEntry(logrus.New()))
	ctx := context.Background()

	var mu sync.Mutex
	count := 0
	_, err := m.CreateStream(ctx, "sub-pause", "items", nil, func(ev adapter.ChangeEvent) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	if err := m.PauseStream("sub-pause"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	m.Publish(adapter.ChangeEvent{Type: "INSERT", Collection: "items", Timestamp: time.Now().UTC()})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	got := count
	mu.Unlock()
	if got != 0 {
		t.Fatalf("expected no delivery while paused, got %d", got)
	}

	if err := m.ResumeStream("sub-pause"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})
}
