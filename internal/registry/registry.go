// Package registry implements the Adapter Registry & Higher-Level
// Coordinator (spec §4.J): adapter lifecycle management, health checking,
// and cross-adapter fan-out operations built on top of internal/txn.
// Grounded on the teacher's scheduler.go (cron-driven periodic task with
// per-job cancellation) for the health-check loop, and its
// ConcurrencyManager worker-pool idiom for bounded parallel fan-out.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Event is one lifecycle notification (spec §4.J "emits lifecycle
// events").
type Event struct {
	Kind      string // registered | unregistered | started | stopped | restarted | adapter-unhealthy
	AdapterID string
	Err       error
	At        time.Time
}

type EventHandler func(Event)

type Config struct {
	HealthCheckInterval time.Duration
	RetryAttempts       int
	HealthCheckTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 10 * time.Second,
		RetryAttempts:       3,
		HealthCheckTimeout:  2 * time.Second,
	}
}

type entry struct {
	adapter adapter.Adapter
	typ     string

	mu            sync.Mutex
	failureStreak int
}

// Registry manages adapter lifecycle (spec §4.J): register, unregister,
// start, stop, restart, bulk start/stop, indexed by id and by type, with
// a periodic health-check loop.
type Registry struct {
	cfg Config
	log *logrus.Entry

	mu      sync.RWMutex
	byID    map[string]*entry
	byType  map[string]map[string]*entry

	handlersMu sync.Mutex
	handlers   []EventHandler

	cancelHealth context.CancelFunc
	wg           sync.WaitGroup
}

func New(cfg Config, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		cfg:    cfg,
		log:    log.WithField("component", "registry"),
		byID:   make(map[string]*entry),
		byType: make(map[string]map[string]*entry),
	}
}

func (r *Registry) OnEvent(h EventHandler) {
	r.handlersMu.Lock()
	r.handlers = append(r.handlers, h)
	r.handlersMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	ev.At = time.Now().UTC()
	r.handlersMu.Lock()
	handlers := append([]EventHandler(nil), r.handlers...)
	r.handlersMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Register adds a as a managed adapter of kind typ, indexed by its own
// ID() and by typ.
func (r *Registry) Register(a adapter.Adapter, typ string) error {
	id := a.ID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return faults.New(faults.KindCapabilityMissing, "adapter already registered: "+id)
	}
	e := &entry{adapter: a, typ: typ}
	r.byID[id] = e
	if r.byType[typ] == nil {
		r.byType[typ] = make(map[string]*entry)
	}
	r.byType[typ][id] = e
	r.emit(Event{Kind: "registered", AdapterID: id})
	return nil
}

// Unregister stops (best-effort) and removes the adapter with id.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return faults.New(faults.KindCapabilityMissing, "unknown adapter: "+id)
	}
	delete(r.byID, id)
	if m := r.byType[e.typ]; m != nil {
		delete(m, id)
	}
	r.mu.Unlock()

	err := e.adapter.Stop(ctx)
	r.emit(Event{Kind: "unregistered", AdapterID: id, Err: err})
	return err
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, faults.New(faults.KindCapabilityMissing, "unknown adapter: "+id)
	}
	return e, nil
}

func (r *Registry) Start(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	err = e.adapter.Start(ctx)
	r.emit(Event{Kind: "started", AdapterID: id, Err: err})
	return err
}

func (r *Registry) Stop(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	err = e.adapter.Stop(ctx)
	r.emit(Event{Kind: "stopped", AdapterID: id, Err: err})
	return err
}

func (r *Registry) Restart(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	err = e.adapter.Restart(ctx)
	r.emit(Event{Kind: "restarted", AdapterID: id, Err: err})
	return err
}

// BulkStart starts every registered adapter concurrently, returning the
// first error encountered (if any) while letting every adapter attempt to
// start.
func (r *Registry) BulkStart(ctx context.Context) error {
	return r.bulk(ctx, func(ctx context.Context, a adapter.Adapter) error { return a.Start(ctx) }, "started")
}

func (r *Registry) BulkStop(ctx context.Context) error {
	return r.bulk(ctx, func(ctx context.Context, a adapter.Adapter) error { return a.Stop(ctx) }, "stopped")
}

func (r *Registry) bulk(ctx context.Context, op func(context.Context, adapter.Adapter) error, kind string) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			err := op(gctx, e.adapter)
			r.emit(Event{Kind: kind, AdapterID: e.adapter.ID(), Err: err})
			return err
		})
	}
	return g.Wait()
}

// ByID returns the adapter registered under id, if any.
func (r *Registry) ByID(id string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// ByType returns every adapter registered under typ.
func (r *Registry) ByType(typ string) []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byType[typ]
	out := make([]adapter.Adapter, 0, len(m))
	for _, e := range m {
		out = append(out, e.adapter)
	}
	return out
}

// All returns every registered adapter.
func (r *Registry) All() []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Adapter, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.adapter)
	}
	return out
}

// StartHealthChecks launches the periodic health-check loop (spec §4.J):
// every HealthCheckInterval, HealthCheck is called on each adapter;
// RetryAttempts consecutive failures emit "adapter-unhealthy" and trigger
// an auto-restart.
func (r *Registry) StartHealthChecks(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelHealth = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runHealthCheckRound(ctx)
			}
		}
	}()
}

func (r *Registry) StopHealthChecks() {
	if r.cancelHealth != nil {
		r.cancelHealth()
	}
	r.wg.Wait()
}

func (r *Registry) runHealthCheckRound(ctx context.Context) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		checkCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
		status := e.adapter.HealthCheck(checkCtx)
		cancel()

		e.mu.Lock()
		if status.Healthy {
			e.failureStreak = 0
			e.mu.Unlock()
			continue
		}
		e.failureStreak++
		streak := e.failureStreak
		e.mu.Unlock()

		if streak >= r.cfg.RetryAttempts {
			r.emit(Event{Kind: "adapter-unhealthy", AdapterID: e.adapter.ID()})
			restartCtx, rcancel := context.WithTimeout(ctx, r.cfg.HealthCheckTimeout)
			err := e.adapter.Restart(restartCtx)
			rcancel()
			r.emit(Event{Kind: "restarted", AdapterID: e.adapter.ID(), Err: err})
			e.mu.Lock()
			e.failureStreak = 0
			e.mu.Unlock()
		}
	}
}
