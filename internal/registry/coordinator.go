package registry

import (
	"context"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/ledgermesh/ledgermesh/internal/txn"
	"golang.org/x/sync/errgroup"
)

// FanOutConfig tunes the cross-adapter coordinator's fan-out operations
// (spec §4.J "per-operation timeout and either sequential or parallel
// execution per configuration").
type FanOutConfig struct {
	Timeout  time.Duration
	Parallel bool
}

func DefaultFanOutConfig() FanOutConfig {
	return FanOutConfig{Timeout: 5 * time.Second, Parallel: true}
}

// QueryResult pairs one adapter's query outcome with its id, since
// executeQueryOn fans the same query out to several adapters at once.
type QueryResult struct {
	AdapterID string
	Documents []adapter.Document
	Err       error
}

// CrossAdapterCoordinator offers the fan-out operations named in spec
// §4.J, layered on top of Registry for adapter lookup and internal/txn
// for the cross-adapter transactions it delegates to.
type CrossAdapterCoordinator struct {
	registry *Registry
	txns     *txn.Coordinator
	cfg      FanOutConfig
}

func NewCrossAdapterCoordinator(registry *Registry, txns *txn.Coordinator, cfg FanOutConfig) *CrossAdapterCoordinator {
	return &CrossAdapterCoordinator{registry: registry, txns: txns, cfg: cfg}
}

// ExecuteQueryOn runs the same query against every adapter id in ids,
// sequentially or in parallel per configuration.
func (c *CrossAdapterCoordinator) ExecuteQueryOn(ctx context.Context, ids []string, collection string, filter map[string]any) ([]QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	adapters := make([]adapter.Adapter, 0, len(ids))
	for _, id := range ids {
		a, ok := c.registry.ByID(id)
		if !ok {
			return nil, faults.New(faults.KindCapabilityMissing, "unknown adapter: "+id)
		}
		adapters = append(adapters, a)
	}

	results := make([]QueryResult, len(adapters))
	if !c.cfg.Parallel {
		for i, a := range adapters {
			docs, err := a.Query(ctx, collection, filter)
			results[i] = QueryResult{AdapterID: a.ID(), Documents: docs, Err: err}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			docs, err := a.Query(gctx, collection, filter)
			results[i] = QueryResult{AdapterID: a.ID(), Documents: docs, Err: err}
			return nil // per-adapter errors are reported in QueryResult, not fatal to the fan-out
		})
	}
	_ = g.Wait()
	return results, nil
}

// ExecuteCrossAdapterInsert inserts doc into collection on every adapter
// in ids as one 2PC transaction via internal/txn, so the insert either
// lands on all of them or none (spec §4.D atomicity, reused here as the
// cross-adapter coordinator's write path per spec §4.J).
func (c *CrossAdapterCoordinator) ExecuteCrossAdapterInsert(ctx context.Context, ids []string, collection string, doc adapter.Document) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	adapters := make([]adapter.Adapter, 0, len(ids))
	for _, id := range ids {
		a, ok := c.registry.ByID(id)
		if !ok {
			return faults.New(faults.KindCapabilityMissing, "unknown adapter: "+id)
		}
		adapters = append(adapters, a)
	}

	txID, err := c.txns.Begin(ctx, adapters)
	if err != nil {
		return err
	}
	for _, a := range adapters {
		if err := c.txns.Operation(ctx, txID, a.ID(), txn.OperationRecord{
			AdapterID: a.ID(), Kind: adapter.OpInsert, Collection: collection, NewValue: doc,
		}); err != nil {
			_ = c.txns.Rollback(ctx, txID)
			return err
		}
	}
	return c.txns.Commit(ctx, txID)
}
