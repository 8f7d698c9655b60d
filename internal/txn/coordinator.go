package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/ledgermesh/ledgermesh/internal/adapter"
	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Config holds the Transaction Coordinator's timeouts and retry policy
// (spec §5 "Timeouts", §4.D phase 2 back-off).
type Config struct {
	PrepareTimeout      time.Duration
	FinalizeTimeout     time.Duration
	GlobalTimeout       time.Duration
	MaxFinalizeAttempts int
	FinalizeBackoffBase time.Duration
}

// Coordinator orchestrates 2PC across N adapters (spec §4.D).
type Coordinator struct {
	wal *wal.Engine
	cfg Config
	log *logrus.Entry

	mu    sync.Mutex
	txs   map[string]*Transaction
	drift map[string][]string // txID -> participant ids with unresolved finalize failures
}

// New constructs a Coordinator. walEngine is the coordinator's own WAL — the
// system-of-record for BEGIN records and commit/rollback decisions,
// independent of any one adapter's log.
func New(walEngine *wal.Engine, cfg Config, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		wal:   walEngine,
		cfg:   cfg,
		log:   log.WithField("component", "txn-coordinator"),
		txs:   make(map[string]*Transaction),
		drift: make(map[string][]string),
	}
}

// Begin registers participants and writes BEGIN to the coordinator's WAL.
func (c *Coordinator) Begin(ctx context.Context, participants []adapter.Adapter) (string, error) {
	for _, p := range participants {
		if !p.Capabilities().Transactions {
			return "", faults.New(faults.KindCapabilityMissing, "adapter "+p.ID()+" does not support transactions").
				WithContext("adapter", p.ID())
		}
	}

	id := uuid.NewString()
	if _, err := c.wal.WriteEntry(ctx, wal.Draft{
		TransactionID:  id,
		Type:           wal.RecordBegin,
		CollectionName: wal.SystemCollection,
		Operation:      wal.OpBegin,
	}); err != nil {
		return "", err
	}

	tx := newTransaction(id, participants)
	c.mu.Lock()
	c.txs[id] = tx
	c.mu.Unlock()
	return id, nil
}

// Operation forwards one staged operation to the named participant's
// staging buffer, recording it on the transaction in issue order (spec §4.D
// ordering guarantee: operations within one transaction apply to each
// adapter in the order they were issued).
func (c *Coordinator) Operation(ctx context.Context, txID, adapterID string, rec OperationRecord) error {
	tx, err := c.activeTransaction(txID)
	if err != nil {
		return err
	}
	participant, ok := tx.Participants[adapterID]
	if !ok {
		return faults.New(faults.KindCapabilityMissing, "adapter "+adapterID+" is not a participant in transaction "+txID)
	}

	switch rec.Kind {
	case adapter.OpInsert:
		err = participant.Insert(ctx, txID, rec.Collection, rec.NewValue)
	case adapter.OpUpdate:
		err = participant.Update(ctx, txID, rec.Collection, rec.DocumentID, rec.NewValue)
	case adapter.OpDelete:
		err = participant.Delete(ctx, txID, rec.Collection, rec.DocumentID, rec.Filter)
	default:
		return faults.New(faults.KindCapabilityMissing, fmt.Sprintf("unsupported operation kind %v", rec.Kind))
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	rec.AdapterID = adapterID
	tx.Operations = append(tx.Operations, rec)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) activeTransaction(txID string) (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return nil, faults.New(faults.KindAborted, "unknown transaction "+txID)
	}
	if tx.State != StateActive {
		return nil, faults.New(faults.KindAborted, "transaction "+txID+" is not active (state="+tx.State.String()+")")
	}
	return tx, nil
}

// Commit runs the full 2PC protocol described in spec §4.D.
func (c *Coordinator) Commit(ctx context.Context, txID string) error {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	c.mu.Unlock()
	if !ok {
		return faults.New(faults.KindAborted, "unknown transaction "+txID)
	}

	if c.cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.GlobalTimeout)
		defer cancel()
	}

	committed, reason, failedParticipant := c.phasePrepare(ctx, tx)

	c.mu.Lock()
	if committed {
		tx.State = StatePrepared
	}
	c.mu.Unlock()

	decisionType := wal.RecordCommit
	if !committed {
		decisionType = wal.RecordRollback
	}
	if _, err := c.wal.WriteEntry(ctx, wal.Draft{
		TransactionID:  txID,
		Type:           decisionType,
		CollectionName: wal.SystemCollection,
		Operation:      systemOpFor(decisionType),
	}); err != nil {
		return err
	}

	c.phaseFinalize(ctx, tx, committed)

	c.mu.Lock()
	if committed {
		tx.State = StateCommitted
	} else {
		tx.State = StateRolledBack
	}
	drifted := append([]string(nil), c.drift[txID]...)
	delete(c.txs, txID)
	c.mu.Unlock()

	if !committed {
		return faults.New(faults.KindAborted, "transaction aborted: "+reason).
			WithContext("transaction", txID).
			WithContext("participant", failedParticipant).
			WithContext("reason", reason)
	}
	if len(drifted) > 0 {
		return faults.New(faults.KindParticipantDrift, "one or more participants did not finalize").
			WithContext("transaction", txID).
			WithContext("participants", drifted)
	}
	return nil
}

func systemOpFor(t wal.RecordType) wal.OperationType {
	if t == wal.RecordCommit {
		return wal.OpCommit
	}
	return wal.OpRollback
}

// phasePrepare invokes PrepareCommit concurrently on every participant,
// bounded by PrepareTimeout, and returns whether every participant voted
// ready.
func (c *Coordinator) phasePrepare(ctx context.Context, tx *Transaction) (ready bool, reason, failedParticipant string) {
	type vote struct {
		adapterID string
		ok        bool
		err       error
	}
	votes := make([]vote, len(tx.Participants))

	g, gCtx := errgroup.WithContext(ctx)
	i := 0
	for id, participant := range tx.Participants {
		idx := i
		i++
		aid := id
		p := participant
		g.Go(func() error {
			prepCtx := gCtx
			var cancel context.CancelFunc
			if c.cfg.PrepareTimeout > 0 {
				prepCtx, cancel = context.WithTimeout(gCtx, c.cfg.PrepareTimeout)
				defer cancel()
			}
			ok, err := p.PrepareCommit(prepCtx, tx.ID)
			votes[idx] = vote{adapterID: aid, ok: ok, err: err}
			return nil // never abort the group early: every adapter must get a chance to vote
		})
	}
	_ = g.Wait()

	for _, v := range votes {
		if v.err != nil {
			return false, "PrepareError", v.adapterID
		}
		if !v.ok {
			return false, "PrepareRejected", v.adapterID
		}
	}
	return true, "", ""
}

// phaseFinalize invokes FinalizeCommit or Rollback concurrently on every
// participant, retrying with exponential back-off up to
// MaxFinalizeAttempts; persistent failures are recorded as participant
// drift rather than changing the already-written decision.
func (c *Coordinator) phaseFinalize(ctx context.Context, tx *Transaction, committed bool) {
	var wg sync.WaitGroup
	var driftMu sync.Mutex
	var drifted []string

	for id, participant := range tx.Participants {
		wg.Add(1)
		aid := id
		p := participant
		go func() {
			defer wg.Done()
			attempts := c.cfg.MaxFinalizeAttempts
			if attempts <= 0 {
				attempts = 1
			}
			var lastErr error
			for attempt := 0; attempt < attempts; attempt++ {
				finalizeCtx := ctx
				var cancel context.CancelFunc
				if c.cfg.FinalizeTimeout > 0 {
					finalizeCtx, cancel = context.WithTimeout(ctx, c.cfg.FinalizeTimeout)
				}
				if committed {
					lastErr = p.FinalizeCommit(finalizeCtx, tx.ID)
				} else {
					lastErr = p.Rollback(finalizeCtx, tx.ID)
				}
				if cancel != nil {
					cancel()
				}
				if lastErr == nil {
					return
				}
				backoff := c.cfg.FinalizeBackoffBase * time.Duration(1<<uint(attempt))
				if backoff > 0 {
					time.Sleep(backoff)
				}
			}
			c.log.WithField("adapter", aid).WithField("transaction", tx.ID).
				WithError(lastErr).Warn("participant drift: finalize/rollback did not succeed after retries")
			driftMu.Lock()
			drifted = append(drifted, aid)
			driftMu.Unlock()
		}()
	}
	wg.Wait()

	if len(drifted) > 0 {
		c.mu.Lock()
		c.drift[tx.ID] = drifted
		c.mu.Unlock()
	}
}

// Rollback performs a best-effort rollback on every participant and writes
// a final ROLLBACK record.
func (c *Coordinator) Rollback(ctx context.Context, txID string) error {
	c.mu.Lock()
	tx, ok := c.txs[txID]
	c.mu.Unlock()
	if !ok {
		return faults.New(faults.KindAborted, "unknown transaction "+txID)
	}

	c.phaseFinalize(ctx, tx, false)

	if _, err := c.wal.WriteEntry(ctx, wal.Draft{
		TransactionID:  txID,
		Type:           wal.RecordRollback,
		CollectionName: wal.SystemCollection,
		Operation:      wal.OpRollback,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	tx.State = StateRolledBack
	delete(c.txs, txID)
	c.mu.Unlock()
	return nil
}

// Status reports a transaction's current state.
func (c *Coordinator) Status(txID string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txID]
	if !ok {
		return 0, faults.New(faults.KindAborted, "unknown transaction "+txID)
	}
	return tx.State, nil
}

// DriftedParticipants returns the adapter ids still not reconciled after a
// finalize/rollback failure for txID, or nil if none.
func (c *Coordinator) DriftedParticipants(txID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.drift[txID]...)
}
