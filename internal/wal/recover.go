package wal

import (
	"context"
	"io"
	"os"

	"github.com/ledgermesh/ledgermesh/faults"
)

// txBuffer accumulates the records seen for one transaction id while
// scanning the log in order, so Recover can decide commit/rollback/abort
// only once every record for that id has been read.
type txBuffer struct {
	data     []Record
	terminal RecordType // zero until a COMMIT or ROLLBACK is seen
}

// Recover replays every DATA record belonging to a committed transaction, in
// sequence order, through replay. Unlike ReadEntries/scanMaxSequence — which
// tolerate a corrupted trailing frame as "nothing written yet" — Recover is
// strict: a corrupted frame found before a transaction's terminal record
// makes it impossible to tell whether lost bytes belonged to a COMMIT, so
// Recover halts and returns a KindCorruption fault rather than guess.
func (e *Engine) Recover(ctx context.Context, replay ReplayFunc) (RecoverStats, error) {
	if !e.recovering.CompareAndSwap(false, true) {
		return RecoverStats{}, faults.New(faults.KindShutdown, "recover already in progress")
	}
	defer e.recovering.Store(false)

	paths, err := listSegmentPaths(e.opts.Dir, e.opts.Name)
	if err != nil {
		return RecoverStats{}, faults.Wrap(faults.KindIO, "list wal segments", err)
	}

	pending := make(map[string]*txBuffer)
	order := make([]string, 0, 16)
	var stats RecoverStats
	var maxSeq uint64

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return RecoverStats{}, err
		}
		if scanErr := e.recoverSegment(p, pending, &order, &maxSeq); scanErr != nil {
			return RecoverStats{}, scanErr
		}
	}

	for _, txID := range order {
		buf := pending[txID]
		if buf.terminal != RecordCommit {
			stats.SkippedAborted++
			continue
		}
		for _, rec := range buf.data {
			if rec.Type != RecordData {
				continue
			}
			if err := replay(rec); err != nil {
				return RecoverStats{}, faults.Wrap(faults.KindIO, "apply recovered record", err)
			}
			stats.Replayed++
		}
	}

	e.nextSeq.Store(maxSeq)
	e.durableUpto.Store(maxSeq)
	stats.GapCount = e.gapCount.Load()

	// Replay is done: let WriteEntry accept the recovery-boundary checkpoint.
	e.recovering.Store(false)
	ckpt, err := e.CreateCheckpoint(ctx)
	if err != nil {
		return RecoverStats{}, err
	}
	stats.Checkpoint = ckpt
	return stats, nil
}

func (e *Engine) recoverSegment(path string, pending map[string]*txBuffer, order *[]string, maxSeq *uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return faults.Wrap(faults.KindIO, "open wal segment for recovery", err)
	}
	defer f.Close()

	for {
		rec, err := e.codec.DecodeFrame(f)
		if err == io.EOF {
			return nil
		}
		if faults.Is(err, faults.KindCorruption) {
			return faults.Wrap(faults.KindCorruption, "corrupted wal frame during recovery in "+path, err)
		}
		if err != nil {
			return err
		}

		if rec.Sequence > *maxSeq {
			*maxSeq = rec.Sequence
		}

		switch rec.Type {
		case RecordCheckpoint, RecordTruncate:
			continue // system records carry no transactional data to replay
		}

		buf, ok := pending[rec.TransactionID]
		if !ok {
			buf = &txBuffer{}
			pending[rec.TransactionID] = buf
			*order = append(*order, rec.TransactionID)
		}
		switch rec.Type {
		case RecordCommit, RecordRollback:
			buf.terminal = rec.Type
		default:
			buf.data = append(buf.data, rec)
		}
	}
}
