package wal

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/sirupsen/logrus"
)

// Options configures an Engine. Every field maps directly to the "Config
// contract" in spec §6; the zero value is not safe to use — callers should
// start from config.Defaults().WAL.
type Options struct {
	Dir           string
	Name          string
	MaxBufferSize int   // bytes buffered before a non-terminal record forces a flush
	RolloverBytes int64 // segment size that triggers a new file in the family
	ChecksumKey   [32]byte
}

// Engine is the append-only, checksummed WAL (spec §4.A). One Engine owns
// exactly one log file family; the Store wires one per collection (or one
// shared system log, depending on deployment).
//
// Concurrency: appends are serialized behind mu (single append-serialization
// point per §5); readers proceed independently against the durably-flushed
// watermark. A Recover in progress blocks new writes.
type Engine struct {
	opts  Options
	codec *Codec
	log   *logrus.Entry

	mu         sync.Mutex
	active     *segment
	writer     *bufio.Writer
	buffered   int
	nextSeq    atomic.Uint64
	durableUpto atomic.Uint64
	gapCount   atomic.Uint64
	closed     atomic.Bool
	recovering atomic.Bool
}

// CheckpointInfo identifies a checkpoint created by CreateCheckpoint.
type CheckpointInfo struct {
	ID        string
	Sequence  uint64
	Timestamp time.Time
}

// ReplayFunc is invoked once per DATA record belonging to a committed
// transaction, in sequence order, during Recover.
type ReplayFunc func(Record) error

// RecoverStats summarizes one Recover call.
type RecoverStats struct {
	Replayed       int
	SkippedAborted int
	GapCount       uint64
	Checkpoint     CheckpointInfo
}

// Open prepares (creating if necessary) a log file family under
// opts.Dir/opts.Name and positions the sequence counter at the highest
// sequence found on disk. It does not replay anything into adapters — call
// Recover for that.
func Open(opts Options, log *logrus.Entry) (*Engine, error) {
	if opts.MaxBufferSize < 0 {
		opts.MaxBufferSize = 0
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, faults.Wrap(faults.KindIO, "create wal directory", err)
	}

	e := &Engine{
		opts:  opts,
		codec: NewCodec(opts.ChecksumKey),
		log:   log.WithField("component", "wal").WithField("name", opts.Name),
	}

	paths, err := listSegmentPaths(opts.Dir, opts.Name)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "list wal segments", err)
	}
	var activePath string
	if len(paths) == 0 {
		activePath = baseSegmentPath(opts.Dir, opts.Name)
	} else {
		activePath = paths[len(paths)-1]
	}
	seg, err := openSegmentForAppend(activePath)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "open active wal segment", err)
	}
	e.active = seg
	e.writer = bufio.NewWriterSize(seg.file, max(opts.MaxBufferSize, 4096))

	maxSeq, durable, gaps, err := e.scanMaxSequence()
	if err != nil {
		seg.file.Close()
		return nil, err
	}
	e.nextSeq.Store(maxSeq)
	e.durableUpto.Store(durable)
	e.gapCount.Store(gaps)

	return e, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// scanMaxSequence performs a read-only pass over every segment to find the
// highest valid sequence number, without grouping by transaction. Corrupted
// frames are skipped and counted as gaps, matching the tolerant behavior of
// ReadEntries (Recover applies the stricter committed-transaction rule
// separately).
func (e *Engine) scanMaxSequence() (maxSeq, durable, gaps uint64, err error) {
	paths, err := listSegmentPaths(e.opts.Dir, e.opts.Name)
	if err != nil {
		return 0, 0, 0, faults.Wrap(faults.KindIO, "list wal segments", err)
	}
	for _, p := range paths {
		f, openErr := os.Open(p)
		if openErr != nil {
			return 0, 0, 0, faults.Wrap(faults.KindIO, "open wal segment for scan", openErr)
		}
		func() {
			defer f.Close()
			for {
				rec, decodeErr := e.codec.DecodeFrame(f)
				if decodeErr == io.EOF {
					return
				}
				if faults.Is(decodeErr, faults.KindCorruption) {
					gaps++
					return // stop scanning this segment at the first unreadable frame
				}
				if decodeErr != nil {
					err = decodeErr
					return
				}
				if rec.Sequence > maxSeq {
					maxSeq = rec.Sequence
				}
				durable = rec.Sequence
			}
		}()
		if err != nil {
			return 0, 0, 0, err
		}
	}
	return maxSeq, durable, gaps, nil
}

// WriteEntry assigns the next sequence number, stamps the checksum, and
// appends the record. COMMIT, ROLLBACK, and CHECKPOINT records flush
// immediately before returning; other types may remain buffered until the
// buffer threshold is reached.
func (e *Engine) WriteEntry(ctx context.Context, d Draft) (uint64, error) {
	if e.closed.Load() {
		return 0, faults.New(faults.KindShutdown, "wal engine is closed")
	}
	if e.recovering.Load() {
		return 0, faults.New(faults.KindShutdown, "wal engine is recovering")
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seq := e.nextSeq.Add(1)
	rec := Record{
		Sequence:       seq,
		Timestamp:      time.Now().UTC(),
		TransactionID:  d.TransactionID,
		Type:           d.Type,
		CollectionName: d.CollectionName,
		Operation:      d.Operation,
		Data:           d.Data,
	}

	frame, checksum, err := e.codec.EncodeFrame(rec)
	if err != nil {
		return 0, err
	}
	rec.Checksum = checksum

	if err := e.rotateIfNeeded(int64(len(frame))); err != nil {
		return 0, err
	}

	if _, err := e.writer.Write(frame); err != nil {
		return 0, faults.Wrap(faults.KindIO, "append wal frame", err)
	}
	e.active.size += int64(len(frame))
	e.buffered += len(frame)

	mustFlush := rec.Type == RecordCommit || rec.Type == RecordRollback || rec.Type == RecordCheckpoint ||
		e.buffered >= e.opts.MaxBufferSize
	if mustFlush {
		if err := e.flushLocked(); err != nil {
			return 0, err
		}
		e.durableUpto.Store(seq)
	}
	return seq, nil
}

func (e *Engine) rotateIfNeeded(nextFrameSize int64) error {
	if e.opts.RolloverBytes <= 0 || e.active.size+nextFrameSize < e.opts.RolloverBytes {
		return nil
	}
	if err := e.flushLocked(); err != nil {
		return err
	}
	if err := e.active.file.Close(); err != nil {
		return faults.Wrap(faults.KindIO, "close rolled-over wal segment", err)
	}
	paths, err := listSegmentPaths(e.opts.Dir, e.opts.Name)
	if err != nil {
		return faults.Wrap(faults.KindIO, "list wal segments for rollover", err)
	}
	newPath := suffixedSegmentPath(e.opts.Dir, e.opts.Name, nextSuffix(paths))
	seg, err := openSegmentForAppend(newPath)
	if err != nil {
		return faults.Wrap(faults.KindIO, "open new wal segment", err)
	}
	e.active = seg
	e.writer = bufio.NewWriterSize(seg.file, max(e.opts.MaxBufferSize, 4096))
	e.log.WithField("segment", newPath).Info("wal rolled over to new segment")
	return nil
}

// Flush drains any buffered records to durable storage. Idempotent.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	if err := e.writer.Flush(); err != nil {
		return faults.Wrap(faults.KindIO, "flush wal writer", err)
	}
	if err := e.active.file.Sync(); err != nil {
		return faults.Wrap(faults.KindIO, "fsync wal segment", err)
	}
	e.buffered = 0
	return nil
}

// CurrentSequence returns the highest sequence number assigned so far.
func (e *Engine) CurrentSequence() uint64 {
	return e.nextSeq.Load()
}

// DurableUpto returns the highest sequence number known to be durably
// flushed.
func (e *Engine) DurableUpto() uint64 {
	return e.durableUpto.Load()
}

// GapCount returns how many corrupted frames have been skipped since Open.
func (e *Engine) GapCount() uint64 {
	return e.gapCount.Load()
}

// CreateCheckpoint emits a CHECKPOINT record and returns its identifier.
func (e *Engine) CreateCheckpoint(ctx context.Context) (CheckpointInfo, error) {
	seq, err := e.WriteEntry(ctx, Draft{
		TransactionID:  SystemTransactionID,
		Type:           RecordCheckpoint,
		CollectionName: SystemCollection,
		Operation:      OpStore,
	})
	if err != nil {
		return CheckpointInfo{}, err
	}
	return CheckpointInfo{ID: checkpointID(seq), Sequence: seq, Timestamp: time.Now().UTC()}, nil
}

func checkpointID(seq uint64) string {
	return "ckpt-" + uintToString(seq)
}

func uintToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Truncate removes segment files whose every record has sequence strictly
// less than beforeSequence. Truncation is file-granular: a segment is only
// removed once its highest sequence is below the threshold, so the caller's
// durability obligation ("must have durably applied those records") is
// honored without splitting files.
func (e *Engine) Truncate(beforeSequence uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	paths, err := listSegmentPaths(e.opts.Dir, e.opts.Name)
	if err != nil {
		return faults.Wrap(faults.KindIO, "list wal segments for truncate", err)
	}
	for _, p := range paths {
		if p == e.active.path {
			continue // never remove the active segment
		}
		maxSeq, scanErr := e.segmentMaxSequence(p)
		if scanErr != nil {
			return scanErr
		}
		if maxSeq < beforeSequence {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return faults.Wrap(faults.KindIO, "remove truncated wal segment", err)
			}
		}
	}
	return nil
}

func (e *Engine) segmentMaxSequence(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, faults.Wrap(faults.KindIO, "open wal segment", err)
	}
	defer f.Close()
	var maxSeq uint64
	for {
		rec, err := e.codec.DecodeFrame(f)
		if err == io.EOF {
			return maxSeq, nil
		}
		if faults.Is(err, faults.KindCorruption) {
			return maxSeq, nil
		}
		if err != nil {
			return 0, err
		}
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
	}
}

// Close flushes and releases resources.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.flushLocked(); err != nil {
		return err
	}
	return e.active.file.Close()
}
