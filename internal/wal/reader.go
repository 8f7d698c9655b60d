package wal

import (
	"io"
	"os"

	"github.com/ledgermesh/ledgermesh/faults"
)

// Reader is a restartable, forward-only cursor across a log's whole file
// family. It observes only durably-flushed bytes: since every segment but
// the active one is closed to further writes once rolled over, and the
// active segment is read through its own handle after a Flush, a Reader
// never sees a half-written frame.
type Reader struct {
	engine  *Engine
	paths   []string
	pathIdx int
	file    *os.File
	from    uint64
	gaps    uint64
}

// ReadEntries opens a Reader that yields every record with Sequence >=
// fromSequence, in order. A corrupted or truncated frame is counted as a gap
// with a warning and ends that segment's cursor; the read continues with the
// first frame of the next segment, and the rest of the corrupted segment is
// not read.
func (e *Engine) ReadEntries(fromSequence uint64) (*Reader, error) {
	paths, err := listSegmentPaths(e.opts.Dir, e.opts.Name)
	if err != nil {
		return nil, faults.Wrap(faults.KindIO, "list wal segments", err)
	}
	return &Reader{engine: e, paths: paths, from: fromSequence}, nil
}

// Next returns the next record at or after the reader's starting sequence,
// or io.EOF when the whole file family has been exhausted.
func (r *Reader) Next() (Record, error) {
	for {
		if r.file == nil {
			if r.pathIdx >= len(r.paths) {
				return Record{}, io.EOF
			}
			f, err := os.Open(r.paths[r.pathIdx])
			if err != nil {
				return Record{}, faults.Wrap(faults.KindIO, "open wal segment", err)
			}
			r.file = f
		}

		rec, err := r.engine.codec.DecodeFrame(r.file)
		switch {
		case err == io.EOF:
			r.file.Close()
			r.file = nil
			r.pathIdx++
			continue
		case faults.Is(err, faults.KindCorruption):
			r.gaps++
			r.engine.gapCount.Add(1)
			r.engine.log.WithField("segment", r.paths[r.pathIdx]).Warn("skipping corrupted wal frame")
			r.file.Close()
			r.file = nil
			r.pathIdx++
			continue
		case err != nil:
			return Record{}, err
		}

		if rec.Sequence < r.from {
			continue
		}
		return rec, nil
	}
}

// GapCount reports how many corrupted frames this reader has skipped.
func (r *Reader) GapCount() uint64 {
	return r.gaps
}

// Close releases the reader's open segment handle, if any.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
