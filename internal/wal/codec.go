package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"time"

	"github.com/ledgermesh/ledgermesh/faults"
	"github.com/minio/highwayhash"
)

func unixMicroToTime(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// frame shape on disk (spec §6): 4-byte little-endian length | body bytes |
// 8-byte checksum tag. Length covers the body only; the checksum algorithm
// is fixed per node (HighwayHash-64, keyed) and is not embedded in the
// frame — a deployment that changes algorithms must start a fresh log.
const checksumTagSize = 8

// Codec encodes and decodes WAL records to the on-disk frame format. It is
// pure and holds no file handles; the Engine owns those.
type Codec struct {
	key [32]byte
}

// NewCodec builds a Codec from a 32-byte HighwayHash key. A zero key is
// valid (and is what a node uses when none is configured) but every node in
// a replicated cluster must agree on it, since followers recompute
// checksums on entries they receive from the leader.
func NewCodec(key [32]byte) *Codec {
	return &Codec{key: key}
}

func (c *Codec) sum(body []byte) (uint64, error) {
	h, err := highwayhash.New64(c.key[:])
	if err != nil {
		return 0, faults.Wrap(faults.KindIO, "construct highwayhash", err)
	}
	if _, err := h.Write(body); err != nil {
		return 0, faults.Wrap(faults.KindIO, "hash record body", err)
	}
	return h.Sum64(), nil
}

// body is the gob wire representation of everything in Record except the
// Checksum field itself, so recompute never depends on what it produces.
type body struct {
	Sequence       uint64
	Timestamp      int64
	TransactionID  string
	Type           RecordType
	CollectionName string
	Operation      OperationType
	Data           []byte
}

func toBody(r Record) body {
	return body{
		Sequence:       r.Sequence,
		Timestamp:      r.Timestamp.UnixMicro(),
		TransactionID:  r.TransactionID,
		Type:           r.Type,
		CollectionName: r.CollectionName,
		Operation:      r.Operation,
		Data:           r.Data,
	}
}

func (b body) toRecord(checksum uint64) Record {
	return Record{
		Sequence:       b.Sequence,
		Timestamp:      unixMicroToTime(b.Timestamp),
		TransactionID:  b.TransactionID,
		Type:           b.Type,
		CollectionName: b.CollectionName,
		Operation:      b.Operation,
		Data:           b.Data,
		Checksum:       checksum,
	}
}

// EncodeFrame returns the full on-disk frame for r and the checksum it
// computed. It mutates nothing on r; the caller should overwrite its own copy's Checksum
// field with the returned value if it cares.
func (c *Codec) EncodeFrame(r Record) ([]byte, uint64, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toBody(r)); err != nil {
		return nil, 0, faults.Wrap(faults.KindIO, "encode record body", err)
	}
	bodyBytes := buf.Bytes()

	sum, err := c.sum(bodyBytes)
	if err != nil {
		return nil, 0, err
	}

	frame := make([]byte, 4+len(bodyBytes)+checksumTagSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(bodyBytes)))
	copy(frame[4:], bodyBytes)
	binary.LittleEndian.PutUint64(frame[4+len(bodyBytes):], sum)
	return frame, sum, nil
}

// DecodeFrame reads one frame from r, verifying its checksum. It returns
// io.EOF (unwrapped) when the stream is exhausted cleanly between frames,
// and a *faults.Fault of KindCorruption when a length/checksum mismatch
// makes the frame unreadable.
func (c *Codec) DecodeFrame(r io.Reader) (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, faults.New(faults.KindCorruption, "truncated frame length")
		}
		return Record{}, err
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])

	bodyBytes := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, bodyBytes); err != nil {
		return Record{}, faults.Wrap(faults.KindCorruption, "truncated frame body", err)
	}

	var tagBuf [checksumTagSize]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Record{}, faults.Wrap(faults.KindCorruption, "truncated checksum tag", err)
	}
	tag := binary.LittleEndian.Uint64(tagBuf[:])

	sum, err := c.sum(bodyBytes)
	if err != nil {
		return Record{}, err
	}
	if sum != tag {
		return Record{}, faults.New(faults.KindCorruption, "checksum mismatch")
	}

	var b body
	if err := gob.NewDecoder(bytes.NewReader(bodyBytes)).Decode(&b); err != nil {
		return Record{}, faults.Wrap(faults.KindCorruption, "decode record body", err)
	}
	return b.toRecord(tag), nil
}
