package wal

import (
	"bytes"
	"testing"
	"time"
)

func TestCodecRoundTrip(t *testing.T) {
	c := NewCodec([32]byte{1, 2, 3})
	rec := Record{
		Sequence:       42,
		Timestamp:      time.Now().UTC(),
		TransactionID:  "t1",
		Type:           RecordData,
		CollectionName: "users",
		Operation:      OpInsert,
		Data:           []byte(`{"id":1}`),
	}

	frame, sum, err := c.EncodeFrame(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if sum == 0 {
		t.Fatalf("expected non-zero checksum")
	}

	got, err := c.DecodeFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != rec.Sequence || got.TransactionID != rec.TransactionID ||
		got.CollectionName != rec.CollectionName || !bytes.Equal(got.Data, rec.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, rec)
	}
	if got.Checksum != sum {
		t.Fatalf("decoded checksum %d does not match encoded %d", got.Checksum, sum)
	}
}

func TestCodecChecksumMismatchDetected(t *testing.T) {
	c := NewCodec([32]byte{9, 9, 9})
	rec := Record{Sequence: 1, Timestamp: time.Now().UTC(), TransactionID: "t1", Type: RecordData, Data: []byte("x")}

	frame, _, err := c.EncodeFrame(rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	frame[5] ^= 0xFF // flip a byte inside the body

	if _, err := c.DecodeFrame(bytes.NewReader(frame)); err == nil {
		t.Fatalf("expected checksum mismatch error, got nil")
	}
}

func TestCodecDifferentKeysProduceDifferentChecksums(t *testing.T) {
	rec := Record{Sequence: 1, Timestamp: time.Now().UTC(), TransactionID: "t1", Type: RecordData, Data: []byte("x")}

	c1 := NewCodec([32]byte{1})
	c2 := NewCodec([32]byte{2})

	_, sum1, err := c1.EncodeFrame(rec)
	if err != nil {
		t.Fatalf("encode c1: %v", err)
	}
	_, sum2, err := c2.EncodeFrame(rec)
	if err != nil {
		t.Fatalf("encode c2: %v", err)
	}
	if sum1 == sum2 {
		t.Fatalf("expected different keys to produce different checksums")
	}
}
