// Package faults defines the error taxonomy every public ledgermesh
// operation returns through: a kind, a message, and an optional wrapped
// cause. Components never invent ad-hoc error strings for conditions named
// here — they construct a *Fault so callers can errors.As against it.
package faults

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error categories from the durability,
// transaction, and replication substrate. It is never silently upgraded to
// success; see Store-level docs for user-visible failure behavior.
type Kind string

const (
	// KindIO covers WAL append failures, filesystem errors, and checkpoint
	// flush failures. Fatal for the owning transaction.
	KindIO Kind = "io"

	// KindCorruption covers a record whose checksum does not recompute on
	// read. The affected record is skipped and a gap counter incremented,
	// unless it prevents unambiguous reconstruction of a committed
	// transaction, in which case recovery halts.
	KindCorruption Kind = "corruption"

	// KindTimeout covers prepare, finalize, replication ack, and
	// subscription callback timeouts.
	KindTimeout Kind = "timeout"

	// KindCapabilityMissing covers an operation requiring a capability the
	// adapter did not advertise. Never retried.
	KindCapabilityMissing Kind = "capability_missing"

	// KindParticipantDrift covers a post-decision finalize failure: the
	// transaction is decision-COMMIT but at least one participant has not
	// applied it yet.
	KindParticipantDrift Kind = "participant_drift"

	// KindNetworkPartition covers a peer unreachable past the configured
	// failure threshold.
	KindNetworkPartition Kind = "network_partition"

	// KindShutdown covers an operation rejected because the owning
	// component has begun or completed shutdown.
	KindShutdown Kind = "shutdown"

	// KindAborted covers a transaction that did not reach COMMIT: a
	// participant rejected prepare, a timeout fired, or the caller
	// cancelled.
	KindAborted Kind = "aborted"
)

// Fault is the concrete shape of every error this module returns across a
// package boundary. Message is human-readable; Cause, when present, is the
// underlying error (use errors.Cause to unwrap it, or errors.As for Fault
// itself since Fault implements Unwrap).
type Fault struct {
	Kind    Kind
	Message string
	Cause   error

	// Context carries structured fields relevant to the kind — e.g.
	// Participant for KindParticipantDrift, Sequence for KindCorruption.
	Context map[string]any
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Unwrap lets errors.Is/errors.As traverse into Cause.
func (f *Fault) Unwrap() error { return f.Cause }

// New builds a Fault with no wrapped cause.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Wrap builds a Fault around an existing error, attaching a stack trace to
// the cause when it doesn't already carry one.
func Wrap(kind Kind, message string, cause error) *Fault {
	if cause == nil {
		return New(kind, message)
	}
	return &Fault{Kind: kind, Message: message, Cause: errors.WithStack(cause)}
}

// WithContext attaches structured fields and returns the same Fault for
// chaining at the call site.
func (f *Fault) WithContext(key string, value any) *Fault {
	if f.Context == nil {
		f.Context = make(map[string]any, 2)
	}
	f.Context[key] = value
	return f
}

// Is reports whether err is a *Fault of the given kind.
func Is(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}
