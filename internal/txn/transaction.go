// Package txn implements the Transaction Coordinator (spec §4.D): 2PC
// across heterogeneous adapters, interleaving WAL records with the
// prepare/commit/rollback phases. The "transaction" vocabulary (id, state
// machine, staged operations, participants) generalizes the teacher's
// row-level MVCC transaction context (mvcc.go's TxContext) from one backend
// to N adapters.
package txn

import (
	"time"

	"github.com/ledgermesh/ledgermesh/internal/adapter"
)

// State is a transaction's lifecycle state (spec §3 "Transaction").
type State int

const (
	StateActive State = iota
	StatePrepared
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// OperationRecord is one (adapterId, operationType, collection, key,
// newValue, filter) tuple recorded against a transaction (spec §3).
type OperationRecord struct {
	AdapterID  string
	Kind       adapter.OpKind
	Collection string
	DocumentID string
	NewValue   adapter.Document
	Filter     map[string]any
}

// Transaction is the ephemeral coordinator-side record of one in-flight (or
// just-terminated) transaction.
type Transaction struct {
	ID           string
	StartTime    time.Time
	State        State
	Operations   []OperationRecord
	Participants map[string]adapter.Adapter
}

func newTransaction(id string, participants []adapter.Adapter) *Transaction {
	t := &Transaction{
		ID:           id,
		StartTime:    time.Now().UTC(),
		State:        StateActive,
		Participants: make(map[string]adapter.Adapter, len(participants)),
	}
	for _, p := range participants {
		t.Participants[p.ID()] = p
	}
	return t
}
