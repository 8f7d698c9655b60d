// Package changestream implements the Change-Stream Manager (spec §4.E):
// per-subscription event delivery with resume tokens, bounded buffering,
// and error-driven backoff, grounded on the teacher's worker-pool/channel
// idiom (concurrency.go's WorkerPool/WorkRequest shape) rewired from
// generic read/write work units to one delivery task per subscription.
package changestream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledgermesh/ledgermesh/internal/adapter"
)

// State is a subscription's lifecycle state (spec §4.E).
type State int32

const (
	StateInactive State = iota
	StateStarting
	StateActive
	StateError
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateStarting:
		return "STARTING"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Filter is an optional predicate a subscriber can attach; a nil Filter
// matches every event on the collection.
type Filter func(adapter.ChangeEvent) bool

// Handler is the subscriber callback invoked per delivered event.
type Handler func(adapter.ChangeEvent) error

// Subscription is the manager's bookkeeping for one active stream (spec §3
// "Subscription"): id, backend, optional filter, state, most recent resume
// token, error counter, and last-activity timestamp. state is accessed from
// both the owning delivery goroutine and the manager's public API
// (Pause/Resume/Destroy), so it is kept atomic; the remaining fields are
// touched only from the delivery goroutine except through the mutex-guarded
// accessors below.
type Subscription struct {
	ID         string
	Collection string
	Filter     Filter
	Handler    Handler

	state int32

	mu           sync.Mutex
	resumeToken  string
	errorCount   int
	lastActivity time.Time
	backoff      time.Duration

	events chan adapter.ChangeEvent
	done   chan struct{}
}

func newSubscription(id, collection string, filter Filter, handler Handler, bufferSize int) *Subscription {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &Subscription{
		ID:           id,
		Collection:   collection,
		Filter:       filter,
		Handler:      handler,
		lastActivity: time.Now().UTC(),
		events:       make(chan adapter.ChangeEvent, bufferSize),
		done:         make(chan struct{}),
	}
	s.setState(StateInactive)
	return s
}

func (s *Subscription) State() State { return State(atomic.LoadInt32(&s.state)) }

func (s *Subscription) setState(v State) { atomic.StoreInt32(&s.state, int32(v)) }

func (s *Subscription) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

func (s *Subscription) setResumeToken(token string) {
	s.mu.Lock()
	s.resumeToken = token
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}
