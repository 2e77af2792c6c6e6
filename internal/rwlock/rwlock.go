// Package rwlock provides the reader-writer lock that serializes access to an open file.
//
// The lock gives writers preference: once anyone is queued, new readers queue behind them
// instead of joining the active readers. When a writer releases, the head of the queue is
// admitted together with every reader directly behind it, so a run of queued readers wakes as
// one batch. Holders are identified by explicit tokens rather than by goroutine, one token per
// acquisition.
package rwlock

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the kind of access a holder asked for.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// String returns "read" or "write".
func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// State is the current sharing state of a lock.
type State int

const (
	StateFree State = iota
	StateReading
	StateWriting
)

// String returns a short label for diagnostics.
func (s State) String() string {
	switch s {
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	default:
		return "free"
	}
}

// Request is a queued acquisition.
type Request struct {
	Holder uuid.UUID
	Mode   Mode
}

// WaitObserver is called after a blocked acquisition is admitted with the time it spent queued.
type WaitObserver func(mode Mode, waited time.Duration)

type waiter struct {
	Request
	ready chan struct{}
}

// RWLock is a writer-preferring reader-writer lock with FIFO queueing.
type RWLock struct {
	name    string
	observe WaitObserver

	mu     sync.Mutex
	state  State
	active []uuid.UUID
	queue  []*waiter
	refs   int
}

// Option configures a lock at construction.
type Option func(*RWLock)

// WithObserver registers a callback for blocked acquisitions.
func WithObserver(fn WaitObserver) Option {
	return func(l *RWLock) {
		l.observe = fn
	}
}

// New creates a free lock. The name is only used in diagnostics.
func New(name string, opts ...Option) *RWLock {
	l := &RWLock{name: name}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the diagnostic name given to New.
func (l *RWLock) Name() string {
	return l.name
}

// AcquireReader blocks until id holds the lock for reading.
func (l *RWLock) AcquireReader(id uuid.UUID) {
	l.mu.Lock()
	if l.state == StateWriting || (l.state == StateReading && len(l.queue) > 0) {
		l.wait(id, ModeRead)
		return
	}
	l.state = StateReading
	l.active = append(l.active, id)
	l.mu.Unlock()
}

// ReleaseReader gives up a read hold. When the last reader leaves, the queued writer at the head
// of the queue (if any) is admitted.
func (l *RWLock) ReleaseReader(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateReading || !l.removeActive(id) {
		panic(fmt.Sprintf("rwlock %q: %s released a read hold it does not own", l.name, id))
	}
	if len(l.active) > 0 {
		return
	}

	if len(l.queue) == 0 {
		l.state = StateFree
		return
	}

	// Readers only queue behind someone, and a reading lock only queues behind a writer,
	// so the head must be a writer.
	head := l.queue[0]
	if head.Mode != ModeWrite {
		panic(fmt.Sprintf("rwlock %q: reader %s at queue head after last reader left", l.name, head.Holder))
	}
	l.queue = l.queue[1:]
	l.state = StateWriting
	l.admit(head)
}

// AcquireWriter blocks until id holds the lock exclusively.
func (l *RWLock) AcquireWriter(id uuid.UUID) {
	l.mu.Lock()
	if l.state != StateFree {
		l.wait(id, ModeWrite)
		return
	}
	l.state = StateWriting
	l.active = append(l.active, id)
	l.mu.Unlock()
}

// ReleaseWriter gives up an exclusive hold. The head of the queue is admitted; if it is a reader,
// every reader directly behind it is admitted too.
func (l *RWLock) ReleaseWriter(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateWriting || len(l.active) != 1 || l.active[0] != id {
		panic(fmt.Sprintf("rwlock %q: %s released a write hold it does not own", l.name, id))
	}
	l.active = l.active[:0]

	if len(l.queue) == 0 {
		l.state = StateFree
		return
	}

	head := l.queue[0]
	l.queue = l.queue[1:]
	if head.Mode == ModeWrite {
		l.state = StateWriting
		l.admit(head)
		return
	}

	l.state = StateReading
	l.admit(head)
	for len(l.queue) > 0 && l.queue[0].Mode == ModeRead {
		next := l.queue[0]
		l.queue = l.queue[1:]
		l.admit(next)
	}
}

// wait queues the caller and blocks until a releaser admits it. It is entered with mu held
// and returns with mu released.
func (l *RWLock) wait(id uuid.UUID, mode Mode) {
	w := &waiter{Request: Request{Holder: id, Mode: mode}, ready: make(chan struct{})}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	start := time.Now()
	<-w.ready
	if l.observe != nil {
		l.observe(mode, time.Since(start))
	}
}

// admit makes w an active holder and wakes it. Called with mu held and state already set.
func (l *RWLock) admit(w *waiter) {
	l.active = append(l.active, w.Holder)
	close(w.ready)
}

func (l *RWLock) removeActive(id uuid.UUID) bool {
	for i, h := range l.active {
		if h == id {
			l.active = append(l.active[:i], l.active[i+1:]...)
			return true
		}
	}
	return false
}

// State returns the current sharing state.
func (l *RWLock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Holders returns the tokens currently holding the lock, in admission order.
func (l *RWLock) Holders() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uuid.UUID(nil), l.active...)
}

// Pending returns a snapshot of the wait queue, head first.
func (l *RWLock) Pending() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	pending := make([]Request, len(l.queue))
	for i, w := range l.queue {
		pending[i] = w.Request
	}
	return pending
}

// Ref records one more user of the lock.
func (l *RWLock) Ref() {
	l.mu.Lock()
	l.refs++
	l.mu.Unlock()
}

// Unref drops one user and returns how many remain.
func (l *RWLock) Unref() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs == 0 {
		panic(fmt.Sprintf("rwlock %q: unref of unreferenced lock", l.name))
	}
	l.refs--
	return l.refs
}

// Refs returns the number of users recorded with Ref.
func (l *RWLock) Refs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refs
}
