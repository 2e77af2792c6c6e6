package rwlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// holder runs an acquisition on its own goroutine and releases on demand.
type holder struct {
	id       uuid.UUID
	mode     Mode
	acquired chan struct{}
	release  chan struct{}
	done     chan struct{}
}

func start(l *RWLock, mode Mode) *holder {
	h := &holder{
		id:       uuid.New(),
		mode:     mode,
		acquired: make(chan struct{}),
		release:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		if mode == ModeWrite {
			l.AcquireWriter(h.id)
		} else {
			l.AcquireReader(h.id)
		}
		close(h.acquired)
		<-h.release
		if mode == ModeWrite {
			l.ReleaseWriter(h.id)
		} else {
			l.ReleaseReader(h.id)
		}
	}()
	return h
}

func (h *holder) isAcquired() bool {
	select {
	case <-h.acquired:
		return true
	default:
		return false
	}
}

func (h *holder) finish(t *testing.T) {
	t.Helper()
	close(h.release)
	select {
	case <-h.done:
	case <-time.After(waitFor):
		t.Fatalf("holder %s did not release", h.id)
	}
}

func TestRWLock_ReadersShare(t *testing.T) {
	l := New("shared")
	a, b := uuid.New(), uuid.New()

	l.AcquireReader(a)
	l.AcquireReader(b)
	assert.Equal(t, StateReading, l.State())
	assert.ElementsMatch(t, []uuid.UUID{a, b}, l.Holders())

	l.ReleaseReader(a)
	assert.Equal(t, StateReading, l.State())
	l.ReleaseReader(b)
	assert.Equal(t, StateFree, l.State())
	assert.Empty(t, l.Holders())
}

func TestRWLock_WriterExcludes(t *testing.T) {
	l := New("exclusive")
	w := start(l, ModeWrite)
	<-w.acquired

	r := start(l, ModeRead)
	require.Eventually(t, func() bool { return len(l.Pending()) == 1 }, waitFor, tick)
	assert.False(t, r.isAcquired())

	w.finish(t)
	require.Eventually(t, r.isAcquired, waitFor, tick)
	assert.Equal(t, StateReading, l.State())
	r.finish(t)
	assert.Equal(t, StateFree, l.State())
}

func TestRWLock_WriterPreference(t *testing.T) {
	l := New("preference")
	r1 := start(l, ModeRead)
	<-r1.acquired

	w := start(l, ModeWrite)
	require.Eventually(t, func() bool { return len(l.Pending()) == 1 }, waitFor, tick)

	// A reader arriving behind a queued writer must wait even though the lock is reading.
	r2 := start(l, ModeRead)
	require.Eventually(t, func() bool { return len(l.Pending()) == 2 }, waitFor, tick)
	assert.False(t, r2.isAcquired())

	r1.finish(t)
	require.Eventually(t, w.isAcquired, waitFor, tick)
	assert.Equal(t, StateWriting, l.State())
	assert.False(t, r2.isAcquired())

	w.finish(t)
	require.Eventually(t, r2.isAcquired, waitFor, tick)
	r2.finish(t)
}

func TestRWLock_BatchWakeOfLeadingReaders(t *testing.T) {
	l := New("batch")
	w0 := start(l, ModeWrite)
	<-w0.acquired

	queued := []*holder{}
	for i, mode := range []Mode{ModeRead, ModeRead, ModeWrite, ModeRead} {
		h := start(l, mode)
		want := i + 1
		require.Eventually(t, func() bool { return len(l.Pending()) == want }, waitFor, tick)
		queued = append(queued, h)
	}
	r1, r2, w3, r4 := queued[0], queued[1], queued[2], queued[3]

	w0.finish(t)
	require.Eventually(t, func() bool { return r1.isAcquired() && r2.isAcquired() }, waitFor, tick)
	assert.Equal(t, StateReading, l.State())
	assert.ElementsMatch(t, []uuid.UUID{r1.id, r2.id}, l.Holders())
	assert.Equal(t, []Request{{Holder: w3.id, Mode: ModeWrite}, {Holder: r4.id, Mode: ModeRead}}, l.Pending())

	r1.finish(t)
	assert.False(t, w3.isAcquired())
	r2.finish(t)
	require.Eventually(t, w3.isAcquired, waitFor, tick)
	assert.Equal(t, []uuid.UUID{w3.id}, l.Holders())
	assert.False(t, r4.isAcquired())

	w3.finish(t)
	require.Eventually(t, r4.isAcquired, waitFor, tick)
	r4.finish(t)
	assert.Equal(t, StateFree, l.State())
}

func TestRWLock_ReleaseWithoutHoldPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func(l *RWLock)
	}{
		{name: "reader never acquired", fn: func(l *RWLock) { l.ReleaseReader(uuid.New()) }},
		{name: "writer never acquired", fn: func(l *RWLock) { l.ReleaseWriter(uuid.New()) }},
		{name: "writer releases as reader", fn: func(l *RWLock) {
			id := uuid.New()
			l.AcquireWriter(id)
			l.ReleaseReader(id)
		}},
		{name: "other writer releases", fn: func(l *RWLock) {
			l.AcquireWriter(uuid.New())
			l.ReleaseWriter(uuid.New())
		}},
		{name: "unref below zero", fn: func(l *RWLock) { l.Unref() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() { tt.fn(New(tt.name)) })
		})
	}
}

func TestRWLock_RefCounting(t *testing.T) {
	l := New("refs")
	assert.Equal(t, "refs", l.Name())

	l.Ref()
	l.Ref()
	assert.Equal(t, 2, l.Refs())
	assert.Equal(t, 1, l.Unref())
	assert.Equal(t, 0, l.Unref())
}

func TestRWLock_ObserverSeesBlockedAcquisitions(t *testing.T) {
	var observed atomic.Int32
	l := New("observed", WithObserver(func(mode Mode, waited time.Duration) {
		assert.Equal(t, ModeRead, mode)
		assert.GreaterOrEqual(t, waited, time.Duration(0))
		observed.Add(1)
	}))

	w := uuid.New()
	l.AcquireWriter(w)

	var wg sync.WaitGroup
	wg.Add(1)
	r := uuid.New()
	go func() {
		defer wg.Done()
		l.AcquireReader(r)
	}()
	require.Eventually(t, func() bool { return len(l.Pending()) == 1 }, waitFor, tick)

	l.ReleaseWriter(w)
	wg.Wait()
	l.ReleaseReader(r)
	assert.Equal(t, int32(1), observed.Load())
}

func TestRWLock_ConcurrentCounter(t *testing.T) {
	l := New("counter")
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := uuid.New()
				l.AcquireWriter(id)
				counter++
				l.ReleaseWriter(id)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := uuid.New()
				l.AcquireReader(id)
				_ = counter
				l.ReleaseReader(id)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16*50, counter)
	assert.Equal(t, StateFree, l.State())
}
