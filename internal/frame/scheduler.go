// Package frame provides a host frame clock for per-frame animation and
// sampling loops. Callbacks are one-shot: a loop re-requests itself from
// inside its callback, the same way a display-refresh callback works.
package frame

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Callback runs once on the next frame after it was requested.
type Callback func(now time.Time)

// ID identifies a pending frame request.
type ID uint64

// Scheduler hands out frame callbacks. Implementations run all callbacks of
// one frame serially on a single goroutine.
type Scheduler interface {
	Request(cb Callback) ID
	Cancel(id ID)
}

type queue struct {
	mu      sync.Mutex
	next    ID
	pending map[ID]Callback
	order   []ID
	log     *slog.Logger
}

func newQueue(log *slog.Logger) *queue {
	if log == nil {
		log = slog.Default()
	}
	return &queue{pending: make(map[ID]Callback), log: log}
}

func (q *queue) request(cb Callback) ID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	id := q.next
	q.pending[id] = cb
	q.order = append(q.order, id)
	return id
}

func (q *queue) cancel(id ID) {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// run executes the callbacks requested before this frame began. Requests made
// while the frame runs land on the next frame; a callback cancelled before its
// turn is skipped.
func (q *queue) run(now time.Time) {
	q.mu.Lock()
	batch := q.order
	q.order = nil
	q.mu.Unlock()

	for _, id := range batch {
		q.mu.Lock()
		cb, ok := q.pending[id]
		if ok {
			delete(q.pending, id)
		}
		q.mu.Unlock()
		if ok {
			q.invoke(id, cb, now)
		}
	}
}

func (q *queue) invoke(id ID, cb Callback, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("frame callback panicked", slog.Uint64("frame_id", uint64(id)), slog.String("error", fmt.Sprint(r)))
		}
	}()
	cb(now)
}

// Ticker drives frames from a time.Ticker.
type Ticker struct {
	interval time.Duration
	q        *queue
	log      *slog.Logger
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewTicker(rateHz int, log *slog.Logger) *Ticker {
	if rateHz <= 0 {
		rateHz = 60
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "frame-ticker"))
	return &Ticker{
		interval: time.Second / time.Duration(rateHz),
		q:        newQueue(log),
		log:      log,
	}
}

func (t *Ticker) Request(cb Callback) ID { return t.q.request(cb) }

func (t *Ticker) Cancel(id ID) { t.q.cancel(id) }

// Interval reports the frame period.
func (t *Ticker) Interval() time.Duration { return t.interval }

// Start launches the frame loop. It is a no-op when already running.
func (t *Ticker) Start(parent context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.wg.Add(1)
	go t.loop(ctx)
	t.log.Debug("frame loop started", slog.Duration("interval", t.interval))
}

func (t *Ticker) loop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.q.run(now)
		}
	}
}

// Close stops the frame loop and waits for the current frame to finish.
func (t *Ticker) Close() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

// Manual is a deterministic Scheduler for tests and offline rendering.
type Manual struct {
	q        *queue
	mu       sync.Mutex
	now      time.Time
	interval time.Duration
}

func NewManual(start time.Time, interval time.Duration) *Manual {
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &Manual{q: newQueue(nil), now: start, interval: interval}
}

func (m *Manual) Request(cb Callback) ID { return m.q.request(cb) }

func (m *Manual) Cancel(id ID) { m.q.cancel(id) }

// Now returns the time of the last frame.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Step advances one frame interval and runs that frame.
func (m *Manual) Step() time.Time {
	m.mu.Lock()
	m.now = m.now.Add(m.interval)
	now := m.now
	m.mu.Unlock()
	m.q.run(now)
	return now
}

// Advance runs frames until at least d has elapsed.
func (m *Manual) Advance(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += m.interval {
		m.Step()
	}
}

// Pending reports how many callbacks wait for the next frame.
func (m *Manual) Pending() int { return m.q.size() }
