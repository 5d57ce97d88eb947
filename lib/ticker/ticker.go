// Package ticker provides restartable interval callbacks for the recording
// controller's elapsed timer and flush ticker.
package ticker

import (
	"sync"
	"time"
)

// Interval calls a function repeatedly until stopped.
//
// Stop does not wait for an in-flight callback, and one more callback may
// still be running when Stop returns. Callers that need a hard cut-off must
// check their own state in the callback.
type Interval interface {
	Start(fn func())
	Stop()
}

// Factory returns a new Interval firing every period.
type Factory func(period time.Duration) Interval

// Every is an Interval backed by a time.Ticker.
type Every struct {
	period time.Duration

	mu   sync.Mutex
	done chan struct{}
}

var _ Interval = (*Every)(nil)

func NewEvery(period time.Duration) *Every {
	return &Every{period: period}
}

// EveryFactory is the Factory for wall-clock intervals.
func EveryFactory(period time.Duration) Interval {
	return NewEvery(period)
}

// Start begins ticking. Starting a running interval is a no-op.
func (e *Every) Start(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != nil {
		return
	}
	done := make(chan struct{})
	e.done = done

	go func() {
		t := time.NewTicker(e.period)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				// a stop that raced with the tick wins
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()
}

// Stop cancels ticking. It is safe to call more than once.
func (e *Every) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		return
	}
	close(e.done)
	e.done = nil
}

// Manual is an Interval that only fires when told to. It stands in for Every
// in tests.
type Manual struct {
	mu sync.Mutex
	fn func()
}

var _ Interval = (*Manual)(nil)

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Start(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fn == nil {
		m.fn = fn
	}
}

func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = nil
}

// Running reports whether the interval has been started and not stopped.
func (m *Manual) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fn != nil
}

// Fire runs the callback synchronously if the interval is running and
// reports whether it did.
func (m *Manual) Fire() bool {
	m.mu.Lock()
	fn := m.fn
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Factory returns a Factory that always hands out m, so a test can drive
// intervals created inside the code under test.
func (m *Manual) Factory() Factory {
	return func(time.Duration) Interval { return m }
}
