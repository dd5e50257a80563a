// Package wake arms a single one-shot timer that re-enters the runner.
package wake

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// MinDelay is the shortest delay a wake is armed with
const MinDelay = time.Second

// Timer keeps at most one pending wake. Arming replaces the pending one.
type Timer struct {
	logger  *zap.Logger
	trigger func()
	now     func() time.Time

	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
	gen   uint64
}

// NewTimer creates a timer that calls trigger on its own goroutine when a
// wake fires
func NewTimer(trigger func(), logger *zap.Logger) *Timer {
	return &Timer{
		logger:  logger.Named("wake"),
		trigger: trigger,
		now:     time.Now,
	}
}

// ArmAt schedules the wake, clamped to at least MinDelay from now.
func (t *Timer) ArmAt(at time.Time) {
	now := t.now()
	if floor := now.Add(MinDelay); at.Before(floor) {
		at = floor
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.at = at
	t.timer = time.AfterFunc(at.Sub(now), func() { t.fire(gen) })

	t.logger.Info("Wake armed", zap.Time("at", at), zap.Duration("in", at.Sub(now)))
}

// Cancel drops the pending wake, if any.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
	t.at = time.Time{}
	t.gen++
	t.logger.Info("Wake cancelled")
}

// Pending returns the armed instant
func (t *Timer) Pending() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.at, t.timer != nil
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	// a Stop that lost the race with the timer leaves a stale callback
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.at = time.Time{}
	t.mu.Unlock()

	t.trigger()
}
