package clock

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts wall-clock reads and suspension so pacing and campaign
// cadence can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep suspends for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SleepUntil suspends until the supplied instant. Instants in the past return
// immediately.
func SleepUntil(ctx context.Context, c Clock, at time.Time) error {
	wait := at.Sub(c.Now())
	if wait <= 0 {
		return ctx.Err()
	}
	return c.Sleep(ctx, wait)
}

type realClock struct{}

// Real returns a Clock backed by the system time.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manual is a Clock whose time only moves when Sleep is called. Sleep returns immediately after advancing the clock, and every
// requested duration is recorded.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
	// OnSleep, when set, runs after each Sleep advances the clock.
	OnSleep func(total int, d time.Duration)
}

// NewManual constructs a manual clock starting at the supplied instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now reports the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Sleep records d and advances the clock without blocking.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	m.sleeps = append(m.sleeps, d)
	total := len(m.sleeps)
	hook := m.OnSleep
	m.mu.Unlock()
	if hook != nil {
		hook(total, d)
	}
	return ctx.Err()
}

// Sleeps returns a copy of every duration passed to Sleep.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}
