// Package ratelimit caps the number of sends per sender in fixed hourly
// windows. The count lives in a shared Counter so that every worker and
// every process draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultWindow = time.Hour
	keyPrefix     = "email:rate"
)

// Counter atomically increments key and returns the new value. A key that
// does not exist, or has expired, starts from zero and lives for ttl.
type Counter interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Decision struct {
	Allowed         bool
	Count           int64
	NextAvailableAt time.Time
}

type Limiter struct {
	counter Counter
	window  time.Duration
	now     func() time.Time
}

type Option func(*Limiter)

func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(counter Counter, opts ...Option) *Limiter {
	l := &Limiter{
		counter: counter,
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire takes one send from senderID's budget for the current window.
// A non-positive maxPerWindow disables the cap.
func (l *Limiter) TryAcquire(ctx context.Context, senderID string, maxPerWindow int) (Decision, error) {
	now := l.now()
	if maxPerWindow <= 0 {
		return Decision{Allowed: true, NextAvailableAt: now}, nil
	}

	start := l.WindowStart(now)
	next := start.Add(l.window)

	count, err := l.counter.IncrWindow(ctx, l.key(senderID, start), next.Sub(now))
	if err != nil {
		return Decision{}, fmt.Errorf("rate window increment: %w", err)
	}

	if count > int64(maxPerWindow) {
		return Decision{Allowed: false, Count: count, NextAvailableAt: next}, nil
	}
	return Decision{Allowed: true, Count: count, NextAvailableAt: now}, nil
}

// WindowStart floors t to the beginning of its window.
func (l *Limiter) WindowStart(t time.Time) time.Time {
	ms := t.UnixMilli()
	w := l.window.Milliseconds()
	return time.UnixMilli(ms / w * w)
}

func (l *Limiter) key(senderID string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", keyPrefix, senderID, start.UnixMilli())
}
