// Package queue holds jobs until their release time and hands each job to
// exactly one claimer at a time. Failed attempts are rescheduled with
// exponential backoff until the job's attempt budget is spent.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultMaxBackoff  = time.Hour
)

// Options control the retry behaviour of one job. Zero values fall back to
// the queue defaults.
type Options struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

type Outcome int

const (
	Completed Outcome = iota
	Retrying
	Deferred
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Retrying:
		return "retrying"
	case Deferred:
		return "deferred"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

type Stats struct {
	Waiting int
	Active  int
}

// Delivery is a claimed job. It must be handed back through Settle.
type Delivery[T any] struct {
	ID          string
	Payload     T
	Attempt     int
	MaxAttempts int
	ReadyAt     time.Time

	entry   *entry[T]
	settled bool
}

// LastAttempt reports whether a failure of this attempt abandons the job.
func (d *Delivery[T]) LastAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

type Queue[T any] struct {
	mu      sync.Mutex
	pending entryHeap[T]
	known   map[string]*entry[T]
	active  int
	seq     uint64
	closed  bool
	changed chan struct{}

	defaults Options
	now      func() time.Time
	log      *zap.Logger
}

func New[T any](defaults Options, logger *zap.Logger) *Queue[T] {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = DefaultMaxAttempts
	}
	if defaults.Backoff <= 0 {
		defaults.Backoff = DefaultBackoff
	}
	if defaults.MaxBackoff <= 0 {
		defaults.MaxBackoff = DefaultMaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue[T]{
		known:    make(map[string]*entry[T]),
		changed:  make(chan struct{}),
		defaults: defaults,
		now:      time.Now,
		log:      logger,
	}
}

// Enqueue schedules id to be released after delay. An id the queue still
// holds (waiting or claimed) is not added twice.
func (q *Queue[T]) Enqueue(id string, payload T, delay time.Duration, opts Options) (bool, error) {
	if delay < 0 {
		delay = 0
	}
	opts = q.withDefaults(opts)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if _, ok := q.known[id]; ok {
		q.log.Debug("duplicate enqueue ignored", zap.String("job_id", id))
		return false, nil
	}

	e := &entry[T]{
		id:      id,
		payload: payload,
		opts:    opts,
		attempt: 1,
		readyAt: q.now().Add(delay),
		backoff: newBackoff(opts),
	}
	q.known[id] = e
	q.push(e)
	return true, nil
}

// Claim blocks until a job is released, ctx is done or the queue is closed.
func (q *Queue[T]) Claim(ctx context.Context) (*Delivery[T], error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		wait := time.Duration(-1)
		if len(q.pending) > 0 {
			top := q.pending[0]
			wait = top.readyAt.Sub(q.now())
			if wait <= 0 {
				heap.Pop(&q.pending)
				q.active++
				d := &Delivery[T]{
					ID:          top.id,
					Payload:     top.payload,
					Attempt:     top.attempt,
					MaxAttempts: top.opts.MaxAttempts,
					ReadyAt:     top.readyAt,
					entry:       top,
				}
				q.mu.Unlock()
				return d, nil
			}
		}
		changed := q.changed
		q.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Settle reports the result of a claimed attempt and decides what happens
// to the job next. The returned duration is the delay before the next
// attempt for Retrying and Deferred outcomes.
func (q *Queue[T]) Settle(d *Delivery[T], err error) (Outcome, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if d.settled {
		q.log.Warn("delivery settled twice", zap.String("job_id", d.ID))
		return Abandoned, 0
	}
	d.settled = true
	q.active--

	e := d.entry
	if err == nil {
		delete(q.known, e.id)
		return Completed, 0
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		delete(q.known, e.id)
		return Abandoned, 0
	}

	var later *RetryAfterError
	if errors.As(err, &later) {
		e.readyAt = q.now().Add(later.Delay)
		q.push(e)
		return Deferred, later.Delay
	}

	if e.attempt >= e.opts.MaxAttempts {
		delete(q.known, e.id)
		return Abandoned, 0
	}

	delay := e.backoff.NextBackOff()
	e.attempt++
	e.readyAt = q.now().Add(delay)
	q.push(e)
	return Retrying, delay
}

// Close stops handing out claims. Jobs still waiting stay in memory but are
// never claimed again by this queue.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Waiting: len(q.pending), Active: q.active}
}

// Contains reports whether id is waiting or claimed.
func (q *Queue[T]) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.known[id]
	return ok
}

func (q *Queue[T]) push(e *entry[T]) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.pending, e)
	q.broadcast()
}

// broadcast wakes every waiting claimer. Callers hold q.mu.
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) withDefaults(o Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = q.defaults.MaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = q.defaults.Backoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = q.defaults.MaxBackoff
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	return o
}

// newBackoff yields Backoff, 2*Backoff, 4*Backoff, ... capped at MaxBackoff.
func newBackoff(o Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.Backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = o.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type entry[T any] struct {
	id      string
	payload T
	opts    Options
	attempt int
	readyAt time.Time
	seq     uint64
	index   int
	backoff *backoff.ExponentialBackOff
}

// entryHeap orders entries by release time, then by enqueue order.
type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].readyAt.Before(h[j].readyAt)
}

func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
