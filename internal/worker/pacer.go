package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// pacer spaces consecutive sends of one sender at least minDelay apart,
// across all worker slots.
type pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPacer() *pacer {
	return &pacer{limiters: make(map[string]*rate.Limiter)}
}

func (p *pacer) Wait(ctx context.Context, senderID string, minDelay time.Duration) error {
	if minDelay <= 0 {
		return nil
	}
	return p.limiter(senderID, minDelay).Wait(ctx)
}

func (p *pacer) limiter(senderID string, minDelay time.Duration) *rate.Limiter {
	limit := rate.Every(minDelay)

	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.limiters[senderID]
	if !ok {
		l = rate.NewLimiter(limit, 1)
		p.limiters[senderID] = l
		return l
	}
	if l.Limit() != limit {
		l.SetLimit(limit)
	}
	return l
}
