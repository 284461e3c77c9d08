package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Limiter spaces out outbound storefront requests.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Politeness enforces a minimum gap (with optional jitter up to maxDelay)
// between consecutive requests across all workers.
type Politeness struct {
	minDelay time.Duration
	maxDelay time.Duration
	next     time.Time
	mu       sync.Mutex
}

func NewPoliteness(minDelay, maxDelay time.Duration) *Politeness {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Politeness{
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

// Wait reserves the next slot and sleeps until it arrives.
func (p *Politeness) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.delay())
	p.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Politeness) delay() time.Duration {
	if p.maxDelay <= p.minDelay {
		return p.minDelay
	}
	delta := p.maxDelay - p.minDelay
	return p.minDelay + time.Duration(rand.Int63n(int64(delta)))
}

type nop struct{}

func (nop) Wait(ctx context.Context) error { return ctx.Err() }

// New returns a Politeness limiter, or a no-op one when minDelay is zero.
func New(minDelay, maxDelay time.Duration) Limiter {
	if minDelay <= 0 && maxDelay <= 0 {
		return nop{}
	}
	return NewPoliteness(minDelay, maxDelay)
}
