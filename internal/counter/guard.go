package counter

import (
	"context"
	"errors"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	FailureThreshold    int           // consecutive failures to open
	OpenDuration        time.Duration // how long to stay open
	HalfOpenMaxInFlight int           // how many trial calls in half-open
}

// Guarded is a circuit breaker around a primary Store. While open it fails
// fast with ErrUnavailable so callers can degrade without waiting on a dead
// backend.
type Guarded struct {
	next Store
	cfg  BreakerConfig
	now  func() time.Time

	mu sync.Mutex

	state BreakerState
	fails int

	opensAt time.Time

	// half-open throttling
	halfInFlight int
}

func NewGuarded(next Store, cfg BreakerConfig) *Guarded {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	if cfg.HalfOpenMaxInFlight <= 0 {
		cfg.HalfOpenMaxInFlight = 1
	}
	return &Guarded{
		next:  next,
		cfg:   cfg,
		now:   time.Now,
		state: BreakerClosed,
	}
}

type BreakerStats struct {
	Backend       string       `json:"backend"`
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	OpensAt       time.Time    `json:"opens_at"`
	RetryAfterSec int          `json:"retry_after_seconds"`
	HalfInFlight  int          `json:"half_open_in_flight"`
}

func (g *Guarded) Stats() BreakerStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	retry := 0
	if g.state == BreakerOpen {
		rem := g.cfg.OpenDuration - g.now().Sub(g.opensAt)
		if rem > 0 {
			retry = int((rem + 999*time.Millisecond) / time.Second)
		}
	}
	return BreakerStats{
		Backend:       g.next.Name(),
		State:         g.state,
		Failures:      g.fails,
		OpensAt:       g.opensAt,
		RetryAfterSec: retry,
		HalfInFlight:  g.halfInFlight,
	}
}

func (g *Guarded) allowLocked(now time.Time) bool {
	switch g.state {
	case BreakerOpen:
		if now.Sub(g.opensAt) < g.cfg.OpenDuration {
			return false
		}
		g.state = BreakerHalfOpen
		g.fails = 0
		g.halfInFlight = 0
		return g.allowLocked(now)

	case BreakerHalfOpen:
		if g.halfInFlight >= g.cfg.HalfOpenMaxInFlight {
			return false
		}
		g.halfInFlight++
		return true

	default:
		return true
	}
}

func (g *Guarded) doneLocked(success bool, now time.Time) {
	switch g.state {
	case BreakerClosed:
		if success {
			g.fails = 0
			return
		}
		g.fails++
		if g.fails >= g.cfg.FailureThreshold {
			g.state = BreakerOpen
			g.opensAt = now
		}

	case BreakerHalfOpen:
		if g.halfInFlight > 0 {
			g.halfInFlight--
		}
		if success {
			g.state = BreakerClosed
			g.fails = 0
			return
		}
		g.state = BreakerOpen
		g.opensAt = now
		g.fails = g.cfg.FailureThreshold

	case BreakerOpen:
	}
}

func (g *Guarded) IncrementAndCheck(ctx context.Context, req Request) (int64, error) {
	g.mu.Lock()
	allowed := g.allowLocked(g.now())
	g.mu.Unlock()
	if !allowed {
		return 0, ErrUnavailable
	}

	n, err := g.next.IncrementAndCheck(ctx, req)

	// A caller giving up or sending a bad request says nothing about the
	// backend's health.
	neutral := errors.Is(err, context.Canceled) || errors.Is(err, ErrInvalidRequest)

	g.mu.Lock()
	if neutral {
		if g.state == BreakerHalfOpen && g.halfInFlight > 0 {
			g.halfInFlight--
		}
	} else {
		g.doneLocked(err == nil, g.now())
	}
	g.mu.Unlock()
	return n, err
}

func (g *Guarded) Name() string { return g.next.Name() }

func (g *Guarded) Close() error { return g.next.Close() }
