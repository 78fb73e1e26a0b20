// Package admission decides whether a caller may perform an action, using
// the plan schedule and two UTC-aligned counting windows.
//
// A check is terminal after at most two counter increments: the short window
// is always charged first; the long window is charged only if the short one
// admits, unless ChargeLongOnShortReject is set. Usage is charged on attempt
// and never rolled back.
//
// Counter failures degrade to the fallback store for the rest of the check
// and are never returned to the caller. Only internal faults can produce an
// error, and only under FailClosed.
package admission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/3xpluto/quotagate/internal/counter"
	"github.com/3xpluto/quotagate/internal/schedule"
	"github.com/3xpluto/quotagate/internal/window"
)

type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

var (
	// ErrInternal marks faults surfaced to callers; map it to a 5xx, never
	// to a quota rejection.
	ErrInternal = errors.New("admission: internal error")

	ErrInvalidRequest = errors.New("admission: invalid request")
)

const (
	defaultGraceMultiplier = 3
	defaultStoreTimeout    = 250 * time.Millisecond
	degradedWarnInterval   = 10 * time.Second

	// Bound on distinct (plan, action) pairs remembered for the
	// missing-entry warning.
	maxUnscheduledNoted = 1024
)

type Config struct {
	Schedule *schedule.Schedule

	// Primary is the shared counter store. Nil runs on Fallback alone.
	Primary counter.Store
	// Fallback serves checks while Primary is failing. Defaults to a
	// MemoryStore.
	Fallback counter.Store

	ChargeLongOnShortReject bool
	FailurePolicy           FailurePolicy
	// GraceMultiplier times the window length is kept past a slot's end.
	GraceMultiplier int
	// StoreTimeout bounds each Primary call.
	StoreTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
	Clock   func() time.Time
}

type Engine struct {
	schedule *schedule.Schedule
	primary  counter.Store
	fallback counter.Store

	chargeLong   bool
	policy       FailurePolicy
	graceMult    time.Duration
	storeTimeout time.Duration

	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	degradedWarn rate.Sometimes

	unscheduled      sync.Map
	unscheduledCount atomic.Int64
}

func New(cfg Config) (*Engine, error) {
	if cfg.Schedule == nil {
		return nil, errors.New("admission: schedule is required")
	}
	switch cfg.FailurePolicy {
	case "":
		cfg.FailurePolicy = FailOpen
	case FailOpen, FailClosed:
	default:
		return nil, fmt.Errorf("admission: unknown failure policy %q", cfg.FailurePolicy)
	}
	if cfg.Fallback == nil {
		cfg.Fallback = counter.NewMemoryStore()
	}
	if cfg.GraceMultiplier <= 0 {
		cfg.GraceMultiplier = defaultGraceMultiplier
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	e := &Engine{
		schedule:     cfg.Schedule,
		primary:      cfg.Primary,
		fallback:     cfg.Fallback,
		chargeLong:   cfg.ChargeLongOnShortReject,
		policy:       cfg.FailurePolicy,
		graceMult:    time.Duration(cfg.GraceMultiplier),
		storeTimeout: cfg.StoreTimeout,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Clock,
		degradedWarn: rate.Sometimes{Interval: degradedWarnInterval},
	}
	for _, p := range cfg.Schedule.Problems() {
		e.log.Warn("schedule problem; affected action is unlimited", slog.String("problem", p))
	}
	return e, nil
}

func (e *Engine) Schedule() *schedule.Schedule { return e.schedule }

func (e *Engine) Policy() FailurePolicy { return e.policy }

// Check charges the caller's counters for req.Action and returns the
// decision. A quota rejection is a Decision with Allowed=false, not an error.
func (e *Engine) Check(ctx context.Context, req Request) (Decision, error) {
	at := e.now().UTC()
	plan, lim, ok := e.schedule.Lookup(req.Plan, req.Action)

	d := Decision{
		Allowed:   true,
		Remaining: -1,
		Violated:  window.None,
		Plan:      plan,
		Action:    req.Action,
		At:        at,
	}
	if !ok {
		e.noteUnscheduled(plan, req.Action)
		d.Unlimited = true
		e.metrics.decision(plan, req.Action, outcomeUnlimited)
		return d, nil
	}
	if strings.TrimSpace(req.CallerID) == "" {
		return e.fault(d, fmt.Errorf("%w: empty caller id", ErrInvalidRequest))
	}

	d.Short = WindowState{Enforced: lim.Short > 0, Limit: lim.Short}
	d.Long = WindowState{Enforced: lim.Long > 0, Limit: lim.Long}
	ev := &evaluation{engine: e, ctx: ctx, req: req, plan: plan, at: at}

	if d.Short.Enforced {
		n, err := ev.increment(window.Short, lim.Short)
		if err != nil {
			if callerGone(ctx, err) {
				return e.abandon(d, err)
			}
			return e.fault(d, err)
		}
		d.Short.record(n)
	}

	if d.Short.exceeded() {
		if e.chargeLong && d.Long.Enforced {
			if n, err := ev.increment(window.Long, lim.Long); err != nil {
				e.log.Warn("long window charge after short reject failed",
					slog.String("action", req.Action),
					slog.String("error", err.Error()),
				)
			} else {
				d.Long.record(n)
			}
		}
		return e.reject(d, ev, window.Short, outcomeRejectShort), nil
	}

	if d.Long.Enforced {
		n, err := ev.increment(window.Long, lim.Long)
		if err != nil {
			if callerGone(ctx, err) {
				return e.abandon(d, err)
			}
			return e.fault(d, err)
		}
		d.Long.record(n)
	}

	if d.Long.exceeded() {
		return e.reject(d, ev, window.Long, outcomeRejectLong), nil
	}

	d.Degraded = ev.degraded
	d.settleRemaining()
	e.metrics.decision(plan, req.Action, outcomeAllow)
	return d, nil
}

func (e *Engine) reject(d Decision, ev *evaluation, k window.Kind, outcome string) Decision {
	d.Allowed = false
	d.Violated = k
	d.Degraded = ev.degraded
	d.settleRemaining()
	e.metrics.decision(d.Plan, d.Action, outcome)
	return d
}

// callerGone reports whether err is the caller's own cancellation rather
// than a store fault.
func callerGone(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}

// abandon ends a check whose caller went away. Nothing is recorded as a
// fault and the failure policy does not apply.
func (e *Engine) abandon(d Decision, err error) (Decision, error) {
	e.log.Debug("admission check abandoned by caller",
		slog.String("plan", d.Plan),
		slog.String("action", d.Action),
	)
	return Decision{}, err
}

// fault applies the failure policy to an internal error.
func (e *Engine) fault(d Decision, err error) (Decision, error) {
	e.metrics.decision(d.Plan, d.Action, outcomeError)
	e.log.Error("admission check failed",
		slog.String("plan", d.Plan),
		slog.String("action", d.Action),
		slog.String("policy", string(e.policy)),
		slog.String("error", err.Error()),
	)
	if e.policy == FailClosed {
		return Decision{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	d.Allowed = true
	d.Degraded = true
	d.Violated = window.None
	d.settleRemaining()
	return d, nil
}

func (e *Engine) noteUnscheduled(plan, action string) {
	if e.unscheduledCount.Load() >= maxUnscheduledNoted {
		return
	}
	if _, loaded := e.unscheduled.LoadOrStore(plan+"\x00"+action, struct{}{}); loaded {
		return
	}
	e.unscheduledCount.Add(1)
	e.log.Warn("no schedule entry; action is unlimited for plan",
		slog.String("plan", plan),
		slog.String("action", action),
	)
}

func (e *Engine) grace(k window.Kind) time.Duration {
	return e.graceMult * k.Length()
}

// evaluation carries the per-check store choice. Once the primary fails,
// every later increment in the same check goes to the fallback, so no
// bucket key is split across stores within one check.
type evaluation struct {
	engine   *Engine
	ctx      context.Context
	req      Request
	plan     string
	at       time.Time
	degraded bool
}

func (ev *evaluation) increment(k window.Kind, limit int64) (int64, error) {
	e := ev.engine
	slot := window.Derive(ev.at, k)
	key, err := window.NewKey(ev.req.CallerID, ev.req.Action, k, slot)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	creq := counter.Request{
		Key:     key,
		Plan:    ev.plan,
		Limit:   limit,
		SlotEnd: slot.End,
		Grace:   e.grace(k),
		At:      ev.at,
	}

	if e.primary != nil && !ev.degraded {
		n, err := e.incrementPrimary(ev.ctx, creq)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, context.Canceled) && ev.ctx.Err() != nil {
			return 0, err
		}
		ev.degraded = true
		e.metrics.fallback(e.primary.Name())
		e.degradedWarn.Do(func() {
			e.log.Warn("counter store unavailable; using in-process fallback",
				slog.String("backend", e.primary.Name()),
				slog.String("error", err.Error()),
			)
		})
	}

	n, err := e.fallback.IncrementAndCheck(ev.ctx, creq)
	if err != nil {
		return 0, fmt.Errorf("fallback store: %w", err)
	}
	return n, nil
}

func (e *Engine) incrementPrimary(ctx context.Context, req counter.Request) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	start := time.Now()
	n, err := e.primary.IncrementAndCheck(ctx, req)
	e.metrics.storeLatency(e.primary.Name(), time.Since(start))
	return n, err
}
