package breaker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"flashpipe/internal/errs"
	"flashpipe/internal/telemetry"
)

// State is one of the four breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
	StateIsolated
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	case StateIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// BreakDurationFunc maps consecutive failures to a break duration. Linear
// and Exponential clamp their result to [min, max]; Fixed and Piecewise
// apply no bounds of their own.
type BreakDurationFunc func(consecutiveFailures int) time.Duration

// Fixed always returns d.
func Fixed(d time.Duration) BreakDurationFunc {
	return func(int) time.Duration { return d }
}

// Linear returns base * consecutiveFailures, bounded to [min, max].
func Linear(base, min, max time.Duration) BreakDurationFunc {
	return func(n int) time.Duration {
		d := base * time.Duration(n)
		return clamp(d, min, max)
	}
}

// Exponential returns base * 1.5^(n-2), bounded to [min, max], the default
// backoff shape for repeated breaker trips: a trip on two consecutive
// failures breaks for base, and each further failed probe multiplies the
// break by 1.5. Counts below 2 are treated as 2.
func Exponential(base, min, max time.Duration) BreakDurationFunc {
	return func(n int) time.Duration {
		if n < 2 {
			n = 2
		}
		factor := math.Pow(1.5, float64(n-2))
		d := time.Duration(float64(base) * factor)
		return clamp(d, min, max)
	}
}

// Piecewise switches slope at the given failure-count thresholds: for
// consecutiveFailures <= thresholds[i], it uses fns[i]; beyond the last
// threshold it uses the final function. len(fns) must equal len(thresholds)+1.
func Piecewise(thresholds []int, fns []BreakDurationFunc) BreakDurationFunc {
	return func(n int) time.Duration {
		for i, t := range thresholds {
			if n <= t {
				return fns[i](n)
			}
		}
		return fns[len(fns)-1](n)
	}
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// Config configures a Breaker.
type Config struct {
	FailureThreshold float64 // fraction of calls in window that must fail to open
	MinThroughput    int     // calls required in window before evaluating threshold
	SamplingDuration time.Duration
	BreakDuration    BreakDurationFunc
	TimelineCapacity int // default 64
}

func (c Config) withDefaults() Config {
	if c.SamplingDuration <= 0 {
		c.SamplingDuration = 30 * time.Second
	}
	if c.BreakDuration == nil {
		c.BreakDuration = Exponential(time.Second, time.Second, 2*time.Minute)
	}
	if c.TimelineCapacity <= 0 {
		c.TimelineCapacity = 64
	}
	return c
}

// OpenError is returned by Call when the breaker refuses the call outright.
type OpenError struct {
	RecoverAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open; recovers at %s", e.RecoverAt.Format(time.RFC3339))
}

// RetryAfter lets callers that explicitly opt CircuitOpen into their retry
// predicate use the scheduled recovery time as the retry coordinator's
// lower-bound sleep, instead of tight-looping against an open breaker.
func (e *OpenError) RetryAfter() time.Duration {
	d := time.Until(e.RecoverAt)
	if d < 0 {
		return 0
	}
	return d
}

// Breaker is the closed/open/half_open/isolated state machine.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	stateEnteredAt      time.Time
	consecutiveFailures int
	consecutiveSuccess  int
	window              *slidingWindow
	timeline            *timeline
	errorsByType        map[string]int
	probeInFlight       bool

	sink *errs.Collector
	tel  *telemetry.Registry
}

// New constructs a Breaker in the closed state. tel may be nil, in which
// case state/transition metrics are skipped.
func New(cfg Config, sink *errs.Collector, tel *telemetry.Registry) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		cfg:            cfg,
		state:          StateClosed,
		stateEnteredAt: time.Now(),
		window:         newSlidingWindow(cfg.SamplingDuration),
		timeline:       newTimeline(cfg.TimelineCapacity),
		errorsByType:   map[string]int{},
		sink:           sink,
		tel:            tel,
	}
	if tel != nil {
		tel.SetBreakerState(int(StateClosed))
	}
	return b
}

// Call executes operation iff the current state permits it.
func (b *Breaker) Call(ctx context.Context, operation func(context.Context) error) error {
	allowed, isProbe, recoverAt := b.admit()
	if !allowed {
		return &OpenError{RecoverAt: recoverAt}
	}
	if isProbe && b.tel != nil {
		b.tel.ObserveBreakerProbe()
	}

	err := operation(ctx)

	b.complete(err, isProbe)
	return err
}

// admit decides whether a call may proceed, and whether it is the single
// half-open probe. It transitions open -> half_open automatically once
// breakDuration has elapsed.
func (b *Breaker) admit() (allowed, isProbe bool, recoverAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	switch b.state {
	case StateClosed:
		return true, false, time.Time{}
	case StateIsolated:
		return false, false, time.Time{}
	case StateOpen:
		recoverAt = b.stateEnteredAt.Add(b.cfg.BreakDuration(b.consecutiveFailures))
		if now.Before(recoverAt) {
			return false, false, recoverAt
		}
		b.transition(StateHalfOpen, "break duration elapsed", now)
		fallthrough
	case StateHalfOpen:
		if b.probeInFlight {
			return false, false, b.stateEnteredAt.Add(b.cfg.BreakDuration(b.consecutiveFailures))
		}
		b.probeInFlight = true
		return true, true, time.Time{}
	}
	return false, false, time.Time{}
}

// complete records the outcome of a call and applies state transitions.
func (b *Breaker) complete(err error, wasProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()

	success := err == nil
	b.window.record(success, now)

	if wasProbe {
		b.probeInFlight = false
	}

	if success {
		b.consecutiveFailures = 0
		b.consecutiveSuccess++
	} else {
		b.consecutiveSuccess = 0
		b.consecutiveFailures++
		if rec, ok := errorTypeOf(err); ok {
			b.errorsByType[rec]++
		}
	}

	switch b.state {
	case StateClosed:
		total, _, failed := b.window.counts(now)
		if total >= b.cfg.MinThroughput && float64(failed)/float64(total) >= b.cfg.FailureThreshold {
			b.transition(StateOpen, "failure threshold exceeded", now)
		}
	case StateHalfOpen:
		if success {
			b.transition(StateClosed, "probe succeeded", now)
			b.window.reset()
		} else {
			b.transition(StateOpen, "probe failed", now)
		}
	}
}

func errorTypeOf(err error) (string, bool) {
	var rec *errs.Record
	if err == nil {
		return "", false
	}
	if r, ok := err.(*errs.Record); ok {
		rec = r
	} else {
		return fmt.Sprintf("%T", err), true
	}
	return string(rec.Category), true
}

// transition must be called with mu held.
func (b *Breaker) transition(to State, reason string, now time.Time) {
	from := b.state
	b.state = to
	b.stateEnteredAt = now
	b.timeline.record(Transition{From: from, To: to, Timestamp: now, Reason: reason})
	if b.sink != nil {
		b.sink.Collect(errs.New(errs.CategoryDegraded, "breaker.transition", "%s -> %s: %s", from, to, reason).WithSeverity(errs.SeverityLow))
	}
	if b.tel != nil {
		b.tel.SetBreakerState(int(to))
		b.tel.ObserveBreakerTransition(to.String())
	}
}

// Isolate manually forces the breaker into the isolated state regardless of
// thresholds; every call is refused until ManualReset.
func (b *Breaker) Isolate(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateIsolated, reason, time.Now())
}

// ManualReset manually returns the breaker to closed, bypassing thresholds.
func (b *Breaker) ManualReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed, "manual reset", time.Now())
	b.window.reset()
	b.consecutiveFailures = 0
	b.consecutiveSuccess = 0
}

// Stats is the observable snapshot of breaker state.
type Stats struct {
	State               State
	StateEnteredAt      time.Time
	TotalCalls          int
	SuccessCalls        int
	FailedCalls         int
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	ErrorsByType        map[string]int
	Timeline            []Transition
}

// Snapshot returns the current observable state.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	total, success, failed := b.window.counts(now)
	errByType := make(map[string]int, len(b.errorsByType))
	for k, v := range b.errorsByType {
		errByType[k] = v
	}
	return Stats{
		State:               b.state,
		StateEnteredAt:      b.stateEnteredAt,
		TotalCalls:          total,
		SuccessCalls:        success,
		FailedCalls:         failed,
		ConsecutiveFailures: b.consecutiveFailures,
		ConsecutiveSuccess:  b.consecutiveSuccess,
		ErrorsByType:        errByType,
		Timeline:            b.timeline.snapshot(),
	}
}
