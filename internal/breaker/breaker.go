// Package breaker implements a three-state circuit breaker with a
// count-based sliding window, a failure-rate trip condition and a
// bounded half-open probe budget. State transitions are surfaced as
// events so the observability layer can meter and alert on them.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrCircuitOpen is returned when a call is rejected because the breaker
// is open, or because the half-open probe budget is exhausted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker lifecycle state.
type State int32

const (
	// StateClosed admits all calls and records outcomes in the window.
	StateClosed State = iota
	// StateOpen rejects all calls until the open duration elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition describes one state change of a named breaker.
type Transition struct {
	Name     string
	From     State
	To       State
	At       time.Time
	Previous time.Duration // time spent in the From state
}

// Counts is a snapshot of the sliding window.
type Counts struct {
	Successes int64
	Failures  int64
}

// Total returns the number of occupied window slots.
func (c Counts) Total() int64 { return c.Successes + c.Failures }

// FailureRate returns failures/total, or 0 when the window is empty.
func (c Counts) FailureRate() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	return float64(c.Failures) / float64(total)
}

// Config configures a breaker.
type Config struct {
	// Name identifies the breaker in events and metrics.
	Name string
	// FailureRateThreshold in (0.0, 1.0]; the closed window trips to open
	// once failures/total reaches it.
	FailureRateThreshold float64
	// MinimumCalls observations are required before the rate is evaluated.
	MinimumCalls int
	// WindowSize is the number of most recent outcomes retained.
	WindowSize int
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenProbeBudget is the number of probe calls admitted per
	// half-open generation; all must succeed to close.
	HalfOpenProbeBudget int
	// IsFailure classifies an error as a breaker failure. The default
	// counts every non-nil error except context cancellation.
	IsFailure func(error) bool
	// OnTransition is invoked synchronously on every state change.
	OnTransition func(Transition)
	// OnExecute is invoked after every admitted call with its outcome
	// and the state that admitted it.
	OnExecute func(success bool, state State)
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = 0.5
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenProbeBudget <= 0 {
		c.HalfOpenProbeBudget = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

const (
	slotEmpty uint32 = iota
	slotSuccess
	slotFailure
)

// Breaker is a three-state circuit breaker. The recording path uses
// atomic updates over a ring of outcome slots; transitions are guarded
// by a mutex. Calls admitted under an old generation do not corrupt the
// window after a transition.
type Breaker struct {
	cfg   Config
	clock clockwork.Clock

	state        atomic.Int32
	generation   atomic.Uint64
	stateEntered atomic.Int64 // unix nanos
	openedAt     atomic.Int64 // unix nanos

	pos       atomic.Uint64
	ring      []atomic.Uint32
	successes atomic.Int64
	failures  atomic.Int64

	probes         atomic.Int32
	probeSuccesses atomic.Int32

	mu sync.Mutex // guards transitions
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		cfg:   cfg,
		clock: cfg.Clock,
		ring:  make([]atomic.Uint32, cfg.WindowSize),
	}
	b.stateEntered.Store(b.clock.Now().UnixNano())
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state.
func (b *Breaker) State() State { return State(b.state.Load()) }

// StateEntered returns the instant the current state was entered.
func (b *Breaker) StateEntered() time.Time {
	return time.Unix(0, b.stateEntered.Load())
}

// Counts returns a snapshot of the window aggregates.
func (b *Breaker) Counts() Counts {
	return Counts{Successes: b.successes.Load(), Failures: b.failures.Load()}
}

// Execute runs fn if the breaker admits the call and records the outcome.
// Rejected calls fail fast with ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	done, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	done(err)
	return err
}

// Allow asks the breaker to admit one call. On admission it returns a
// completion callback that MUST be invoked with the call's error (nil
// on success). On rejection it returns ErrCircuitOpen.
func (b *Breaker) Allow() (func(error), error) {
	for {
		switch b.State() {
		case StateClosed:
			gen := b.generation.Load()
			return func(err error) { b.afterClosed(gen, err) }, nil

		case StateOpen:
			openedAt := time.Unix(0, b.openedAt.Load())
			if b.clock.Now().Sub(openedAt) < b.cfg.OpenDuration {
				return nil, ErrCircuitOpen
			}
			// Open duration elapsed; race to half-open and re-evaluate.
			b.transition(StateOpen, StateHalfOpen)

		case StateHalfOpen:
			if n := b.probes.Add(1); int(n) > b.cfg.HalfOpenProbeBudget {
				b.probes.Add(-1)
				return nil, ErrCircuitOpen
			}
			gen := b.generation.Load()
			return func(err error) { b.afterHalfOpen(gen, err) }, nil
		}
	}
}

func (b *Breaker) afterClosed(gen uint64, err error) {
	failure := b.cfg.IsFailure(err)
	b.onExecute(!failure, StateClosed)

	if b.generation.Load() != gen {
		return // outcome belongs to a window that was since reset
	}

	i := (b.pos.Add(1) - 1) % uint64(len(b.ring))
	newVal := slotSuccess
	if failure {
		newVal = slotFailure
	}
	old := b.ring[i].Swap(newVal)

	switch old {
	case slotSuccess:
		b.successes.Add(-1)
	case slotFailure:
		b.failures.Add(-1)
	}
	if failure {
		b.failures.Add(1)
	} else {
		b.successes.Add(1)
	}

	if failure {
		b.maybeTrip()
	}
}

func (b *Breaker) maybeTrip() {
	counts := b.Counts()
	if counts.Total() < int64(b.cfg.MinimumCalls) {
		return
	}
	if counts.FailureRate() >= b.cfg.FailureRateThreshold {
		b.transition(StateClosed, StateOpen)
	}
}

func (b *Breaker) afterHalfOpen(gen uint64, err error) {
	failure := b.cfg.IsFailure(err)
	b.onExecute(!failure, StateHalfOpen)

	if b.generation.Load() != gen {
		return
	}

	if failure {
		// A failed probe reopens the breaker and restarts the timer.
		b.transition(StateHalfOpen, StateOpen)
		return
	}
	if int(b.probeSuccesses.Add(1)) >= b.cfg.HalfOpenProbeBudget {
		// Every probe in the budget succeeded.
		b.transition(StateHalfOpen, StateClosed)
	}
}

// transition moves the breaker from one state to another if it is still
// in the expected state. Returns true when the transition happened.
func (b *Breaker) transition(from, to State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if State(b.state.Load()) != from {
		return false
	}

	now := b.clock.Now()
	previous := now.Sub(time.Unix(0, b.stateEntered.Load()))

	b.state.Store(int32(to))
	b.stateEntered.Store(now.UnixNano())
	b.generation.Add(1)

	switch to {
	case StateClosed:
		b.resetWindow()
	case StateOpen:
		b.openedAt.Store(now.UnixNano())
	case StateHalfOpen:
		b.probes.Store(0)
		b.probeSuccesses.Store(0)
	}

	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(Transition{
			Name:     b.cfg.Name,
			From:     from,
			To:       to,
			At:       now,
			Previous: previous,
		})
	}
	return true
}

func (b *Breaker) resetWindow() {
	for i := range b.ring {
		b.ring[i].Store(slotEmpty)
	}
	b.pos.Store(0)
	b.successes.Store(0)
	b.failures.Store(0)
}

func (b *Breaker) onExecute(success bool, state State) {
	if b.cfg.OnExecute != nil {
		b.cfg.OnExecute(success, state)
	}
}
