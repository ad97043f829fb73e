package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/breaker"
)

// Severity grades a breaker alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

func severityFor(to breaker.State) Severity {
	switch to {
	case breaker.StateOpen:
		return SeverityCritical
	case breaker.StateHalfOpen:
		return SeverityHigh
	default:
		return SeverityLow
	}
}

// Alert describes one breaker state change worth operator attention.
type Alert struct {
	Service  string
	Breaker  string
	Severity Severity
	From     breaker.State
	To       breaker.State
	Previous time.Duration // time spent in the From state
	At       time.Time
}

// Notifier delivers alerts to an external channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert)
}

// LogNotifier writes alerts to the structured log. It is the default
// delivery channel; paging integrations implement Notifier themselves.
type LogNotifier struct{}

// Notify implements Notifier.
func (LogNotifier) Notify(ctx context.Context, alert Alert) {
	log.Ctx(ctx).Warn().
		Str("alert_service", alert.Service).
		Str("breaker", alert.Breaker).
		Str("severity", string(alert.Severity)).
		Str("from", alert.From.String()).
		Str("to", alert.To.String()).
		Dur("previous_state_duration", alert.Previous).
		Time("transition_at", alert.At).
		Msg("circuit breaker state change")
}

// Sweeper batches breaker transitions and turns them into alerts on a
// fixed interval. Register Record as a transition listener, then run
// Run in its own goroutine.
type Sweeper struct {
	service  string
	interval time.Duration
	clock    clockwork.Clock
	notifier Notifier
	alerts   *AlertMetrics

	mu      sync.Mutex
	pending []breaker.Transition
}

// NewSweeper creates a sweeper. A nil notifier falls back to LogNotifier.
func NewSweeper(service string, interval time.Duration, clock clockwork.Clock, notifier Notifier, alerts *AlertMetrics) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		clock:    clock,
		notifier: notifier,
		alerts:   alerts,
	}
}

// Record buffers a transition for the next sweep.
func (s *Sweeper) Record(t breaker.Transition) {
	s.mu.Lock()
	s.pending = append(s.pending, t)
	s.mu.Unlock()
}

// Run sweeps on the configured interval until ctx is cancelled.
// Transitions still pending at shutdown are flushed once.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.Ctx(ctx).Info().
		Dur("interval", s.interval).
		Msg("breaker alert sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.Sweep(context.WithoutCancel(ctx))
			return
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

// Sweep drains buffered transitions and emits one alert per transition.
// It returns the number of alerts emitted.
func (s *Sweeper) Sweep(ctx context.Context) int {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range batch {
		alert := Alert{
			Service:  s.service,
			Breaker:  t.Name,
			Severity: severityFor(t.To),
			From:     t.From,
			To:       t.To,
			Previous: t.Previous,
			At:       t.At,
		}
		s.alerts.Emitted(alert.Severity)
		s.notifier.Notify(ctx, alert)
	}
	return len(batch)
}
