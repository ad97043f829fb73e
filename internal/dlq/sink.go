package dlq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/eventbus"
	"github.com/ordermesh/backend-core/internal/metrics"
)

// Publisher is the slice of the event bus the sink needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *eventbus.Envelope) error
	PublishWithHeaders(ctx context.Context, topic string, env *eventbus.Envelope, headers map[string]string) error
}

// SinkOptions configures a Sink.
type SinkOptions struct {
	// TopicSuffix names the mirror topic: source topic plus suffix.
	// Empty disables mirror publishes; the durable store still gets
	// every entry.
	TopicSuffix string
	// Metrics, when set, meters dead letter traffic.
	Metrics *metrics.DLQMetrics
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// Sink parks terminally failed deliveries. The durable store is the
// source of truth; the mirror topic publish is best effort so a broker
// outage cannot wedge consumers that are trying to shed poison messages.
type Sink struct {
	store   Store
	pub     Publisher
	suffix  string
	metrics *metrics.DLQMetrics
	clock   clockwork.Clock
}

// NewSink creates a sink writing to store and mirroring via pub. A nil
// pub disables mirror publishes.
func NewSink(store Store, pub Publisher, opts SinkOptions) *Sink {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Sink{
		store:   store,
		pub:     pub,
		suffix:  opts.TopicSuffix,
		metrics: opts.Metrics,
		clock:   opts.Clock,
	}
}

// Send implements eventbus.DeadLetter. A nil return means the entry is
// durably parked and the source message may be acknowledged.
func (s *Sink) Send(ctx context.Context, d eventbus.Delivery, cause error) error {
	now := s.clock.Now().UTC()
	entry := &Entry{
		ID:            uuid.NewString(),
		Topic:         d.Topic,
		Partition:     d.Partition,
		EventID:       d.EventID,
		EventType:     d.EventType,
		AggregateID:   d.AggregateID,
		CorrelationID: d.CorrelationID,
		Payload:       d.Raw,
		ErrorType:     errorType(cause),
		ErrorMessage:  cause.Error(),
		Attempts:      d.Attempts,
		FirstAttempt:  d.FirstAttempt.UTC(),
		LastAttempt:   d.LastAttempt.UTC(),
		Status:        StatusOpen,
		CreatedAt:     now,
	}
	if err := s.store.Append(ctx, entry); err != nil {
		return fmt.Errorf("park delivery %s: %w", d.MessageID, err)
	}
	s.metrics.Entry(d.Topic)

	log.Ctx(ctx).Warn().
		Str("entry_id", entry.ID).
		Str("topic", d.Topic).
		Str("event_id", d.EventID).
		Str("event_type", d.EventType).
		Int("attempts", d.Attempts).
		Str("error_type", entry.ErrorType).
		Msg("delivery dead lettered")

	s.mirror(ctx, entry, cause)
	return nil
}

// mirror republishes the entry on the dead letter topic so downstream
// tooling can tail failures live.
func (s *Sink) mirror(ctx context.Context, entry *Entry, cause error) {
	if s.pub == nil || s.suffix == "" {
		return
	}
	env, err := eventbus.DecodeEnvelope(entry.Payload)
	if err != nil {
		// Undecodable payloads stay store-only.
		return
	}
	headers := map[string]string{
		HeaderReason:        cause.Error(),
		HeaderAttempts:      strconv.Itoa(entry.Attempts),
		HeaderFirstAttempt:  entry.FirstAttempt.Format(time.RFC3339Nano),
		HeaderLastErrorType: entry.ErrorType,
	}
	if err := s.pub.PublishWithHeaders(ctx, entry.Topic+s.suffix, env, headers); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("entry_id", entry.ID).
			Str("topic", entry.Topic+s.suffix).
			Msg("dead letter mirror publish failed")
	}
}

// Reprocess republishes the entry's payload on its original topic. A
// successful republish resolves the entry; failures are recorded and
// leave it open for another try.
func (s *Sink) Reprocess(ctx context.Context, id string) (*Entry, error) {
	if s.pub == nil {
		return nil, errors.New("dlq: no publisher configured")
	}
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	env, decodeErr := eventbus.DecodeEnvelope(entry.Payload)
	if decodeErr != nil {
		if err := s.store.RecordReprocess(ctx, id, false, s.clock.Now().UTC()); err != nil {
			log.Ctx(ctx).Error().Err(err).Str("entry_id", id).Msg("record reprocess failed")
		}
		s.metrics.Reprocessed(entry.Topic, decodeErr)
		return nil, fmt.Errorf("reprocess %s: %w", id, decodeErr)
	}

	pubErr := s.pub.Publish(ctx, entry.Topic, env)
	if err := s.store.RecordReprocess(ctx, id, pubErr == nil, s.clock.Now().UTC()); err != nil {
		log.Ctx(ctx).Error().Err(err).Str("entry_id", id).Msg("record reprocess failed")
	}
	s.metrics.Reprocessed(entry.Topic, pubErr)
	if pubErr != nil {
		return nil, fmt.Errorf("reprocess %s: %w", id, pubErr)
	}

	log.Ctx(ctx).Info().
		Str("entry_id", id).
		Str("topic", entry.Topic).
		Str("event_id", entry.EventID).
		Msg("dead letter reprocessed")
	return s.store.Get(ctx, id)
}

// Get returns one entry.
func (s *Sink) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open entries, oldest first, starting after the cursor.
func (s *Sink) ListOpen(ctx context.Context, after Cursor, limit int) ([]*Entry, error) {
	return s.store.ListOpen(ctx, after, limit)
}

// statsArrivalWindow is the lookback for the arrival rate.
const statsArrivalWindow = time.Hour

// Stats summarises the queue. The arrival rate covers the last hour.
func (s *Sink) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx, s.clock.Now().UTC().Add(-statsArrivalWindow))
	if err != nil {
		return st, err
	}
	st.ArrivalRatePerMinute = float64(st.RecentArrivals) / statsArrivalWindow.Minutes()
	return st, nil
}
