// Package eventbus is a partitioned at-least-once event pipeline backed
// by Redis streams. A topic is a set of streams, one per partition;
// events with the same aggregate id always land on the same partition,
// so consumers see them in publish order. Consumer groups dispatch with
// a bounded retry budget and hand exhausted deliveries to a dead letter
// sink before acknowledging.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/breaker"
	"github.com/ordermesh/backend-core/internal/correlation"
	"github.com/ordermesh/backend-core/internal/metrics"
)

// Stream record field names.
const (
	fieldEnvelope    = "envelope"
	fieldEventType   = "eventType"
	fieldKey         = "key"
	fieldCorrelation = "correlationId"
)

const (
	defaultPartitions = 8

	// Keyless publishes stay on one partition for stickyBatch events
	// before rotating, so bursts keep locality without hot-spotting.
	stickyBatch = 16
)

func streamName(topic string, partition int) string {
	return topic + ":p" + strconv.Itoa(partition)
}

// BusOptions configures a Bus.
type BusOptions struct {
	// Source names the publishing service; stamped on envelopes that do
	// not carry one.
	Source string
	// Partitions is the number of streams per topic. Publishers and
	// consumers of a topic must agree on it.
	Partitions int
	// Breaker, when set, guards broker writes.
	Breaker *breaker.Breaker
	// Metrics, when set, meters publishes.
	Metrics *metrics.BusMetrics
}

// Bus publishes envelopes to topic streams.
type Bus struct {
	rdb        redis.UniversalClient
	source     string
	partitions int
	brk        *breaker.Breaker
	bus        *metrics.BusMetrics

	sticky atomic.Uint64
}

// NewBus creates a publisher on the given Redis client.
func NewBus(rdb redis.UniversalClient, opts BusOptions) *Bus {
	if opts.Partitions <= 0 {
		opts.Partitions = defaultPartitions
	}
	return &Bus{
		rdb:        rdb,
		source:     opts.Source,
		partitions: opts.Partitions,
		brk:        opts.Breaker,
		bus:        opts.Metrics,
	}
}

// Partitions returns the per-topic partition count.
func (b *Bus) Partitions() int { return b.partitions }

// Publish writes the envelope to the topic partition derived from its
// aggregate id. Missing envelope fields are stamped: event id,
// occurred-at, source, and the correlation id from ctx. The envelope is
// durable on the broker when Publish returns nil.
func (b *Bus) Publish(ctx context.Context, topic string, env *Envelope) error {
	return b.PublishWithHeaders(ctx, topic, env, nil)
}

// PublishWithHeaders is Publish with extra record fields attached
// alongside the envelope, readable without decoding it. Headers
// colliding with reserved field names are dropped.
func (b *Bus) PublishWithHeaders(ctx context.Context, topic string, env *Envelope, headers map[string]string) error {
	if env == nil || env.EventType == "" {
		return fmt.Errorf("%w: missing eventType", ErrMalformedEnvelope)
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = b.source
	}
	if env.CorrelationID == "" {
		if id := correlation.FromContext(ctx); id != "" {
			env.CorrelationID = id
		} else {
			env.CorrelationID = correlation.NewID()
		}
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.EventID, err)
	}

	partition := b.partitionFor(env.AggregateID)
	stream := streamName(topic, partition)

	values := map[string]any{
		fieldEnvelope:    string(data),
		fieldEventType:   env.EventType,
		fieldCorrelation: env.CorrelationID,
	}
	if env.AggregateID != "" {
		values[fieldKey] = env.AggregateID
	}
	for k, v := range headers {
		switch k {
		case fieldEnvelope, fieldEventType, fieldKey, fieldCorrelation:
			continue
		}
		values[k] = v
	}

	err = b.execute(ctx, func(ctx context.Context) error {
		return b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
	})
	b.bus.ObservePublish(topic, err)
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("%w: publish %s to %s: %w", ErrUnavailable, env.EventType, stream, err)
	}

	log.Ctx(ctx).Debug().
		Str("topic", topic).
		Str("stream", stream).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Msg("event published")
	return nil
}

func (b *Bus) execute(ctx context.Context, fn func(context.Context) error) error {
	if b.brk == nil {
		return fn(ctx)
	}
	return b.brk.Execute(ctx, fn)
}

func (b *Bus) partitionFor(key string) int {
	if key == "" {
		n := b.sticky.Add(1) - 1
		return int(n/stickyBatch) % b.partitions
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}
