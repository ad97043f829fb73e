package eventbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ordermesh/backend-core/internal/correlation"
	"github.com/ordermesh/backend-core/internal/metrics"
	"github.com/ordermesh/backend-core/internal/retry"
)

const (
	readBatch = 16
	idleWait  = 50 * time.Millisecond
)

// Handler processes one decoded event. A nil return acknowledges the
// delivery. Handlers must be idempotent: redelivery after a crash or a
// missed acknowledgement is expected.
type Handler func(ctx context.Context, env *Envelope) error

// Delivery is the retry context of one delivery at the point it turned
// terminal. It carries everything a dead letter store needs to persist
// and later replay the event.
type Delivery struct {
	Topic         string
	Partition     int
	Stream        string
	MessageID     string
	EventID       string
	EventType     string
	AggregateID   string
	CorrelationID string
	Raw           []byte
	Attempts      int
	FirstAttempt  time.Time
	LastAttempt   time.Time
}

// DeadLetter terminally parks deliveries whose retry budget is spent.
// Accepting a delivery transfers responsibility: the consumer
// acknowledges the source message only after Send returns nil.
type DeadLetter interface {
	Send(ctx context.Context, d Delivery, cause error) error
}

// GroupOptions configures a ConsumerGroup.
type GroupOptions struct {
	// Group names the consumer group. Each group sees every event of the
	// topics it subscribes to.
	Group string
	// Consumer overrides the host-derived consumer name.
	Consumer string
	// Partitions must match the publisher's partition count.
	Partitions int
	// ReadBlock is how long one read blocks on an empty stream. Zero or
	// negative switches to non-blocking reads with a short idle wait.
	ReadBlock time.Duration
	// ClaimMinIdle is the pending age after which entries abandoned by
	// other consumers are claimed. Zero disables claiming.
	ClaimMinIdle time.Duration
	// Executor runs handler attempts under the retry policy. A nil
	// executor gets a default budget of three attempts.
	Executor *retry.Executor
	// DeadLetter receives terminally failed deliveries. When nil they
	// are logged and dropped.
	DeadLetter DeadLetter
	// Metrics, when set, meters consumption.
	Metrics *metrics.BusMetrics
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// ConsumerGroup consumes topic streams on behalf of one group. Register
// handlers with Handle, then call Run. Within a partition deliveries are
// dispatched serially; partitions proceed in parallel.
type ConsumerGroup struct {
	rdb          redis.UniversalClient
	group        string
	consumer     string
	partitions   int
	readBlock    time.Duration
	claimMinIdle time.Duration
	exec         *retry.Executor
	dlq          DeadLetter
	bus          *metrics.BusMetrics
	clock        clockwork.Clock

	subs map[string]Handler
}

// NewConsumerGroup creates a consumer group on the given Redis client.
func NewConsumerGroup(rdb redis.UniversalClient, opts GroupOptions) *ConsumerGroup {
	if opts.Group == "" {
		opts.Group = "core"
	}
	if opts.Consumer == "" {
		opts.Consumer = opts.Group + "@" + hostname()
	}
	if opts.Partitions <= 0 {
		opts.Partitions = defaultPartitions
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Executor == nil {
		opts.Executor = retry.NewExecutor(retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			JitterFactor:   0.1,
		}, nil, opts.Clock)
	}
	return &ConsumerGroup{
		rdb:          rdb,
		group:        opts.Group,
		consumer:     opts.Consumer,
		partitions:   opts.Partitions,
		readBlock:    opts.ReadBlock,
		claimMinIdle: opts.ClaimMinIdle,
		exec:         opts.Executor,
		dlq:          opts.DeadLetter,
		bus:          opts.Metrics,
		clock:        opts.Clock,
	}
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()[:8]
	}
	return host
}

// Handle registers the handler for a topic. It must be called before Run.
func (g *ConsumerGroup) Handle(topic string, h Handler) {
	if g.subs == nil {
		g.subs = make(map[string]Handler)
	}
	g.subs[topic] = h
}

// Run consumes every subscribed topic until ctx is cancelled. Each
// partition of each topic gets its own worker.
func (g *ConsumerGroup) Run(ctx context.Context) error {
	if len(g.subs) == 0 {
		return errors.New("eventbus: no handlers registered")
	}
	eg, ctx := errgroup.WithContext(ctx)
	for topic, handler := range g.subs {
		topic, handler := topic, handler
		for p := 0; p < g.partitions; p++ {
			p := p
			eg.Go(func() error {
				return g.consumePartition(ctx, topic, handler, p)
			})
		}
	}
	return eg.Wait()
}

func (g *ConsumerGroup) consumePartition(ctx context.Context, topic string, handler Handler, partition int) error {
	stream := streamName(topic, partition)
	if err := g.ensureGroup(ctx, stream); err != nil {
		return err
	}
	g.drainOwnPending(ctx, topic, handler, partition, stream)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		g.claimAbandoned(ctx, topic, handler, partition, stream)

		msgs, err := g.readNew(ctx, stream)
		switch {
		case err == nil:
		case errors.Is(err, redis.Nil):
			if g.readBlock <= 0 {
				g.idle(ctx)
			}
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Ctx(ctx).Warn().Err(err).Str("stream", stream).Msg("stream read failed")
			g.idle(ctx)
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.dispatch(ctx, topic, handler, partition, stream, msg)
		}
	}
}

func (g *ConsumerGroup) ensureGroup(ctx context.Context, stream string) error {
	err := g.rdb.XGroupCreateMkStream(ctx, stream, g.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %w", ErrUnavailable, g.group, stream, err)
	}
	return nil
}

func (g *ConsumerGroup) readNew(ctx context.Context, stream string) ([]redis.XMessage, error) {
	block := g.readBlock
	if block <= 0 {
		block = -1 // non-blocking read
	}
	res, err := g.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: g.consumer,
		Streams:  []string{stream, ">"},
		Count:    readBatch,
		Block:    block,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, redis.Nil
	}
	return res[0].Messages, nil
}

// idle waits out one empty non-blocking poll, returning early when ctx
// is done.
func (g *ConsumerGroup) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-g.clock.After(idleWait):
	}
}

// drainOwnPending redelivers entries this consumer read but never
// acknowledged before a previous shutdown.
func (g *ConsumerGroup) drainOwnPending(ctx context.Context, topic string, handler Handler, partition int, stream string) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := g.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    g.group,
			Consumer: g.consumer,
			Streams:  []string{stream, "0"},
			Count:    readBatch,
			Block:    -1,
		}).Result()
		if err != nil || len(res) == 0 || len(res[0].Messages) == 0 {
			return
		}
		acked := 0
		for _, msg := range res[0].Messages {
			if ctx.Err() != nil {
				return
			}
			if g.dispatch(ctx, topic, handler, partition, stream, msg) {
				acked++
			}
		}
		if acked == 0 {
			// Nothing progressed; leave the rest for the claim cycle.
			return
		}
	}
}

// claimAbandoned takes over entries left pending by consumers that
// stopped acknowledging.
func (g *ConsumerGroup) claimAbandoned(ctx context.Context, topic string, handler Handler, partition int, stream string) {
	if g.claimMinIdle <= 0 {
		return
	}
	msgs, _, err := g.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    g.group,
		Consumer: g.consumer,
		MinIdle:  g.claimMinIdle,
		Start:    "0-0",
		Count:    readBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			log.Ctx(ctx).Debug().Err(err).Str("stream", stream).Msg("autoclaim failed")
		}
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		g.dispatch(ctx, topic, handler, partition, stream, msg)
	}
}

// dispatch runs the handler for one stream entry and settles it. It
// reports whether the entry was acknowledged; unacknowledged entries
// stay pending and are redelivered.
func (g *ConsumerGroup) dispatch(ctx context.Context, topic string, handler Handler, partition int, stream string, msg redis.XMessage) bool {
	start := g.clock.Now()

	raw, _ := msg.Values[fieldEnvelope].(string)
	env, decodeErr := DecodeEnvelope([]byte(raw))
	if decodeErr != nil {
		// Undecodable entries cannot succeed on redelivery.
		d := g.delivery(topic, partition, stream, msg, nil, raw, 1, start)
		return g.finish(ctx, topic, stream, msg, d, decodeErr, start)
	}

	id := correlationFor(msg, env)
	if id == "" {
		id = correlation.NewID()
	}
	dctx := correlation.With(ctx, id)
	logger := log.Ctx(dctx).With().
		Str("topic", topic).
		Str("event_id", env.EventID).
		Str("event_type", env.EventType).
		Logger()
	dctx = logger.WithContext(dctx)

	attempt := 0
	attempts, err := g.exec.Do(dctx, "consume "+topic, func(c context.Context) error {
		attempt++
		if attempt > 1 {
			g.bus.ObserveRetry(topic)
		}
		return handler(c, env)
	})
	if err == nil {
		g.ack(ctx, stream, msg.ID)
		g.bus.ObserveConsume(topic, nil, g.clock.Since(start))
		return true
	}
	if ctx.Err() != nil {
		// Shutting down mid-dispatch: leave the entry pending.
		return false
	}

	d := g.delivery(topic, partition, stream, msg, env, raw, attempts, start)
	return g.finish(ctx, topic, stream, msg, d, err, start)
}

// finish settles a terminally failed delivery: hand it to the dead
// letter sink, then acknowledge. A failed hand-off leaves the entry
// pending so it is redelivered rather than lost.
func (g *ConsumerGroup) finish(ctx context.Context, topic, stream string, msg redis.XMessage, d Delivery, cause error, start time.Time) bool {
	if g.dlq != nil {
		if err := g.dlq.Send(ctx, d, cause); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Str("stream", stream).
				Str("message_id", msg.ID).
				Msg("dead letter hand-off failed, leaving entry pending")
			return false
		}
	} else {
		log.Ctx(ctx).Error().Err(cause).
			Str("stream", stream).
			Str("message_id", msg.ID).
			Msg("delivery failed terminally, dead letter disabled")
	}
	g.ack(ctx, stream, msg.ID)
	g.bus.ObserveConsume(topic, cause, g.clock.Since(start))
	return true
}

func (g *ConsumerGroup) delivery(topic string, partition int, stream string, msg redis.XMessage, env *Envelope, raw string, attempts int, start time.Time) Delivery {
	d := Delivery{
		Topic:        topic,
		Partition:    partition,
		Stream:       stream,
		MessageID:    msg.ID,
		Raw:          []byte(raw),
		Attempts:     attempts,
		FirstAttempt: start,
		LastAttempt:  g.clock.Now(),
	}
	if env != nil {
		d.EventID = env.EventID
		d.EventType = env.EventType
		d.AggregateID = env.AggregateID
		d.CorrelationID = env.CorrelationID
	}
	if d.CorrelationID == "" {
		d.CorrelationID, _ = msg.Values[fieldCorrelation].(string)
	}
	return d
}

func (g *ConsumerGroup) ack(ctx context.Context, stream, id string) {
	if err := g.rdb.XAck(ctx, stream, g.group, id).Err(); err != nil && ctx.Err() == nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("stream", stream).
			Str("message_id", id).
			Msg("ack failed")
	}
}

func correlationFor(msg redis.XMessage, env *Envelope) string {
	if id, ok := msg.Values[fieldCorrelation].(string); ok && id != "" {
		return id
	}
	return env.CorrelationID
}
