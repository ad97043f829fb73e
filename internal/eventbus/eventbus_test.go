package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ordermesh/backend-core/internal/breaker"
	"github.com/ordermesh/backend-core/internal/correlation"
	"github.com/ordermesh/backend-core/internal/retry"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func fastExecutor(maxAttempts int) *retry.Executor {
	return retry.NewExecutor(retry.Policy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2.0,
		JitterFactor:   0,
	}, nil, nil)
}

// startGroup runs g until the test ends.
func startGroup(t *testing.T, g *ConsumerGroup) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("consumer group did not stop")
		}
	})
}

type captureSink struct {
	mu   sync.Mutex
	sent []Delivery
	errs []error
	fail error
	ch   chan Delivery
}

func (s *captureSink) Send(_ context.Context, d Delivery, cause error) error {
	s.mu.Lock()
	if s.fail != nil {
		s.mu.Unlock()
		return s.fail
	}
	s.sent = append(s.sent, d)
	s.errs = append(s.errs, cause)
	s.mu.Unlock()
	if s.ch != nil {
		s.ch <- d
	}
	return nil
}

func waitPendingEmpty(t *testing.T, rdb *redis.Client, stream, group string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p, err := rdb.XPending(context.Background(), stream, group).Result()
		if err == nil && p.Count == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("entries still pending on %s", stream)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("user.updated", "user-42", map[string]string{"email": "a@b.c"})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	if env.EventID == "" || env.OccurredAt.IsZero() {
		t.Fatal("NewEnvelope() must stamp event id and occurred-at")
	}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if got.EventID != env.EventID || got.EventType != env.EventType || got.AggregateID != env.AggregateID {
		t.Fatalf("DecodeEnvelope() = %+v, want %+v", got, env)
	}

	var payload map[string]string
	if err := got.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if payload["email"] != "a@b.c" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("{not json")); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("DecodeEnvelope() error = %v, want ErrMalformedEnvelope", err)
	}
	if _, err := DecodeEnvelope([]byte(`{"eventId":"x"}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("DecodeEnvelope() without eventType error = %v, want ErrMalformedEnvelope", err)
	}
}

func TestPublishStampsEnvelope(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Source: "auth-service", Partitions: 1})

	ctx := correlation.With(context.Background(), "corr-123")
	env := &Envelope{EventType: "user.created", AggregateID: "user-1"}
	if err := bus.Publish(ctx, "users", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if env.EventID == "" || env.Source != "auth-service" || env.CorrelationID != "corr-123" {
		t.Fatalf("envelope not stamped: %+v", env)
	}

	msgs, err := client.XRange(context.Background(), "users:p0", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream has %d entries, want 1", len(msgs))
	}
	if got := msgs[0].Values[fieldCorrelation]; got != "corr-123" {
		t.Fatalf("correlation field = %v, want corr-123", got)
	}
	decoded, err := DecodeEnvelope([]byte(msgs[0].Values[fieldEnvelope].(string)))
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if decoded.EventID != env.EventID {
		t.Fatalf("wire event id = %s, want %s", decoded.EventID, env.EventID)
	}
}

func TestPublishRejectsMissingEventType(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	err := bus.Publish(context.Background(), "users", &Envelope{})
	if !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("Publish() error = %v, want ErrMalformedEnvelope", err)
	}
}

func TestPublishSameKeySamePartition(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 4})

	for i := 0; i < 3; i++ {
		env := &Envelope{EventType: "user.updated", AggregateID: "user-42"}
		if err := bus.Publish(context.Background(), "users", env); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	occupied := 0
	for p := 0; p < 4; p++ {
		n, err := client.XLen(context.Background(), streamName("users", p)).Result()
		if err != nil {
			t.Fatalf("XLen() error = %v", err)
		}
		if n > 0 {
			occupied++
			if n != 3 {
				t.Fatalf("partition %d has %d entries, want 3", p, n)
			}
		}
	}
	if occupied != 1 {
		t.Fatalf("events for one key spread over %d partitions, want 1", occupied)
	}
}

func TestPartitionForEmptyKeyRotatesInBatches(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 4})

	first := bus.partitionFor("")
	for i := 1; i < stickyBatch; i++ {
		if got := bus.partitionFor(""); got != first {
			t.Fatalf("call %d moved to partition %d before the batch ended", i, got)
		}
	}
	if got := bus.partitionFor(""); got == first {
		t.Fatal("partition did not rotate after the sticky batch")
	}
}

func TestPublishBrokerDownReturnsUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})
	mr.Close()

	err := bus.Publish(context.Background(), "users", &Envelope{EventType: "user.created"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Publish() error = %v, want ErrUnavailable", err)
	}
}

func TestPublishThroughOpenBreakerFailsFast(t *testing.T) {
	mr, client := newTestRedis(t)
	brk := breaker.New(breaker.Config{
		Name:                 "eventbus-publish",
		FailureRateThreshold: 0.5,
		MinimumCalls:         1,
		WindowSize:           1,
		OpenDuration:         time.Hour,
	})
	bus := NewBus(client, BusOptions{Partitions: 1, Breaker: brk})
	mr.Close()

	if err := bus.Publish(context.Background(), "users", &Envelope{EventType: "a"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("first Publish() error = %v, want ErrUnavailable", err)
	}
	err := bus.Publish(context.Background(), "users", &Envelope{EventType: "a"})
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("second Publish() error = %v, want ErrCircuitOpen", err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("breaker rejection must also be ErrUnavailable, got %v", err)
	}
}

func TestConsumerDispatchesAndAcks(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	got := make(chan *Envelope, 1)
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Partitions: 1,
		Executor:   fastExecutor(3),
	})
	group.Handle("users", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	startGroup(t, group)

	env := &Envelope{EventType: "user.created", AggregateID: "user-7"}
	if err := bus.Publish(context.Background(), "users", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case received := <-got:
		if received.EventID != env.EventID {
			t.Fatalf("handler got event %s, want %s", received.EventID, env.EventID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}
	waitPendingEmpty(t, client, "users:p0", "core")
}

func TestConsumerPreservesPerKeyOrder(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 2})

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Partitions: 2,
		Executor:   fastExecutor(1),
	})
	group.Handle("users", func(_ context.Context, env *Envelope) error {
		var seq int
		if err := env.DecodePayload(&seq); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, seq)
		if len(seen) == 5 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	startGroup(t, group)

	for i := 0; i < 5; i++ {
		env, err := NewEnvelope("user.updated", "user-42", i)
		if err != nil {
			t.Fatalf("NewEnvelope() error = %v", err)
		}
		if err := bus.Publish(context.Background(), "users", env); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seen {
		if seq != i {
			t.Fatalf("deliveries out of order: %v", seen)
		}
	}
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	sink := &captureSink{ch: make(chan Delivery, 1)}
	calls := 0
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Partitions: 1,
		Executor:   fastExecutor(2),
		DeadLetter: sink,
	})
	group.Handle("users", func(context.Context, *Envelope) error {
		calls++
		return errors.New("downstream 503")
	})
	startGroup(t, group)

	env := &Envelope{EventType: "user.created", AggregateID: "user-9"}
	if err := bus.Publish(context.Background(), "users", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var d Delivery
	select {
	case d = <-sink.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never reached the dead letter sink")
	}
	if d.EventID != env.EventID || d.Topic != "users" {
		t.Fatalf("dead letter delivery = %+v", d)
	}
	if d.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", d.Attempts)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	sink.mu.Lock()
	cause := sink.errs[0]
	sink.mu.Unlock()
	if !errors.Is(cause, retry.ErrMaxRetriesExceeded) {
		t.Fatalf("cause = %v, want ErrMaxRetriesExceeded", cause)
	}
	waitPendingEmpty(t, client, "users:p0", "core")
}

func TestConsumerPermanentErrorDeadLettersOnce(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	sink := &captureSink{ch: make(chan Delivery, 1)}
	calls := 0
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Partitions: 1,
		Executor:   fastExecutor(3),
		DeadLetter: sink,
	})
	group.Handle("users", func(context.Context, *Envelope) error {
		calls++
		return retry.Permanent(errors.New("schema violation"))
	})
	startGroup(t, group)

	if err := bus.Publish(context.Background(), "users", &Envelope{EventType: "user.created"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	var d Delivery
	select {
	case d = <-sink.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never reached the dead letter sink")
	}
	if d.Attempts != 1 || calls != 1 {
		t.Fatalf("attempts = %d, handler calls = %d, want a single attempt", d.Attempts, calls)
	}
	waitPendingEmpty(t, client, "users:p0", "core")
}

func TestConsumerSendsMalformedToDeadLetter(t *testing.T) {
	_, client := newTestRedis(t)

	sink := &captureSink{ch: make(chan Delivery, 1)}
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Partitions: 1,
		Executor:   fastExecutor(3),
		DeadLetter: sink,
	})
	var handled atomic.Bool
	group.Handle("users", func(context.Context, *Envelope) error {
		handled.Store(true)
		return nil
	})
	startGroup(t, group)

	err := client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: "users:p0",
		Values: map[string]any{fieldEnvelope: "{broken"},
	}).Err()
	if err != nil {
		t.Fatalf("XAdd() error = %v", err)
	}

	var d Delivery
	select {
	case d = <-sink.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("malformed entry never reached the dead letter sink")
	}
	if string(d.Raw) != "{broken" {
		t.Fatalf("Raw = %q", d.Raw)
	}
	sink.mu.Lock()
	cause := sink.errs[0]
	sink.mu.Unlock()
	if !errors.Is(cause, ErrMalformedEnvelope) {
		t.Fatalf("cause = %v, want ErrMalformedEnvelope", cause)
	}
	if handled.Load() {
		t.Fatal("handler must not see malformed entries")
	}
	waitPendingEmpty(t, client, "users:p0", "core")
}

func TestConsumerKeepsEntryPendingWhenSinkFails(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	sink := &captureSink{fail: errors.New("store down")}
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Partitions: 1,
		Executor:   fastExecutor(1),
		DeadLetter: sink,
	})
	handled := make(chan struct{}, 4)
	group.Handle("users", func(context.Context, *Envelope) error {
		handled <- struct{}{}
		return retry.Permanent(errors.New("poison"))
	})
	startGroup(t, group)

	if err := bus.Publish(context.Background(), "users", &Envelope{EventType: "user.created"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-handled:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}
	// The hand-off failed, so the entry must stay pending for redelivery.
	deadline := time.Now().Add(time.Second)
	for {
		p, err := client.XPending(context.Background(), "users:p0", "core").Result()
		if err == nil && p.Count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entry was acknowledged despite failed dead letter hand-off")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConsumerDrainsOwnPendingOnStart(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	ctx := context.Background()
	if err := client.XGroupCreateMkStream(ctx, "users:p0", "core", "0").Err(); err != nil {
		t.Fatalf("XGroupCreateMkStream() error = %v", err)
	}
	env := &Envelope{EventType: "user.created", AggregateID: "user-3"}
	if err := bus.Publish(ctx, "users", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// Simulate a crash after read but before ack.
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "core",
		Consumer: "pinned",
		Streams:  []string{"users:p0", ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("XReadGroup() error = %v", err)
	}

	got := make(chan *Envelope, 1)
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Consumer:   "pinned",
		Partitions: 1,
		Executor:   fastExecutor(1),
	})
	group.Handle("users", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	startGroup(t, group)

	select {
	case received := <-got:
		if received.EventID != env.EventID {
			t.Fatalf("redelivered event %s, want %s", received.EventID, env.EventID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending entry never redelivered")
	}
	waitPendingEmpty(t, client, "users:p0", "core")
}

func TestConsumerClaimsAbandonedEntries(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	ctx := context.Background()
	if err := client.XGroupCreateMkStream(ctx, "users:p0", "core", "0").Err(); err != nil {
		t.Fatalf("XGroupCreateMkStream() error = %v", err)
	}
	env := &Envelope{EventType: "user.created"}
	if err := bus.Publish(ctx, "users", env); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// A consumer that dies holding the entry.
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "core",
		Consumer: "dead-consumer",
		Streams:  []string{"users:p0", ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil {
		t.Fatalf("XReadGroup() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	got := make(chan *Envelope, 1)
	group := NewConsumerGroup(client, GroupOptions{
		Group:        "core",
		Consumer:     "live-consumer",
		Partitions:   1,
		ClaimMinIdle: 10 * time.Millisecond,
		Executor:     fastExecutor(1),
	})
	group.Handle("users", func(_ context.Context, env *Envelope) error {
		got <- env
		return nil
	})
	startGroup(t, group)

	select {
	case received := <-got:
		if received.EventID != env.EventID {
			t.Fatalf("claimed event %s, want %s", received.EventID, env.EventID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("abandoned entry never claimed")
	}
	waitPendingEmpty(t, client, "users:p0", "core")
}

func TestConsumerPropagatesCorrelationID(t *testing.T) {
	_, client := newTestRedis(t)
	bus := NewBus(client, BusOptions{Partitions: 1})

	got := make(chan string, 1)
	group := NewConsumerGroup(client, GroupOptions{
		Group:      "core",
		Partitions: 1,
		Executor:   fastExecutor(1),
	})
	group.Handle("users", func(ctx context.Context, _ *Envelope) error {
		got <- correlation.FromContext(ctx)
		return nil
	})
	startGroup(t, group)

	ctx := correlation.With(context.Background(), "corr-777")
	if err := bus.Publish(ctx, "users", &Envelope{EventType: "user.created"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case id := <-got:
		if id != "corr-777" {
			t.Fatalf("handler correlation id = %q, want corr-777", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestRunRequiresHandlers(t *testing.T) {
	_, client := newTestRedis(t)
	group := NewConsumerGroup(client, GroupOptions{Group: "core", Partitions: 1})
	if err := group.Run(context.Background()); err == nil {
		t.Fatal("Run() without handlers must fail")
	}
}

func TestStreamName(t *testing.T) {
	if got := streamName("users", 3); got != "users:p3" {
		t.Fatalf("streamName() = %q, want users:p3", got)
	}
}
