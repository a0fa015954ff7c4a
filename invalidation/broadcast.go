package invalidation

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentuity/go-cachecoord/cache"
	"github.com/agentuity/go-cachecoord/logger"
	"github.com/agentuity/go-cachecoord/store"
)

// DefaultChannel is the pub/sub channel invalidations are broadcast on.
const DefaultChannel = "cachecoord:invalidate"

var tracer = otel.Tracer("@agentuity/go-cachecoord/invalidation")

var propagator = propagation.TraceContext{}

type event struct {
	Origin  string                `msgpack:"origin"`
	Keys    []string              `msgpack:"keys,omitempty"`
	Pattern string                `msgpack:"pattern,omitempty"`
	Headers propagation.MapCarrier `msgpack:"headers"`
}

// Broadcaster keeps per-instance cache layers consistent. Invalidations made
// here are published to other instances, and theirs are applied to the local
// layer. Events published by the same Broadcaster are ignored on receipt.
type Broadcaster struct {
	rdb     redis.UniversalClient
	local   cache.Cache
	logger  logger.Logger
	channel string
	origin  string
}

// BroadcastOption configures a Broadcaster.
type BroadcastOption func(*Broadcaster)

// WithChannel overrides DefaultChannel.
func WithChannel(name string) BroadcastOption {
	return func(b *Broadcaster) { b.channel = name }
}

// NewBroadcaster returns a Broadcaster publishing on rdb and removing
// received keys from local.
func NewBroadcaster(rdb redis.UniversalClient, local cache.Cache, log logger.Logger, opts ...BroadcastOption) *Broadcaster {
	b := &Broadcaster{
		rdb:     rdb,
		local:   local,
		logger:  log.WithPrefix("[broadcast]"),
		channel: DefaultChannel,
		origin:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishKeys tells other instances to drop keys.
func (b *Broadcaster) PublishKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return b.publish(ctx, event{Keys: keys})
}

// PublishPattern tells other instances to drop every key matching pattern.
func (b *Broadcaster) PublishPattern(ctx context.Context, pattern string) error {
	return b.publish(ctx, event{Pattern: pattern})
}

func (b *Broadcaster) publish(ctx context.Context, ev event) error {
	ev.Origin = b.origin
	ev.Headers = make(propagation.MapCarrier)
	// inject the trace context into the headers before starting a span
	propagator.Inject(ctx, ev.Headers)

	ctx, span := tracer.Start(ctx, "invalidation.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	payload, err := msgpack.Marshal(ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Wrap(err, "failed to marshal invalidation")
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return errors.Mark(errors.Wrap(err, "failed to publish invalidation"), store.ErrUnavailable)
	}
	return nil
}

// Subscription is an active Subscribe call.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

// Close stops the subscription and waits for its goroutine to exit.
func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe starts applying invalidations from other instances to the local
// layer until ctx is done or the subscription is closed. It returns once the
// subscription is confirmed by the server.
func (b *Broadcaster) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.Mark(errors.Wrapf(err, "failed to subscribe to %s", b.channel), store.ErrUnavailable)
	}
	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(ctx, []byte(msg.Payload))
			}
		}
	}()
	return sub, nil
}

func (b *Broadcaster) apply(ctx context.Context, payload []byte) {
	var ev event
	if err := msgpack.Unmarshal(payload, &ev); err != nil {
		b.logger.Error("failed to decode invalidation: %s", err)
		return
	}
	if ev.Origin == b.origin {
		return
	}
	ctx, span := tracer.Start(
		propagator.Extract(ctx, ev.Headers),
		"invalidation.Apply",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	for _, key := range ev.Keys {
		if _, err := b.local.Remove(ctx, key); err != nil {
			b.logger.Warn("failed to drop %s from local cache: %s", key, err)
		}
	}
	if ev.Pattern != "" {
		if _, err := b.local.RemoveByPattern(ctx, ev.Pattern); err != nil {
			b.logger.Warn("failed to drop %s from local cache: %s", ev.Pattern, err)
		}
	}
	b.logger.Debug("applied invalidation from %s", ev.Origin)
}
