package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livecast/pkg/batch"
	"livecast/pkg/circuitbreaker"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultChannel = "livecast:events"

	publishTimeout = 2 * time.Second
)

// RedisPublisher is satisfied by *redis.Client and redis.UniversalClient.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type BusConfig struct {
	Channel       string
	InstanceID    string
	BatchSize     int
	BatchInterval time.Duration
	Breaker       circuitbreaker.Config
	Clock         clock.Clock

	// OnPublished and OnDropped report delivery counts, e.g. to metrics.
	OnPublished func(n int)
	OnDropped   func(n int)
}

// EventBus publishes session events to a Redis channel. Events are batched
// and the Redis round trips are guarded by a circuit breaker, so an
// unavailable Redis costs dropped events instead of blocked callbacks.
type EventBus struct {
	client  RedisPublisher
	cfg     BusConfig
	breaker *circuitbreaker.CircuitBreaker
	batcher *batch.Batcher
	logger  *zap.SugaredLogger
}

// NewEventBus creates a new event bus
func NewEventBus(client RedisPublisher, cfg BusConfig, logger *zap.SugaredLogger) *EventBus {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 100 * time.Millisecond
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	cfg.Breaker.Clock = cfg.Clock
	if cfg.OnPublished == nil {
		cfg.OnPublished = func(int) {}
	}
	if cfg.OnDropped == nil {
		cfg.OnDropped = func(int) {}
	}

	eb := &EventBus{
		client:  client,
		cfg:     cfg,
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger,
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Event bus circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	eb.batcher = batch.NewBatcher(cfg.BatchSize, cfg.BatchInterval, batch.ProcessorFunc(eb.processBatch),
		batch.WithClock(cfg.Clock),
		batch.WithErrorHandler(func(err error, n int) {
			logger.Warnw("Failed to publish events", "error", err, "batch", n)
		}),
	)
	return eb
}

// Publish queues ev for delivery. Events published after Close are
// dropped.
func (eb *EventBus) Publish(ev Event) {
	ev.InstanceID = eb.cfg.InstanceID
	if !eb.batcher.Add(publishOp{bus: eb, ev: ev}) {
		eb.cfg.OnDropped(1)
	}
}

func (eb *EventBus) processBatch(ctx context.Context, ops []batch.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	sent := 0
	err := eb.breaker.Execute(ctx, func(ctx context.Context) error {
		for _, op := range ops {
			if err := op.Execute(ctx); err != nil {
				return err
			}
			sent++
		}
		return nil
	})
	if sent > 0 {
		eb.cfg.OnPublished(sent)
	}
	if err != nil {
		eb.cfg.OnDropped(len(ops) - sent)
		return err
	}

	eb.logger.Debugw("Published events", "channel", eb.cfg.Channel, "count", sent)
	return nil
}

// Breaker exposes the guard around Redis, for health reporting.
func (eb *EventBus) Breaker() *circuitbreaker.CircuitBreaker {
	return eb.breaker
}

// Close flushes queued events and stops the bus.
func (eb *EventBus) Close(ctx context.Context) error {
	return eb.batcher.Stop(ctx)
}

type publishOp struct {
	bus *EventBus
	ev  Event
}

func (op publishOp) Execute(ctx context.Context) error {
	data, err := json.Marshal(op.ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := op.bus.client.Publish(ctx, op.bus.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}
