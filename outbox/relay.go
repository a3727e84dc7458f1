package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"colisflow/events"
	"colisflow/metrics"
)

// Publisher delivers one event to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// RelayConfig tunes the polling loop.
type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

// Relay moves committed outbox rows to a Publisher in commit order.
type Relay struct {
	store     Store
	publisher Publisher
	cfg       RelayConfig
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewRelay(store Store, publisher Publisher, cfg RelayConfig, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "outbox.relay")),
		metrics:   m,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox iteration failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce handles a single batch and returns how many messages were claimed.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	return r.store.Claim(ctx, r.cfg.BatchSize, r.handle)
}

// handle publishes in id order. Once a message for an aggregate fails, later
// messages of the same aggregate are skipped so consumers never see them out
// of order.
func (r *Relay) handle(ctx context.Context, msgs []Message) map[int64]Outcome {
	out := make(map[int64]Outcome, len(msgs))
	blocked := make(map[string]bool)
	var published, failed, dead int

	for _, msg := range msgs {
		key := msg.Event.AggregateType + "/" + msg.Event.AggregateID
		if blocked[key] {
			out[msg.ID] = Outcome{Status: Skipped}
			continue
		}
		err := r.publisher.Publish(ctx, msg.Event)
		if err == nil {
			out[msg.ID] = Outcome{Status: Published}
			published++
			continue
		}

		blocked[key] = true
		if msg.Attempts+1 >= r.cfg.MaxAttempts {
			out[msg.ID] = Outcome{Status: DeadLettered, Err: err}
			dead++
			r.logger.Error("outbox message dead-lettered",
				zap.Int64("outbox_id", msg.ID),
				zap.String("event_type", msg.Event.Type),
				zap.String("aggregate_id", msg.Event.AggregateID),
				zap.Int("attempts", msg.Attempts+1),
				zap.Error(err),
			)
			// the dead message no longer holds back its successors
			delete(blocked, key)
			continue
		}
		out[msg.ID] = Outcome{Status: Failed, Err: err}
		failed++
		r.logger.Warn("outbox publish failed; will retry",
			zap.Int64("outbox_id", msg.ID),
			zap.String("event_type", msg.Event.Type),
			zap.Int("attempts", msg.Attempts+1),
			zap.Error(err),
		)
	}

	r.metrics.Outbox("published", published)
	r.metrics.Outbox("failed", failed)
	r.metrics.Outbox("dead_lettered", dead)
	if len(msgs) > 0 {
		r.logger.Debug("outbox batch processed",
			zap.Int("batch_size", len(msgs)),
			zap.Int("published", published),
			zap.Int("failed", failed),
			zap.Int("dead_lettered", dead),
		)
	}
	return out
}

// SinkPublisher forwards relayed events to an in-process sink.
type SinkPublisher struct {
	Sink events.Sink
}

func (p SinkPublisher) Publish(ctx context.Context, ev events.Event) error {
	return p.Sink.Publish(ctx, ev)
}
