// Package app assembles the marketplace services from configuration and a
// set of stores.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"colisflow/auth"
	"colisflow/collab"
	"colisflow/config"
	"colisflow/delivery"
	"colisflow/dispute"
	"colisflow/escrow"
	"colisflow/events"
	"colisflow/flow"
	"colisflow/identity"
	"colisflow/ledger"
	"colisflow/metrics"
	"colisflow/outbox"
	"colisflow/rating"
	"colisflow/validation"
)

// DisputeStore persists disputes and answers which of them freeze funds
// and progress.
type DisputeStore interface {
	dispute.Store
	ActiveForTransaction(ctx context.Context, transactionID string) (delivery.Hold, bool, error)
	ActiveForCollaboration(ctx context.Context, collaborationID string) (delivery.Hold, bool, error)
}

// Stores groups one store per aggregate plus the outbox the relay drains.
type Stores struct {
	Profiles     identity.ProfileStore
	Accounts     auth.Repository
	Collabs      collab.Store
	Validations  validation.Store
	Transactions ledger.Store
	Disputes     DisputeStore
	Ratings      rating.Store
	Outbox       outbox.Store
}

// PostgresStores backs every aggregate with pool. Events reach the outbox
// table inside the writing transaction.
func PostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Profiles:     identity.NewRepository(pool),
		Accounts:     auth.NewRepository(pool),
		Collabs:      collab.NewRepository(pool),
		Validations:  validation.NewRepository(pool),
		Transactions: ledger.NewRepository(pool),
		Disputes:     dispute.NewRepository(pool),
		Ratings:      rating.NewRepository(pool),
		Outbox:       outbox.NewPGStore(pool),
	}
}

// MemoryStores keeps everything in process. Committed events queue in an
// in-memory outbox so the relay path is the same as with Postgres.
func MemoryStores() (Stores, *outbox.MemoryStore) {
	box := outbox.NewMemoryStore()
	return Stores{
		Profiles:     identity.NewMemoryStore(),
		Accounts:     auth.NewMemoryRepository(),
		Collabs:      collab.NewMemoryStore(box),
		Validations:  validation.NewMemoryStore(box),
		Transactions: ledger.NewMemoryStore(box),
		Disputes:     dispute.NewMemoryStore(box),
		Ratings:      rating.NewMemoryStore(box),
		Outbox:       box,
	}, box
}

// App holds the wired services.
type App struct {
	Identity *identity.Service
	Auth     *auth.Service
	Tokens   *auth.Issuer
	Collabs  *collab.Service
	Gate     *validation.Gate
	Ledger   *ledger.Service
	Escrow   *escrow.Service
	Flow     *flow.Tracker
	Disputes *dispute.Service
	Ratings  *rating.Service
	Stores   Stores
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// New wires the services over stores. processor is the payment provider;
// nil selects the sandbox.
func New(cfg config.Config, stores Stores, processor escrow.PaymentProcessor, logger *zap.Logger, m *metrics.Metrics) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("app: auth.jwt_secret is required")
	}
	rate, err := cfg.Commission()
	if err != nil {
		return nil, err
	}
	if processor == nil {
		processor = escrow.NewSandboxProcessor()
	}

	profiles := identity.NewService(stores.Profiles)
	tokens := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	collabs := collab.NewService(stores.Collabs, profiles, logger)
	gate := validation.NewGate(stores.Validations, logger)
	l := ledger.NewService(stores.Transactions, logger)
	e := escrow.NewService(l, processor, stores.Disputes, escrow.ProviderConfig{
		Timeout:             cfg.Escrow.ProviderTimeout,
		MaxRetries:          cfg.Escrow.ProviderMaxRetries,
		ConsecutiveFailures: cfg.Escrow.BreakerFailures,
		OpenTimeout:         cfg.Escrow.BreakerOpenTimeout,
	}, logger, m)
	tracker := flow.NewTracker(collabs, gate, l, e, stores.Disputes, flow.Config{CommissionRate: rate}, logger, m)

	return &App{
		Identity: profiles,
		Auth:     auth.NewService(stores.Accounts, profiles, tokens),
		Tokens:   tokens,
		Collabs:  collabs,
		Gate:     gate,
		Ledger:   l,
		Escrow:   e,
		Flow:     tracker,
		Disputes: dispute.NewService(stores.Disputes, l, e, tracker, logger, m),
		Ratings:  rating.NewService(stores.Ratings, l, logger),
		Stores:   stores,
		Metrics:  m,
		Logger:   logger,
	}, nil
}

// Relay builds the outbox relay. With no Kafka brokers configured events are
// handed to fallback, or logged and dropped when fallback is nil.
func (a *App) Relay(cfg config.Config, fallback events.Sink) (*outbox.Relay, func() error, error) {
	relayCfg := outbox.RelayConfig{
		Interval:    cfg.Outbox.PollInterval,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := outbox.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, nil, fmt.Errorf("app: kafka publisher: %w", err)
		}
		return outbox.NewRelay(a.Stores.Outbox, pub, relayCfg, a.Logger, a.Metrics), pub.Close, nil
	}
	if fallback == nil {
		fallback = logSink{logger: a.Logger.With(zap.String("component", "relay"))}
	}
	return outbox.NewRelay(a.Stores.Outbox, outbox.SinkPublisher{Sink: fallback}, relayCfg, a.Logger, a.Metrics), func() error { return nil }, nil
}

type logSink struct {
	logger *zap.Logger
}

func (s logSink) Publish(_ context.Context, evs ...events.Event) error {
	for _, ev := range evs {
		s.logger.Info("event",
			zap.String("type", ev.Type),
			zap.String("aggregate_id", ev.AggregateID),
			zap.Int64("version", ev.Version),
		)
	}
	return nil
}
