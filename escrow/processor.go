package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"colisflow/delivery"
	"colisflow/metrics"
)

// ErrDeclined is a definitive refusal by the provider; it is never retried.
var ErrDeclined = errors.New("escrow: payment declined by provider")

// PaymentMethod is opaque to the core; providers interpret Kind and Token.
type PaymentMethod struct {
	Kind  string `json:"kind"`
	Token string `json:"token"`
}

type ChargeRequest struct {
	// IdempotencyKey derives from the transaction id, never from provider data.
	IdempotencyKey string
	Reference      string
	Method         PaymentMethod
	Amount         decimal.Decimal
}

type RefundRequest struct {
	IdempotencyKey    string
	ProviderReference string
	Amount            decimal.Decimal
}

type ProviderResult struct {
	Reference string
}

// PaymentProcessor is the provider capability. Implementations must treat a
// repeated IdempotencyKey as the same operation.
type PaymentProcessor interface {
	Charge(ctx context.Context, req ChargeRequest) (ProviderResult, error)
	Refund(ctx context.Context, req RefundRequest) (ProviderResult, error)
}

func chargeKey(txID string) string { return "charge:" + txID }
func refundKey(txID string) string { return "refund:" + txID }

// fingerprint identifies the payment details of a charge so a replay with
// different details can be told apart from a harmless retry.
func fingerprint(txID string, amount decimal.Decimal, method PaymentMethod) string {
	sum := blake2b.Sum256([]byte(txID + "\x00" + amount.String() + "\x00" + method.Kind + "\x00" + method.Token))
	return hex.EncodeToString(sum[:16])
}

// ProviderConfig bounds every provider interaction.
type ProviderConfig struct {
	Timeout             time.Duration
	MaxRetries          uint64
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// guardedProcessor wraps a provider with a per-attempt timeout, exponential
// retry and a circuit breaker.
type guardedProcessor struct {
	inner   PaymentProcessor
	breaker *gobreaker.CircuitBreaker
	cfg     ProviderConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func newGuardedProcessor(inner PaymentProcessor, cfg ProviderConfig, logger *zap.Logger, m *metrics.Metrics) *guardedProcessor {
	cfg = cfg.withDefaults()
	g := &guardedProcessor{inner: inner, cfg: cfg, logger: logger, metrics: m}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-provider",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDeclined)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("payment provider breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.Breaker(name, float64(to))
		},
	})
	return g
}

func (g *guardedProcessor) Charge(ctx context.Context, req ChargeRequest) (ProviderResult, error) {
	return g.call(ctx, "charge", req.IdempotencyKey, func(ctx context.Context) (ProviderResult, error) {
		return g.inner.Charge(ctx, req)
	})
}

func (g *guardedProcessor) Refund(ctx context.Context, req RefundRequest) (ProviderResult, error) {
	return g.call(ctx, "refund", req.IdempotencyKey, func(ctx context.Context) (ProviderResult, error) {
		return g.inner.Refund(ctx, req)
	})
}

func (g *guardedProcessor) call(ctx context.Context, op, key string, fn func(context.Context) (ProviderResult, error)) (ProviderResult, error) {
	var (
		result  ProviderResult
		attempt int
	)
	operation := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		start := time.Now()
		out, err := g.breaker.Execute(func() (interface{}, error) {
			return fn(actx)
		})
		g.metrics.ProviderCall(op, outcomeLabel(err), time.Since(start).Seconds())
		if err != nil {
			g.logger.Debug("payment provider attempt failed",
				zap.String("operation", op),
				zap.String("idempotency_key", key),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if errors.Is(err, ErrDeclined) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		result = out.(ProviderResult)
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.cfg.InitialBackoff
	exp.MaxInterval = g.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, g.cfg.MaxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		g.logger.Warn("payment provider call gave up",
			zap.String("operation", op),
			zap.String("idempotency_key", key),
			zap.Int("attempts", attempt),
			zap.Error(err),
		)
		return ProviderResult{}, fmt.Errorf("%w: %s: %w", delivery.ErrProvider, op, err)
	}
	return result, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDeclined):
		return "declined"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
