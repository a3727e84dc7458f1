// Package sweeper applies the stalled-stage policy to idle collaborations.
//
// Before payment_secured completes no funds are committed to the delivery, so
// a collaboration idle past CancelUnpaidAfter is cancelled (refunding any
// charge). From then on money is never moved automatically: a collaboration
// idle past FlagPaidAfter is flagged once per stage for a human to act on.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/metrics"
)

const lockKey = "colisflow:sweeper"

// Collaborations lists idle collaborations.
type Collaborations interface {
	ListIdle(ctx context.Context, q collab.IdleQuery) ([]collab.Collaboration, error)
}

// Flow applies the two sweeper actions.
type Flow interface {
	CancelStale(ctx context.Context, collaborationID, reason string) (collab.Collaboration, error)
	FlagStalled(ctx context.Context, collaborationID string, stage delivery.Stage) (bool, error)
}

type Config struct {
	Interval          time.Duration
	CancelUnpaidAfter time.Duration
	FlagPaidAfter     time.Duration
	BatchSize         int
}

// Report counts what one pass did.
type Report struct {
	Scanned   int
	Cancelled int
	Flagged   int
	Failed    int
}

type Sweeper struct {
	collabs Collaborations
	flow    Flow
	locker  Locker
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(collabs Collaborations, flow Flow, locker Locker, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.CancelUnpaidAfter <= 0 {
		cfg.CancelUnpaidAfter = 72 * time.Hour
	}
	if cfg.FlagPaidAfter <= 0 {
		cfg.FlagPaidAfter = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		collabs: collabs,
		flow:    flow,
		locker:  locker,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "sweeper")),
		metrics: m,
		now:     time.Now,
	}
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrLockHeld) {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass under the cluster lock. It returns
// ErrLockHeld when another instance is sweeping.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	err := s.locker.WithLock(ctx, lockKey, func(ctx context.Context) error {
		var err error
		report, err = s.sweep(ctx)
		return err
	})
	if errors.Is(err, ErrLockHeld) {
		s.metrics.Sweeper("skipped")
	}
	return report, err
}

func (s *Sweeper) sweep(ctx context.Context) (Report, error) {
	now := s.now().UTC()
	idle, err := s.collabs.ListIdle(ctx, collab.IdleQuery{
		UnpaidBefore: now.Add(-s.cfg.CancelUnpaidAfter),
		PaidBefore:   now.Add(-s.cfg.FlagPaidAfter),
		Limit:        s.cfg.BatchSize,
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(idle)}
	for _, c := range idle {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		idleFor := now.Sub(c.StageStartedAt)
		logger := s.logger.With(
			zap.String("collaboration_id", c.ID),
			zap.String("stage", c.CurrentStage.String()),
			zap.Duration("idle", idleFor),
		)

		if c.CurrentStage <= delivery.StagePaymentSecured {
			if _, err := s.flow.CancelStale(ctx, c.ID, "stalled before payment was secured"); err != nil {
				s.fail(logger, &report, "cancel", err)
				continue
			}
			report.Cancelled++
			s.metrics.Sweeper("cancelled")
			logger.Info("cancelled stalled collaboration")
			continue
		}

		flagged, err := s.flow.FlagStalled(ctx, c.ID, c.CurrentStage)
		if err != nil {
			s.fail(logger, &report, "flag", err)
			continue
		}
		if flagged {
			report.Flagged++
			s.metrics.Sweeper("flagged")
			logger.Warn("collaboration stalled with funds in escrow")
		}
	}
	return report, nil
}

// fail records a per-collaboration error. Races with participants (a dispute
// opened or the stage moved on) are expected and only logged at Debug.
func (s *Sweeper) fail(logger *zap.Logger, report *Report, action string, err error) {
	if errors.Is(err, delivery.ErrDisputeActive) || errors.Is(err, delivery.ErrInvalidTransition) {
		logger.Debug("sweeper action no longer applies", zap.String("action", action), zap.Error(err))
		return
	}
	report.Failed++
	s.metrics.Sweeper("failed")
	logger.Error("sweeper action failed", zap.String("action", action), zap.Error(err))
}
