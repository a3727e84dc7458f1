// Package flow drives a collaboration through its eight delivery stages.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/escrow"
	"colisflow/events"
	"colisflow/ledger"
	"colisflow/metrics"
	"colisflow/validation"
)

// Holds answers whether an unresolved dispute freezes a collaboration.
type Holds interface {
	ActiveForCollaboration(ctx context.Context, collaborationID string) (delivery.Hold, bool, error)
}

// Tracker owns stage progression. A stage completes only when the gate holds
// a validation from every required role, and only the final stage releases
// escrowed funds.
type Tracker struct {
	collabs        *collab.Service
	gate           *validation.Gate
	ledger         *ledger.Service
	escrow         *escrow.Service
	holds          Holds
	commissionRate decimal.Decimal
	logger         *zap.Logger
	metrics        *metrics.Metrics
	attempts       int
}

type Config struct {
	CommissionRate decimal.Decimal
}

func NewTracker(collabs *collab.Service, gate *validation.Gate, l *ledger.Service, e *escrow.Service, holds Holds, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		collabs:        collabs,
		gate:           gate,
		ledger:         l,
		escrow:         e,
		holds:          holds,
		commissionRate: cfg.CommissionRate,
		logger:         logger.With(zap.String("component", "flow")),
		metrics:        m,
		attempts:       delivery.DefaultConflictAttempts,
	}
}

// ValidateResult reports the validation outcome and the collaboration after
// any stage advance it triggered.
type ValidateResult struct {
	validation.SubmitResult
	Collaboration collab.Collaboration
	Advanced      bool
}

// Validate records actorID's sign-off on stage and advances the collaboration
// when the stage becomes complete. Only the current stage accepts new
// validations; resubmitting an earlier one returns the stored record without
// writing anything.
func (t *Tracker) Validate(ctx context.Context, collaborationID, actorID string, stage delivery.Stage, ev validation.Evidence) (ValidateResult, error) {
	c, role, err := t.collabs.GetForActor(ctx, collaborationID, actorID)
	if err != nil {
		return ValidateResult{}, err
	}
	if !stage.Valid() {
		return ValidateResult{}, fmt.Errorf("flow: stage %d: %w", stage, delivery.ErrValidation)
	}
	if stage < c.CurrentStage || c.StageComplete(stage) {
		return t.replay(ctx, c, stage, role, actorID)
	}
	if err := t.checkOpen(ctx, c); err != nil {
		return ValidateResult{}, err
	}
	if stage > c.CurrentStage {
		return ValidateResult{}, fmt.Errorf("flow: %s is not current (current %s): %w", stage, c.CurrentStage, delivery.ErrInvalidTransition)
	}
	if stage == delivery.StagePaymentSecured {
		if err := t.requireEscrowed(ctx, c); err != nil {
			return ValidateResult{}, err
		}
	}

	res, err := t.gate.Submit(ctx, collaborationID, stage, role, actorID, ev)
	if err != nil {
		return ValidateResult{}, err
	}
	after, err := t.Advance(ctx, collaborationID)
	if err != nil {
		return ValidateResult{SubmitResult: res, Collaboration: c}, err
	}
	return ValidateResult{
		SubmitResult:  res,
		Collaboration: after,
		Advanced:      after.CurrentStage != c.CurrentStage || after.Status != c.Status,
	}, nil
}

func (t *Tracker) replay(ctx context.Context, c collab.Collaboration, stage delivery.Stage, role delivery.Role, actorID string) (ValidateResult, error) {
	if !stage.Requires(role) {
		return ValidateResult{}, t.refuseRole(c, actorID, role, "validate "+stage.String())
	}
	rec, ok, err := t.gate.Lookup(ctx, c.ID, stage, role)
	if err != nil {
		return ValidateResult{}, err
	}
	if !ok {
		return ValidateResult{}, fmt.Errorf("flow: %s already passed without %s: %w", stage, role, delivery.ErrInvalidTransition)
	}
	return ValidateResult{SubmitResult: validation.SubmitResult{Record: rec, AlreadyValidated: true}, Collaboration: c}, nil
}

// Advance completes the current stage if every required role has validated
// it. It never skips a stage and is a no-op when the stage is incomplete.
func (t *Tracker) Advance(ctx context.Context, collaborationID string) (collab.Collaboration, error) {
	var out collab.Collaboration
	err := delivery.RetryOnConflict(ctx, t.attempts, func(ctx context.Context) error {
		c, err := t.collabs.Get(ctx, collaborationID)
		if err != nil {
			return err
		}
		out = c
		if c.Status.Terminal() {
			return nil
		}
		if err := t.checkOpen(ctx, c); err != nil {
			return err
		}
		stage := c.CurrentStage
		if c.StageComplete(stage) {
			return nil
		}
		done, err := t.gate.IsStageComplete(ctx, c.ID, stage)
		if err != nil || !done {
			return err
		}
		if stage == delivery.StagePaymentSecured || stage == delivery.StagePickedUp {
			if err := t.requireEscrowed(ctx, c); err != nil {
				return err
			}
		}
		if stage == delivery.LastStage {
			if err := t.releaseFunds(ctx, c); err != nil {
				return err
			}
		}

		now := t.collabs.Now()
		next := c
		next.StageCompletedAt = make(map[delivery.Stage]time.Time, len(c.StageCompletedAt)+1)
		for k, v := range c.StageCompletedAt {
			next.StageCompletedAt[k] = v
		}
		next.StageCompletedAt[stage] = now
		next.Status = stage.StatusAfter()
		if stage == delivery.StageChatEnabled {
			next.ChatEnabled = true
		}
		if following, ok := stage.Next(); ok {
			next.CurrentStage = following
			next.StageStartedAt = now
		}
		out, err = t.collabs.Commit(ctx, next, collab.Transition{
			From:   c.Status,
			Reason: "stage " + stage.String() + " completed",
			Emit: []collab.Emission{{Type: events.StageCompleted, Payload: map[string]any{
				"stage":          stage.String(),
				"stage_number":   int(stage),
				"current_stage":  next.CurrentStage.String(),
				"transaction_id": c.TransactionID,
			}}},
		})
		if err != nil {
			return err
		}
		t.metrics.StageCompleted(stage.String())
		t.logger.Info("stage completed",
			zap.String("collaboration_id", c.ID),
			zap.String("stage", stage.String()),
			zap.String("status", string(out.Status)),
		)
		return nil
	})
	return out, err
}

// releaseFunds is the only path that pays the carrier. A release that already
// happened counts as done so a retried commit stays safe.
func (t *Tracker) releaseFunds(ctx context.Context, c collab.Collaboration) error {
	if c.TransactionID == "" {
		return fmt.Errorf("flow: collaboration %s has no transaction to release: %w", c.ID, delivery.ErrInvalidTransition)
	}
	_, err := t.escrow.Release(ctx, c.TransactionID)
	if errors.Is(err, escrow.ErrAlreadyReleased) {
		return nil
	}
	return err
}

func (t *Tracker) requireEscrowed(ctx context.Context, c collab.Collaboration) error {
	if c.TransactionID == "" {
		return fmt.Errorf("flow: payment not opened: %w", delivery.ErrInvalidTransition)
	}
	tx, err := t.ledger.GetTransaction(ctx, c.TransactionID)
	if err != nil {
		return err
	}
	if tx.Status != delivery.PaymentEscrowed {
		return fmt.Errorf("flow: payment is %s, not escrowed: %w", tx.Status, delivery.ErrInvalidTransition)
	}
	if tx.RefundPending {
		return fmt.Errorf("flow: refund of %s in progress: %w", tx.ID, delivery.ErrInvalidTransition)
	}
	return nil
}

// checkOpen refuses work on finished or disputed collaborations.
func (t *Tracker) checkOpen(ctx context.Context, c collab.Collaboration) error {
	if c.Status.Terminal() {
		return fmt.Errorf("flow: collaboration is %s: %w", c.Status, delivery.ErrInvalidTransition)
	}
	if c.Status == delivery.CollaborationDisputed {
		return fmt.Errorf("flow: collaboration %s is disputed: %w", c.ID, delivery.ErrDisputeActive)
	}
	if t.holds == nil {
		return nil
	}
	hold, active, err := t.holds.ActiveForCollaboration(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("flow: lookup dispute hold: %w", err)
	}
	if active {
		return fmt.Errorf("flow: collaboration %s held by dispute %s: %w", c.ID, hold.DisputeID, delivery.ErrDisputeActive)
	}
	return nil
}

func (t *Tracker) refuseRole(c collab.Collaboration, actorID string, role delivery.Role, action string) error {
	t.logger.Warn("participant attempted action outside role",
		zap.Bool("security", true),
		zap.String("collaboration_id", c.ID),
		zap.String("actor_id", actorID),
		zap.String("role", string(role)),
		zap.String("action", action),
	)
	return fmt.Errorf("flow: %s may not %s: %w", role, action, delivery.ErrRoleNotPermitted)
}
