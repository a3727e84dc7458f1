package flow

import (
	"context"
	"fmt"

	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/events"
)

// Suspend freezes progress while a dispute is open. Stage progress is kept.
func (t *Tracker) Suspend(ctx context.Context, collaborationID, disputeID string) (collab.Collaboration, error) {
	var out collab.Collaboration
	err := delivery.RetryOnConflict(ctx, t.attempts, func(ctx context.Context) error {
		c, err := t.collabs.Get(ctx, collaborationID)
		if err != nil {
			return err
		}
		if c.Status == delivery.CollaborationDisputed {
			out = c
			return nil
		}
		if c.Status.Terminal() {
			return fmt.Errorf("flow: suspend %s collaboration: %w", c.Status, delivery.ErrInvalidTransition)
		}
		next := c
		next.StatusBeforeDispute = c.Status
		next.Status = delivery.CollaborationDisputed
		out, err = t.collabs.Commit(ctx, next, collab.Transition{From: c.Status, Reason: "dispute " + disputeID + " opened"})
		return err
	})
	return out, err
}

// Resume restores the status a collaboration had before a rejected dispute.
func (t *Tracker) Resume(ctx context.Context, collaborationID, disputeID string) (collab.Collaboration, error) {
	var out collab.Collaboration
	err := delivery.RetryOnConflict(ctx, t.attempts, func(ctx context.Context) error {
		c, err := t.collabs.Get(ctx, collaborationID)
		if err != nil {
			return err
		}
		if c.Status != delivery.CollaborationDisputed {
			out = c
			return nil
		}
		next := c
		next.Status = c.StatusBeforeDispute
		if next.Status == "" {
			next.Status = c.CurrentStage.StatusAfter()
		}
		next.StatusBeforeDispute = ""
		out, err = t.collabs.Commit(ctx, next, collab.Transition{From: c.Status, Reason: "dispute " + disputeID + " rejected"})
		return err
	})
	return out, err
}

// Conclude closes a collaboration whose funds were settled by arbitration.
func (t *Tracker) Conclude(ctx context.Context, collaborationID, disputeID string, status delivery.CollaborationStatus) (collab.Collaboration, error) {
	if !status.Terminal() {
		return collab.Collaboration{}, fmt.Errorf("flow: conclude to %s: %w", status, delivery.ErrValidation)
	}
	var out collab.Collaboration
	err := delivery.RetryOnConflict(ctx, t.attempts, func(ctx context.Context) error {
		c, err := t.collabs.Get(ctx, collaborationID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			out = c
			return nil
		}
		next := c
		next.Status = status
		next.StatusBeforeDispute = ""
		out, err = t.collabs.Commit(ctx, next, collab.Transition{From: c.Status, Reason: "dispute " + disputeID + " resolved"})
		return err
	})
	return out, err
}

// FlagStalled marks stage as stalled once. It reports false when the
// collaboration moved on or was already flagged for that stage.
func (t *Tracker) FlagStalled(ctx context.Context, collaborationID string, stage delivery.Stage) (bool, error) {
	flagged := false
	err := delivery.RetryOnConflict(ctx, t.attempts, func(ctx context.Context) error {
		c, err := t.collabs.Get(ctx, collaborationID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() || c.CurrentStage != stage || c.StalledStage == stage {
			return nil
		}
		next := c
		next.StalledStage = stage
		_, err = t.collabs.Commit(ctx, next, collab.Transition{
			From: c.Status,
			Emit: []collab.Emission{{Type: events.CollaborationStalled, Payload: map[string]any{
				"stage":            stage.String(),
				"stage_started_at": c.StageStartedAt,
				"transaction_id":   c.TransactionID,
			}}},
		})
		if err == nil {
			flagged = true
		}
		return err
	})
	return flagged, err
}
