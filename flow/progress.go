package flow

import (
	"context"
	"time"

	"colisflow/collab"
	"colisflow/delivery"
	"colisflow/validation"
)

// StageView is one row of a collaboration's progress.
type StageView struct {
	Stage       delivery.Stage
	Required    []delivery.Role
	Validated   []delivery.Role
	Pending     []delivery.Role
	Current     bool
	CompletedAt *time.Time
}

// Overview is the full progress of a collaboration as seen by a participant.
type Overview struct {
	Collaboration collab.Collaboration
	Role          delivery.Role
	Stages        []StageView
}

// Progress lists every stage with its validations. Stages after the current
// one are reported with all roles pending.
func (t *Tracker) Progress(ctx context.Context, collaborationID, actorID string) (Overview, error) {
	c, role, err := t.collabs.GetForActor(ctx, collaborationID, actorID)
	if err != nil {
		return Overview{}, err
	}
	out := Overview{Collaboration: c, Role: role, Stages: make([]StageView, 0, int(delivery.LastStage))}
	for _, s := range delivery.Stages() {
		view := StageView{
			Stage:     s,
			Required:  s.RequiredRoles(),
			Validated: []delivery.Role{},
			Pending:   s.RequiredRoles(),
			Current:   s == c.CurrentStage && !c.StageComplete(s),
		}
		if at, ok := c.StageCompletedAt[s]; ok {
			at := at
			view.CompletedAt = &at
		}
		if s <= c.CurrentStage {
			p, err := t.gate.Progress(ctx, c.ID, s)
			if err != nil {
				return Overview{}, err
			}
			view.Validated, view.Pending = p.Validated, p.Pending
		}
		out.Stages = append(out.Stages, view)
	}
	return out, nil
}

// StageProgress returns the validations of one stage.
func (t *Tracker) StageProgress(ctx context.Context, collaborationID, actorID string, stage delivery.Stage) (validation.Progress, error) {
	if _, _, err := t.collabs.GetForActor(ctx, collaborationID, actorID); err != nil {
		return validation.Progress{}, err
	}
	return t.gate.Progress(ctx, collaborationID, stage)
}
