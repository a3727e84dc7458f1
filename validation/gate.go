// Package validation records per-role sign-offs on delivery stages.
package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"colisflow/delivery"
	"colisflow/events"
)

const maxEvidenceURIs = 10

// Gate accepts validations and reports stage completion. Submissions are
// idempotent so clients may retry freely.
type Gate struct {
	store       Store
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewGate(store Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:       store,
		logger:      logger.With(zap.String("component", "validation")),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (g *Gate) WithIDGenerator(gen func() string) *Gate {
	g.idGenerator = gen
	return g
}

func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Submit records role's validation of stage. A role outside the stage's
// required set is refused with ErrRoleNotPermitted.
func (g *Gate) Submit(ctx context.Context, collaborationID string, stage delivery.Stage, role delivery.Role, actorID string, ev Evidence) (SubmitResult, error) {
	if collaborationID == "" || actorID == "" {
		return SubmitResult{}, fmt.Errorf("validation: missing collaboration or actor: %w", delivery.ErrValidation)
	}
	if !stage.Valid() {
		return SubmitResult{}, fmt.Errorf("validation: stage %d: %w", stage, delivery.ErrValidation)
	}
	if !role.Valid() {
		return SubmitResult{}, fmt.Errorf("validation: role %q: %w", role, delivery.ErrValidation)
	}
	if !stage.Requires(role) {
		g.logger.Warn("validation by role outside stage requirements",
			zap.Bool("security", true),
			zap.String("collaboration_id", collaborationID),
			zap.String("actor_id", actorID),
			zap.String("role", string(role)),
			zap.String("stage", stage.String()),
		)
		return SubmitResult{}, fmt.Errorf("validation: %s may not validate %s: %w", role, stage, delivery.ErrRoleNotPermitted)
	}
	uris, err := cleanURIs(ev.URIs)
	if err != nil {
		return SubmitResult{}, err
	}

	now := g.now().UTC()
	rec := Record{
		ID:              g.idGenerator(),
		CollaborationID: collaborationID,
		Stage:           stage,
		Role:            role,
		ActorID:         actorID,
		EvidenceURIs:    uris,
		Comment:         strings.TrimSpace(ev.Comment),
		CreatedAt:       now,
	}
	event := events.New(events.StageValidated, events.AggregateCollaboration, collaborationID, 0, map[string]any{
		"stage":     stage.String(),
		"role":      string(role),
		"actor_id":  actorID,
		"evidence":  len(uris),
		"record_id": rec.ID,
	}, now)

	stored, created, err := g.store.Insert(ctx, rec, event)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{Record: stored, AlreadyValidated: !created}, nil
}

// Lookup returns role's record for stage, if one exists.
func (g *Gate) Lookup(ctx context.Context, collaborationID string, stage delivery.Stage, role delivery.Role) (Record, bool, error) {
	recs, err := g.store.List(ctx, collaborationID, stage)
	if err != nil {
		return Record{}, false, err
	}
	for _, rec := range recs {
		if rec.Role == role {
			return rec, true, nil
		}
	}
	return Record{}, false, nil
}

// IsStageComplete is true iff every required role of stage has a record.
func (g *Gate) IsStageComplete(ctx context.Context, collaborationID string, stage delivery.Stage) (bool, error) {
	p, err := g.Progress(ctx, collaborationID, stage)
	if err != nil {
		return false, err
	}
	return p.Complete(), nil
}

func (g *Gate) Progress(ctx context.Context, collaborationID string, stage delivery.Stage) (Progress, error) {
	if !stage.Valid() {
		return Progress{}, fmt.Errorf("validation: stage %d: %w", stage, delivery.ErrValidation)
	}
	recs, err := g.store.List(ctx, collaborationID, stage)
	if err != nil {
		return Progress{}, err
	}
	seen := make(map[delivery.Role]bool, len(recs))
	for _, rec := range recs {
		seen[rec.Role] = true
	}
	p := Progress{
		CollaborationID: collaborationID,
		Stage:           stage,
		Validated:       []delivery.Role{},
		Pending:         []delivery.Role{},
	}
	for _, role := range stage.RequiredRoles() {
		if seen[role] {
			p.Validated = append(p.Validated, role)
		} else {
			p.Pending = append(p.Pending, role)
		}
	}
	return p, nil
}

func cleanURIs(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	if len(out) > maxEvidenceURIs {
		return nil, fmt.Errorf("validation: at most %d evidence uris: %w", maxEvidenceURIs, delivery.ErrValidation)
	}
	return out, nil
}
