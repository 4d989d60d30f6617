package engine

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskline/internal/audit"
	"riskline/internal/domain"
	"riskline/internal/matrix"
	"riskline/internal/repo"
)

// StepView is a step with its expected and, once completed, actual scores.
type StepView struct {
	domain.Step
	ExpectedScore matrix.Score  `json:"expected_score"`
	ActualScore   *matrix.Score `json:"actual_score,omitempty"`
}

func stepViewOf(kind domain.Kind, s domain.Step) StepView {
	v := StepView{Step: s, ExpectedScore: kind.Classify(s.ExpectedLikelihood, s.ExpectedImpact)}
	if s.Completed() {
		sc := kind.Classify(*s.ActualLikelihood, *s.ActualImpact)
		v.ActualScore = &sc
	}
	return v
}

type AddStepOptions struct {
	ID                 string
	EntityID           string
	Action             string
	EstimatedStart     *time.Time
	EstimatedEnd       *time.Time
	ExpectedLikelihood *int
	ExpectedImpact     *int
	ActorID            string
}

// AddStep appends a step at the end of the entity's sequence.
func (e Engine) AddStep(ctx context.Context, opts AddStepOptions) (view StepView, err error) {
	ctx, span := tracer.Start(ctx, "engine.AddStep")
	var kind domain.Kind
	defer func() { e.finish(span, kind, "step_add", err) }()

	action := strings.TrimSpace(opts.Action)
	if action == "" {
		return StepView{}, domain.Required("action")
	}
	if err := checkEstimates(opts.EstimatedStart, opts.EstimatedEnd); err != nil {
		return StepView{}, err
	}

	unlock := e.lock(opts.EntityID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StepView{}, err
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, opts.EntityID)
	if err != nil {
		return StepView{}, err
	}
	kind = ent.Kind
	expL, err := dimension(kind, "expected_likelihood", opts.ExpectedLikelihood)
	if err != nil {
		return StepView{}, err
	}
	expI, err := dimension(kind, "expected_impact", opts.ExpectedImpact)
	if err != nil {
		return StepView{}, err
	}
	existing, err := e.Repo.ListStepsTx(ctx, tx, ent.ID)
	if err != nil {
		return StepView{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	s := domain.Step{
		ID:                 id,
		EntityID:           ent.ID,
		Sequence:           len(existing),
		Action:             action,
		EstimatedStart:     utcPtr(opts.EstimatedStart),
		EstimatedEnd:       utcPtr(opts.EstimatedEnd),
		ExpectedLikelihood: expL,
		ExpectedImpact:     expI,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Repo.InsertStep(ctx, tx, s); err != nil {
		if repo.IsUniqueViolation(err) {
			return StepView{}, fmt.Errorf("step %s already exists: %w", id, domain.ErrConflict)
		}
		return StepView{}, fmt.Errorf("insert step: %w", err)
	}
	if _, err := e.Versions.AppendStep(ctx, tx, s, opts.ActorID, now); err != nil {
		return StepView{}, err
	}
	m := audit.Meta{EntityID: ent.ID, ActorID: opts.ActorID, At: now}
	if err := e.Audit.RecordCreate(ctx, tx, m, domain.TargetStep, id); err != nil {
		return StepView{}, err
	}
	if err := tx.Commit(); err != nil {
		return StepView{}, err
	}
	e.invalidate(ent.ID)
	e.Metrics.IncrementVersions(1)
	e.log().Debug("step added", "entity", ent.ID, "step", id, "seq", s.Sequence)
	return stepViewOf(kind, s), nil
}

type UpdateStepOptions struct {
	StepID              string
	Action              *string
	EstimatedStart      *time.Time
	EstimatedEnd        *time.Time
	ClearEstimatedStart bool
	ClearEstimatedEnd   bool
	ExpectedLikelihood  *int
	ExpectedImpact      *int
	ActorID             string
}

// UpdateStep edits the plan of a step. Actual values are only set through
// CompleteStep.
func (e Engine) UpdateStep(ctx context.Context, opts UpdateStepOptions) (StepView, error) {
	return e.mutateStep(ctx, "step_update", opts.StepID, opts.ActorID, func(kind domain.Kind, s domain.Step) (domain.Step, error) {
		if s.Completed() && e.Config.LockCompletedSteps() {
			return s, domain.ValidationError{Field: "completed_at", Reason: "completed steps cannot be edited"}
		}
		if opts.Action != nil {
			s.Action = strings.TrimSpace(*opts.Action)
			if s.Action == "" {
				return s, domain.Required("action")
			}
		}
		if opts.ClearEstimatedStart {
			s.EstimatedStart = nil
		} else if opts.EstimatedStart != nil {
			s.EstimatedStart = utcPtr(opts.EstimatedStart)
		}
		if opts.ClearEstimatedEnd {
			s.EstimatedEnd = nil
		} else if opts.EstimatedEnd != nil {
			s.EstimatedEnd = utcPtr(opts.EstimatedEnd)
		}
		if err := checkEstimates(s.EstimatedStart, s.EstimatedEnd); err != nil {
			return s, err
		}
		if opts.ExpectedLikelihood != nil {
			v, err := dimension(kind, "expected_likelihood", opts.ExpectedLikelihood)
			if err != nil {
				return s, err
			}
			s.ExpectedLikelihood = v
		}
		if opts.ExpectedImpact != nil {
			v, err := dimension(kind, "expected_impact", opts.ExpectedImpact)
			if err != nil {
				return s, err
			}
			s.ExpectedImpact = v
		}
		return s, nil
	})
}

type CompleteStepOptions struct {
	StepID           string
	ActualLikelihood *int
	ActualImpact     *int
	CompletedAt      *time.Time
	ActorID          string
}

// CompleteStep records the actual posture and completion time together.
func (e Engine) CompleteStep(ctx context.Context, opts CompleteStepOptions) (StepView, error) {
	return e.mutateStep(ctx, "step_complete", opts.StepID, opts.ActorID, func(kind domain.Kind, s domain.Step) (domain.Step, error) {
		if s.Completed() && e.Config.LockCompletedSteps() {
			return s, domain.ValidationError{Field: "completed_at", Reason: "step is already completed"}
		}
		actL, err := dimension(kind, "actual_likelihood", opts.ActualLikelihood)
		if err != nil {
			return s, err
		}
		if opts.ActualImpact == nil {
			return s, domain.Required("actual_impact")
		}
		actI, err := dimension(kind, "actual_impact", opts.ActualImpact)
		if err != nil {
			return s, err
		}
		at := e.now()
		if opts.CompletedAt != nil {
			at = opts.CompletedAt.UTC().Truncate(time.Microsecond)
		}
		s.ActualLikelihood, s.ActualImpact, s.CompletedAt = &actL, &actI, &at
		return s, nil
	})
}

// mutateStep loads a step under its entity's lock, applies fn, and writes the
// row, a step version and an audit entry when anything changed.
func (e Engine) mutateStep(ctx context.Context, op, stepID, actorID string, fn func(domain.Kind, domain.Step) (domain.Step, error)) (view StepView, err error) {
	ctx, span := tracer.Start(ctx, "engine."+op)
	var kind domain.Kind
	defer func() { e.finish(span, kind, op, err) }()

	before, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return StepView{}, err
	}
	unlock := e.lock(before.EntityID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StepView{}, err
	}
	defer tx.Rollback()

	// Re-read inside the lock; the step may have changed or gone.
	before, err = e.Repo.GetStepTx(ctx, tx, stepID)
	if err != nil {
		return StepView{}, err
	}
	ent, err := e.Repo.GetEntityTx(ctx, tx, before.EntityID)
	if err != nil {
		return StepView{}, err
	}
	kind = ent.Kind
	after, err := fn(kind, before)
	if err != nil {
		return StepView{}, err
	}
	changes := audit.DiffStep(before, after)
	if len(changes) == 0 {
		return stepViewOf(kind, before), nil
	}
	now := e.now()
	after.UpdatedAt = now
	if err := e.Repo.UpdateStep(ctx, tx, after); err != nil {
		return StepView{}, err
	}
	if _, err := e.Versions.AppendStep(ctx, tx, after, actorID, now); err != nil {
		return StepView{}, err
	}
	m := audit.Meta{EntityID: ent.ID, ActorID: actorID, At: now}
	if _, err := e.Audit.RecordUpdate(ctx, tx, m, domain.TargetStep, after.ID, changes, domain.Justifications{}); err != nil {
		return StepView{}, err
	}
	if err := tx.Commit(); err != nil {
		return StepView{}, err
	}
	e.invalidate(ent.ID)
	e.Metrics.IncrementVersions(1)
	e.log().Debug("step updated", "entity", ent.ID, "step", after.ID, "op", op, "fields", len(changes))
	return stepViewOf(kind, after), nil
}

// DeleteStep removes a step and closes the gap in the sequence.
func (e Engine) DeleteStep(ctx context.Context, stepID, actorID string) (err error) {
	ctx, span := tracer.Start(ctx, "engine.DeleteStep")
	var kind domain.Kind
	defer func() { e.finish(span, kind, "step_delete", err) }()

	s, err := e.Repo.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	unlock := e.lock(s.EntityID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if s, err = e.Repo.GetStepTx(ctx, tx, stepID); err != nil {
		return err
	}
	ent, err := e.Repo.GetEntityTx(ctx, tx, s.EntityID)
	if err != nil {
		return err
	}
	kind = ent.Kind
	if s.Completed() && e.Config.LockCompletedSteps() {
		return domain.ValidationError{Field: "completed_at", Reason: "completed steps cannot be deleted"}
	}
	now := e.now()
	m := audit.Meta{EntityID: ent.ID, ActorID: actorID, At: now}
	if err := e.Audit.RecordDelete(ctx, tx, m, domain.TargetStep, s.ID); err != nil {
		return err
	}
	if err := e.Repo.DeleteStep(ctx, tx, s.ID); err != nil {
		return err
	}
	remaining, err := e.Repo.ListStepsTx(ctx, tx, ent.ID)
	if err != nil {
		return err
	}
	n, err := e.resequence(ctx, tx, remaining, actorID, now)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidate(ent.ID)
	e.Metrics.IncrementVersions(n)
	return nil
}

// ReorderSteps assigns sequence numbers from order, which must list every step
// of the entity exactly once. The whole reorder is one audit entry.
func (e Engine) ReorderSteps(ctx context.Context, entityID string, order []string, actorID string) (views []StepView, err error) {
	ctx, span := tracer.Start(ctx, "engine.ReorderSteps")
	var kind domain.Kind
	defer func() { e.finish(span, kind, "step_reorder", err) }()

	unlock := e.lock(entityID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}
	kind = ent.Kind
	steps, err := e.Repo.ListStepsTx(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}
	beforeIDs := make([]string, len(steps))
	byID := make(map[string]domain.Step, len(steps))
	for i, s := range steps {
		beforeIDs[i] = s.ID
		byID[s.ID] = s
	}
	if len(order) != len(steps) {
		return nil, domain.ValidationError{Field: "order", Reason: fmt.Sprintf("expected %d step ids, got %d", len(steps), len(order))}
	}
	reordered := make([]domain.Step, 0, len(order))
	seen := map[string]bool{}
	for _, id := range order {
		s, ok := byID[id]
		if !ok || seen[id] {
			return nil, domain.ValidationError{Field: "order", Reason: fmt.Sprintf("step %s is unknown or repeated", id)}
		}
		seen[id] = true
		reordered = append(reordered, s)
	}
	if slices.Equal(beforeIDs, order) {
		return e.stepViews(kind, steps), nil
	}
	now := e.now()
	n, err := e.resequence(ctx, tx, reordered, actorID, now)
	if err != nil {
		return nil, err
	}
	m := audit.Meta{EntityID: entityID, ActorID: actorID, At: now}
	if err := e.Audit.RecordReorder(ctx, tx, m, beforeIDs, slices.Clone(order)); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.invalidate(entityID)
	e.Metrics.IncrementVersions(n)
	for i := range reordered {
		reordered[i].Sequence = i
	}
	return e.stepViews(kind, reordered), nil
}

// resequence sets dense zero-based sequence numbers in the given order and
// versions every step whose number moved.
func (e Engine) resequence(ctx context.Context, tx *sql.Tx, steps []domain.Step, actorID string, now time.Time) (int, error) {
	n := 0
	for i, s := range steps {
		if s.Sequence == i {
			continue
		}
		s.Sequence = i
		if err := e.Repo.SetStepSequence(ctx, tx, s.ID, i); err != nil {
			return n, err
		}
		if _, err := e.Versions.AppendStep(ctx, tx, s, actorID, now); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (e Engine) ListSteps(ctx context.Context, entityID string) ([]StepView, error) {
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	steps, err := e.Repo.ListSteps(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return e.stepViews(ent.Kind, steps), nil
}

func (e Engine) StepHistory(ctx context.Context, stepID string) ([]domain.StepVersion, error) {
	if _, err := e.Repo.GetStep(ctx, stepID); err != nil {
		return nil, err
	}
	return e.Versions.ListStep(ctx, e.DB, stepID)
}

func (e Engine) stepViews(kind domain.Kind, steps []domain.Step) []StepView {
	res := make([]StepView, 0, len(steps))
	for _, s := range steps {
		res = append(res, stepViewOf(kind, s))
	}
	return res
}

func checkEstimates(start, end *time.Time) error {
	if start != nil && end != nil && end.Before(*start) {
		return domain.ValidationError{Field: "estimated_end", Reason: "before estimated_start"}
	}
	return nil
}
