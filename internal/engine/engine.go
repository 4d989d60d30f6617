package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"riskline/internal/audit"
	"riskline/internal/baseline"
	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/matrix"
	"riskline/internal/metrics"
	"riskline/internal/repo"
	"riskline/internal/versions"
	"riskline/internal/waterfall"
)

var tracer = otel.Tracer("riskline/internal/engine")

// Engine owns the write path. Every mutation runs validation, the row write,
// the version append and the audit append in one transaction under the
// entity's lock.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Versions   versions.Store
	Audit      audit.Recorder
	Baselines  baseline.Extractor
	Waterfalls *waterfall.Service
	Config     *config.Config
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Now        func() time.Time

	locks *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	vs := versions.Store{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Versions:   vs,
		Audit:      audit.Recorder{DB: db},
		Baselines:  baseline.New(db),
		Waterfalls: &waterfall.Service{Repo: r, Versions: vs, TieBreak: cfg.TieBreak()},
		Config:     cfg,
		Logger:     slog.Default(),
		Now:        time.Now,
		locks:      newKeyedMutex(),
	}
}

func (e Engine) now() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Truncate(time.Microsecond)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) lock(entityID string) func() {
	return e.locks.Lock(entityID)
}

// finish closes an operation span and counts the mutation.
// invalidate makes the next waterfall read for the entity see the committed write.
func (e Engine) invalidate(entityID string) {
	if e.Waterfalls != nil {
		e.Waterfalls.Invalidate(entityID)
	}
}

func (e Engine) finish(span trace.Span, kind domain.Kind, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	e.Metrics.ObserveMutation(kind, op, err)
	if err != nil {
		e.log().Debug("mutation rejected", "op", op, "kind", kind, "err", err)
	}
}

// EntityView is an entity with its derived scores.
type EntityView struct {
	domain.Entity
	Score         matrix.Score  `json:"score"`
	OriginalScore *matrix.Score `json:"original_score,omitempty"`
}

func viewOf(e domain.Entity) EntityView {
	v := EntityView{Entity: e, Score: e.Score()}
	if e.OriginalLikelihood != nil && e.OriginalImpact != nil {
		s := e.Kind.Classify(*e.OriginalLikelihood, *e.OriginalImpact)
		v.OriginalScore = &s
	}
	return v
}

// CreateEntityOptions are parameters for creating an entity. Likelihood may be
// omitted for issues.
type CreateEntityOptions struct {
	ID                 string
	Kind               string
	Title              string
	Description        string
	Category           string
	Owner              string
	Status             string
	StatusReason       string
	Likelihood         *int
	Impact             *int
	DueDate            *time.Time
	OriginalLikelihood *int
	OriginalImpact     *int
	ActorID            string
}

func (e Engine) CreateEntity(ctx context.Context, opts CreateEntityOptions) (view EntityView, err error) {
	ctx, span := tracer.Start(ctx, "engine.CreateEntity")
	var kind domain.Kind
	defer func() { e.finish(span, kind, "create", err) }()

	if err := rejectOriginals(opts.OriginalLikelihood, opts.OriginalImpact); err != nil {
		return EntityView{}, err
	}
	kind, err = domain.ParseKind(opts.Kind)
	if err != nil {
		return EntityView{}, err
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return EntityView{}, domain.Required("title")
	}
	likelihood, err := dimension(kind, "likelihood", opts.Likelihood)
	if err != nil {
		return EntityView{}, err
	}
	if opts.Impact == nil {
		return EntityView{}, domain.Required("impact")
	}
	impact, err := dimension(kind, "impact", opts.Impact)
	if err != nil {
		return EntityView{}, err
	}
	status := opts.Status
	if status == "" {
		status = kind.DefaultStatus()
	}
	if !kind.HasStatus(status) {
		return EntityView{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown %s status %q", kind, status)}
	}
	if e.Config.RequiresStatusReason(kind, status) && strings.TrimSpace(opts.StatusReason) == "" {
		return EntityView{}, domain.Required("status_reason")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	ent := domain.Entity{
		ID:                 id,
		Kind:               kind,
		Title:              title,
		Description:        opts.Description,
		Category:           opts.Category,
		Owner:              opts.Owner,
		Status:             status,
		StatusReason:       opts.StatusReason,
		Likelihood:         likelihood,
		Impact:             impact,
		OriginalLikelihood: &likelihood,
		OriginalImpact:     &impact,
		DueDate:            utcPtr(opts.DueDate),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	unlock := e.lock(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EntityView{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEntity(ctx, tx, ent); err != nil {
		if repo.IsUniqueViolation(err) {
			return EntityView{}, fmt.Errorf("entity %s already exists: %w", id, domain.ErrConflict)
		}
		return EntityView{}, fmt.Errorf("insert entity: %w", err)
	}
	if _, err := e.Versions.Append(ctx, tx, id, ent.Snapshot(), domain.Justifications{StatusReason: opts.StatusReason}, opts.ActorID, now); err != nil {
		return EntityView{}, err
	}
	m := audit.Meta{EntityID: id, ActorID: opts.ActorID, At: now}
	if err := e.Audit.RecordCreate(ctx, tx, m, domain.TargetEntity, id); err != nil {
		return EntityView{}, err
	}
	if err := tx.Commit(); err != nil {
		return EntityView{}, err
	}
	e.invalidate(id)
	e.Metrics.IncrementVersions(1)
	e.log().Debug("entity created", "id", id, "kind", kind, "rank", ent.Score().Rank)
	return viewOf(ent), nil
}

// UpdateEntityOptions carries the fields to change; nil leaves a field as is.
type UpdateEntityOptions struct {
	ID                 string
	Title              *string
	Description        *string
	Category           *string
	Owner              *string
	Status             *string
	Likelihood         *int
	Impact             *int
	DueDate            *time.Time
	ClearDueDate       bool
	Justifications     domain.Justifications
	OriginalLikelihood *int
	OriginalImpact     *int
	ActorID            string
}

func (e Engine) UpdateEntity(ctx context.Context, opts UpdateEntityOptions) (view EntityView, err error) {
	ctx, span := tracer.Start(ctx, "engine.UpdateEntity")
	var kind domain.Kind
	defer func() { e.finish(span, kind, "update", err) }()

	if err := rejectOriginals(opts.OriginalLikelihood, opts.OriginalImpact); err != nil {
		return EntityView{}, err
	}
	unlock := e.lock(opts.ID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return EntityView{}, err
	}
	defer tx.Rollback()

	before, err := e.Repo.GetEntityTx(ctx, tx, opts.ID)
	if err != nil {
		return EntityView{}, err
	}
	kind = before.Kind
	after, err := e.applyEntityUpdate(before, opts)
	if err != nil {
		return EntityView{}, err
	}
	j := opts.Justifications
	changes := audit.DiffEntity(before, after)
	if len(changes) == 0 && j.IsZero() {
		return viewOf(before), nil
	}

	now := e.now()
	after.UpdatedAt = now
	if err := e.ensureFirstVersion(ctx, tx, before, opts.ActorID); err != nil {
		return EntityView{}, err
	}
	if err := e.Repo.UpdateEntity(ctx, tx, after); err != nil {
		return EntityView{}, err
	}
	if _, err := e.Versions.Append(ctx, tx, after.ID, after.Snapshot(), j, opts.ActorID, now); err != nil {
		return EntityView{}, err
	}
	m := audit.Meta{EntityID: after.ID, ActorID: opts.ActorID, At: now}
	if _, err := e.Audit.RecordUpdate(ctx, tx, m, domain.TargetEntity, after.ID, changes, j); err != nil {
		return EntityView{}, err
	}
	if err := tx.Commit(); err != nil {
		return EntityView{}, err
	}
	e.invalidate(after.ID)
	e.Metrics.IncrementVersions(1)
	e.log().Debug("entity updated", "id", after.ID, "fields", len(changes), "rank", after.Score().Rank)
	return viewOf(after), nil
}

func (e Engine) applyEntityUpdate(before domain.Entity, opts UpdateEntityOptions) (domain.Entity, error) {
	after := before
	j := opts.Justifications
	if opts.Title != nil {
		after.Title = strings.TrimSpace(*opts.Title)
		if after.Title == "" {
			return after, domain.Required("title")
		}
	}
	if opts.Description != nil {
		after.Description = *opts.Description
	}
	if opts.Category != nil {
		after.Category = *opts.Category
	}
	if opts.Owner != nil {
		after.Owner = *opts.Owner
	}
	if opts.Likelihood != nil {
		v, err := dimension(before.Kind, "likelihood", opts.Likelihood)
		if err != nil {
			return after, err
		}
		after.Likelihood = v
	}
	if opts.Impact != nil {
		v, err := dimension(before.Kind, "impact", opts.Impact)
		if err != nil {
			return after, err
		}
		after.Impact = v
	}
	if opts.ClearDueDate {
		after.DueDate = nil
	} else if opts.DueDate != nil {
		after.DueDate = utcPtr(opts.DueDate)
	}
	if after.Likelihood != before.Likelihood && strings.TrimSpace(j.LikelihoodReason) == "" {
		return after, domain.Required("likelihood_reason")
	}
	if after.Impact != before.Impact && strings.TrimSpace(j.ImpactReason) == "" {
		return after, domain.Required("impact_reason")
	}
	if opts.Status != nil && *opts.Status != before.Status {
		status := *opts.Status
		if !before.Kind.HasStatus(status) {
			return after, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown %s status %q", before.Kind, status)}
		}
		if e.Config.RequiresStatusReason(before.Kind, status) && strings.TrimSpace(j.StatusReason) == "" {
			return after, domain.Required("status_reason")
		}
		after.Status = status
		after.StatusReason = j.StatusReason
	}
	return after, nil
}

// ensureFirstVersion writes version 1 and its backfill audit entry from the
// pre-change row for a legacy entity that has no log yet, so the baseline
// keeps the creation values.
func (e Engine) ensureFirstVersion(ctx context.Context, tx *sql.Tx, before domain.Entity, actorID string) error {
	_, err := e.Versions.Latest(ctx, tx, before.ID)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if _, err := e.Versions.Append(ctx, tx, before.ID, before.Snapshot(), domain.Justifications{}, actorID, before.CreatedAt); err != nil {
		return err
	}
	m := audit.Meta{EntityID: before.ID, ActorID: actorID, Note: "backfill", At: before.CreatedAt}
	if err := e.Audit.RecordCreate(ctx, tx, m, domain.TargetEntity, before.ID); err != nil {
		return err
	}
	e.Metrics.IncrementVersions(1)
	e.log().Info("wrote missing version 1 before update", "id", before.ID)
	return nil
}

func (e Engine) DeleteEntity(ctx context.Context, id, actorID, note string) (err error) {
	ctx, span := tracer.Start(ctx, "engine.DeleteEntity")
	var kind domain.Kind
	defer func() { e.finish(span, kind, "delete", err) }()

	unlock := e.lock(id)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, id)
	if err != nil {
		return err
	}
	kind = ent.Kind
	m := audit.Meta{EntityID: id, ActorID: actorID, Note: note, At: e.now()}
	if err := e.Audit.RecordDelete(ctx, tx, m, domain.TargetEntity, id); err != nil {
		return err
	}
	if err := e.Repo.DeleteEntity(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.invalidate(id)
	e.log().Debug("entity deleted", "id", id)
	return nil
}

func (e Engine) GetEntity(ctx context.Context, id string) (EntityView, error) {
	ent, err := e.Repo.GetEntity(ctx, id)
	if err != nil {
		return EntityView{}, err
	}
	return viewOf(ent), nil
}

func (e Engine) ListEntities(ctx context.Context, f repo.EntityFilters) ([]EntityView, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", f.Kind)}
	}
	ents, err := e.Repo.ListEntities(ctx, f)
	if err != nil {
		return nil, err
	}
	res := make([]EntityView, 0, len(ents))
	for _, ent := range ents {
		res = append(res, viewOf(ent))
	}
	return res, nil
}

func rejectOriginals(likelihood, impact *int) error {
	if likelihood != nil {
		return domain.ImmutableFieldError{Field: "original_likelihood"}
	}
	if impact != nil {
		return domain.ImmutableFieldError{Field: "original_impact"}
	}
	return nil
}

// dimension validates one ordinal input. Issues pin likelihood, so it may be
// omitted and any other value is rejected.
func dimension(kind domain.Kind, field string, v *int) (int, error) {
	if kind == domain.KindIssue && strings.HasSuffix(field, "likelihood") {
		if v == nil || *v == matrix.IssueLikelihood {
			return matrix.IssueLikelihood, nil
		}
		return 0, domain.ValidationError{Field: field, Reason: fmt.Sprintf("issue likelihood is fixed at %d", matrix.IssueLikelihood)}
	}
	if v == nil {
		return 0, domain.Required(field)
	}
	if !matrix.InRange(*v) {
		return 0, domain.ValidationError{Field: field, Reason: fmt.Sprintf("must be between %d and %d", matrix.MinValue, matrix.MaxValue)}
	}
	return *v, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC().Truncate(time.Microsecond)
	return &u
}
