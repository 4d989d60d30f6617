package baseline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"riskline/internal/audit"
	"riskline/internal/domain"
	"riskline/internal/matrix"
	"riskline/internal/repo"
	"riskline/internal/versions"
)

// Extractor answers "what were the original values" from version 1 of the
// log. The cached original columns on the entity row are never trusted.
type Extractor struct {
	DB       *sql.DB
	Repo     repo.Repo
	Versions versions.Store
	Audit    audit.Recorder
}

func New(db *sql.DB) Extractor {
	return Extractor{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Versions: versions.Store{DB: db},
		Audit:    audit.Recorder{DB: db},
	}
}

// Original is the baseline posture of an entity.
type Original struct {
	EntityID   string       `json:"entity_id"`
	Likelihood int          `json:"likelihood"`
	Impact     int          `json:"impact"`
	Score      matrix.Score `json:"score"`
}

// OriginalOf reads version 1 and clamps both dimensions. It fails with
// ErrNoBaseline when version 1 is missing or lacks a dimension.
func (x Extractor) OriginalOf(ctx context.Context, q repo.Querier, entityID string) (Original, error) {
	if q == nil {
		q = x.DB
	}
	e, err := x.Repo.GetEntityTx(ctx, q, entityID)
	if err != nil {
		return Original{}, err
	}
	return x.originalOf(ctx, q, e)
}

func (x Extractor) originalOf(ctx context.Context, q repo.Querier, e domain.Entity) (Original, error) {
	v, err := x.Versions.First(ctx, q, e.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return Original{}, fmt.Errorf("entity %s has no version 1: %w", e.ID, domain.ErrNoBaseline)
	}
	if err != nil {
		return Original{}, err
	}
	if v.Snapshot.Likelihood == nil || v.Snapshot.Impact == nil {
		return Original{}, fmt.Errorf("entity %s version 1 lacks dimensions: %w", e.ID, domain.ErrNoBaseline)
	}
	l, i := matrix.Clamp(*v.Snapshot.Likelihood), matrix.Clamp(*v.Snapshot.Impact)
	return Original{EntityID: e.ID, Likelihood: l, Impact: i, Score: e.Kind.Classify(l, i)}, nil
}

type RepairReport struct {
	Scanned  int      `json:"scanned"`
	Repaired int      `json:"repaired"`
	Skipped  int      `json:"skipped"`
	Failed   []string `json:"failed,omitempty"`
}

// RepairAll rewrites the cached original columns from version 1 wherever they
// differ. Entities without a usable baseline are skipped and listed. Running
// it again reports zero repairs.
func (x Extractor) RepairAll(ctx context.Context) (RepairReport, error) {
	var rep RepairReport
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()

	entities, err := x.Repo.ListEntitiesTx(ctx, tx, repo.EntityFilters{})
	if err != nil {
		return rep, err
	}
	for _, e := range entities {
		rep.Scanned++
		orig, err := x.originalOf(ctx, tx, e)
		if errors.Is(err, domain.ErrNoBaseline) {
			rep.Skipped++
			rep.Failed = append(rep.Failed, e.ID)
			continue
		}
		if err != nil {
			return rep, err
		}
		if e.OriginalLikelihood != nil && e.OriginalImpact != nil &&
			*e.OriginalLikelihood == orig.Likelihood && *e.OriginalImpact == orig.Impact {
			continue
		}
		if err := x.Repo.SetOriginal(ctx, tx, e.ID, orig.Likelihood, orig.Impact); err != nil {
			return rep, err
		}
		rep.Repaired++
	}
	if err := tx.Commit(); err != nil {
		return rep, err
	}
	return rep, nil
}

type BackfillReport struct {
	Entities int `json:"entities"`
	Steps    int `json:"steps"`
}

// BackfillMissingVersions gives every legacy entity and step without a log a
// version 1 built from its current row, stamped with its creation time. A
// created audit entry noted "backfill" accompanies each entity.
func (x Extractor) BackfillMissingVersions(ctx context.Context, actorID string) (BackfillReport, error) {
	var rep BackfillReport
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return rep, err
	}
	defer tx.Rollback()

	ids, err := x.Versions.MissingEntities(ctx, tx)
	if err != nil {
		return rep, err
	}
	for _, id := range ids {
		e, err := x.Repo.GetEntityTx(ctx, tx, id)
		if err != nil {
			return rep, err
		}
		if _, err := x.Versions.Append(ctx, tx, e.ID, e.Snapshot(), domain.Justifications{}, actorID, e.CreatedAt); err != nil {
			return rep, err
		}
		if e.OriginalLikelihood == nil || e.OriginalImpact == nil {
			if err := x.Repo.SetOriginal(ctx, tx, e.ID, e.Likelihood, e.Impact); err != nil {
				return rep, err
			}
		}
		m := audit.Meta{EntityID: e.ID, ActorID: actorID, Note: "backfill", At: e.CreatedAt}
		if err := x.Audit.RecordCreate(ctx, tx, m, domain.TargetEntity, e.ID); err != nil {
			return rep, err
		}
		rep.Entities++
	}

	stepIDs, err := x.Versions.MissingSteps(ctx, tx)
	if err != nil {
		return rep, err
	}
	for _, id := range stepIDs {
		s, err := x.Repo.GetStepTx(ctx, tx, id)
		if err != nil {
			return rep, err
		}
		if _, err := x.Versions.AppendStep(ctx, tx, s, actorID, s.CreatedAt); err != nil {
			return rep, err
		}
		rep.Steps++
	}
	if err := tx.Commit(); err != nil {
		return rep, err
	}
	return rep, nil
}
