package engine

import (
	"context"
	"fmt"
	"time"

	"riskline/internal/baseline"
	"riskline/internal/domain"
	"riskline/internal/matrix"
	"riskline/internal/waterfall"
)

// VersionView is a logged version with the score re-derived from its raw
// values. Score is nil for a snapshot missing a dimension.
type VersionView struct {
	domain.Version
	Score *matrix.Score `json:"score,omitempty"`
}

// History lists the entity's versions ascending. With at set it returns the
// single version in force at that moment.
func (e Engine) History(ctx context.Context, entityID string, at *time.Time) ([]VersionView, error) {
	ctx, span := tracer.Start(ctx, "engine.History")
	defer span.End()

	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	var vs []domain.Version
	if at != nil {
		v, err := e.Versions.At(ctx, e.DB, entityID, *at)
		if err != nil {
			return nil, err
		}
		vs = []domain.Version{v}
	} else if vs, err = e.Versions.List(ctx, e.DB, entityID); err != nil {
		return nil, err
	}
	res := make([]VersionView, 0, len(vs))
	for _, v := range vs {
		view := VersionView{Version: v}
		if v.Snapshot.Likelihood != nil && v.Snapshot.Impact != nil {
			sc := ent.Kind.Classify(*v.Snapshot.Likelihood, *v.Snapshot.Impact)
			view.Score = &sc
		}
		res = append(res, view)
	}
	return res, nil
}

// AuditLog returns entries most recent first. Entries of a deleted entity are
// still returned; an id with no entity and no entries is not found.
func (e Engine) AuditLog(ctx context.Context, entityID string) ([]domain.AuditEntry, error) {
	ctx, span := tracer.Start(ctx, "engine.AuditLog")
	defer span.End()

	entries, err := e.Audit.List(ctx, e.DB, entityID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
			return nil, err
		}
		return []domain.AuditEntry{}, nil
	}
	return entries, nil
}

func (e Engine) Waterfall(ctx context.Context, entityID string) (waterfall.Waterfall, error) {
	ctx, span := tracer.Start(ctx, "engine.Waterfall")
	defer span.End()

	svc := e.Waterfalls
	if svc == nil {
		svc = &waterfall.Service{Repo: e.Repo, Versions: e.Versions, TieBreak: e.Config.TieBreak()}
	}
	start := time.Now()
	w, err := svc.Waterfall(ctx, entityID)
	if err != nil {
		return waterfall.Waterfall{}, err
	}
	e.Metrics.ObserveWaterfall(len(w.Planned)+len(w.Actual), time.Since(start))
	return w, nil
}

func (e Engine) Baseline(ctx context.Context, entityID string) (baseline.Original, error) {
	ctx, span := tracer.Start(ctx, "engine.Baseline")
	defer span.End()
	return e.Baselines.OriginalOf(ctx, e.DB, entityID)
}

// RepairBaselines rewrites cached original columns from version 1.
func (e Engine) RepairBaselines(ctx context.Context) (baseline.RepairReport, error) {
	ctx, span := tracer.Start(ctx, "engine.RepairBaselines")
	defer span.End()

	rep, err := e.Baselines.RepairAll(ctx)
	if err != nil {
		span.RecordError(err)
		return rep, fmt.Errorf("repair baselines: %w", err)
	}
	e.Metrics.IncrementRepaired("repair_baselines", rep.Repaired)
	e.log().Info("baselines repaired", "scanned", rep.Scanned, "repaired", rep.Repaired, "skipped", rep.Skipped)
	if rep.Skipped > 0 {
		e.log().Warn("entities without usable version 1", "ids", rep.Failed)
	}
	return rep, nil
}

// BackfillMissingVersions writes version 1 for legacy rows without a log.
func (e Engine) BackfillMissingVersions(ctx context.Context, actorID string) (baseline.BackfillReport, error) {
	ctx, span := tracer.Start(ctx, "engine.BackfillMissingVersions")
	defer span.End()

	rep, err := e.Baselines.BackfillMissingVersions(ctx, actorID)
	if err != nil {
		span.RecordError(err)
		return rep, fmt.Errorf("backfill versions: %w", err)
	}
	e.Metrics.IncrementVersions(rep.Entities + rep.Steps)
	e.Metrics.IncrementRepaired("backfill_versions", rep.Entities+rep.Steps)
	e.log().Info("versions backfilled", "entities", rep.Entities, "steps", rep.Steps)
	return rep, nil
}
