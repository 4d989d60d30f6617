package versions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"riskline/internal/domain"
	"riskline/internal/repo"
)

// Store is the append-only version log for entities and their steps. Appends
// must run inside the mutation's transaction so the number read and the row
// written cannot interleave with another writer.
type Store struct {
	DB *sql.DB
}

// Append writes the next entity version. The version number is MAX+1 for the
// entity; UNIQUE(entity_id, version) rejects a concurrent duplicate with
// ErrConflict. created_at is bumped past the previous version when the clock
// has not advanced.
func (s Store) Append(ctx context.Context, q repo.Querier, entityID string, snap domain.Snapshot, j domain.Justifications, actorID string, at time.Time) (domain.Version, error) {
	var next int
	var prevAt sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1, MAX(created_at) FROM entity_versions WHERE entity_id=?`, entityID).Scan(&next, &prevAt); err != nil {
		return domain.Version{}, fmt.Errorf("next version for %s: %w", entityID, err)
	}
	at, err := afterPrevious(at, prevAt)
	if err != nil {
		return domain.Version{}, err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return domain.Version{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	res, err := q.ExecContext(ctx, `INSERT INTO entity_versions(entity_id,version,snapshot_json,likelihood,impact,likelihood_reason,impact_reason,status_reason,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		entityID, next, string(data), nullableInt(snap.Likelihood), nullableInt(snap.Impact),
		nullable(j.LikelihoodReason), nullable(j.ImpactReason), nullable(j.StatusReason), nullable(actorID), domain.FormatTime(at))
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Version{}, fmt.Errorf("entity %s version %d: %w", entityID, next, domain.ErrConflict)
		}
		return domain.Version{}, fmt.Errorf("insert version: %w", err)
	}
	id, _ := res.LastInsertId()
	return domain.Version{
		ID:             id,
		EntityID:       entityID,
		Version:        next,
		Snapshot:       snap,
		Justifications: j,
		ActorID:        actorID,
		CreatedAt:      at,
	}, nil
}

// AppendStep writes the next step version, numbered per step.
func (s Store) AppendStep(ctx context.Context, q repo.Querier, step domain.Step, actorID string, at time.Time) (domain.StepVersion, error) {
	var next int
	var prevAt sql.NullString
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1, MAX(created_at) FROM step_versions WHERE step_id=?`, step.ID).Scan(&next, &prevAt); err != nil {
		return domain.StepVersion{}, fmt.Errorf("next version for step %s: %w", step.ID, err)
	}
	at, err := afterPrevious(at, prevAt)
	if err != nil {
		return domain.StepVersion{}, err
	}
	snap := step.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return domain.StepVersion{}, fmt.Errorf("marshal step snapshot: %w", err)
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO step_versions(step_id,entity_id,version,snapshot_json,actor_id,created_at) VALUES (?,?,?,?,?,?)`,
		step.ID, step.EntityID, next, string(data), nullable(actorID), domain.FormatTime(at)); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.StepVersion{}, fmt.Errorf("step %s version %d: %w", step.ID, next, domain.ErrConflict)
		}
		return domain.StepVersion{}, fmt.Errorf("insert step version: %w", err)
	}
	return domain.StepVersion{
		StepID:    step.ID,
		EntityID:  step.EntityID,
		Version:   next,
		Snapshot:  snap,
		ActorID:   actorID,
		CreatedAt: at,
	}, nil
}

const versionColumns = `id,entity_id,version,snapshot_json,likelihood,impact,likelihood_reason,impact_reason,status_reason,actor_id,created_at`

// Latest returns the highest version of the entity.
func (s Store) Latest(ctx context.Context, q repo.Querier, entityID string) (domain.Version, error) {
	return s.one(ctx, q, `SELECT `+versionColumns+` FROM entity_versions WHERE entity_id=? ORDER BY version DESC LIMIT 1`, entityID)
}

// First returns version 1, the creation baseline.
func (s Store) First(ctx context.Context, q repo.Querier, entityID string) (domain.Version, error) {
	return s.one(ctx, q, `SELECT `+versionColumns+` FROM entity_versions WHERE entity_id=? AND version=1`, entityID)
}

// At returns the latest version created at or before ts.
func (s Store) At(ctx context.Context, q repo.Querier, entityID string, ts time.Time) (domain.Version, error) {
	v, err := s.one(ctx, q, `SELECT `+versionColumns+` FROM entity_versions WHERE entity_id=? AND created_at<=? ORDER BY version DESC LIMIT 1`,
		entityID, domain.FormatTime(ts))
	if errors.Is(err, domain.ErrNotFound) {
		return v, fmt.Errorf("entity %s has no version at or before %s: %w", entityID, domain.FormatTime(ts), domain.ErrNotFound)
	}
	return v, err
}

// List returns every version of the entity, ascending.
func (s Store) List(ctx context.Context, q repo.Querier, entityID string) ([]domain.Version, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+versionColumns+` FROM entity_versions WHERE entity_id=? ORDER BY version ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListStep returns every version of the step, ascending.
func (s Store) ListStep(ctx context.Context, q repo.Querier, stepID string) ([]domain.StepVersion, error) {
	rows, err := q.QueryContext(ctx, `SELECT step_id,entity_id,version,snapshot_json,actor_id,created_at FROM step_versions WHERE step_id=? ORDER BY version ASC`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepVersion
	for rows.Next() {
		var v domain.StepVersion
		var data, createdAt string
		var actor sql.NullString
		if err := rows.Scan(&v.StepID, &v.EntityID, &v.Version, &data, &actor, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &v.Snapshot); err != nil {
			return nil, fmt.Errorf("step %s version %d snapshot: %w", v.StepID, v.Version, err)
		}
		v.ActorID = actor.String
		if v.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// MissingEntities lists entities that have no version row at all.
func (s Store) MissingEntities(ctx context.Context, q repo.Querier) ([]string, error) {
	return listIDs(ctx, q, `SELECT e.id FROM entities e WHERE NOT EXISTS (SELECT 1 FROM entity_versions v WHERE v.entity_id=e.id) ORDER BY e.created_at, e.id`)
}

// MissingSteps lists steps that have no version row at all.
func (s Store) MissingSteps(ctx context.Context, q repo.Querier) ([]string, error) {
	return listIDs(ctx, q, `SELECT st.id FROM steps st WHERE NOT EXISTS (SELECT 1 FROM step_versions v WHERE v.step_id=st.id) ORDER BY st.created_at, st.id`)
}

func (s Store) one(ctx context.Context, q repo.Querier, query string, args ...any) (domain.Version, error) {
	v, err := scanVersion(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("version: %w", domain.ErrNotFound)
	}
	return v, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (domain.Version, error) {
	var v domain.Version
	var data, createdAt string
	var likelihood, impact sql.NullInt64
	var lr, ir, sr, actor sql.NullString
	if err := row.Scan(&v.ID, &v.EntityID, &v.Version, &data, &likelihood, &impact, &lr, &ir, &sr, &actor, &createdAt); err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(data), &v.Snapshot); err != nil {
		return v, fmt.Errorf("entity %s version %d snapshot: %w", v.EntityID, v.Version, err)
	}
	v.Justifications = domain.Justifications{LikelihoodReason: lr.String, ImpactReason: ir.String, StatusReason: sr.String}
	v.ActorID = actor.String
	var err error
	if v.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return v, err
	}
	return v, nil
}

func listIDs(ctx context.Context, q repo.Querier, query string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// afterPrevious truncates at to the stored precision and moves it one
// microsecond past prev when needed.
func afterPrevious(at time.Time, prev sql.NullString) (time.Time, error) {
	at = at.UTC().Truncate(time.Microsecond)
	if !prev.Valid {
		return at, nil
	}
	p, err := domain.ParseTime(prev.String)
	if err != nil {
		return at, fmt.Errorf("previous version time: %w", err)
	}
	if !at.After(p) {
		at = p.Add(time.Microsecond)
	}
	return at, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
