package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"riskline/internal/domain"
)

const stepColumns = `id,entity_id,seq,action,estimated_start,estimated_end,expected_likelihood,expected_impact,actual_likelihood,actual_impact,completed_at,created_at,updated_at`

func scanStep(row scanner) (domain.Step, error) {
	var s domain.Step
	var start, end, completedAt sql.NullString
	var actualL, actualI sql.NullInt64
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.EntityID, &s.Sequence, &s.Action, &start, &end, &s.ExpectedLikelihood, &s.ExpectedImpact,
		&actualL, &actualI, &completedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ActualLikelihood = intPtr(actualL)
	s.ActualImpact = intPtr(actualI)
	if s.EstimatedStart, err = timePtr(start); err != nil {
		return s, fmt.Errorf("step %s estimated_start: %w", s.ID, err)
	}
	if s.EstimatedEnd, err = timePtr(end); err != nil {
		return s, fmt.Errorf("step %s estimated_end: %w", s.ID, err)
	}
	if s.CompletedAt, err = timePtr(completedAt); err != nil {
		return s, fmt.Errorf("step %s completed_at: %w", s.ID, err)
	}
	if s.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) InsertStep(ctx context.Context, q Querier, s domain.Step) error {
	_, err := q.ExecContext(ctx, `INSERT INTO steps(`+stepColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.EntityID, s.Sequence, s.Action, nullableTime(s.EstimatedStart), nullableTime(s.EstimatedEnd),
		s.ExpectedLikelihood, s.ExpectedImpact, nullableIntPtr(s.ActualLikelihood), nullableIntPtr(s.ActualImpact),
		nullableTime(s.CompletedAt), domain.FormatTime(s.CreatedAt), domain.FormatTime(s.UpdatedAt))
	return err
}

func (r Repo) UpdateStep(ctx context.Context, q Querier, s domain.Step) error {
	res, err := q.ExecContext(ctx, `UPDATE steps SET seq=?, action=?, estimated_start=?, estimated_end=?, expected_likelihood=?, expected_impact=?, actual_likelihood=?, actual_impact=?, completed_at=?, updated_at=? WHERE id=?`,
		s.Sequence, s.Action, nullableTime(s.EstimatedStart), nullableTime(s.EstimatedEnd), s.ExpectedLikelihood, s.ExpectedImpact,
		nullableIntPtr(s.ActualLikelihood), nullableIntPtr(s.ActualImpact), nullableTime(s.CompletedAt), domain.FormatTime(s.UpdatedAt), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("step %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) SetStepSequence(ctx context.Context, q Querier, id string, seq int) error {
	_, err := q.ExecContext(ctx, `UPDATE steps SET seq=? WHERE id=?`, seq, id)
	return err
}

func (r Repo) DeleteStep(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM steps WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) GetStep(ctx context.Context, id string) (domain.Step, error) {
	return r.GetStepTx(ctx, r.DB, id)
}

func (r Repo) GetStepTx(ctx context.Context, q Querier, id string) (domain.Step, error) {
	s, err := scanStep(q.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return s, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return s, err
}

// ListSteps returns the entity's steps in sequence order.
func (r Repo) ListSteps(ctx context.Context, entityID string) ([]domain.Step, error) {
	return r.ListStepsTx(ctx, r.DB, entityID)
}

func (r Repo) ListStepsTx(ctx context.Context, q Querier, entityID string) ([]domain.Step, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepColumns+` FROM steps WHERE entity_id=? ORDER BY seq ASC, created_at ASC, id ASC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
