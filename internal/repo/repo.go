package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"riskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is the domain sentinel, re-exported for store callers.
var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const entityColumns = `id,kind,title,description,category,owner,status,status_reason,likelihood,impact,original_likelihood,original_impact,due_date,created_at,updated_at`

func scanEntity(row scanner) (domain.Entity, error) {
	var e domain.Entity
	var kind, createdAt, updatedAt string
	var description, category, owner, statusReason, dueDate sql.NullString
	var origL, origI sql.NullInt64
	err := row.Scan(&e.ID, &kind, &e.Title, &description, &category, &owner, &e.Status, &statusReason,
		&e.Likelihood, &e.Impact, &origL, &origI, &dueDate, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Kind = domain.Kind(kind)
	e.Description = description.String
	e.Category = category.String
	e.Owner = owner.String
	e.StatusReason = statusReason.String
	e.OriginalLikelihood = intPtr(origL)
	e.OriginalImpact = intPtr(origI)
	if e.DueDate, err = timePtr(dueDate); err != nil {
		return e, fmt.Errorf("entity %s due_date: %w", e.ID, err)
	}
	if e.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
		return e, fmt.Errorf("entity %s created_at: %w", e.ID, err)
	}
	if e.UpdatedAt, err = domain.ParseTime(updatedAt); err != nil {
		return e, fmt.Errorf("entity %s updated_at: %w", e.ID, err)
	}
	return e, nil
}

func (r Repo) InsertEntity(ctx context.Context, q Querier, e domain.Entity) error {
	_, err := q.ExecContext(ctx, `INSERT INTO entities(`+entityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.Kind), e.Title, nullable(e.Description), nullable(e.Category), nullable(e.Owner), e.Status,
		nullable(e.StatusReason), e.Likelihood, e.Impact, nullableIntPtr(e.OriginalLikelihood), nullableIntPtr(e.OriginalImpact),
		nullableTime(e.DueDate), domain.FormatTime(e.CreatedAt), domain.FormatTime(e.UpdatedAt))
	return err
}

// UpdateEntity rewrites the mutable columns. Baseline columns are only touched
// by SetOriginal.
func (r Repo) UpdateEntity(ctx context.Context, q Querier, e domain.Entity) error {
	res, err := q.ExecContext(ctx, `UPDATE entities SET title=?, description=?, category=?, owner=?, status=?, status_reason=?, likelihood=?, impact=?, due_date=?, updated_at=? WHERE id=?`,
		e.Title, nullable(e.Description), nullable(e.Category), nullable(e.Owner), e.Status, nullable(e.StatusReason),
		e.Likelihood, e.Impact, nullableTime(e.DueDate), domain.FormatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

// SetOriginal overwrites the cached baseline columns.
func (r Repo) SetOriginal(ctx context.Context, q Querier, id string, likelihood, impact int) error {
	res, err := q.ExecContext(ctx, `UPDATE entities SET original_likelihood=?, original_impact=? WHERE id=?`, likelihood, impact, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) DeleteEntity(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM entities WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r Repo) GetEntity(ctx context.Context, id string) (domain.Entity, error) {
	return r.GetEntityTx(ctx, r.DB, id)
}

func (r Repo) GetEntityTx(ctx context.Context, q Querier, id string) (domain.Entity, error) {
	e, err := scanEntity(q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return e, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return e, err
}

type EntityFilters struct {
	Kind   domain.Kind
	Status string
	Owner  string
	Limit  int
}

func (r Repo) ListEntities(ctx context.Context, f EntityFilters) ([]domain.Entity, error) {
	return r.ListEntitiesTx(ctx, r.DB, f)
}

func (r Repo) ListEntitiesTx(ctx context.Context, q Querier, f EntityFilters) ([]domain.Entity, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// IsUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return domain.FormatTime(*t)
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func timePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := domain.ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
