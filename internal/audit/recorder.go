package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"riskline/internal/domain"
	"riskline/internal/repo"
)

// Recorder appends audit entries inside the caller's transaction. Entries are
// never updated and outlive the entity they describe.
type Recorder struct {
	DB *sql.DB
}

// Meta carries the fields every entry shares.
type Meta struct {
	EntityID string
	ActorID  string
	Note     string
	At       time.Time
}

func (r Recorder) RecordCreate(ctx context.Context, q repo.Querier, m Meta, target domain.TargetKind, targetID string) error {
	return r.append(ctx, q, domain.AuditEntry{
		EntityID:   m.EntityID,
		TargetKind: target,
		TargetID:   targetID,
		Action:     domain.ActionCreated,
		Note:       m.Note,
		ActorID:    m.ActorID,
		CreatedAt:  m.At,
	})
}

// RecordUpdate stores the diff with any justifications. It writes nothing and
// reports false when there is neither.
func (r Recorder) RecordUpdate(ctx context.Context, q repo.Querier, m Meta, target domain.TargetKind, targetID string, changes map[string]domain.FieldChange, j domain.Justifications) (bool, error) {
	if len(changes) == 0 && j.IsZero() {
		return false, nil
	}
	err := r.append(ctx, q, domain.AuditEntry{
		EntityID:       m.EntityID,
		TargetKind:     target,
		TargetID:       targetID,
		Action:         domain.ActionUpdated,
		Changes:        changes,
		Justifications: j,
		Note:           m.Note,
		ActorID:        m.ActorID,
		CreatedAt:      m.At,
	})
	return err == nil, err
}

func (r Recorder) RecordDelete(ctx context.Context, q repo.Querier, m Meta, target domain.TargetKind, targetID string) error {
	return r.append(ctx, q, domain.AuditEntry{
		EntityID:   m.EntityID,
		TargetKind: target,
		TargetID:   targetID,
		Action:     domain.ActionDeleted,
		Note:       m.Note,
		ActorID:    m.ActorID,
		CreatedAt:  m.At,
	})
}

// RecordReorder writes one entry for a whole step reorder, carrying the step
// ids before and after.
func (r Recorder) RecordReorder(ctx context.Context, q repo.Querier, m Meta, before, after []string) error {
	if m.Note == "" {
		m.Note = "steps reordered"
	}
	return r.append(ctx, q, domain.AuditEntry{
		EntityID:   m.EntityID,
		TargetKind: domain.TargetEntity,
		TargetID:   m.EntityID,
		Action:     domain.ActionUpdated,
		Changes:    map[string]domain.FieldChange{"sequence": {From: before, To: after}},
		Note:       m.Note,
		ActorID:    m.ActorID,
		CreatedAt:  m.At,
	})
}

func (r Recorder) append(ctx context.Context, q repo.Querier, e domain.AuditEntry) error {
	var changes, justifications any
	if len(e.Changes) > 0 {
		data, err := json.Marshal(e.Changes)
		if err != nil {
			return fmt.Errorf("marshal audit changes: %w", err)
		}
		changes = string(data)
	}
	if !e.Justifications.IsZero() {
		data, err := json.Marshal(e.Justifications)
		if err != nil {
			return fmt.Errorf("marshal audit justifications: %w", err)
		}
		justifications = string(data)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO audit_log(entity_id,target_kind,target_id,action,changes_json,justifications_json,note,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.EntityID, string(e.TargetKind), e.TargetID, string(e.Action), changes, justifications, nullable(e.Note), nullable(e.ActorID), domain.FormatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns the entity's entries, step entries included, most recent first.
func (r Recorder) List(ctx context.Context, q repo.Querier, entityID string) ([]domain.AuditEntry, error) {
	if q == nil {
		q = r.DB
	}
	rows, err := q.QueryContext(ctx, `SELECT id,entity_id,target_kind,target_id,action,changes_json,justifications_json,note,actor_id,created_at FROM audit_log WHERE entity_id=? ORDER BY created_at DESC, id DESC`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var target, action, createdAt string
		var changes, justifications, note, actor sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityID, &target, &e.TargetID, &action, &changes, &justifications, &note, &actor, &createdAt); err != nil {
			return nil, err
		}
		e.TargetKind = domain.TargetKind(target)
		e.Action = domain.AuditAction(action)
		e.Note = note.String
		e.ActorID = actor.String
		if changes.Valid {
			if err := json.Unmarshal([]byte(changes.String), &e.Changes); err != nil {
				return nil, fmt.Errorf("audit %d changes: %w", e.ID, err)
			}
		}
		if justifications.Valid {
			if err := json.Unmarshal([]byte(justifications.String), &e.Justifications); err != nil {
				return nil, fmt.Errorf("audit %d justifications: %w", e.ID, err)
			}
		}
		if e.CreatedAt, err = domain.ParseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
