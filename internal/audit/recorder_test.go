package audit_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/audit"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func TestDiffEntityAllowList(t *testing.T) {
	due := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	sameDue := due.In(time.FixedZone("CET", 3600))
	before := domain.Entity{Kind: domain.KindRisk, Title: "Late parts", Status: "open", Likelihood: 2, Impact: 2, DueDate: &due}
	after := before
	after.DueDate = &sameDue
	after.UpdatedAt = time.Now()
	orig := 2
	after.OriginalLikelihood = &orig
	assert.Empty(t, audit.DiffEntity(before, after), "same instant in another zone and non-audited fields")

	after.Likelihood = 4
	after.Status = "mitigating"
	changes := audit.DiffEntity(before, after)
	assert.Equal(t, map[string]domain.FieldChange{
		"likelihood": {From: 2, To: 4},
		"status":     {From: "open", To: "mitigating"},
	}, changes)
}

func TestDiffStep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	before := domain.Step{Action: "Qualify vendor", ExpectedLikelihood: 1, ExpectedImpact: 2}
	after := before
	a, b := 1, 3
	after.ActualLikelihood, after.ActualImpact, after.CompletedAt = &a, &b, &now
	after.Sequence = 4
	changes := audit.DiffStep(before, after)
	assert.Len(t, changes, 3)
	assert.Equal(t, domain.FieldChange{From: nil, To: "2025-06-01T12:00:00Z"}, changes["completed_at"])
	assert.Equal(t, domain.FieldChange{From: nil, To: 3}, changes["actual_impact"])
}

func TestRecorderListsMostRecentFirst(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	rec := audit.Recorder{DB: conn}
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	m := audit.Meta{EntityID: "r-1", ActorID: "alice", At: t0}

	require.NoError(t, rec.RecordCreate(ctx, conn, m, domain.TargetEntity, "r-1"))

	m.At = t0.Add(time.Minute)
	wrote, err := rec.RecordUpdate(ctx, conn, m, domain.TargetEntity, "r-1", map[string]domain.FieldChange{}, domain.Justifications{})
	require.NoError(t, err)
	assert.False(t, wrote)

	wrote, err = rec.RecordUpdate(ctx, conn, m, domain.TargetEntity, "r-1",
		map[string]domain.FieldChange{"likelihood": {From: 2, To: 4}},
		domain.Justifications{LikelihoodReason: "vendor went bankrupt"})
	require.NoError(t, err)
	assert.True(t, wrote)

	m.At = t0.Add(2 * time.Minute)
	require.NoError(t, rec.RecordReorder(ctx, conn, m, []string{"s-1", "s-2"}, []string{"s-2", "s-1"}))
	m.At = t0.Add(3 * time.Minute)
	require.NoError(t, rec.RecordDelete(ctx, conn, m, domain.TargetStep, "s-1"))

	entries, err := rec.List(ctx, nil, "r-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, domain.ActionDeleted, entries[0].Action)
	assert.Equal(t, domain.TargetStep, entries[0].TargetKind)
	assert.Equal(t, "steps reordered", entries[1].Note)
	assert.Equal(t, []any{"s-1", "s-2"}, entries[1].Changes["sequence"].From)
	assert.EqualValues(t, 2, entries[2].Changes["likelihood"].From)
	assert.EqualValues(t, 4, entries[2].Changes["likelihood"].To)
	assert.Equal(t, "vendor went bankrupt", entries[2].Justifications.LikelihoodReason)
	assert.Equal(t, domain.ActionCreated, entries[3].Action)
	assert.Equal(t, "alice", entries[3].ActorID)
}

func TestDiffKeepsSubSecondDates(t *testing.T) {
	due := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	moved := due.Add(500 * time.Millisecond)
	before := domain.Entity{Kind: domain.KindRisk, Title: "Late parts", Status: "open", Likelihood: 2, Impact: 2, DueDate: &due}
	after := before
	after.DueDate = &moved
	changes := audit.DiffEntity(before, after)
	require.Contains(t, changes, "due_date")
	assert.Equal(t, domain.FormatTime(moved), changes["due_date"].To)

	step := domain.Step{Action: "Buffer stock", EstimatedEnd: &due, ExpectedLikelihood: 1, ExpectedImpact: 1}
	edited := step
	edited.EstimatedEnd = &moved
	assert.Contains(t, audit.DiffStep(step, edited), "estimated_end")
}
