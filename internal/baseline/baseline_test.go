package baseline_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/audit"
	"riskline/internal/baseline"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/migrate"
	"riskline/internal/repo"
	"riskline/internal/versions"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

// seedHistory creates an entity at (2,2) with a version log, then moves it to
// (4,3) and simulates the defective migration that copied current values into
// the original columns.
func seedHistory(t *testing.T, conn *sql.DB, id string) {
	t.Helper()
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	store := versions.Store{DB: conn}
	e := domain.Entity{ID: id, Kind: domain.KindRisk, Title: "Test rig outage", Status: "open", Likelihood: 2, Impact: 2, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, r.InsertEntity(ctx, conn, e))
	_, err := store.Append(ctx, conn, id, e.Snapshot(), domain.Justifications{}, "alice", t0)
	require.NoError(t, err)

	e.Likelihood, e.Impact, e.UpdatedAt = 4, 3, t0.Add(time.Hour)
	require.NoError(t, r.UpdateEntity(ctx, conn, e))
	_, err = store.Append(ctx, conn, id, e.Snapshot(), domain.Justifications{LikelihoodReason: "x", ImpactReason: "y"}, "alice", e.UpdatedAt)
	require.NoError(t, err)
	require.NoError(t, r.SetOriginal(ctx, conn, id, 4, 3))
}

func TestOriginalOfReadsVersionOne(t *testing.T) {
	conn := openDB(t)
	seedHistory(t, conn, "r-1")
	x := baseline.New(conn)

	orig, err := x.OriginalOf(context.Background(), nil, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 2, orig.Likelihood)
	assert.Equal(t, 2, orig.Impact)
	assert.Equal(t, 4, orig.Score.Rank)

	_, err = x.OriginalOf(context.Background(), nil, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestOriginalOfMalformedSnapshot(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	e := domain.Entity{ID: "r-1", Kind: domain.KindRisk, Title: "Legacy", Status: "open", Likelihood: 3, Impact: 3, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, repo.Repo{DB: conn}.InsertEntity(ctx, conn, e))
	_, err := conn.Exec(`INSERT INTO entity_versions(entity_id,version,snapshot_json,created_at) VALUES ('r-1',1,'{"title":"Legacy"}',?)`, domain.FormatTime(t0))
	require.NoError(t, err)

	_, err = baseline.New(conn).OriginalOf(ctx, nil, "r-1")
	assert.True(t, errors.Is(err, domain.ErrNoBaseline))
}

func TestRepairAllIsIdempotent(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	seedHistory(t, conn, "r-1")
	seedHistory(t, conn, "r-2")
	require.NoError(t, repo.Repo{DB: conn}.SetOriginal(ctx, conn, "r-2", 2, 2))
	x := baseline.New(conn)

	rep, err := x.RepairAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, baseline.RepairReport{Scanned: 2, Repaired: 1}, rep)

	e, err := repo.Repo{DB: conn}.GetEntity(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 2, *e.OriginalLikelihood)
	assert.Equal(t, 2, *e.OriginalImpact)
	assert.Equal(t, 4, e.Likelihood, "current values untouched")

	rep, err = x.RepairAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Repaired)
	assert.Equal(t, 2, rep.Scanned)
}

func TestBackfillMissingVersions(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	r := repo.Repo{DB: conn}
	legacy := domain.Entity{ID: "o-1", Kind: domain.KindOpportunity, Title: "Reuse tooling", Status: "pursue_now", Likelihood: 3, Impact: 4, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, r.InsertEntity(ctx, conn, legacy))
	step := domain.Step{ID: "s-1", EntityID: "o-1", Action: "Inventory tools", ExpectedLikelihood: 4, ExpectedImpact: 4, CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, r.InsertStep(ctx, conn, step))
	seedHistory(t, conn, "r-1")
	x := baseline.New(conn)

	rep, err := x.BackfillMissingVersions(ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, baseline.BackfillReport{Entities: 1, Steps: 1}, rep)

	list, err := x.Versions.List(ctx, conn, "o-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].Version)
	assert.True(t, list[0].CreatedAt.Equal(t0))

	orig, err := x.OriginalOf(ctx, nil, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 3, orig.Likelihood)

	entries, err := audit.Recorder{DB: conn}.List(ctx, nil, "o-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "backfill", entries[0].Note)

	rep, err = x.BackfillMissingVersions(ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, baseline.BackfillReport{}, rep)
}
