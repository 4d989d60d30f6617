package versions_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/migrate"
	"riskline/internal/repo"
	"riskline/internal/versions"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func seedEntity(t *testing.T, conn *sql.DB, id string, at time.Time) domain.Entity {
	t.Helper()
	e := domain.Entity{
		ID: id, Kind: domain.KindRisk, Title: "Supplier slip", Status: "open",
		Likelihood: 2, Impact: 2, CreatedAt: at, UpdatedAt: at,
	}
	require.NoError(t, repo.Repo{DB: conn}.InsertEntity(context.Background(), conn, e))
	return e
}

func TestAppendNumbersWithoutGaps(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	e := seedEntity(t, conn, "r-1", now)
	store := versions.Store{DB: conn}

	// Same clock reading for every append: timestamps must still increase.
	for i := 1; i <= 3; i++ {
		e.Likelihood = i
		v, err := store.Append(ctx, conn, e.ID, e.Snapshot(), domain.Justifications{LikelihoodReason: "review"}, "alice", now)
		require.NoError(t, err)
		assert.Equal(t, i, v.Version)
	}

	list, err := store.List(ctx, conn, e.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, v := range list {
		assert.Equal(t, i+1, v.Version)
		assert.Equal(t, i+1, *v.Snapshot.Likelihood)
		assert.Equal(t, "alice", v.ActorID)
		if i > 0 {
			assert.True(t, v.CreatedAt.After(list[i-1].CreatedAt))
		}
	}
	assert.Equal(t, "review", list[1].Justifications.LikelihoodReason)

	latest, err := store.Latest(ctx, conn, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
	first, err := store.First(ctx, conn, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *first.Snapshot.Likelihood)
}

func TestAtTimeTravels(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	e := seedEntity(t, conn, "r-1", t0)
	store := versions.Store{DB: conn}

	var appended []domain.Version
	for i := 0; i < 3; i++ {
		e.Impact = i + 1
		v, err := store.Append(ctx, conn, e.ID, e.Snapshot(), domain.Justifications{}, "", t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		appended = append(appended, v)
	}
	for _, want := range appended {
		got, err := store.At(ctx, conn, e.ID, want.CreatedAt)
		require.NoError(t, err)
		assert.Equal(t, want.Version, got.Version)
		assert.Equal(t, want.Snapshot, got.Snapshot)
	}

	got, err := store.At(ctx, conn, e.ID, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	_, err = store.At(ctx, conn, e.ID, t0.Add(-time.Second))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestVersionNumbersAreUnique(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	e := seedEntity(t, conn, "r-1", now)
	store := versions.Store{DB: conn}
	_, err := store.Append(ctx, conn, e.ID, e.Snapshot(), domain.Justifications{}, "", now)
	require.NoError(t, err)

	// Two writers that read the same MAX both try to insert version 2.
	_, err = conn.Exec(`INSERT INTO entity_versions(entity_id,version,snapshot_json,created_at) VALUES (?,?,?,?)`, e.ID, 2, `{}`, domain.FormatTime(now))
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO entity_versions(entity_id,version,snapshot_json,created_at) VALUES (?,?,?,?)`, e.ID, 2, `{}`, domain.FormatTime(now))
	require.Error(t, err)
}

func TestStepVersionsAndMissing(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	e := seedEntity(t, conn, "r-1", now)
	r := repo.Repo{DB: conn}
	step := domain.Step{ID: "s-1", EntityID: e.ID, Action: "Dual source", ExpectedLikelihood: 1, ExpectedImpact: 2, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.InsertStep(ctx, conn, step))
	store := versions.Store{DB: conn}

	missing, err := store.MissingEntities(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{e.ID}, missing)
	missingSteps, err := store.MissingSteps(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, []string{step.ID}, missingSteps)

	_, err = store.AppendStep(ctx, conn, step, "bob", now)
	require.NoError(t, err)
	step.Action = "Dual source and stockpile"
	v2, err := store.AppendStep(ctx, conn, step, "bob", now)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	list, err := store.ListStep(ctx, conn, step.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Dual source", list[0].Snapshot.Action)
	assert.Equal(t, "Dual source and stockpile", list[1].Snapshot.Action)

	missingSteps, err = store.MissingSteps(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, missingSteps)
}
