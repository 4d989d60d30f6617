package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/metrics"
	"riskline/internal/migrate"
	"riskline/internal/repo"
	"riskline/internal/waterfall"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *clock
}

// clock advances one minute per reading so versions get distinct times.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = c.Now
	eng.Metrics = metrics.New(prometheus.NewRegistry())
	return testEnv{Engine: eng, Ctx: context.Background(), clock: c}
}

func ptr[T any](v T) *T { return &v }

func (env testEnv) createRisk(t *testing.T, l, i int) engine.EntityView {
	t.Helper()
	v, err := env.Engine.CreateEntity(env.Ctx, engine.CreateEntityOptions{
		Kind: "risk", Title: "Late delivery of test rig", Owner: "ops",
		Likelihood: ptr(l), Impact: ptr(i), ActorID: "tester",
	})
	require.NoError(t, err)
	return v
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	created := env.createRisk(t, 2, 2)
	assert.Equal(t, 4, created.Score.Rank)

	updated, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
		ID:             created.ID,
		Likelihood:     ptr(4),
		Justifications: domain.Justifications{LikelihoodReason: "supplier lost certification"},
		ActorID:        "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, 12, updated.Score.Rank)
	assert.NotEqual(t, created.Score.Rank, updated.Score.Rank)

	history, err := env.Engine.History(env.Ctx, created.ID, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "supplier lost certification", history[1].Justifications.LikelihoodReason)

	entries, err := env.Engine.AuditLog(env.Ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionUpdated, entries[0].Action)
	require.Contains(t, entries[0].Changes, "likelihood")
	assert.EqualValues(t, 2, entries[0].Changes["likelihood"].From)
	assert.EqualValues(t, 4, entries[0].Changes["likelihood"].To)
	assert.Len(t, entries[0].Changes, 1)
	assert.Equal(t, "supplier lost certification", entries[0].Justifications.LikelihoodReason)

	orig, err := env.Engine.Baseline(env.Ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, orig.Likelihood)
	assert.Equal(t, 2, orig.Impact)

	_, err = env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
		ID: created.ID, Impact: ptr(5), Justifications: domain.Justifications{ImpactReason: "schedule critical"},
	})
	require.NoError(t, err)
	got, err := env.Engine.GetEntity(env.Ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *got.OriginalLikelihood)
	assert.Equal(t, 2, *got.OriginalImpact)
	assert.Equal(t, 4, got.OriginalScore.Rank)
}

func TestUpdateRequiresJustification(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 2, 2)

	_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{ID: e.ID, Likelihood: ptr(3)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "likelihood_reason", verr.Field)

	_, err = env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{ID: e.ID, Status: ptr("closed")})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "status_reason", verr.Field)

	// A non-sensitive status needs no reason.
	_, err = env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{ID: e.ID, Status: ptr("mitigating")})
	require.NoError(t, err)

	history, err := env.Engine.History(env.Ctx, e.ID, nil)
	require.NoError(t, err)
	assert.Len(t, history, 2, "rejected updates leave no version")
}

func TestUpdateRejectsOriginalsAndRange(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 2, 2)

	_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{ID: e.ID, OriginalLikelihood: ptr(1)})
	assert.True(t, errors.Is(err, domain.ErrImmutableField))
	_, err = env.Engine.CreateEntity(env.Ctx, engine.CreateEntityOptions{
		Kind: "risk", Title: "x", Likelihood: ptr(1), Impact: ptr(1), OriginalImpact: ptr(1),
	})
	assert.True(t, errors.Is(err, domain.ErrImmutableField))

	_, err = env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
		ID: e.ID, Impact: ptr(6), Justifications: domain.Justifications{ImpactReason: "worse"},
	})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = env.Engine.CreateEntity(env.Ctx, engine.CreateEntityOptions{Kind: "risk", Likelihood: ptr(1), Impact: ptr(1)})
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "title", verr.Field)

	_, err = env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{ID: "nope", Title: ptr("x")})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestNoopUpdateWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 2, 2)
	_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{ID: e.ID, Title: ptr(e.Title), Likelihood: ptr(2)})
	require.NoError(t, err)

	history, err := env.Engine.History(env.Ctx, e.ID, nil)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	entries, err := env.Engine.AuditLog(env.Ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestIssuePinsLikelihood(t *testing.T) {
	env := newTestEnv(t)
	issue, err := env.Engine.CreateEntity(env.Ctx, engine.CreateEntityOptions{Kind: "issue", Title: "Rig failed", Impact: ptr(3)})
	require.NoError(t, err)
	assert.Equal(t, 5, issue.Likelihood)
	assert.Equal(t, 20, issue.Score.Rank)
	assert.Equal(t, "open", issue.Status)

	_, err = env.Engine.CreateEntity(env.Ctx, engine.CreateEntityOptions{Kind: "issue", Title: "x", Likelihood: ptr(3), Impact: ptr(3)})
	assert.True(t, errors.Is(err, domain.ErrValidation))

	_, err = env.Engine.AddStep(env.Ctx, engine.AddStepOptions{EntityID: issue.ID, Action: "Repair rig", ExpectedImpact: ptr(1)})
	require.NoError(t, err)
}

func TestHistoryRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 1, 1)
	for i := 2; i <= 5; i++ {
		_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
			ID: e.ID, Impact: ptr(i), Justifications: domain.Justifications{ImpactReason: "trend"},
		})
		require.NoError(t, err)
	}
	all, err := env.Engine.History(env.Ctx, e.ID, nil)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for n, v := range all {
		assert.Equal(t, n+1, v.Version.Version)
		if n > 0 {
			assert.True(t, v.CreatedAt.After(all[n-1].CreatedAt))
		}
		at := v.CreatedAt
		got, err := env.Engine.History(env.Ctx, e.ID, &at)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, v.Version.Version, got[0].Version.Version)
		assert.Equal(t, v.Snapshot, got[0].Snapshot)
	}

	before := all[0].CreatedAt.Add(-time.Hour)
	_, err = env.Engine.History(env.Ctx, e.ID, &before)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestWaterfallCompleteness(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 2, 2)
	step, err := env.Engine.AddStep(env.Ctx, engine.AddStepOptions{
		EntityID: e.ID, Action: "Qualify second supplier",
		EstimatedEnd:       ptr(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		ExpectedLikelihood: ptr(1), ExpectedImpact: ptr(2),
	})
	require.NoError(t, err)

	w, err := env.Engine.Waterfall(env.Ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, w.Actual, 1)
	assert.True(t, w.Actual[0].IsOriginal)
	require.Len(t, w.Planned, 1)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{StepID: step.ID, ActualLikelihood: ptr(1), ActualImpact: ptr(3)})
	require.NoError(t, err)
	w, err = env.Engine.Waterfall(env.Ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, w.Actual, 2)
	assert.Equal(t, waterfall.SourceStepCompletion, w.Actual[1].Source)
	assert.Equal(t, step.ID, w.Actual[1].StepID)

	_, err = env.Engine.Waterfall(env.Ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCompletedStepsAreLocked(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 3, 3)
	s, err := env.Engine.AddStep(env.Ctx, engine.AddStepOptions{EntityID: e.ID, Action: "Buffer stock", ExpectedLikelihood: ptr(2), ExpectedImpact: ptr(3)})
	require.NoError(t, err)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{StepID: s.ID, ActualLikelihood: ptr(2)})
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "actual_impact", verr.Field)

	done, err := env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{StepID: s.ID, ActualLikelihood: ptr(2), ActualImpact: ptr(2)})
	require.NoError(t, err)
	require.NotNil(t, done.ActualScore)
	assert.Equal(t, 4, done.ActualScore.Rank)

	_, err = env.Engine.UpdateStep(env.Ctx, engine.UpdateStepOptions{StepID: s.ID, Action: ptr("Bigger buffer")})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "completed_at", verr.Field)
	_, err = env.Engine.CompleteStep(env.Ctx, engine.CompleteStepOptions{StepID: s.ID, ActualLikelihood: ptr(1), ActualImpact: ptr(1)})
	assert.True(t, errors.Is(err, domain.ErrValidation))
	err = env.Engine.DeleteStep(env.Ctx, s.ID, "tester")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	env.Engine.Config.Steps.LockCompleted = ptr(false)
	_, err = env.Engine.UpdateStep(env.Ctx, engine.UpdateStepOptions{StepID: s.ID, Action: ptr("Bigger buffer")})
	require.NoError(t, err)
}

func TestReorderAndDeleteSteps(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 4, 4)
	var ids []string
	for _, action := range []string{"a", "b", "c"} {
		s, err := env.Engine.AddStep(env.Ctx, engine.AddStepOptions{EntityID: e.ID, Action: action, ExpectedLikelihood: ptr(3), ExpectedImpact: ptr(3)})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	_, err := env.Engine.ReorderSteps(env.Ctx, e.ID, []string{ids[0], ids[0], ids[1]}, "tester")
	assert.True(t, errors.Is(err, domain.ErrValidation))

	views, err := env.Engine.ReorderSteps(env.Ctx, e.ID, []string{ids[2], ids[0], ids[1]}, "tester")
	require.NoError(t, err)
	assert.Equal(t, ids[2], views[0].ID)
	assert.Equal(t, 0, views[0].Sequence)

	entries, err := env.Engine.AuditLog(env.Ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "steps reordered", entries[0].Note)
	assert.Len(t, entries[0].Changes, 1)

	require.NoError(t, env.Engine.DeleteStep(env.Ctx, ids[2], "tester"))
	steps, err := env.Engine.ListSteps(env.Ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i, s := range steps {
		assert.Equal(t, i, s.Sequence)
	}
	assert.Equal(t, ids[0], steps[0].ID)

	hist, err := env.Engine.StepHistory(env.Ctx, ids[0])
	require.NoError(t, err)
	// created at 0, moved to 1 by the reorder, back to 0 after the delete
	require.Len(t, hist, 3)
	assert.Equal(t, 0, hist[2].Snapshot.Sequence)
}

func TestDeleteKeepsAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 2, 3)
	_, err := env.Engine.AddStep(env.Ctx, engine.AddStepOptions{EntityID: e.ID, Action: "x", ExpectedLikelihood: ptr(1), ExpectedImpact: ptr(1)})
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteEntity(env.Ctx, e.ID, "tester", "duplicate"))
	_, err = env.Engine.GetEntity(env.Ctx, e.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = env.Engine.History(env.Ctx, e.ID, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	entries, err := env.Engine.AuditLog(env.Ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.ActionDeleted, entries[0].Action)
	assert.Equal(t, "duplicate", entries[0].Note)

	var n int
	require.NoError(t, env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM entity_versions WHERE entity_id=?`, e.ID).Scan(&n))
	assert.Zero(t, n)

	_, err = env.Engine.AuditLog(env.Ctx, "never-existed")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestConcurrentUpdatesKeepVersionsDense(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 1, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
				ID: e.ID, Title: ptr("title " + string(rune('a'+i))),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	history, err := env.Engine.History(env.Ctx, e.ID, nil)
	require.NoError(t, err)
	require.Len(t, history, 9)
	for i, v := range history {
		assert.Equal(t, i+1, v.Version.Version)
	}
}

func TestRepairAndBackfill(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 2, 2)
	_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
		ID: e.ID, Likelihood: ptr(5), Justifications: domain.Justifications{LikelihoodReason: "escalated"},
	})
	require.NoError(t, err)
	r := env.Engine.Repo
	require.NoError(t, r.SetOriginal(env.Ctx, r.DB, e.ID, 5, 2))

	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	legacy := domain.Entity{ID: "legacy-1", Kind: domain.KindOpportunity, Title: "Reuse fixtures", Status: "pursue_now", Likelihood: 3, Impact: 3, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.InsertEntity(env.Ctx, r.DB, legacy))

	fill, err := env.Engine.BackfillMissingVersions(env.Ctx, "system")
	require.NoError(t, err)
	assert.Equal(t, 1, fill.Entities)

	rep, err := env.Engine.RepairBaselines(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scanned)
	assert.Equal(t, 1, rep.Repaired)
	rep, err = env.Engine.RepairBaselines(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Repaired)

	got, err := env.Engine.GetEntity(env.Ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, *got.OriginalLikelihood)

	list, err := env.Engine.ListEntities(env.Ctx, repo.EntityFilters{Kind: domain.KindOpportunity})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "legacy-1", list[0].ID)
}

func TestUpdateLegacyEntityKeepsBaseline(t *testing.T) {
	env := newTestEnv(t)
	r := env.Engine.Repo
	now := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	legacy := domain.Entity{ID: "legacy-1", Kind: domain.KindRisk, Title: "Old", Status: "open", Likelihood: 3, Impact: 3, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.InsertEntity(env.Ctx, r.DB, legacy))

	_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
		ID: legacy.ID, Likelihood: ptr(1), Justifications: domain.Justifications{LikelihoodReason: "controls in place"},
	})
	require.NoError(t, err)
	orig, err := env.Engine.Baseline(env.Ctx, legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, orig.Likelihood)

	entries, err := env.Engine.AuditLog(env.Ctx, legacy.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionUpdated, entries[0].Action)
	assert.Equal(t, domain.ActionCreated, entries[1].Action)
	assert.Equal(t, "backfill", entries[1].Note)
	assert.True(t, now.Equal(entries[1].CreatedAt))
}

func TestSubSecondDueDateChangeIsKept(t *testing.T) {
	env := newTestEnv(t)
	due := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e, err := env.Engine.CreateEntity(env.Ctx, engine.CreateEntityOptions{
		Kind: "risk", Title: "Late parts", Likelihood: ptr(2), Impact: ptr(2), DueDate: &due,
	})
	require.NoError(t, err)

	moved := due.Add(500 * time.Millisecond)
	v, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{ID: e.ID, DueDate: &moved})
	require.NoError(t, err)
	require.NotNil(t, v.DueDate)
	assert.True(t, moved.Equal(*v.DueDate))

	stored, err := env.Engine.GetEntity(env.Ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.DueDate)
	assert.True(t, moved.Equal(*stored.DueDate))
	history, err := env.Engine.History(env.Ctx, e.ID, nil)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestFailedAppendLeavesEntityUntouched(t *testing.T) {
	for _, table := range []string{"entity_versions", "audit_log"} {
		t.Run(table, func(t *testing.T) {
			env := newTestEnv(t)
			e := env.createRisk(t, 2, 2)
			_, err := env.Engine.DB.ExecContext(env.Ctx,
				"CREATE TRIGGER fail_append BEFORE INSERT ON "+table+" BEGIN SELECT RAISE(ABORT, 'append refused'); END")
			require.NoError(t, err)

			_, err = env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
				ID: e.ID, Title: ptr("Renamed"), Likelihood: ptr(4),
				Justifications: domain.Justifications{LikelihoodReason: "supplier strike"},
			})
			require.Error(t, err)

			_, err = env.Engine.DB.ExecContext(env.Ctx, "DROP TRIGGER fail_append")
			require.NoError(t, err)
			got, err := env.Engine.GetEntity(env.Ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, e.Title, got.Title)
			assert.Equal(t, 2, got.Likelihood)
			assert.True(t, e.UpdatedAt.Equal(got.UpdatedAt))
			history, err := env.Engine.History(env.Ctx, e.ID, nil)
			require.NoError(t, err)
			assert.Len(t, history, 1)
			entries, err := env.Engine.AuditLog(env.Ctx, e.ID)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestWaterfallSeesCommittedUpdate(t *testing.T) {
	env := newTestEnv(t)
	e := env.createRisk(t, 2, 2)
	w, err := env.Engine.Waterfall(env.Ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, w.Actual, 1)

	_, err = env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityOptions{
		ID: e.ID, Likelihood: ptr(4), Justifications: domain.Justifications{LikelihoodReason: "supplier strike"},
	})
	require.NoError(t, err)
	w, err = env.Engine.Waterfall(env.Ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, w.Actual, 2)
	assert.Equal(t, 12, w.Actual[1].Rank)
}
