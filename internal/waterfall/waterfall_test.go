package waterfall_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/matrix"
	"riskline/internal/waterfall"
)

var t0 = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func version(n, l, i int, at time.Time) domain.Version {
	return domain.Version{EntityID: "r-1", Version: n, CreatedAt: at, Snapshot: domain.Snapshot{Likelihood: ptr(l), Impact: ptr(i)}}
}

func TestBuildSingleVersionAndPlannedStep(t *testing.T) {
	step := domain.Step{ID: "s-1", EntityID: "r-1", Action: "Add second supplier", EstimatedEnd: ptr(t0.AddDate(0, 1, 0)), ExpectedLikelihood: 1, ExpectedImpact: 2}
	w := waterfall.Build(domain.KindRisk, []domain.Version{version(1, 2, 2, t0)}, []domain.Step{step}, config.TieBreakStepLast)

	require.Len(t, w.Actual, 1)
	assert.True(t, w.Actual[0].IsOriginal)
	assert.Equal(t, 4, w.Actual[0].Rank)
	assert.Equal(t, waterfall.SourceEntityUpdate, w.Actual[0].Source)
	require.Len(t, w.Planned, 1)
	assert.Equal(t, 2, w.Planned[0].Rank)
	assert.Equal(t, "s-1", w.Planned[0].StepID)

	step.ActualLikelihood, step.ActualImpact, step.CompletedAt = ptr(1), ptr(3), ptr(t0.AddDate(0, 0, 20))
	w = waterfall.Build(domain.KindRisk, []domain.Version{version(1, 2, 2, t0)}, []domain.Step{step}, config.TieBreakStepLast)
	require.Len(t, w.Actual, 2)
	assert.Equal(t, waterfall.SourceStepCompletion, w.Actual[1].Source)
	assert.Equal(t, 9, w.Actual[1].Rank)
	assert.False(t, w.Actual[1].IsOriginal)
	assert.Len(t, w.Planned, 1)
}

func TestBuildSortsAndFallsBackToStart(t *testing.T) {
	steps := []domain.Step{
		{ID: "late", Sequence: 0, EstimatedEnd: ptr(t0.AddDate(0, 3, 0)), ExpectedLikelihood: 1, ExpectedImpact: 1},
		{ID: "start-only", Sequence: 1, EstimatedStart: ptr(t0.AddDate(0, 1, 0)), ExpectedLikelihood: 2, ExpectedImpact: 1},
		{ID: "undated", Sequence: 2, ExpectedLikelihood: 1, ExpectedImpact: 1},
	}
	vs := []domain.Version{version(2, 4, 4, t0.AddDate(0, 0, 5)), version(1, 3, 3, t0)}
	w := waterfall.Build(domain.KindRisk, vs, steps, config.TieBreakStepLast)

	require.Len(t, w.Planned, 2)
	assert.Equal(t, "start-only", w.Planned[0].StepID)
	assert.Equal(t, "late", w.Planned[1].StepID)
	require.Len(t, w.Actual, 2)
	assert.Equal(t, 1, w.Actual[0].Version)
	assert.Equal(t, matrix.High, w.Actual[1].Level)
}

func TestBuildTieBreak(t *testing.T) {
	same := t0.AddDate(0, 0, 7)
	step := domain.Step{ID: "s-1", ActualLikelihood: ptr(1), ActualImpact: ptr(1), CompletedAt: ptr(same), ExpectedLikelihood: 1, ExpectedImpact: 1}
	vs := []domain.Version{version(1, 3, 3, t0), version(2, 2, 2, same)}

	w := waterfall.Build(domain.KindRisk, vs, []domain.Step{step}, config.TieBreakStepLast)
	require.Len(t, w.Actual, 3)
	assert.Equal(t, waterfall.SourceEntityUpdate, w.Actual[1].Source)
	assert.Equal(t, waterfall.SourceStepCompletion, w.Actual[2].Source)

	w = waterfall.Build(domain.KindRisk, vs, []domain.Step{step}, config.TieBreakEntityLast)
	assert.Equal(t, waterfall.SourceStepCompletion, w.Actual[1].Source)
	assert.Equal(t, waterfall.SourceEntityUpdate, w.Actual[2].Source)
}

func TestBuildIssueUsesSingleDimension(t *testing.T) {
	w := waterfall.Build(domain.KindIssue, []domain.Version{version(1, 5, 2, t0)}, nil, "")
	require.Len(t, w.Actual, 1)
	assert.Equal(t, 16, w.Actual[0].Rank)
	assert.Empty(t, w.Planned)
}

func TestBuildSkipsUnscorableVersions(t *testing.T) {
	broken := domain.Version{EntityID: "r-1", Version: 1, CreatedAt: t0}
	w := waterfall.Build(domain.KindRisk, []domain.Version{broken, version(2, 1, 1, t0.Add(time.Hour))}, nil, "")
	require.Len(t, w.Actual, 1)
	assert.Equal(t, 2, w.Actual[0].Version)
}
