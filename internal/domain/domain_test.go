package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/domain"
)

func TestParseKind(t *testing.T) {
	k, err := domain.ParseKind(" Risk ")
	require.NoError(t, err)
	assert.Equal(t, domain.KindRisk, k)

	_, err = domain.ParseKind("hazard")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	var ve domain.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "kind", ve.Field)
}

func TestIssueClassificationIgnoresLikelihood(t *testing.T) {
	assert.Equal(t, domain.KindIssue.Classify(1, 3), domain.KindIssue.Classify(5, 3))
	assert.Equal(t, 20, domain.KindIssue.Classify(1, 3).Rank)
	assert.Equal(t, 1, domain.KindIssue.Dimensions())
	assert.Equal(t, 2, domain.KindOpportunity.Dimensions())
}

func TestJustifiedStatusesBelongToKind(t *testing.T) {
	for _, k := range domain.Kinds {
		for _, s := range k.JustifiedStatuses() {
			assert.True(t, k.HasStatus(s), "%s/%s", k, s)
		}
		assert.True(t, k.HasStatus(k.DefaultStatus()))
	}
}

func TestTimeFormatSortsLexicographically(t *testing.T) {
	a := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Microsecond)
	assert.Less(t, domain.FormatTime(a), domain.FormatTime(b))

	parsed, err := domain.ParseTime(domain.FormatTime(b))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(b))
}

func TestStepCompletedRequiresAllFields(t *testing.T) {
	two := 2
	now := time.Now()
	s := domain.Step{ActualLikelihood: &two, ActualImpact: &two}
	assert.False(t, s.Completed())
	s.CompletedAt = &now
	assert.True(t, s.Completed())
}
