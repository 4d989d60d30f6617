package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskline/internal/config"
	"riskline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "local-user", cfg.Actor.Default)
	assert.True(t, cfg.LockCompletedSteps())
	assert.Equal(t, config.TieBreakStepLast, cfg.TieBreak())
	assert.True(t, cfg.RequiresStatusReason(domain.KindRisk, "closed"))
	assert.False(t, cfg.RequiresStatusReason(domain.KindRisk, "mitigating"))
}

func TestFromYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
justification:
  statuses:
    risk: [accepted]
steps:
  lock_completed: false
`))
	require.NoError(t, err)
	assert.False(t, cfg.LockCompletedSteps())
	assert.True(t, cfg.RequiresStatusReason(domain.KindRisk, "accepted"))
	assert.False(t, cfg.RequiresStatusReason(domain.KindRisk, "closed"))
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestValidateRejectsUnknownStatus(t *testing.T) {
	_, err := config.FromYAML([]byte(`
justification:
  statuses:
    issue: [mitigating]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status mitigating")
}

func TestValidateRejectsTieBreak(t *testing.T) {
	_, err := config.FromYAML([]byte("waterfall:\n  tie_break: coin_flip\n"))
	require.Error(t, err)
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "local-user", cfg.Actor.Default)

	_, err = config.Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "riskline.yml"), []byte("actor:\n  default: auditor\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "auditor", cfg.Actor.Default)
}
