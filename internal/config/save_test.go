package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Capacity.Total = 9
	cfg.TaskTimeout = 2 * time.Hour
	cfg.Project.ExpertDomains = []string{"billing", "auth"}
	cfg.Stages["lint"] = StageCommand{Command: "golangci-lint", Args: []string{"run", "./..."}}
	cfg.Retry.Stages["lint"] = RetryOverride{MaxAttempts: 1}

	require.NoError(t, Save(cfg, path))

	loaded, err := Load("", path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Routing, loaded.Routing)
	assert.Equal(t, cfg.Capacity, loaded.Capacity)
	assert.Equal(t, cfg.TaskTimeout, loaded.TaskTimeout)
	assert.Equal(t, cfg.Project, loaded.Project)
	assert.Equal(t, cfg.Stages, loaded.Stages)
	assert.Equal(t, cfg.Selection, loaded.Selection)
	assert.Equal(t, 1, loaded.Retry.For("lint").MaxAttempts)
	assert.Equal(t, len(cfg.Patterns), len(loaded.Patterns))
	for name, p := range cfg.Patterns {
		assert.Equal(t, p.Stages, loaded.Patterns[name].Stages, name)
		assert.Equal(t, p.Gate, loaded.Patterns[name].Gate, name)
	}
}

func TestMarshalUsesReadableDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskTimeout = 90 * time.Minute
	data, err := Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(data), "task_timeout: 1h30m0s")
	assert.Contains(t, string(data), "min_criticality: critical")
}
