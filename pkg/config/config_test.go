package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainprep/pkg/errs"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []int{50, 50, 50, 50}, cfg.BiasCorrection.Iterations)
	assert.Len(t, cfg.Dataset.Subjects, 3)
	assert.GreaterOrEqual(t, cfg.Segmentation.Restarts, 10)
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestYAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "brainprep.yaml")
	cfg := DefaultConfig()
	cfg.Segmentation.Seed = 7
	cfg.Pipeline.Stages = []string{StageLoad, StageExtract}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), loaded.Segmentation.Seed)
	assert.Equal(t, []string{StageLoad, StageExtract}, loaded.Pipeline.Stages)
}

func TestTOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brainprep.toml")
	data := `
[output]
dir = "elsewhere"

[biasCorrection]
iterations = [20, 20]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "elsewhere", cfg.Output.Dir)
	assert.Equal(t, []int{20, 20}, cfg.BiasCorrection.Iterations)
	// untouched sections keep defaults
	assert.Equal(t, uint64(42), cfg.Segmentation.Seed)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("segmentation:\n  restarts: 3\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestStagePrefix(t *testing.T) {
	n, err := StagePrefix([]string{"load", "extract", "correct"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = StagePrefix(DefaultStages)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultStages), n)

	for _, bad := range [][]string{
		nil,
		{"extract"},
		{"load", "correct"},
		{"load", "extract", "correct", "segment", "render", "extra"},
	} {
		_, err := StagePrefix(bad)
		assert.ErrorIs(t, err, errs.ErrConfiguration, "stages %v", bad)
	}
}
