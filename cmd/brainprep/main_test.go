package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainprep/internal/models"
	"brainprep/internal/testsupport"
	"brainprep/pkg/batch"
	"brainprep/pkg/config"
	"brainprep/pkg/errs"
)

type cliTestEnv struct {
	configPath string
	outDir     string
	ledgerPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Dataset.Root = filepath.Join(base, "data")
	cfg.Dataset.AutoDownload = false
	cfg.Logging.Level = "warn"
	testsupport.WriteDataset(t, cfg.Dataset.Root, cfg.Dataset.Subjects, cfg.Dataset.AnatFile)

	env := &cliTestEnv{
		configPath: filepath.Join(base, "brainprep.yaml"),
		outDir:     filepath.Join(base, "out"),
		ledgerPath: filepath.Join(base, "ledger.db"),
	}
	require.NoError(t, config.SaveConfig(cfg, env.configPath))
	return env
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCLIConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "brainprep.toml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	out, _, err := runCLI(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, _, err = runCLI(t, "config", "init", "--path", path)
	assert.ErrorContains(t, err, "already exists")

	out, _, err = runCLI(t, "--config", path, "--output-dir", "elsewhere", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "dir: elsewhere")
	assert.Contains(t, out, "seed: 42")
}

func TestCLIRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  stages: [load, correct]\n"), 0o644))

	_, _, err := runCLI(t, "--config", path, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefix")
}

func TestCLIRunSubject(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, "--config", env.configPath, "--output-dir", env.outDir, "run", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Subject 0")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "Gray matter")
	testsupport.RequireFiles(t, batch.SubjectDir(env.outDir, 0), models.AllArtifacts(0)...)
}

func TestCLIRunRejectsBadIndex(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, "--config", env.configPath, "--output-dir", env.outDir, "run", "abc")
	assert.ErrorContains(t, err, "invalid subject")

	out, _, err := runCLI(t, "--config", env.configPath, "--output-dir", env.outDir, "run", "5")
	require.Error(t, err)
	assert.Contains(t, out, "[ERROR]")
	assert.NoDirExists(t, batch.SubjectDir(env.outDir, 5))
}

func TestCLIBatchAndHistory(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, "--config", env.configPath, "--output-dir", env.outDir,
		"--ledger", env.ledgerPath, "batch", "--subjects", "1,9", "--jobs", "2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 subjects failed")
	assert.Contains(t, out, "Succeeded")
	assert.Contains(t, out, "Failed")
	assert.Contains(t, out, "1 succeeded, 1 failed")
	testsupport.RequireFiles(t, batch.SubjectDir(env.outDir, 1), models.AllArtifacts(1)...)

	out, _, err = runCLI(t, "--config", env.configPath, "--ledger", env.ledgerPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "range")
	assert.Contains(t, out, "Succeeded")
}

func TestCLIHistoryWithoutLedger(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, "--config", env.configPath, "history")
	assert.ErrorContains(t, err, "no ledger configured")
}

func TestParseSubjects(t *testing.T) {
	got, err := parseSubjects("", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	got, err = parseSubjects("4, 0-2,1", 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 4}, got)

	for _, bad := range []string{"x", "3-1", ",", "1-b"} {
		_, err := parseSubjects(bad, 3)
		assert.Error(t, err, bad)
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(context.Canceled))
	assert.Equal(t, exitFailure, exitCode(errors.New("2 of 3 subjects failed")))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("load config: %w",
		errs.Wrap(errs.ErrConfiguration, "config", "bad stages", nil))))
}

func TestRenderTableAlignsNumericColumns(t *testing.T) {
	out := renderTable([]column{{"Name", false}, {"ml", true}}, [][]string{
		{"gm", "1,234.5"},
		{"csf", "4.0"},
		{"wm"},
	})
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, lines[1], "Name")

	// the short value is padded on the left to line up with the long one
	gm, csf := lines[3], lines[4]
	assert.Equal(t, strings.Index(gm, "1,234.5")+len("1,234.5"), strings.Index(csf, "4.0")+len("4.0"))
	assert.Contains(t, lines[5], "wm")
}
