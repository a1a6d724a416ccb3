package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/runner"
)

func TestSampleConfigs_YAMLAndTOMLAgree(t *testing.T) {
	// GIVEN the shipped sample configs in both formats
	fromYAML, err := train.LoadConfig(filepath.Join("..", "configs", "retriever_inshop.yaml"))
	require.NoError(t, err)
	fromTOML, err := train.LoadConfig(filepath.Join("..", "configs", "retriever_inshop.toml"))
	require.NoError(t, err)

	// THEN both are valid and describe the same run
	require.NoError(t, fromYAML.Validate())
	require.NoError(t, fromTOML.Validate())
	assert.Equal(t, fromYAML, fromTOML)
	assert.Equal(t, []int{0, 1}, fromYAML.GPUs.Train)
}

func TestValidateConfig_AppliesFlagOverrides(t *testing.T) {
	// GIVEN a minimal config file
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("total_epochs: 3\nseed: 1\n"), 0o644))

	// WHEN validate-config runs with --seed and --work-dir
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"validate-config", "--config", path, "--seed", "9", "--work-dir", "/tmp/run9"})
	require.NoError(t, rootCmd.Execute())

	// THEN the printed config carries file values, overrides and defaults
	printed := out.String()
	assert.Contains(t, printed, "total_epochs: 3")
	assert.Contains(t, printed, "seed: 9")
	assert.Contains(t, printed, "work_dir: /tmp/run9")
	assert.Contains(t, printed, "policy: step")
}

func TestLoadConfig_RequiresPath(t *testing.T) {
	_, err := loadConfig(validateConfigCmd, "")
	assert.ErrorContains(t, err, "--config")
}

func TestRunTrain_DistributedNotImplemented(t *testing.T) {
	logger, _ := test.NewNullLogger()
	cfg := train.DefaultConfig()
	cfg.WorkDir = t.TempDir()

	err := runTrain(context.Background(), cfg, true, false, logger)
	assert.True(t, errors.Is(err, train.ErrNotImplemented), "got %v", err)
}

func TestRunTrain_ThenInspect(t *testing.T) {
	// GIVEN a tiny single-device run logging to sqlite
	cfg := train.DefaultConfig()
	cfg.Model.FeatureDim, cfg.Model.EmbedDim, cfg.Model.NumIDs = 4, 3, 3
	cfg.Dataset.FeatureDim, cfg.Dataset.NumIDs, cfg.Dataset.ItemsPerID = 4, 3, 2
	cfg.Data.ImgsPerGPU = 3
	cfg.Log = train.LogConfig{Interval: 1, Hooks: []train.LogHookConfig{{Type: "sqlite"}}}
	cfg.TotalEpochs = 2
	cfg.WorkDir = t.TempDir()
	logger, _ := test.NewNullLogger()

	// WHEN training and then reading back what was written
	require.NoError(t, runTrain(context.Background(), cfg, false, true, logger))

	ckpt, err := runner.ReadCheckpoint(filepath.Join(cfg.WorkDir, runner.LatestCheckpoint))
	require.NoError(t, err)
	var ckptOut bytes.Buffer
	printCheckpoint(&ckptOut, ckpt)

	var logOut bytes.Buffer
	require.NoError(t, showLog(context.Background(), &logOut, cfg.WorkDir, ""))

	// THEN the checkpoint summary lists shapes and optimizer state
	assert.Contains(t, ckptOut.String(), "epoch: 2\n")
	assert.Contains(t, ckptOut.String(), "embed.weight: [3 4]")
	assert.Contains(t, ckptOut.String(), "optimizer: SGD")

	// AND the log shows train and val records of that run
	assert.Contains(t, logOut.String(), "run "+ckpt.Meta.RunID)
	assert.Contains(t, logOut.String(), "train epoch=1 iter=1")
	assert.Contains(t, logOut.String(), "val   epoch=2")
}

func TestPrintCheckpoint_NoOptimizerOrShapes(t *testing.T) {
	var out bytes.Buffer
	printCheckpoint(&out, &runner.Checkpoint{
		Meta:      runner.Meta{Epoch: 1, Iter: 4, RunID: "r", SavedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		StateDict: map[string][]float64{"b": {1, 2}, "a": {3}},
	})
	assert.Equal(t, "epoch: 1\niter: 4\nrun_id: r\nsaved_at: 2024-05-01 12:00:00\nparams:\n  a: [1]\n  b: [2]\noptimizer: none\n", out.String())
}

func TestShowLog_MissingCheckpoint(t *testing.T) {
	var out bytes.Buffer
	err := showLog(context.Background(), &out, t.TempDir(), "")
	assert.ErrorContains(t, err, "no latest checkpoint")
}
