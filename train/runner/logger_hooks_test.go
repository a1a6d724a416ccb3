package runner

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/data"
	"github.com/inference-sim/retriever-train/train/logstore"
)

func infoMessages(f *fixture, prefix string) []string {
	var out []string
	for _, e := range f.logs.AllEntries() {
		if strings.HasPrefix(e.Message, prefix) {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestTextLogger_TrainAndValLines(t *testing.T) {
	// GIVEN text logging every 2 iterations over 3-iteration train epochs and a val epoch
	f := newFixture(t, 1)
	r := f.runner(t, "")
	cfg := train.DefaultConfig()
	cfg.LR = train.LRConfig{Policy: "fixed"}
	cfg.Log = train.LogConfig{Interval: 2, Hooks: []train.LogHookConfig{{Type: "text"}}}
	require.NoError(t, r.RegisterTrainingHooks(cfg.LR, cfg.OptimizerHook, train.CheckpointConfig{Interval: 100}, cfg.Log))

	// WHEN running one train and one val epoch
	require.NoError(t, r.Run(context.Background(),
		[]*data.DataLoader{f.loader(t, 4, 0), f.loader(t, 6, 0)},
		[]train.WorkflowStage{{Mode: train.ModeTrain, Epochs: 1}, {Mode: train.ModeVal, Epochs: 1}}, 1))

	// THEN one train line fires at iteration 2 (the last iteration is ignored) and one val line per epoch
	trainLines := infoMessages(f, "Epoch [")
	require.Len(t, trainLines, 1)
	assert.True(t, strings.HasPrefix(trainLines[0], "Epoch [1][2/3]\tlr: 0.10000, eta: "), trainLines[0])
	for _, key := range []string{"time: ", "data_time: ", "loss: ", "loss_id: ", "loss_triplet: ", "acc_id: "} {
		assert.Contains(t, trainLines[0], key)
	}

	valLines := infoMessages(f, "Epoch(val)")
	require.Len(t, valLines, 1)
	assert.True(t, strings.HasPrefix(valLines[0], "Epoch(val) [1][2]\t"), valLines[0])
	assert.Contains(t, valLines[0], "loss: ")
}

func TestSqliteLogger_PersistsRecords(t *testing.T) {
	f := newFixture(t, 1)
	dir := t.TempDir()
	r := f.runner(t, dir)
	r.SetConfigText("total_epochs: 2")
	cfg := train.DefaultConfig()
	cfg.Log = train.LogConfig{Interval: 1, Hooks: []train.LogHookConfig{{Type: "sqlite"}}}
	require.NoError(t, r.RegisterTrainingHooks(cfg.LR, cfg.OptimizerHook, cfg.Checkpoint, cfg.Log))

	require.NoError(t, r.Run(context.Background(),
		[]*data.DataLoader{f.loader(t, 6, 0), f.loader(t, 12, 0)},
		[]train.WorkflowStage{{Mode: train.ModeTrain, Epochs: 1}, {Mode: train.ModeVal, Epochs: 1}}, 2))

	store, err := logstore.Open(dir)
	require.NoError(t, err)
	defer store.Close()
	run, err := store.GetRun(context.Background(), r.RunID())
	require.NoError(t, err)
	assert.Equal(t, "total_epochs: 2", run.Config)

	recs, err := store.Records(context.Background(), r.RunID())
	require.NoError(t, err)
	var modes []string
	for _, rec := range recs {
		modes = append(modes, rec.Mode)
		assert.Contains(t, rec.Vars, "loss")
	}
	assert.Equal(t, []string{"train", "train", "val", "train", "train", "val"}, modes)
	assert.Equal(t, 1, recs[0].Iter)
	assert.Equal(t, 4, recs[4].Iter)
	assert.Equal(t, 2, recs[5].Epoch)
}

func TestOptimizerHook_GradClipLogsNorm(t *testing.T) {
	f := newFixture(t, 1)
	r := f.runner(t, "")
	r.RegisterHook(NewOptimizerHook(train.OptimizerHookConfig{GradClip: &train.GradClipConfig{MaxNorm: 1e-3, NormType: 2}}), PriorityAboveNormal)
	require.NoError(t, r.Run(context.Background(), []*data.DataLoader{f.loader(t, 12, 0)},
		[]train.WorkflowStage{{Mode: train.ModeTrain, Epochs: 1}}, 1))

	norms := r.LogBuffer().History("grad_norm")
	require.Len(t, norms, 1)
	assert.Greater(t, norms[0], 1e-3)
	var total float64
	for _, p := range f.model.Params() {
		for _, g := range p.Grad {
			total += g * g
		}
	}
	assert.InDelta(t, 1e-6, total, 1e-8, "gradients rescaled to max_norm")
}

func TestIterTimerHook_RecordsTimes(t *testing.T) {
	f := newFixture(t, 1)
	r := f.runner(t, "")
	clock := time.Unix(0, 0)
	h := &IterTimerHook{now: func() time.Time { return clock }}

	require.NoError(t, h.BeforeTrainEpoch(r))
	clock = clock.Add(100 * time.Millisecond)
	require.NoError(t, h.BeforeTrainIter(r))
	clock = clock.Add(400 * time.Millisecond)
	require.NoError(t, h.AfterTrainIter(r))

	assert.Equal(t, []float64{0.1}, r.LogBuffer().History("data_time"))
	assert.Equal(t, []float64{0.5}, r.LogBuffer().History("time"))
}

func TestFormatETA(t *testing.T) {
	assert.Equal(t, "0:00:00", formatETA(-time.Second))
	assert.Equal(t, "1:02:03", formatETA(time.Hour+2*time.Minute+3*time.Second))
}

func TestAttachFileLog(t *testing.T) {
	f := newFixture(t, 1)
	dir := t.TempDir()
	path, closeFn, err := AttachFileLog(f.logger, dir)
	require.NoError(t, err)
	f.logger.Info("hello file")
	require.NoError(t, closeFn())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello file")
	assert.True(t, strings.HasSuffix(path, ".log"))
}
