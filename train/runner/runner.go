// Package runner drives the training loop: it iterates the workflow over the
// data loaders, calls the batch processor once per batch and dispatches hooks
// around every run, epoch and iteration.
package runner

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/data"
)

// Runner owns the training loop state.
type Runner struct {
	model          train.Module
	batchProcessor train.BatchProcessor
	optimizer      train.Optimizer
	workDir        string
	logger         *logrus.Logger
	runID          string
	configText     string

	hooks     []hookEntry
	logBuffer *LogBuffer
	outputs   *train.Outputs

	mode      string
	epoch     int
	iter      int
	innerIter int
	epochLen  int
	maxEpochs int
	maxIters  int
}

// New creates a runner. The work directory is created if needed.
// A nil logger uses train.GetRootLogger("info").
func New(model train.Module, batchProcessor train.BatchProcessor, optimizer train.Optimizer, workDir string, logger *logrus.Logger) (*Runner, error) {
	if model == nil {
		return nil, fmt.Errorf("runner: nil model")
	}
	if batchProcessor == nil {
		return nil, fmt.Errorf("runner: nil batch processor")
	}
	if workDir == "" {
		return nil, fmt.Errorf("runner: work_dir is required")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work_dir: %w", err)
	}
	if logger == nil {
		logger = train.GetRootLogger("info")
	}
	return &Runner{
		model:          model,
		batchProcessor: batchProcessor,
		optimizer:      optimizer,
		workDir:        workDir,
		logger:         logger,
		runID:          uuid.NewString(),
		logBuffer:      NewLogBuffer(),
	}, nil
}

// Accessors used by hooks.
func (r *Runner) Model() train.Module        { return r.model }
func (r *Runner) Optimizer() train.Optimizer { return r.optimizer }
func (r *Runner) WorkDir() string            { return r.workDir }
func (r *Runner) Logger() *logrus.Logger     { return r.logger }
func (r *Runner) RunID() string              { return r.runID }
func (r *Runner) LogBuffer() *LogBuffer      { return r.logBuffer }
func (r *Runner) Outputs() *train.Outputs    { return r.outputs }
func (r *Runner) Mode() string               { return r.mode }
func (r *Runner) Epoch() int                 { return r.epoch }
func (r *Runner) Iter() int                  { return r.iter }
func (r *Runner) InnerIter() int             { return r.innerIter }
func (r *Runner) EpochLen() int              { return r.epochLen }
func (r *Runner) MaxEpochs() int             { return r.maxEpochs }
func (r *Runner) MaxIters() int              { return r.maxIters }
func (r *Runner) SetConfigText(text string)  { r.configText = text }
func (r *Runner) ConfigText() string         { return r.configText }

// CurrentLR returns the optimizer learning rate, or 0 without an optimizer.
func (r *Runner) CurrentLR() float64 {
	if r.optimizer == nil {
		return 0
	}
	return r.optimizer.LR()
}

// Run executes the workflow until maxEpochs training epochs have completed.
// loaders[i] feeds workflow[i]. Each pass over the workflow runs every stage
// for its configured number of epochs; a train stage stops once the epoch
// budget is spent.
func (r *Runner) Run(ctx context.Context, loaders []*data.DataLoader, workflow []train.WorkflowStage, maxEpochs int) error {
	if len(loaders) != len(workflow) {
		return fmt.Errorf("got %d data loaders for %d workflow stages", len(loaders), len(workflow))
	}
	if maxEpochs <= 0 {
		return fmt.Errorf("max epochs must be positive, got %d", maxEpochs)
	}
	hasTrain := false
	for i, stage := range workflow {
		switch stage.Mode {
		case train.ModeTrain:
			hasTrain = true
			r.maxIters = maxEpochs * loaders[i].Len()
		case train.ModeVal:
		default:
			return fmt.Errorf("unknown workflow mode %q", stage.Mode)
		}
		if stage.Epochs <= 0 {
			return fmt.Errorf("workflow stage %q must run at least one epoch", stage.Mode)
		}
	}
	if !hasTrain {
		return fmt.Errorf("workflow has no train stage")
	}
	if r.optimizer == nil {
		return fmt.Errorf("training requires an optimizer")
	}
	r.maxEpochs = maxEpochs

	r.logger.Infof("Start running, work_dir: %s, run id: %s", r.workDir, r.runID)
	r.logger.Infof("workflow: %v, max: %d epochs", workflow, maxEpochs)
	if err := r.callHook(func(h Hook) error { return h.BeforeRun(r) }); err != nil {
		return fmt.Errorf("before run: %w", err)
	}

	runErr := r.loop(ctx, loaders, workflow)

	if err := r.callHook(func(h Hook) error { return h.AfterRun(r) }); err != nil && runErr == nil {
		runErr = fmt.Errorf("after run: %w", err)
	}
	return runErr
}

func (r *Runner) loop(ctx context.Context, loaders []*data.DataLoader, workflow []train.WorkflowStage) error {
	for r.epoch < r.maxEpochs {
		for i, stage := range workflow {
			for e := 0; e < stage.Epochs; e++ {
				if stage.Mode == train.ModeTrain && r.epoch >= r.maxEpochs {
					return nil
				}
				var err error
				if stage.Mode == train.ModeTrain {
					err = r.trainEpoch(ctx, loaders[i])
				} else {
					err = r.valEpoch(ctx, loaders[i])
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *Runner) trainEpoch(ctx context.Context, loader *data.DataLoader) error {
	r.mode = train.ModeTrain
	r.epochLen = loader.Len()
	r.maxIters = r.maxEpochs * loader.Len()
	if err := r.callHook(func(h Hook) error { return h.BeforeTrainEpoch(r) }); err != nil {
		return fmt.Errorf("before train epoch %d: %w", r.epoch+1, err)
	}

	it := loader.Iterate(ctx)
	defer it.Close()
	for i := 0; ; i++ {
		batch, ok := it.Next()
		if !ok {
			break
		}
		r.innerIter = i
		if err := r.callHook(func(h Hook) error { return h.BeforeTrainIter(r) }); err != nil {
			return fmt.Errorf("before train iter %d: %w", r.iter+1, err)
		}
		outputs, err := r.batchProcessor(r.model, batch, true)
		if err != nil {
			return fmt.Errorf("epoch %d iter %d: %w", r.epoch+1, i+1, err)
		}
		r.record(outputs)
		if err := r.callHook(func(h Hook) error { return h.AfterTrainIter(r) }); err != nil {
			return fmt.Errorf("after train iter %d: %w", r.iter+1, err)
		}
		r.logBuffer.ClearOutput()
		r.iter++
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("loading epoch %d: %w", r.epoch+1, err)
	}

	if err := r.callHook(func(h Hook) error { return h.AfterTrainEpoch(r) }); err != nil {
		return fmt.Errorf("after train epoch %d: %w", r.epoch+1, err)
	}
	r.epoch++
	return nil
}

func (r *Runner) valEpoch(ctx context.Context, loader *data.DataLoader) error {
	r.mode = train.ModeVal
	r.epochLen = loader.Len()
	if err := r.callHook(func(h Hook) error { return h.BeforeValEpoch(r) }); err != nil {
		return fmt.Errorf("before val epoch: %w", err)
	}

	it := loader.Iterate(ctx)
	defer it.Close()
	for i := 0; ; i++ {
		batch, ok := it.Next()
		if !ok {
			break
		}
		r.innerIter = i
		if err := r.callHook(func(h Hook) error { return h.BeforeValIter(r) }); err != nil {
			return fmt.Errorf("before val iter: %w", err)
		}
		outputs, err := r.batchProcessor(r.model, batch, false)
		if err != nil {
			return fmt.Errorf("val iter %d: %w", i+1, err)
		}
		r.record(outputs)
		if err := r.callHook(func(h Hook) error { return h.AfterValIter(r) }); err != nil {
			return fmt.Errorf("after val iter: %w", err)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("loading val epoch: %w", err)
	}

	if err := r.callHook(func(h Hook) error { return h.AfterValEpoch(r) }); err != nil {
		return fmt.Errorf("after val epoch: %w", err)
	}
	r.logBuffer.ClearOutput()
	return nil
}

func (r *Runner) record(outputs *train.Outputs) {
	r.outputs = outputs
	if outputs != nil && outputs.LogVars != nil {
		r.logBuffer.Update(outputs.LogVars, outputs.NumSamples)
	}
}
