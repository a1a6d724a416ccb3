// Package retriever wires the retrieval model, its dataset and the runner into
// the training entry point.
package retriever

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/data"
	"github.com/inference-sim/retriever-train/train/model"
	"github.com/inference-sim/retriever-train/train/optim"
	"github.com/inference-sim/retriever-train/train/parallel"
	"github.com/inference-sim/retriever-train/train/runner"
)

// Options selects the training path.
type Options struct {
	// Distributed selects multi-process training, which is not implemented.
	Distributed bool
	// Validate appends a val stage to a workflow that has none.
	Validate bool
	// Logger defaults to train.GetRootLogger(cfg.LogLevel).
	Logger *logrus.Logger
	// FileLog mirrors the log into <work_dir>/<timestamp>.log.
	FileLog bool
}

// Build constructs the model and dataset named by cfg, drawing randomness from
// the model_init and dataset subsystems of rng.
func Build(cfg *train.Config, rng *train.PartitionedRNG) (train.Replicable, *data.FeatureDataset, error) {
	m, err := model.Build(cfg.Model, rng.ForSubsystem(train.SubsystemModelInit))
	if err != nil {
		return nil, nil, fmt.Errorf("building model: %w", err)
	}
	ds, err := data.Build(cfg.Dataset, rng.ForSubsystem(train.SubsystemDataset))
	if err != nil {
		return nil, nil, fmt.Errorf("building dataset: %w", err)
	}
	if ds.FeatureDim() != cfg.Model.FeatureDim {
		return nil, nil, fmt.Errorf("dataset has %d features, model expects %d", ds.FeatureDim(), cfg.Model.FeatureDim)
	}
	if ds.NumIDs() > cfg.Model.NumIDs {
		return nil, nil, fmt.Errorf("dataset has %d ids, model classifies %d", ds.NumIDs(), cfg.Model.NumIDs)
	}
	return m, ds, nil
}

// Train runs the configured workflow on model and dataset.
func Train(ctx context.Context, m train.Module, dataset data.Dataset, cfg *train.Config, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = train.GetRootLogger(cfg.LogLevel)
	}
	if opts.Distributed {
		return distTrain()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nonDistTrain(ctx, m, dataset, cfg, opts, logger)
}

func distTrain() error {
	return fmt.Errorf("distributed training: %w", train.ErrNotImplemented)
}

func nonDistTrain(ctx context.Context, m train.Module, dataset data.Dataset, cfg *train.Config, opts Options, logger *logrus.Logger) error {
	if opts.FileLog {
		path, closeLog, err := runner.AttachFileLog(logger, cfg.WorkDir)
		if err != nil {
			return err
		}
		defer closeLog()
		logger.Infof("logging to %s", path)
	}

	workflow := Workflow(cfg.Workflow, opts.Validate)
	rng := train.NewPartitionedRNG(train.NewRunKey(cfg.Seed))
	numGPUs := cfg.NumTrainDevices()
	loaders := make([]*data.DataLoader, len(workflow))
	for i, stage := range workflow {
		shuffle := stage.Mode == train.ModeTrain
		l, err := data.BuildDataloader(dataset, cfg.Data.ImgsPerGPU, cfg.Data.WorkersPerGPU, numGPUs,
			false, shuffle, rng.ForSubsystem(train.SubsystemLoader(i)))
		if err != nil {
			return fmt.Errorf("building %s data loader: %w", stage.Mode, err)
		}
		loaders[i] = l
	}
	logger.Debugf("built %d data loaders", len(loaders))

	wrapped, err := parallel.NewDataParallel(m, cfg.GPUs.Train)
	if err != nil {
		return err
	}
	logger.Debugf("model parallel over devices %v", wrapped.DeviceIDs())

	optimizer, err := optim.BuildOptimizer(wrapped, cfg.Optimizer)
	if err != nil {
		return fmt.Errorf("building optimizer: %w", err)
	}
	r, err := runner.New(wrapped, train.ProcessBatch, optimizer, cfg.WorkDir, logger)
	if err != nil {
		return err
	}
	if text, err := yaml.Marshal(cfg); err == nil {
		r.SetConfigText(string(text))
	}
	if err := r.RegisterTrainingHooks(cfg.LR, cfg.OptimizerHook, cfg.Checkpoint, cfg.Log); err != nil {
		return fmt.Errorf("registering hooks: %w", err)
	}

	if cfg.ResumeFrom != "" {
		if err := r.Resume(cfg.ResumeFrom); err != nil {
			return err
		}
	} else if cfg.LoadFrom != "" {
		if err := r.LoadCheckpoint(cfg.LoadFrom); err != nil {
			return err
		}
	}
	return r.Run(ctx, loaders, workflow, cfg.TotalEpochs)
}

// Workflow returns stages, with a one-epoch val stage appended when validate
// is set and stages has none.
func Workflow(stages []train.WorkflowStage, validate bool) []train.WorkflowStage {
	out := append([]train.WorkflowStage(nil), stages...)
	if !validate {
		return out
	}
	for _, s := range out {
		if s.Mode == train.ModeVal {
			return out
		}
	}
	return append(out, train.WorkflowStage{Mode: train.ModeVal, Epochs: 1})
}
