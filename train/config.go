package train

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the full training configuration, loadable from YAML or TOML.
// All top-level sections must be listed to satisfy strict field checking.
type Config struct {
	Model         ModelConfig         `yaml:"model" toml:"model"`
	Dataset       DatasetConfig       `yaml:"dataset" toml:"dataset"`
	Data          DataConfig          `yaml:"data" toml:"data"`
	GPUs          GPUConfig           `yaml:"gpus" toml:"gpus"`
	Optimizer     OptimizerConfig     `yaml:"optimizer" toml:"optimizer"`
	OptimizerHook OptimizerHookConfig `yaml:"optimizer_config" toml:"optimizer_config"`
	LR            LRConfig            `yaml:"lr_config" toml:"lr_config"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint_config" toml:"checkpoint_config"`
	Log           LogConfig           `yaml:"log_config" toml:"log_config"`
	Workflow      []WorkflowStage     `yaml:"workflow" toml:"workflow"`
	TotalEpochs   int                 `yaml:"total_epochs" toml:"total_epochs"`
	WorkDir       string              `yaml:"work_dir" toml:"work_dir"`
	LogLevel      string              `yaml:"log_level" toml:"log_level"`
	ResumeFrom    string              `yaml:"resume_from" toml:"resume_from"`
	LoadFrom      string              `yaml:"load_from" toml:"load_from"`
	Seed          int64               `yaml:"seed" toml:"seed"`
}

// ModelConfig parameterizes the retrieval model.
type ModelConfig struct {
	Type              string  `yaml:"type" toml:"type"`
	FeatureDim        int     `yaml:"feature_dim" toml:"feature_dim"`
	EmbedDim          int     `yaml:"embed_dim" toml:"embed_dim"`
	NumIDs            int     `yaml:"num_ids" toml:"num_ids"`
	TripletMargin     float64 `yaml:"triplet_margin" toml:"triplet_margin"`
	LossIDWeight      float64 `yaml:"loss_id_weight" toml:"loss_id_weight"`
	LossTripletWeight float64 `yaml:"loss_triplet_weight" toml:"loss_triplet_weight"`
	InitStd           float64 `yaml:"init_std" toml:"init_std"`
}

// DatasetConfig selects and parameterizes the training dataset.
type DatasetConfig struct {
	Type       string  `yaml:"type" toml:"type"`                 // "synthetic" or "csv"
	AnnFile    string  `yaml:"ann_file" toml:"ann_file"`         // csv only
	NumIDs     int     `yaml:"num_ids" toml:"num_ids"`           // synthetic only
	ItemsPerID int     `yaml:"items_per_id" toml:"items_per_id"` // synthetic only
	FeatureDim int     `yaml:"feature_dim" toml:"feature_dim"`   // synthetic only
	Noise      float64 `yaml:"noise" toml:"noise"`               // synthetic only
}

// DataConfig groups data loader parameters. Both counts are per device.
type DataConfig struct {
	ImgsPerGPU    int `yaml:"imgs_per_gpu" toml:"imgs_per_gpu"`
	WorkersPerGPU int `yaml:"workers_per_gpu" toml:"workers_per_gpu"`
}

// GPUConfig lists device ids. Test is parsed for config compatibility with
// evaluation runs; training reads only Train.
type GPUConfig struct {
	Train []int `yaml:"train" toml:"train"`
	Test  []int `yaml:"test" toml:"test"`
}

// OptimizerConfig selects the optimizer and its hyperparameters.
type OptimizerConfig struct {
	Type        string            `yaml:"type" toml:"type"`
	LR          float64           `yaml:"lr" toml:"lr"`
	Momentum    float64           `yaml:"momentum" toml:"momentum"`
	WeightDecay float64           `yaml:"weight_decay" toml:"weight_decay"`
	Nesterov    bool              `yaml:"nesterov" toml:"nesterov"`
	Betas       []float64         `yaml:"betas" toml:"betas"`
	Eps         float64           `yaml:"eps" toml:"eps"`
	Paramwise   *ParamwiseOptions `yaml:"paramwise_options" toml:"paramwise_options"`
}

// ParamwiseOptions scales the learning rate and weight decay of bias parameters.
// Nil fields mean "not set" and leave the multiplier at 1.
type ParamwiseOptions struct {
	BiasLRMult    *float64 `yaml:"bias_lr_mult" toml:"bias_lr_mult"`
	BiasDecayMult *float64 `yaml:"bias_decay_mult" toml:"bias_decay_mult"`
}

// OptimizerHookConfig configures the optimizer step hook.
type OptimizerHookConfig struct {
	GradClip *GradClipConfig `yaml:"grad_clip" toml:"grad_clip"`
}

// GradClipConfig enables gradient norm clipping.
type GradClipConfig struct {
	MaxNorm  float64 `yaml:"max_norm" toml:"max_norm"`
	NormType float64 `yaml:"norm_type" toml:"norm_type"`
}

// LRConfig configures the learning rate schedule and its warmup.
type LRConfig struct {
	Policy      string  `yaml:"policy" toml:"policy"`
	Step        []int   `yaml:"step" toml:"step"`
	Gamma       float64 `yaml:"gamma" toml:"gamma"`
	Power       float64 `yaml:"power" toml:"power"`
	MinLR       float64 `yaml:"min_lr" toml:"min_lr"`
	TargetLR    float64 `yaml:"target_lr" toml:"target_lr"`
	ByEpoch     bool    `yaml:"by_epoch" toml:"by_epoch"`
	Warmup      string  `yaml:"warmup" toml:"warmup"`
	WarmupIters int     `yaml:"warmup_iters" toml:"warmup_iters"`
	WarmupRatio float64 `yaml:"warmup_ratio" toml:"warmup_ratio"`
}

// CheckpointConfig configures periodic checkpointing.
type CheckpointConfig struct {
	Interval      int  `yaml:"interval" toml:"interval"`
	SaveOptimizer bool `yaml:"save_optimizer" toml:"save_optimizer"`
	MaxKeepCkpts  int  `yaml:"max_keep_ckpts" toml:"max_keep_ckpts"` // 0 = keep all
}

// LogConfig configures the logger hooks.
type LogConfig struct {
	Interval int             `yaml:"interval" toml:"interval"`
	Hooks    []LogHookConfig `yaml:"hooks" toml:"hooks"`
}

// LogHookConfig selects one logger hook.
type LogHookConfig struct {
	Type string `yaml:"type" toml:"type"`
}

// WorkflowStage is one (mode, epochs) step of the workflow.
type WorkflowStage struct {
	Mode   string `yaml:"mode" toml:"mode"`
	Epochs int    `yaml:"epochs" toml:"epochs"`
}

// Workflow modes.
const (
	ModeTrain = "train"
	ModeVal   = "val"
)

// ValidModelTypes is the set of recognized model types.
var ValidModelTypes = map[string]bool{"retriever": true}

// ValidDatasetTypes is the set of recognized dataset types.
var ValidDatasetTypes = map[string]bool{"synthetic": true, "csv": true}

// ValidOptimizerTypes is the set of recognized optimizer names.
var ValidOptimizerTypes = map[string]bool{"SGD": true, "Adam": true}

// ValidLRPolicies is the set of recognized learning rate policies.
var ValidLRPolicies = map[string]bool{"fixed": true, "step": true, "exp": true, "poly": true, "inv": true, "cosine": true}

// ValidWarmupTypes is the set of recognized warmup types. Empty disables warmup.
var ValidWarmupTypes = map[string]bool{"": true, "constant": true, "linear": true, "exp": true}

// ValidLogHooks is the set of recognized logger hook types.
var ValidLogHooks = map[string]bool{"text": true, "sqlite": true}

// ValidWorkflowModes is the set of recognized workflow modes.
var ValidWorkflowModes = map[string]bool{ModeTrain: true, ModeVal: true}

// DefaultConfig returns the configuration used for any field a config file leaves unset.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Type:              "retriever",
			FeatureDim:        32,
			EmbedDim:          16,
			NumIDs:            10,
			TripletMargin:     0.2,
			LossIDWeight:      1.0,
			LossTripletWeight: 1.0,
			InitStd:           0.01,
		},
		Dataset: DatasetConfig{
			Type:       "synthetic",
			NumIDs:     10,
			ItemsPerID: 8,
			FeatureDim: 32,
			Noise:      0.1,
		},
		Data: DataConfig{ImgsPerGPU: 8, WorkersPerGPU: 1},
		GPUs: GPUConfig{Train: []int{0}, Test: []int{0}},
		Optimizer: OptimizerConfig{
			Type:        "SGD",
			LR:          0.01,
			Momentum:    0.9,
			WeightDecay: 0.0005,
			Betas:       []float64{0.9, 0.999},
			Eps:         1e-8,
		},
		LR: LRConfig{
			Policy:      "step",
			Step:        []int{30},
			Gamma:       0.1,
			Power:       1.0,
			ByEpoch:     true,
			WarmupIters: 0,
			WarmupRatio: 0.1,
		},
		Checkpoint:  CheckpointConfig{Interval: 1, SaveOptimizer: true},
		Log:         LogConfig{Interval: 10, Hooks: []LogHookConfig{{Type: "text"}}},
		Workflow:    []WorkflowStage{{Mode: ModeTrain, Epochs: 1}},
		TotalEpochs: 50,
		WorkDir:     "work_dirs/retriever",
		LogLevel:    "info",
		Seed:        42,
	}
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) config file on top of
// DefaultConfig. Unknown fields are errors in both formats.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	cfg.clearLists()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	case ".toml":
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing config TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", ext)
	}
	cfg.fillLists(DefaultConfig())
	return cfg, nil
}

// clearLists empties list-valued defaults so that a decoder appending into an
// existing slice cannot mix file values with defaults.
func (c *Config) clearLists() {
	c.GPUs.Train, c.GPUs.Test = nil, nil
	c.Optimizer.Betas = nil
	c.LR.Step = nil
	c.Log.Hooks = nil
	c.Workflow = nil
}

// fillLists restores the defaults of lists the config file did not set.
func (c *Config) fillLists(d *Config) {
	if c.GPUs.Train == nil {
		c.GPUs.Train = d.GPUs.Train
	}
	if c.GPUs.Test == nil {
		c.GPUs.Test = d.GPUs.Test
	}
	if c.Optimizer.Betas == nil {
		c.Optimizer.Betas = d.Optimizer.Betas
	}
	if c.LR.Step == nil {
		c.LR.Step = d.LR.Step
	}
	if c.Log.Hooks == nil {
		c.Log.Hooks = d.Log.Hooks
	}
	if c.Workflow == nil {
		c.Workflow = d.Workflow
	}
}

// Validate checks that all names and parameter ranges in the config are valid.
func (c *Config) Validate() error {
	if !ValidModelTypes[c.Model.Type] {
		return fmt.Errorf("unknown model type %q", c.Model.Type)
	}
	if c.Model.FeatureDim <= 0 || c.Model.EmbedDim <= 0 || c.Model.NumIDs <= 0 {
		return fmt.Errorf("model dimensions must be positive, got feature_dim=%d embed_dim=%d num_ids=%d",
			c.Model.FeatureDim, c.Model.EmbedDim, c.Model.NumIDs)
	}
	if c.Model.TripletMargin < 0 || c.Model.LossIDWeight < 0 || c.Model.LossTripletWeight < 0 {
		return fmt.Errorf("triplet_margin and loss weights must be non-negative")
	}
	if err := c.validateDataset(); err != nil {
		return err
	}
	if c.Data.ImgsPerGPU <= 0 {
		return fmt.Errorf("imgs_per_gpu must be positive, got %d", c.Data.ImgsPerGPU)
	}
	if c.Data.WorkersPerGPU < 0 {
		return fmt.Errorf("workers_per_gpu must be non-negative, got %d", c.Data.WorkersPerGPU)
	}
	if len(c.GPUs.Train) == 0 {
		return fmt.Errorf("gpus.train must list at least one device")
	}
	if err := c.validateOptimizer(); err != nil {
		return err
	}
	if gc := c.OptimizerHook.GradClip; gc != nil && (gc.MaxNorm <= 0 || gc.NormType < 0) {
		return fmt.Errorf("grad_clip requires max_norm > 0 and norm_type >= 0, got %v, %v", gc.MaxNorm, gc.NormType)
	}
	if err := c.validateLR(); err != nil {
		return err
	}
	if c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive, got %d", c.Checkpoint.Interval)
	}
	if c.Checkpoint.MaxKeepCkpts < 0 {
		return fmt.Errorf("max_keep_ckpts must be non-negative, got %d", c.Checkpoint.MaxKeepCkpts)
	}
	if c.Log.Interval <= 0 {
		return fmt.Errorf("log interval must be positive, got %d", c.Log.Interval)
	}
	for _, h := range c.Log.Hooks {
		if !ValidLogHooks[h.Type] {
			return fmt.Errorf("unknown log hook %q", h.Type)
		}
	}
	if len(c.Workflow) == 0 {
		return fmt.Errorf("workflow must have at least one stage")
	}
	for _, stage := range c.Workflow {
		if !ValidWorkflowModes[stage.Mode] {
			return fmt.Errorf("unknown workflow mode %q", stage.Mode)
		}
		if stage.Epochs <= 0 {
			return fmt.Errorf("workflow stage %q must run at least one epoch, got %d", stage.Mode, stage.Epochs)
		}
	}
	if c.TotalEpochs <= 0 {
		return fmt.Errorf("total_epochs must be positive, got %d", c.TotalEpochs)
	}
	if c.ResumeFrom != "" && c.LoadFrom != "" {
		return fmt.Errorf("resume_from and load_from are mutually exclusive")
	}
	return nil
}

func (c *Config) validateDataset() error {
	if !ValidDatasetTypes[c.Dataset.Type] {
		return fmt.Errorf("unknown dataset type %q", c.Dataset.Type)
	}
	switch c.Dataset.Type {
	case "csv":
		if c.Dataset.AnnFile == "" {
			return fmt.Errorf("csv dataset requires ann_file")
		}
	case "synthetic":
		if c.Dataset.NumIDs < 2 || c.Dataset.ItemsPerID < 1 || c.Dataset.FeatureDim <= 0 {
			return fmt.Errorf("synthetic dataset requires num_ids >= 2, items_per_id >= 1, feature_dim > 0")
		}
		if c.Dataset.Noise < 0 {
			return fmt.Errorf("noise must be non-negative, got %f", c.Dataset.Noise)
		}
		if c.Dataset.FeatureDim != c.Model.FeatureDim {
			return fmt.Errorf("dataset feature_dim %d does not match model feature_dim %d",
				c.Dataset.FeatureDim, c.Model.FeatureDim)
		}
		if c.Dataset.NumIDs > c.Model.NumIDs {
			return fmt.Errorf("dataset has %d ids but model classifies only %d", c.Dataset.NumIDs, c.Model.NumIDs)
		}
	}
	return nil
}

func (c *Config) validateOptimizer() error {
	o := c.Optimizer
	if !ValidOptimizerTypes[o.Type] {
		return fmt.Errorf("unknown optimizer %q", o.Type)
	}
	if o.LR <= 0 {
		return fmt.Errorf("optimizer lr must be positive, got %f", o.LR)
	}
	if o.Momentum < 0 || o.WeightDecay < 0 {
		return fmt.Errorf("momentum and weight_decay must be non-negative")
	}
	if o.Nesterov && o.Momentum == 0 {
		return fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	if o.Type == "Adam" {
		if len(o.Betas) != 2 || o.Betas[0] < 0 || o.Betas[0] >= 1 || o.Betas[1] < 0 || o.Betas[1] >= 1 {
			return fmt.Errorf("adam betas must be two values in [0, 1), got %v", o.Betas)
		}
		if o.Eps <= 0 {
			return fmt.Errorf("adam eps must be positive, got %g", o.Eps)
		}
	}
	if pw := o.Paramwise; pw != nil {
		if pw.BiasLRMult != nil && *pw.BiasLRMult < 0 {
			return fmt.Errorf("bias_lr_mult must be non-negative, got %f", *pw.BiasLRMult)
		}
		if pw.BiasDecayMult != nil && *pw.BiasDecayMult < 0 {
			return fmt.Errorf("bias_decay_mult must be non-negative, got %f", *pw.BiasDecayMult)
		}
	}
	return nil
}

func (c *Config) validateLR() error {
	lr := c.LR
	if !ValidLRPolicies[lr.Policy] {
		return fmt.Errorf("unknown lr policy %q", lr.Policy)
	}
	if !ValidWarmupTypes[lr.Warmup] {
		return fmt.Errorf("unknown warmup type %q", lr.Warmup)
	}
	if lr.Warmup != "" {
		if lr.WarmupIters <= 0 {
			return fmt.Errorf("warmup_iters must be positive when warmup is %q", lr.Warmup)
		}
		if lr.WarmupRatio <= 0 || lr.WarmupRatio > 1 {
			return fmt.Errorf("warmup_ratio must be in (0, 1], got %f", lr.WarmupRatio)
		}
	}
	if lr.Policy == "step" {
		if len(lr.Step) == 0 {
			return fmt.Errorf("step policy requires at least one step")
		}
		for i := 1; i < len(lr.Step); i++ {
			if lr.Step[i] <= lr.Step[i-1] {
				return fmt.Errorf("lr steps must be strictly increasing, got %v", lr.Step)
			}
		}
	}
	if lr.Gamma < 0 || lr.MinLR < 0 || lr.TargetLR < 0 {
		return fmt.Errorf("gamma, min_lr and target_lr must be non-negative")
	}
	return nil
}

// NumTrainDevices returns the number of devices used for training.
func (c *Config) NumTrainDevices() int {
	return len(c.GPUs.Train)
}
