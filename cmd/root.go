package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/logstore"
	"github.com/inference-sim/retriever-train/train/retriever"
	"github.com/inference-sim/retriever-train/train/runner"
)

var (
	// CLI flags for the train command
	configPath string // Path to a YAML or TOML config
	workDir    string // Overrides work_dir
	resumeFrom string // Overrides resume_from
	loadFrom   string // Overrides load_from
	launcher   string // Job launcher; anything but "none" selects distributed training
	validate   bool   // Append a val stage to the workflow
	seed       int64  // Overrides seed
	logLevel   string // Overrides log_level

	// CLI flags for show-log
	runID string // Run to print; defaults to the run of latest.ckpt
)

// ValidLaunchers is the set of recognized job launchers.
var ValidLaunchers = map[string]bool{"none": true, "pytorch": true, "slurm": true, "mpi": true}

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "retriever-train",
	Short: "Train a clothing retrieval embedding model",
}

// trainCmd runs training using the config file and CLI overrides
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the retriever",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd, configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if !ValidLaunchers[launcher] {
			logrus.Fatalf("Unknown launcher %q", launcher)
		}

		logger := train.GetRootLogger(cfg.LogLevel)
		logger.Infof("Starting training for %d epochs, work_dir=%s, devices=%v", cfg.TotalEpochs, cfg.WorkDir, cfg.GPUs.Train)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runTrain(ctx, cfg, launcher != "none", validate, logger); err != nil {
			logrus.Fatalf("Training failed: %v", err)
		}
		logger.Info("Training complete.")
	},
}

// validateConfigCmd loads a config and prints it with defaults applied
var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Check a config file and print it with defaults applied",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd, configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := printConfig(cmd.OutOrStdout(), cfg); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// inspectCheckpointCmd prints a checkpoint's metadata and parameter shapes
var inspectCheckpointCmd = &cobra.Command{
	Use:   "inspect-checkpoint <path>",
	Short: "Print checkpoint metadata and parameter shapes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ckpt, err := runner.ReadCheckpoint(args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		printCheckpoint(cmd.OutOrStdout(), ckpt)
	},
}

// showLogCmd prints the records a run stored in <work_dir>/log.db
var showLogCmd = &cobra.Command{
	Use:   "show-log",
	Short: "Print the logged variables of a training run",
	Run: func(cmd *cobra.Command, args []string) {
		if err := showLog(cmd.Context(), cmd.OutOrStdout(), workDir, runID); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

// loadConfig reads the config file, applies flags the user set and validates
// the result.
func loadConfig(cmd *cobra.Command, path string) (*train.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := train.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("work-dir") {
		cfg.WorkDir = workDir
	}
	if flags.Changed("resume-from") {
		cfg.ResumeFrom = resumeFrom
	}
	if flags.Changed("load-from") {
		cfg.LoadFrom = loadFrom
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("log") {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func runTrain(ctx context.Context, cfg *train.Config, distributed, validate bool, logger *logrus.Logger) error {
	opts := retriever.Options{Distributed: distributed, Validate: validate, Logger: logger, FileLog: true}
	if distributed {
		return retriever.Train(ctx, nil, nil, cfg, opts)
	}
	model, dataset, err := retriever.Build(cfg, train.NewPartitionedRNG(train.NewRunKey(cfg.Seed)))
	if err != nil {
		return err
	}
	logger.Infof("Dataset has %d items of %d ids", dataset.Len(), dataset.NumIDs())
	return retriever.Train(ctx, model, dataset, cfg, opts)
}

func printConfig(w io.Writer, cfg *train.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return enc.Close()
}

func printCheckpoint(w io.Writer, ckpt *runner.Checkpoint) {
	fmt.Fprintf(w, "epoch: %d\niter: %d\nrun_id: %s\n", ckpt.Meta.Epoch, ckpt.Meta.Iter, ckpt.Meta.RunID)
	if !ckpt.Meta.SavedAt.IsZero() {
		fmt.Fprintf(w, "saved_at: %s\n", ckpt.Meta.SavedAt.Format("2006-01-02 15:04:05"))
	}
	names := make([]string, 0, len(ckpt.StateDict))
	for name := range ckpt.StateDict {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "params:")
	for _, name := range names {
		shape := ckpt.Shapes[name]
		if shape == nil {
			shape = []int{len(ckpt.StateDict[name])}
		}
		fmt.Fprintf(w, "  %s: %v\n", name, shape)
	}
	if opt := ckpt.Optimizer; opt != nil {
		fmt.Fprintf(w, "optimizer: %s (lr=%g, steps=%d)\n", opt.Type, opt.LR, opt.Steps)
	} else {
		fmt.Fprintln(w, "optimizer: none")
	}
}

func showLog(ctx context.Context, w io.Writer, dir, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		ckpt, err := runner.ReadCheckpoint(filepath.Join(dir, runner.LatestCheckpoint))
		if err != nil {
			return fmt.Errorf("no --run given and no latest checkpoint: %w", err)
		}
		id = ckpt.Meta.RunID
	}
	store, err := logstore.Open(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	records, err := store.Records(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run %s started %s in %s\n", run.ID, run.StartedAt.Format("2006-01-02 15:04:05"), run.WorkDir)
	for _, rec := range records {
		keys := make([]string, 0, len(rec.Vars))
		for k := range rec.Vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%.4f", k, rec.Vars[k])
		}
		fmt.Fprintf(w, "%-5s epoch=%d iter=%d lr=%.5f %s\n", rec.Mode, rec.Epoch, rec.Iter, rec.LR, strings.Join(parts, " "))
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	for _, c := range []*cobra.Command{trainCmd, validateConfigCmd} {
		c.Flags().StringVar(&configPath, "config", "", "Path to a YAML or TOML config file")
		c.Flags().StringVar(&workDir, "work-dir", "", "Directory for checkpoints and logs (overrides work_dir)")
		c.Flags().StringVar(&resumeFrom, "resume-from", "", "Checkpoint to resume training from (overrides resume_from)")
		c.Flags().StringVar(&loadFrom, "load-from", "", "Checkpoint to load weights from (overrides load_from)")
		c.Flags().Int64Var(&seed, "seed", 42, "Seed for model init, data generation and shuffling (overrides seed)")
		c.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	}
	trainCmd.Flags().StringVar(&launcher, "launcher", "none", "Job launcher (none, pytorch, slurm, mpi)")
	trainCmd.Flags().BoolVar(&validate, "validate", false, "Run a validation epoch after each training cycle")

	showLogCmd.Flags().StringVar(&workDir, "work-dir", ".", "Work directory holding log.db")
	showLogCmd.Flags().StringVar(&runID, "run", "", "Run id (default: the run of latest.ckpt)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(inspectCheckpointCmd)
	rootCmd.AddCommand(showLogCmd)
}
