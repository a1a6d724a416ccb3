package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/retriever-train/train"
)

// RegisterTrainingHooks registers the standard hooks:
//
//	LrUpdaterHook   VeryHigh
//	OptimizerHook   AboveNormal
//	CheckpointHook  Normal
//	IterTimerHook   Low
//	logger hooks    VeryLow, in config order
func (r *Runner) RegisterTrainingHooks(lrCfg train.LRConfig, optCfg train.OptimizerHookConfig, ckptCfg train.CheckpointConfig, logCfg train.LogConfig) error {
	lr, err := NewLrUpdaterHook(lrCfg)
	if err != nil {
		return err
	}
	if ckptCfg.Interval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive, got %d", ckptCfg.Interval)
	}
	if logCfg.Interval <= 0 {
		return fmt.Errorf("log interval must be positive, got %d", logCfg.Interval)
	}
	loggers := make([]Hook, 0, len(logCfg.Hooks))
	for _, hc := range logCfg.Hooks {
		switch hc.Type {
		case "text":
			loggers = append(loggers, NewTextLoggerHook(logCfg.Interval))
		case "sqlite":
			loggers = append(loggers, NewSqliteLoggerHook(logCfg.Interval))
		default:
			return fmt.Errorf("unknown log hook %q", hc.Type)
		}
	}

	r.RegisterHook(lr, PriorityVeryHigh)
	r.RegisterHook(NewOptimizerHook(optCfg), PriorityAboveNormal)
	r.RegisterHook(NewCheckpointHook(ckptCfg, ""), PriorityNormal)
	r.RegisterHook(NewIterTimerHook(), PriorityLow)
	for _, h := range loggers {
		r.RegisterHook(h, PriorityVeryLow)
	}
	return nil
}

// fileHook mirrors log entries into a file.
type fileHook struct {
	mu        sync.Mutex
	file      *os.File
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.file.Write(line)
	return err
}

// AttachFileLog adds a hook writing every entry of logger to
// <workDir>/<timestamp>.log. The returned function closes the file.
func AttachFileLog(logger *logrus.Logger, workDir string) (string, func() error, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("creating work_dir: %w", err)
	}
	path := filepath.Join(workDir, time.Now().Format("20060102_150405")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("opening log file: %w", err)
	}
	logger.AddHook(&fileHook{
		file:      f,
		formatter: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
	})
	return path, f.Close, nil
}
