package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/retriever-train/train"
)

// LatestCheckpoint is the name of the link to the newest epoch checkpoint.
const LatestCheckpoint = "latest.ckpt"

var epochCheckpoint = regexp.MustCompile(`^epoch_(\d+)\.ckpt$`)

// CheckpointName returns the file name of the checkpoint written after epoch (1-based).
func CheckpointName(epoch int) string {
	return fmt.Sprintf("epoch_%d.ckpt", epoch)
}

// Meta describes when and by which run a checkpoint was written.
// Epoch counts completed epochs; Iter counts completed iterations.
type Meta struct {
	Epoch   int       `json:"epoch"`
	Iter    int       `json:"iter"`
	RunID   string    `json:"run_id"`
	SavedAt time.Time `json:"saved_at"`
	Config  string    `json:"config,omitempty"`
}

// Checkpoint is the on-disk training state: zlib-compressed JSON.
type Checkpoint struct {
	Meta      Meta                  `json:"meta"`
	StateDict map[string][]float64  `json:"state_dict"`
	Shapes    map[string][]int      `json:"shapes"`
	Optimizer *train.OptimizerState `json:"optimizer,omitempty"`
}

// WriteCheckpoint writes ckpt to path through a temporary file in the same directory.
func WriteCheckpoint(path string, ckpt *Checkpoint) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ckpt-*")
	if err != nil {
		return fmt.Errorf("creating checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw, err := zlib.NewWriterLevel(tmp, zlib.BestSpeed)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating zlib writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(ckpt); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("compressing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint reads a checkpoint written by WriteCheckpoint.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer f.Close()
	return decodeCheckpoint(f)
}

func decodeCheckpoint(r io.Reader) (*Checkpoint, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	defer zr.Close()
	var ckpt Checkpoint
	if err := json.NewDecoder(zr).Decode(&ckpt); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &ckpt, nil
}

// LoadStateDict copies checkpoint weights into the module's parameters.
// Missing and unexpected names are logged as warnings; a size or shape
// mismatch is an error and leaves the module unchanged.
func LoadStateDict(m train.Module, ckpt *Checkpoint, logger *logrus.Logger) error {
	params := m.Params()
	own := make(map[string]bool, len(params))
	var missing []string
	for _, p := range params {
		own[p.Name] = true
		values, ok := ckpt.StateDict[p.Name]
		if !ok {
			missing = append(missing, p.Name)
			continue
		}
		if len(values) != len(p.Data) {
			return fmt.Errorf("size mismatch for %s: checkpoint has %d values, model has %d", p.Name, len(values), len(p.Data))
		}
		if shape, ok := ckpt.Shapes[p.Name]; ok && !slices.Equal(shape, p.Shape) {
			return fmt.Errorf("shape mismatch for %s: checkpoint has %v, model has %v", p.Name, shape, p.Shape)
		}
	}
	var unexpected []string
	for name := range ckpt.StateDict {
		if !own[name] {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)

	for _, p := range params {
		if values, ok := ckpt.StateDict[p.Name]; ok {
			copy(p.Data, values)
		}
	}
	if len(missing) > 0 {
		logger.Warnf("missing keys in source state_dict: %v", missing)
	}
	if len(unexpected) > 0 {
		logger.Warnf("unexpected keys in source state_dict: %v", unexpected)
	}
	return nil
}

// SaveCheckpoint writes epoch_<epoch+1>.ckpt into outDir and points latest.ckpt at it.
func (r *Runner) SaveCheckpoint(outDir string, saveOptimizer bool) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating checkpoint dir: %w", err)
	}
	ckpt := &Checkpoint{
		Meta: Meta{
			Epoch:   r.epoch + 1,
			Iter:    r.iter,
			RunID:   r.runID,
			SavedAt: time.Now().UTC(),
			Config:  r.configText,
		},
		StateDict: train.StateDict(r.model),
		Shapes:    make(map[string][]int),
	}
	for _, p := range r.model.Params() {
		ckpt.Shapes[p.Name] = p.Shape
	}
	if saveOptimizer && r.optimizer != nil {
		state := r.optimizer.StateDict()
		ckpt.Optimizer = &state
	}

	name := CheckpointName(r.epoch + 1)
	path := filepath.Join(outDir, name)
	if err := WriteCheckpoint(path, ckpt); err != nil {
		return "", err
	}
	if err := linkLatest(outDir, name); err != nil {
		return "", err
	}
	return path, nil
}

// linkLatest points latest.ckpt at name, copying the file where symlinks are unavailable.
func linkLatest(dir, name string) error {
	latest := filepath.Join(dir, LatestCheckpoint)
	if err := os.Remove(latest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", LatestCheckpoint, err)
	}
	if err := os.Symlink(name, latest); err == nil {
		return nil
	}
	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("copying %s: %w", name, err)
	}
	if err := os.WriteFile(latest, content, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", LatestCheckpoint, err)
	}
	return nil
}

// Resume restores weights, optimizer state, epoch, iteration and run id from path.
func (r *Runner) Resume(path string) error {
	ckpt, err := ReadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := LoadStateDict(r.model, ckpt, r.logger); err != nil {
		return fmt.Errorf("resuming from %s: %w", path, err)
	}
	if ckpt.Optimizer != nil && r.optimizer != nil {
		if err := r.optimizer.LoadStateDict(*ckpt.Optimizer); err != nil {
			return fmt.Errorf("resuming optimizer from %s: %w", path, err)
		}
	} else if r.optimizer != nil {
		r.logger.Warnf("checkpoint %s has no optimizer state, optimizer starts fresh", path)
	}
	r.epoch = ckpt.Meta.Epoch
	r.iter = ckpt.Meta.Iter
	if ckpt.Meta.RunID != "" {
		r.runID = ckpt.Meta.RunID
	}
	r.logger.Infof("resumed epoch %d, iter %d", r.epoch, r.iter)
	return nil
}

// LoadCheckpoint restores weights only.
func (r *Runner) LoadCheckpoint(path string) error {
	r.logger.Infof("load checkpoint from %s", path)
	ckpt, err := ReadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := LoadStateDict(r.model, ckpt, r.logger); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// CheckpointHook saves a checkpoint every Interval training epochs and keeps
// at most MaxKeep epoch checkpoints (0 keeps all).
type CheckpointHook struct {
	BaseHook
	cfg    train.CheckpointConfig
	outDir string
}

// NewCheckpointHook returns a hook saving into outDir; empty means the runner work dir.
func NewCheckpointHook(cfg train.CheckpointConfig, outDir string) *CheckpointHook {
	return &CheckpointHook{cfg: cfg, outDir: outDir}
}

func (h *CheckpointHook) AfterTrainEpoch(r *Runner) error {
	if !r.everyNEpochs(h.cfg.Interval) {
		return nil
	}
	dir := h.outDir
	if dir == "" {
		dir = r.WorkDir()
	}
	path, err := r.SaveCheckpoint(dir, h.cfg.SaveOptimizer)
	if err != nil {
		return err
	}
	r.Logger().Infof("saved checkpoint %s", path)
	if h.cfg.MaxKeepCkpts > 0 {
		return pruneCheckpoints(dir, h.cfg.MaxKeepCkpts)
	}
	return nil
}

// pruneCheckpoints removes the oldest epoch checkpoints beyond keep.
func pruneCheckpoints(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing checkpoints: %w", err)
	}
	var epochs []int
	for _, e := range entries {
		m := epochCheckpoint.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	for len(epochs) > keep {
		if err := os.Remove(filepath.Join(dir, CheckpointName(epochs[0]))); err != nil {
			return fmt.Errorf("removing old checkpoint: %w", err)
		}
		epochs = epochs[1:]
	}
	return nil
}
