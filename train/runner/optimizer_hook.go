package runner

import (
	"time"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/optim"
)

// OptimizerHook clears gradients before each training iteration and applies
// one optimizer step after it, optionally clipping the gradient norm first.
type OptimizerHook struct {
	BaseHook
	gradClip *train.GradClipConfig
}

// NewOptimizerHook returns the hook. A nil gradClip disables clipping.
func NewOptimizerHook(cfg train.OptimizerHookConfig) *OptimizerHook {
	return &OptimizerHook{gradClip: cfg.GradClip}
}

func (h *OptimizerHook) BeforeTrainIter(r *Runner) error {
	r.Optimizer().ZeroGrad()
	return nil
}

func (h *OptimizerHook) AfterTrainIter(r *Runner) error {
	opt := r.Optimizer()
	if h.gradClip != nil {
		norm := optim.ClipGradNorm(opt.Params(), h.gradClip.MaxNorm, h.gradClip.NormType)
		n := 1
		if out := r.Outputs(); out != nil {
			n = out.NumSamples
		}
		r.LogBuffer().Update(map[string]float64{"grad_norm": norm}, n)
	}
	opt.Step()
	return nil
}

// IterTimerHook records data_time (waiting for the batch) and time (the whole
// iteration) in seconds.
type IterTimerHook struct {
	BaseHook
	last time.Time
	now  func() time.Time
}

// NewIterTimerHook returns a timer using the wall clock.
func NewIterTimerHook() *IterTimerHook {
	return &IterTimerHook{now: time.Now}
}

func (h *IterTimerHook) BeforeTrainEpoch(*Runner) error  { return h.reset() }
func (h *IterTimerHook) BeforeValEpoch(*Runner) error    { return h.reset() }
func (h *IterTimerHook) BeforeTrainIter(r *Runner) error { return h.before(r) }
func (h *IterTimerHook) BeforeValIter(r *Runner) error   { return h.before(r) }
func (h *IterTimerHook) AfterTrainIter(r *Runner) error  { return h.after(r) }
func (h *IterTimerHook) AfterValIter(r *Runner) error    { return h.after(r) }

func (h *IterTimerHook) reset() error {
	h.last = h.now()
	return nil
}

func (h *IterTimerHook) before(r *Runner) error {
	r.LogBuffer().Update(map[string]float64{"data_time": h.now().Sub(h.last).Seconds()}, 1)
	return nil
}

func (h *IterTimerHook) after(r *Runner) error {
	t := h.now()
	r.LogBuffer().Update(map[string]float64{"time": t.Sub(h.last).Seconds()}, 1)
	h.last = t
	return nil
}
