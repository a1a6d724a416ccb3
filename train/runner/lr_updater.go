package runner

import (
	"fmt"
	"math"

	"github.com/inference-sim/retriever-train/train"
)

// LrUpdaterHook sets the optimizer learning rate from a schedule and an
// optional warmup. With ByEpoch the schedule advances per epoch and warmup
// still advances per iteration.
type LrUpdaterHook struct {
	BaseHook
	cfg       train.LRConfig
	baseLR    float64
	regularLR float64
}

// NewLrUpdaterHook validates the schedule and returns the hook.
func NewLrUpdaterHook(cfg train.LRConfig) (*LrUpdaterHook, error) {
	if !train.ValidLRPolicies[cfg.Policy] {
		return nil, fmt.Errorf("unknown lr policy %q", cfg.Policy)
	}
	if !train.ValidWarmupTypes[cfg.Warmup] {
		return nil, fmt.Errorf("unknown warmup type %q", cfg.Warmup)
	}
	if cfg.Warmup != "" && (cfg.WarmupIters <= 0 || cfg.WarmupRatio <= 0 || cfg.WarmupRatio > 1) {
		return nil, fmt.Errorf("warmup %q needs warmup_iters > 0 and warmup_ratio in (0, 1]", cfg.Warmup)
	}
	return &LrUpdaterHook{cfg: cfg}, nil
}

// BeforeRun takes the optimizer's initial learning rate as the base rate.
// A resumed optimizer reports the rate it was built with, not the decayed one.
func (h *LrUpdaterHook) BeforeRun(r *Runner) error {
	h.baseLR = r.Optimizer().InitialLR()
	h.regularLR = h.baseLR
	return nil
}

func (h *LrUpdaterHook) BeforeTrainEpoch(r *Runner) error {
	if !h.cfg.ByEpoch {
		return nil
	}
	h.regularLR = h.RegularLR(r.Epoch(), r.MaxEpochs())
	r.Optimizer().SetLR(h.regularLR)
	return nil
}

func (h *LrUpdaterHook) BeforeTrainIter(r *Runner) error {
	cur := r.Iter()
	if !h.cfg.ByEpoch {
		h.regularLR = h.RegularLR(cur, r.MaxIters())
		if h.cfg.Warmup == "" || cur >= h.cfg.WarmupIters {
			r.Optimizer().SetLR(h.regularLR)
		} else {
			r.Optimizer().SetLR(h.WarmupLR(cur))
		}
		return nil
	}
	switch {
	case h.cfg.Warmup == "" || cur > h.cfg.WarmupIters:
	case cur == h.cfg.WarmupIters:
		r.Optimizer().SetLR(h.regularLR)
	default:
		r.Optimizer().SetLR(h.WarmupLR(cur))
	}
	return nil
}

// RegularLR returns the scheduled rate at progress out of maxProgress
// (epochs or iterations depending on ByEpoch).
func (h *LrUpdaterHook) RegularLR(progress, maxProgress int) float64 {
	base := h.baseLR
	p := float64(progress)
	switch h.cfg.Policy {
	case "step":
		exp := len(h.cfg.Step)
		for i, s := range h.cfg.Step {
			if progress < s {
				exp = i
				break
			}
		}
		return base * math.Pow(h.cfg.Gamma, float64(exp))
	case "exp":
		return base * math.Pow(h.cfg.Gamma, p)
	case "poly":
		coeff := math.Pow(1-p/float64(maxProgress), h.cfg.Power)
		return (base-h.cfg.MinLR)*coeff + h.cfg.MinLR
	case "inv":
		return base * math.Pow(1+h.cfg.Gamma*p, -h.cfg.Power)
	case "cosine":
		return h.cfg.TargetLR + 0.5*(base-h.cfg.TargetLR)*(1+math.Cos(math.Pi*p/float64(maxProgress)))
	default:
		return base
	}
}

// WarmupLR returns the warmup rate at iteration cur, relative to the current regular rate.
func (h *LrUpdaterHook) WarmupLR(cur int) float64 {
	ratio := h.cfg.WarmupRatio
	frac := float64(cur) / float64(h.cfg.WarmupIters)
	switch h.cfg.Warmup {
	case "constant":
		return h.regularLR * ratio
	case "linear":
		k := (1 - frac) * (1 - ratio)
		return h.regularLR * (1 - k)
	case "exp":
		return h.regularLR * math.Pow(ratio, 1-frac)
	default:
		return h.regularLR
	}
}
