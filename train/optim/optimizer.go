// Package optim implements the optimizers selected by the optimizer config.
package optim

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/retriever-train/train"
)

// group holds one parameter with its learning rate and weight decay multipliers.
type group struct {
	param     *train.Param
	lrMult    float64
	decayMult float64
}

// base carries the bookkeeping shared by every optimizer.
type base struct {
	groups      []group
	lr          float64
	initialLR   float64
	weightDecay float64
	steps       int
}

func (b *base) LR() float64        { return b.lr }
func (b *base) SetLR(lr float64)   { b.lr = lr }
func (b *base) InitialLR() float64 { return b.initialLR }
func (b *base) Steps() int         { return b.steps }

func (b *base) state(typ string, buffers map[string][]float64) train.OptimizerState {
	return train.OptimizerState{
		Type:      typ,
		LR:        b.lr,
		InitialLR: b.initialLR,
		Steps:     b.steps,
		Buffers:   copyBuffers(buffers),
	}
}

func (b *base) restore(state train.OptimizerState) {
	b.lr, b.steps = state.LR, state.Steps
	if state.InitialLR > 0 {
		b.initialLR = state.InitialLR
	}
}

func (b *base) ZeroGrad() {
	for _, g := range b.groups {
		g.param.ZeroGrad()
	}
}

func (b *base) Params() []*train.Param {
	params := make([]*train.Param, len(b.groups))
	for i, g := range b.groups {
		params[i] = g.param
	}
	return params
}

// decayed returns grad + weightDecay*decayMult*data for group g.
func (b *base) decayed(g group, scratch []float64) []float64 {
	copy(scratch, g.param.Grad)
	if wd := b.weightDecay * g.decayMult; wd != 0 {
		floats.AddScaled(scratch, wd, g.param.Data)
	}
	return scratch
}

func loadBuffers(state train.OptimizerState, want string, groups []group, names ...string) (map[string][]float64, error) {
	if state.Type != want {
		return nil, fmt.Errorf("optimizer state is for %q, cannot load into %q", state.Type, want)
	}
	out := make(map[string][]float64, len(state.Buffers))
	for key, buf := range state.Buffers {
		out[key] = append([]float64(nil), buf...)
	}
	for _, g := range groups {
		for _, name := range names {
			key := g.param.Name + "/" + name
			buf, ok := out[key]
			if !ok {
				continue
			}
			if len(buf) != len(g.param.Data) {
				return nil, fmt.Errorf("optimizer buffer %s has %d values, parameter has %d", key, len(buf), len(g.param.Data))
			}
		}
	}
	return out, nil
}

// SGD is stochastic gradient descent with optional (Nesterov) momentum and
// weight decay. Momentum buffers start at the first gradient.
type SGD struct {
	base
	momentum float64
	nesterov bool
	buffers  map[string][]float64
}

// NewSGD returns an SGD optimizer over the given parameters.
func NewSGD(params []*train.Param, lr, momentum, weightDecay float64, nesterov bool) *SGD {
	return &SGD{
		base:     base{groups: plainGroups(params), lr: lr, initialLR: lr, weightDecay: weightDecay},
		momentum: momentum,
		nesterov: nesterov,
		buffers:  make(map[string][]float64),
	}
}

// Step applies one update to every parameter.
func (o *SGD) Step() {
	o.steps++
	for _, g := range o.groups {
		p := g.param
		d := o.decayed(g, make([]float64, len(p.Data)))
		if o.momentum != 0 {
			key := p.Name + "/momentum_buffer"
			buf, ok := o.buffers[key]
			if !ok {
				buf = append([]float64(nil), d...)
				o.buffers[key] = buf
			} else {
				floats.Scale(o.momentum, buf)
				floats.Add(buf, d)
			}
			if o.nesterov {
				floats.AddScaled(d, o.momentum, buf)
			} else {
				copy(d, buf)
			}
		}
		floats.AddScaled(p.Data, -o.lr*g.lrMult, d)
	}
}

// StateDict returns a copy of the optimizer state.
func (o *SGD) StateDict() train.OptimizerState {
	return o.state("SGD", o.buffers)
}

// LoadStateDict restores state saved by StateDict.
func (o *SGD) LoadStateDict(state train.OptimizerState) error {
	buffers, err := loadBuffers(state, "SGD", o.groups, "momentum_buffer")
	if err != nil {
		return err
	}
	o.restore(state)
	o.buffers = buffers
	return nil
}

// Adam implements Adam with bias correction and L2 weight decay.
type Adam struct {
	base
	beta1, beta2 float64
	eps          float64
	buffers      map[string][]float64
}

// NewAdam returns an Adam optimizer over the given parameters.
func NewAdam(params []*train.Param, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		base:    base{groups: plainGroups(params), lr: lr, initialLR: lr, weightDecay: weightDecay},
		beta1:   beta1,
		beta2:   beta2,
		eps:     eps,
		buffers: make(map[string][]float64),
	}
}

// Step applies one update to every parameter.
func (o *Adam) Step() {
	o.steps++
	bc1 := 1 - math.Pow(o.beta1, float64(o.steps))
	bc2 := 1 - math.Pow(o.beta2, float64(o.steps))
	for _, g := range o.groups {
		p := g.param
		d := o.decayed(g, make([]float64, len(p.Data)))
		m := o.buffer(p.Name+"/exp_avg", len(d))
		v := o.buffer(p.Name+"/exp_avg_sq", len(d))
		stepSize := o.lr * g.lrMult / bc1
		for i, gi := range d {
			m[i] = o.beta1*m[i] + (1-o.beta1)*gi
			v[i] = o.beta2*v[i] + (1-o.beta2)*gi*gi
			denom := math.Sqrt(v[i])/math.Sqrt(bc2) + o.eps
			p.Data[i] -= stepSize * m[i] / denom
		}
	}
}

func (o *Adam) buffer(key string, n int) []float64 {
	buf, ok := o.buffers[key]
	if !ok {
		buf = make([]float64, n)
		o.buffers[key] = buf
	}
	return buf
}

// StateDict returns a copy of the optimizer state.
func (o *Adam) StateDict() train.OptimizerState {
	return o.state("Adam", o.buffers)
}

// LoadStateDict restores state saved by StateDict.
func (o *Adam) LoadStateDict(state train.OptimizerState) error {
	buffers, err := loadBuffers(state, "Adam", o.groups, "exp_avg", "exp_avg_sq")
	if err != nil {
		return err
	}
	o.restore(state)
	o.buffers = buffers
	return nil
}

func plainGroups(params []*train.Param) []group {
	groups := make([]group, len(params))
	for i, p := range params {
		groups[i] = group{param: p, lrMult: 1, decayMult: 1}
	}
	return groups
}

func copyBuffers(src map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(src))
	for k, v := range src {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// BuildOptimizer constructs the optimizer named by cfg.Type over the module's
// parameters. Parameters whose name ends in ".bias" take the paramwise multipliers.
func BuildOptimizer(m train.Module, cfg train.OptimizerConfig) (train.Optimizer, error) {
	if !train.ValidOptimizerTypes[cfg.Type] {
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Type)
	}
	params := m.Params()
	if len(params) == 0 {
		return nil, fmt.Errorf("module has no parameters")
	}
	var groups []group
	var opt train.Optimizer
	switch cfg.Type {
	case "SGD":
		sgd := NewSGD(params, cfg.LR, cfg.Momentum, cfg.WeightDecay, cfg.Nesterov)
		groups, opt = sgd.groups, sgd
	case "Adam":
		if len(cfg.Betas) != 2 {
			return nil, fmt.Errorf("adam needs two betas, got %v", cfg.Betas)
		}
		adam := NewAdam(params, cfg.LR, cfg.Betas[0], cfg.Betas[1], cfg.Eps, cfg.WeightDecay)
		groups, opt = adam.groups, adam
	}
	if pw := cfg.Paramwise; pw != nil {
		for i := range groups {
			if !strings.HasSuffix(groups[i].param.Name, ".bias") {
				continue
			}
			if pw.BiasLRMult != nil {
				groups[i].lrMult = *pw.BiasLRMult
			}
			if pw.BiasDecayMult != nil {
				groups[i].decayMult = *pw.BiasDecayMult
			}
		}
	}
	return opt, nil
}

// ClipGradNorm rescales gradients so that their combined norm is at most maxNorm
// and returns the norm before clipping. normType 0 means 2; +Inf is the max norm.
func ClipGradNorm(params []*train.Param, maxNorm, normType float64) float64 {
	if normType == 0 {
		normType = 2
	}
	var total float64
	if math.IsInf(normType, 1) {
		for _, p := range params {
			if len(p.Grad) > 0 {
				total = math.Max(total, floats.Norm(p.Grad, normType))
			}
		}
	} else {
		for _, p := range params {
			total += math.Pow(floats.Norm(p.Grad, normType), normType)
		}
		total = math.Pow(total, 1/normType)
	}
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad)
		}
	}
	return total
}
