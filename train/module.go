package train

// Param is a named trainable parameter stored as a flat row-major slice.
type Param struct {
	Name  string
	Shape []int
	Data  []float64
	Grad  []float64
}

// NewParam allocates a zeroed parameter of the given shape.
func NewParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Module is a trainable model. In train mode Forward accumulates the gradients
// of the returned loss entries into the Grad of each parameter.
type Module interface {
	Forward(batch *Batch, trainMode bool) (Losses, error)
	Params() []*Param
}

// Replicable modules can be copied onto additional devices. A replica shares
// parameter Data with its source and owns its Grad buffers.
type Replicable interface {
	Module
	Replicate() Module
}

// Optimizer updates a module's parameters from their gradients.
type Optimizer interface {
	Step()
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
	InitialLR() float64
	Params() []*Param
	StateDict() OptimizerState
	LoadStateDict(state OptimizerState) error
}

// OptimizerState is the serializable state of an optimizer.
// Buffers are keyed "<param name>/<buffer name>".
type OptimizerState struct {
	Type      string               `json:"type"`
	LR        float64              `json:"lr"`
	InitialLR float64              `json:"initial_lr"`
	Steps     int                  `json:"steps"`
	Buffers   map[string][]float64 `json:"buffers,omitempty"`
}

// StateDict copies a module's parameter values keyed by name.
func StateDict(m Module) map[string][]float64 {
	state := make(map[string][]float64)
	for _, p := range m.Params() {
		state[p.Name] = append([]float64(nil), p.Data...)
	}
	return state
}
