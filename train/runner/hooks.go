package runner

// Priority orders hooks; lower values run first.
type Priority int

// Hook priorities.
const (
	PriorityHighest     Priority = 0
	PriorityVeryHigh    Priority = 10
	PriorityHigh        Priority = 30
	PriorityAboveNormal Priority = 40
	PriorityNormal      Priority = 50
	PriorityBelowNormal Priority = 60
	PriorityLow         Priority = 70
	PriorityVeryLow     Priority = 90
	PriorityLowest      Priority = 100
)

// Hook is called by the Runner at fixed points of the training lifecycle.
// Returning an error stops the run.
type Hook interface {
	BeforeRun(r *Runner) error
	AfterRun(r *Runner) error
	BeforeTrainEpoch(r *Runner) error
	AfterTrainEpoch(r *Runner) error
	BeforeValEpoch(r *Runner) error
	AfterValEpoch(r *Runner) error
	BeforeTrainIter(r *Runner) error
	AfterTrainIter(r *Runner) error
	BeforeValIter(r *Runner) error
	AfterValIter(r *Runner) error
}

// BaseHook implements every Hook method as a no-op. Embed it and override what you need.
type BaseHook struct{}

func (BaseHook) BeforeRun(*Runner) error        { return nil }
func (BaseHook) AfterRun(*Runner) error         { return nil }
func (BaseHook) BeforeTrainEpoch(*Runner) error { return nil }
func (BaseHook) AfterTrainEpoch(*Runner) error  { return nil }
func (BaseHook) BeforeValEpoch(*Runner) error   { return nil }
func (BaseHook) AfterValEpoch(*Runner) error    { return nil }
func (BaseHook) BeforeTrainIter(*Runner) error  { return nil }
func (BaseHook) AfterTrainIter(*Runner) error   { return nil }
func (BaseHook) BeforeValIter(*Runner) error    { return nil }
func (BaseHook) AfterValIter(*Runner) error     { return nil }

type hookEntry struct {
	hook     Hook
	priority Priority
}

// RegisterHook inserts h after every hook whose priority is <= priority.
func (r *Runner) RegisterHook(h Hook, priority Priority) {
	i := len(r.hooks)
	for i > 0 && r.hooks[i-1].priority > priority {
		i--
	}
	r.hooks = append(r.hooks, hookEntry{})
	copy(r.hooks[i+1:], r.hooks[i:])
	r.hooks[i] = hookEntry{hook: h, priority: priority}
}

// Hooks returns the registered hooks in call order.
func (r *Runner) Hooks() []Hook {
	out := make([]Hook, len(r.hooks))
	for i, e := range r.hooks {
		out[i] = e.hook
	}
	return out
}

func (r *Runner) callHook(fn func(Hook) error) error {
	for _, e := range r.hooks {
		if err := fn(e.hook); err != nil {
			return err
		}
	}
	return nil
}

// Helpers shared by hooks that act every n epochs or iterations.

func (r *Runner) everyNEpochs(n int) bool {
	return n > 0 && (r.epoch+1)%n == 0
}

func (r *Runner) everyNInnerIters(n int) bool {
	return n > 0 && (r.innerIter+1)%n == 0
}

func (r *Runner) endOfEpoch() bool {
	return r.innerIter+1 == r.epochLen
}
