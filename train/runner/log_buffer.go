package runner

import "sort"

// LogBuffer keeps the history of logged variables for the current epoch and
// the latest averaged output.
type LogBuffer struct {
	history map[string][]float64
	counts  map[string][]int
	output  map[string]float64
	ready   bool
}

// NewLogBuffer returns an empty buffer.
func NewLogBuffer() *LogBuffer {
	b := &LogBuffer{}
	b.Clear()
	return b
}

// Update appends each variable with the number of samples it was computed on.
func (b *LogBuffer) Update(vars map[string]float64, count int) {
	for k, v := range vars {
		b.history[k] = append(b.history[k], v)
		b.counts[k] = append(b.counts[k], count)
	}
}

// Average sets the output to the sample-weighted mean of the last n values of
// every variable (all values when n <= 0) and marks the buffer ready.
func (b *LogBuffer) Average(n int) {
	for k, vals := range b.history {
		counts := b.counts[k]
		lo := 0
		if n > 0 && len(vals) > n {
			lo = len(vals) - n
		}
		var sum float64
		var total int
		for i := lo; i < len(vals); i++ {
			sum += vals[i] * float64(counts[i])
			total += counts[i]
		}
		if total > 0 {
			b.output[k] = sum / float64(total)
		}
	}
	b.ready = true
}

// Ready reports whether Average has produced output since the last ClearOutput.
func (b *LogBuffer) Ready() bool { return b.ready }

// Output returns the averaged values.
func (b *LogBuffer) Output() map[string]float64 { return b.output }

// Keys returns the output keys in sorted order.
func (b *LogBuffer) Keys() []string {
	keys := make([]string, 0, len(b.output))
	for k := range b.output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// History returns the recorded values of one variable.
func (b *LogBuffer) History(key string) []float64 { return b.history[key] }

// ClearOutput drops the averaged output.
func (b *LogBuffer) ClearOutput() {
	b.output = make(map[string]float64)
	b.ready = false
}

// Clear drops history and output.
func (b *LogBuffer) Clear() {
	b.history = make(map[string][]float64)
	b.counts = make(map[string][]int)
	b.ClearOutput()
}
