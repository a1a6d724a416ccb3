package train

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// TotalLossKey is the LogVars entry holding the combined loss.
const TotalLossKey = "loss"

// ErrNotImplemented is returned by code paths that exist only as placeholders,
// such as multi-process distributed training.
var ErrNotImplemented = errors.New("not implemented")

// Losses maps a loss name to either a Tensor or a []Tensor.
type Losses map[string]any

// LogVars maps a variable name to its scalar value for one iteration.
type LogVars map[string]float64

// Keys returns the variable names in sorted order.
func (lv LogVars) Keys() []string {
	keys := make([]string, 0, len(lv))
	for k := range lv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LossTypeError reports a Losses entry that is neither a Tensor nor a []Tensor.
type LossTypeError struct {
	Name  string
	Value any
}

func (e *LossTypeError) Error() string {
	return fmt.Sprintf("%s is not a tensor or list of tensors", e.Name)
}

// ParseLosses reduces every entry to a scalar (a tensor's mean, or the sum of
// the means of a tensor list) and sums the entries whose name contains "loss".
// The returned LogVars holds every reduced entry plus the total under TotalLossKey.
func ParseLosses(losses Losses) (float64, LogVars, error) {
	names := make([]string, 0, len(losses))
	for name := range losses {
		names = append(names, name)
	}
	sort.Strings(names)

	logVars := make(LogVars, len(losses)+1)
	for _, name := range names {
		value := losses[name]
		switch v := value.(type) {
		case Tensor:
			logVars[name] = v.Mean()
		case []Tensor:
			sum := 0.0
			for _, t := range v {
				sum += t.Mean()
			}
			logVars[name] = sum
		default:
			return 0, nil, &LossTypeError{Name: name, Value: value}
		}
	}

	// Sorted order keeps the float summation reproducible across runs.
	total := 0.0
	for _, name := range logVars.Keys() {
		if strings.Contains(name, TotalLossKey) {
			total += logVars[name]
		}
	}
	logVars[TotalLossKey] = total
	return total, logVars, nil
}
