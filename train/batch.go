package train

import "fmt"

// Batch holds a mini-batch of retrieval samples as named fields.
// Row i of every field belongs to the same sample.
type Batch struct {
	Img [][]float64 // anchor features
	ID  []int       // anchor item id
	Pos [][]float64 // features of an item sharing the anchor's id
	Neg [][]float64 // features of an item with a different id
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Img)
}

// Slice returns the samples in [lo, hi). Rows are shared, not copied.
func (b *Batch) Slice(lo, hi int) *Batch {
	return &Batch{
		Img: b.Img[lo:hi],
		ID:  b.ID[lo:hi],
		Pos: b.Pos[lo:hi],
		Neg: b.Neg[lo:hi],
	}
}

// Outputs is the per-iteration summary the runner consumes.
type Outputs struct {
	Loss       float64
	LogVars    LogVars
	NumSamples int
}

// BatchProcessor turns one batch into Outputs. The runner calls it once per iteration.
type BatchProcessor func(model Module, batch *Batch, trainMode bool) (*Outputs, error)

// ProcessBatch runs the model on the batch and aggregates its losses.
func ProcessBatch(model Module, batch *Batch, trainMode bool) (*Outputs, error) {
	losses, err := model.Forward(batch, trainMode)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	loss, logVars, err := ParseLosses(losses)
	if err != nil {
		return nil, fmt.Errorf("parsing losses: %w", err)
	}
	return &Outputs{Loss: loss, LogVars: logVars, NumSamples: batch.Len()}, nil
}
