// Package parallel runs one model across several logical devices.
//
// A DataParallel module splits each batch into contiguous chunks, runs one
// replica per chunk concurrently, and gathers the per-device losses so that
// train.ParseLosses reduces them as if the whole batch had run on one device.
package parallel

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/retriever-train/train"
)

// DataParallel wraps a module with one replica per device id.
type DataParallel struct {
	module    train.Module
	deviceIDs []int
	replicas  []train.Module // nil when the module runs on the first device only
}

// NewDataParallel wraps module for the given devices. Modules that do not
// implement train.Replicable run on deviceIDs[0] only.
func NewDataParallel(module train.Module, deviceIDs []int) (*DataParallel, error) {
	if module == nil {
		return nil, fmt.Errorf("data parallel: nil module")
	}
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("data parallel: at least one device id is required")
	}
	seen := make(map[int]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		if id < 0 {
			return nil, fmt.Errorf("data parallel: negative device id %d", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("data parallel: duplicate device id %d", id)
		}
		seen[id] = true
	}
	dp := &DataParallel{module: module, deviceIDs: append([]int(nil), deviceIDs...)}
	if r, ok := module.(train.Replicable); ok && len(deviceIDs) > 1 {
		dp.replicas = make([]train.Module, len(deviceIDs))
		for i := range deviceIDs {
			dp.replicas[i] = r.Replicate()
		}
	}
	return dp, nil
}

// Module returns the wrapped module.
func (dp *DataParallel) Module() train.Module { return dp.module }

// DeviceIDs returns the devices in use, in scatter order.
func (dp *DataParallel) DeviceIDs() []int {
	if dp.replicas == nil {
		return dp.deviceIDs[:1]
	}
	return append([]int(nil), dp.deviceIDs...)
}

// Params returns the wrapped module's parameters.
func (dp *DataParallel) Params() []*train.Param { return dp.module.Params() }

// Forward scatters the batch, runs the replicas concurrently and gathers their losses.
func (dp *DataParallel) Forward(batch *train.Batch, trainMode bool) (train.Losses, error) {
	if dp.replicas == nil {
		return dp.module.Forward(batch, trainMode)
	}
	chunks := scatter(batch, len(dp.replicas))
	outs := make([]train.Losses, len(chunks))
	var g errgroup.Group
	for i, chunk := range chunks {
		i, chunk := i, chunk
		replica := dp.replicas[i]
		if trainMode {
			for _, p := range replica.Params() {
				p.ZeroGrad()
			}
		}
		g.Go(func() error {
			losses, err := replica.Forward(chunk, trainMode)
			if err != nil {
				return fmt.Errorf("device %d: %w", dp.deviceIDs[i], err)
			}
			outs[i] = losses
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if trainMode {
		dp.reduceGrads(chunks, batch.Len())
	}
	return gather(outs)
}

// reduceGrads adds the replica gradients into the module gradients, each
// weighted by its chunk's share of the total samples. Replica gradients are
// per-chunk means, so the weighted sum is the gradient of the whole-batch mean.
func (dp *DataParallel) reduceGrads(chunks []*train.Batch, total int) {
	for j, p := range dp.module.Params() {
		for i, chunk := range chunks {
			scale := float64(chunk.Len()) / float64(total)
			floats.AddScaled(p.Grad, scale, dp.replicas[i].Params()[j].Grad)
		}
	}
}

// scatter splits the batch into at most n contiguous chunks of ceil(len/n)
// samples. Trailing empty chunks are dropped.
func scatter(batch *train.Batch, n int) []*train.Batch {
	size := (batch.Len() + n - 1) / n
	if size == 0 {
		return []*train.Batch{batch}
	}
	var chunks []*train.Batch
	for lo := 0; lo < batch.Len(); lo += size {
		chunks = append(chunks, batch.Slice(lo, min(lo+size, batch.Len())))
	}
	return chunks
}

// gather merges per-device losses by name. Tensors are concatenated; lists are
// concatenated element-wise. Values of any other type are passed through from
// the first device so that loss parsing reports them.
func gather(outs []train.Losses) (train.Losses, error) {
	if len(outs) == 1 {
		return outs[0], nil
	}
	names := make([]string, 0, len(outs[0]))
	for name := range outs[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make(train.Losses, len(names))
	for _, name := range names {
		switch first := outs[0][name].(type) {
		case train.Tensor:
			parts := make([]train.Tensor, len(outs))
			for i, out := range outs {
				t, ok := out[name].(train.Tensor)
				if !ok {
					return nil, fmt.Errorf("gathering %s: device %d returned %T, want tensor", name, i, out[name])
				}
				parts[i] = t
			}
			merged[name] = train.Concat(parts...)
		case []train.Tensor:
			list := make([]train.Tensor, len(first))
			for i, out := range outs {
				ts, ok := out[name].([]train.Tensor)
				if !ok || len(ts) != len(first) {
					return nil, fmt.Errorf("gathering %s: device %d returned a mismatched list", name, i)
				}
				for k, t := range ts {
					list[k] = train.Concat(list[k], t)
				}
			}
			merged[name] = list
		default:
			merged[name] = first
		}
	}
	return merged, nil
}
