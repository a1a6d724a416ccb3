package data

import (
	"context"
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/retriever-train/train"
)

// DataLoader splits a dataset into batches each epoch.
// Batches are assembled by a pool of worker goroutines and delivered in order.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	numWorkers int
	shuffle    bool
	rng        *rand.Rand
}

// BuildDataloader sizes a loader for numGPUs devices: the batch holds
// imgsPerGPU samples per device and workersPerGPU workers run per device.
// Distributed sampling is not supported.
func BuildDataloader(ds Dataset, imgsPerGPU, workersPerGPU, numGPUs int, dist, shuffle bool, rng *rand.Rand) (*DataLoader, error) {
	if dist {
		return nil, fmt.Errorf("distributed data loading: %w", train.ErrNotImplemented)
	}
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("dataset is empty")
	}
	if imgsPerGPU <= 0 || numGPUs <= 0 {
		return nil, fmt.Errorf("imgs_per_gpu and device count must be positive, got %d and %d", imgsPerGPU, numGPUs)
	}
	if workersPerGPU < 0 {
		return nil, fmt.Errorf("workers_per_gpu must be non-negative, got %d", workersPerGPU)
	}
	if shuffle && rng == nil {
		return nil, fmt.Errorf("shuffling loader requires an rng")
	}
	return &DataLoader{
		dataset:    ds,
		batchSize:  imgsPerGPU * numGPUs,
		numWorkers: workersPerGPU * numGPUs,
		shuffle:    shuffle,
		rng:        rng,
	}, nil
}

// Len returns the number of batches per epoch. The last batch may be partial.
func (l *DataLoader) Len() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// BatchSize returns the number of samples in a full batch.
func (l *DataLoader) BatchSize() int { return l.batchSize }

// NumWorkers returns the number of prefetch workers.
func (l *DataLoader) NumWorkers() int { return l.numWorkers }

func (l *DataLoader) order() []int {
	if l.shuffle {
		return l.rng.Perm(l.dataset.Len())
	}
	order := make([]int, l.dataset.Len())
	for i := range order {
		order[i] = i
	}
	return order
}

func (l *DataLoader) indicesFor(order []int, k int) []int {
	lo := k * l.batchSize
	hi := min(lo+l.batchSize, len(order))
	return order[lo:hi]
}

func (l *DataLoader) collate(indices []int) (*train.Batch, error) {
	b := &train.Batch{
		Img: make([][]float64, len(indices)),
		ID:  make([]int, len(indices)),
		Pos: make([][]float64, len(indices)),
		Neg: make([][]float64, len(indices)),
	}
	for r, i := range indices {
		s, err := l.dataset.Get(i)
		if err != nil {
			return nil, fmt.Errorf("loading sample %d: %w", i, err)
		}
		b.Img[r], b.ID[r], b.Pos[r], b.Neg[r] = s.Img, s.ID, s.Pos, s.Neg
	}
	return b, nil
}

type batchResult struct {
	batch *train.Batch
	err   error
}

// Iterator yields one epoch of batches. Callers must Close it.
type Iterator struct {
	loader  *DataLoader
	order   []int
	pos     int
	err     error
	results []chan batchResult
	slots   chan struct{}
	group   *errgroup.Group
	ctx     context.Context
	cancel  context.CancelFunc
}

// Iterate starts one epoch. The permutation is drawn on the calling goroutine.
// At most 2*NumWorkers batches are prefetched ahead of the consumer.
func (l *DataLoader) Iterate(ctx context.Context) *Iterator {
	it := &Iterator{loader: l, order: l.order()}
	it.ctx, it.cancel = context.WithCancel(ctx)
	if l.numWorkers == 0 {
		return it
	}

	n := l.Len()
	it.results = make([]chan batchResult, n)
	for k := range it.results {
		it.results[k] = make(chan batchResult, 1)
	}
	it.slots = make(chan struct{}, 2*l.numWorkers)
	jobs := make(chan int)

	g, gctx := errgroup.WithContext(it.ctx)
	it.group = g
	it.ctx = gctx
	g.Go(func() error {
		defer close(jobs)
		for k := 0; k < n; k++ {
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case it.slots <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- k:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < l.numWorkers; w++ {
		g.Go(func() error {
			for k := range jobs {
				b, err := l.collate(l.indicesFor(it.order, k))
				it.results[k] <- batchResult{batch: b, err: err}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return it
}

// Next returns the next batch in order, or false at the end of the epoch or on error.
func (it *Iterator) Next() (*train.Batch, bool) {
	if it.err != nil || it.pos >= it.loader.Len() {
		return nil, false
	}
	if it.results == nil {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return nil, false
		}
		b, err := it.loader.collate(it.loader.indicesFor(it.order, it.pos))
		if err != nil {
			it.err = err
			return nil, false
		}
		it.pos++
		return b, true
	}

	var res batchResult
	if it.ctx.Err() != nil {
		it.stop()
		return nil, false
	}
	select {
	case res = <-it.results[it.pos]:
	case <-it.ctx.Done():
		it.stop()
		return nil, false
	}
	<-it.slots
	if res.err != nil {
		it.err = res.err
		return nil, false
	}
	it.pos++
	return res.batch, true
}

func (it *Iterator) stop() {
	it.err = it.group.Wait()
	if it.err == nil {
		it.err = context.Canceled
	}
}

// Err returns the error that ended iteration early, if any.
func (it *Iterator) Err() error { return it.err }

// Close stops prefetching and waits for the workers to exit.
func (it *Iterator) Close() {
	it.cancel()
	if it.group != nil {
		_ = it.group.Wait()
	}
}
