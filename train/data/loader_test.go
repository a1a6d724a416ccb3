package data

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/retriever-train/train"
)

// indexDataset encodes the sample index in its single feature.
type indexDataset struct {
	n      int
	failAt int
}

func (d *indexDataset) Len() int { return d.n }

func (d *indexDataset) Get(i int) (Sample, error) {
	if d.failAt >= 0 && i == d.failAt {
		return Sample{}, fmt.Errorf("corrupt sample %d", i)
	}
	row := []float64{float64(i)}
	return Sample{Img: row, ID: i % 2, Pos: row, Neg: row}, nil
}

func collect(t *testing.T, l *DataLoader) ([]int, []int) {
	t.Helper()
	it := l.Iterate(context.Background())
	defer it.Close()
	var seen, sizes []int
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		sizes = append(sizes, b.Len())
		for _, row := range b.Img {
			seen = append(seen, int(row[0]))
		}
	}
	require.NoError(t, it.Err())
	return seen, sizes
}

func TestBuildDataloader_Sizing(t *testing.T) {
	l, err := BuildDataloader(&indexDataset{n: 10, failAt: -1}, 2, 3, 2, false, false, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, l.BatchSize())
	assert.Equal(t, 6, l.NumWorkers())
	assert.Equal(t, 3, l.Len())
}

func TestBuildDataloader_DistributedNotImplemented(t *testing.T) {
	_, err := BuildDataloader(&indexDataset{n: 4, failAt: -1}, 1, 1, 1, true, false, nil)
	assert.ErrorIs(t, err, train.ErrNotImplemented)
}

func TestBuildDataloader_Rejects(t *testing.T) {
	ds := &indexDataset{n: 4, failAt: -1}
	_, err := BuildDataloader(&indexDataset{n: 0, failAt: -1}, 1, 1, 1, false, false, nil)
	assert.Error(t, err)
	_, err = BuildDataloader(ds, 0, 1, 1, false, false, nil)
	assert.Error(t, err)
	_, err = BuildDataloader(ds, 1, -1, 1, false, false, nil)
	assert.Error(t, err)
	_, err = BuildDataloader(ds, 1, 1, 1, false, true, nil)
	assert.Error(t, err, "shuffle without rng")
}

func TestDataLoader_SequentialOrderAcrossWorkerCounts(t *testing.T) {
	for _, workers := range []int{0, 1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			l, err := BuildDataloader(&indexDataset{n: 11, failAt: -1}, 3, workers, 1, false, false, nil)
			require.NoError(t, err)
			seen, sizes := collect(t, l)
			want := make([]int, 11)
			for i := range want {
				want[i] = i
			}
			assert.Equal(t, want, seen)
			assert.Equal(t, []int{3, 3, 3, 2}, sizes, "last partial batch is kept")
		})
	}
}

func TestDataLoader_ShuffleVisitsEverySampleOnce(t *testing.T) {
	l, err := BuildDataloader(&indexDataset{n: 25, failAt: -1}, 4, 2, 1, false, true, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	first, _ := collect(t, l)
	second, _ := collect(t, l)
	assert.NotEqual(t, first, second, "each epoch draws a new permutation")

	sort.Ints(first)
	for i, v := range first {
		assert.Equal(t, i, v)
	}
}

func TestDataLoader_ShuffleIsIndependentOfWorkerCount(t *testing.T) {
	a, err := BuildDataloader(&indexDataset{n: 20, failAt: -1}, 4, 0, 1, false, true, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	b, err := BuildDataloader(&indexDataset{n: 20, failAt: -1}, 4, 3, 1, false, true, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	seenA, _ := collect(t, a)
	seenB, _ := collect(t, b)
	assert.Equal(t, seenA, seenB)
}

func TestDataLoader_SampleErrorStopsIteration(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			l, err := BuildDataloader(&indexDataset{n: 12, failAt: 5}, 2, workers, 1, false, false, nil)
			require.NoError(t, err)
			it := l.Iterate(context.Background())
			defer it.Close()
			count := 0
			for {
				if _, ok := it.Next(); !ok {
					break
				}
				count++
			}
			assert.LessOrEqual(t, count, 2, "batches after the failing one are not delivered")
			require.Error(t, it.Err())
			assert.Contains(t, it.Err().Error(), "corrupt sample 5")
		})
	}
}

func TestDataLoader_ContextCancel(t *testing.T) {
	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			l, err := BuildDataloader(&indexDataset{n: 100, failAt: -1}, 1, workers, 1, false, false, nil)
			require.NoError(t, err)
			ctx, cancel := context.WithCancel(context.Background())
			it := l.Iterate(ctx)
			defer it.Close()

			_, ok := it.Next()
			require.True(t, ok)
			cancel()
			for {
				if _, ok := it.Next(); !ok {
					break
				}
			}
			assert.True(t, errors.Is(it.Err(), context.Canceled))
		})
	}
}
