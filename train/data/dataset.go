// Package data provides retrieval datasets and the data loader that batches them.
package data

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"github.com/inference-sim/retriever-train/train"
)

// Sample is one anchor item together with its positive and negative partners.
type Sample struct {
	Img []float64
	ID  int
	Pos []float64
	Neg []float64
}

// Dataset is an indexable collection of samples. Get must be safe for
// concurrent use because loader workers call it in parallel.
type Dataset interface {
	Len() int
	Get(i int) (Sample, error)
}

// FeatureDataset holds item feature vectors grouped by item id. Positive and
// negative partners are fixed at construction, so reads never mutate state.
type FeatureDataset struct {
	features [][]float64
	ids      []int
	pos      []int
	neg      []int
	dim      int
	numIDs   int
}

// NewFeatureDataset pairs every item with a positive (next item of the same id,
// cyclically; itself when the id has a single item) and a negative drawn
// uniformly from items of other ids. At least two distinct ids are required.
func NewFeatureDataset(features [][]float64, ids []int, rng *rand.Rand) (*FeatureDataset, error) {
	if len(features) != len(ids) {
		return nil, fmt.Errorf("got %d feature rows for %d ids", len(features), len(ids))
	}
	if len(features) == 0 {
		return nil, errors.New("dataset is empty")
	}
	dim := len(features[0])
	groups := make(map[int][]int)
	var order []int
	for i, id := range ids {
		if id < 0 {
			return nil, fmt.Errorf("item %d has negative id %d", i, id)
		}
		if len(features[i]) != dim {
			return nil, fmt.Errorf("item %d has %d features, want %d", i, len(features[i]), dim)
		}
		if _, seen := groups[id]; !seen {
			order = append(order, id)
		}
		groups[id] = append(groups[id], i)
	}
	if len(groups) < 2 {
		return nil, fmt.Errorf("need at least 2 distinct ids for negative pairs, got %d", len(groups))
	}

	d := &FeatureDataset{
		features: features,
		ids:      ids,
		pos:      make([]int, len(ids)),
		neg:      make([]int, len(ids)),
		dim:      dim,
	}
	for _, id := range order {
		members := groups[id]
		for k, i := range members {
			d.pos[i] = members[(k+1)%len(members)]
		}
		if id+1 > d.numIDs {
			d.numIDs = id + 1
		}
	}
	for i, id := range ids {
		// Rejection sampling terminates because another id exists.
		for {
			j := rng.Intn(len(ids))
			if ids[j] != id {
				d.neg[i] = j
				break
			}
		}
	}
	return d, nil
}

// NewSyntheticDataset draws NumIDs Gaussian clusters of ItemsPerID items each.
// Centroids are standard normal; items add Noise-scaled standard normal offsets.
func NewSyntheticDataset(cfg train.DatasetConfig, rng *rand.Rand) (*FeatureDataset, error) {
	if cfg.NumIDs < 2 || cfg.ItemsPerID < 1 || cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("invalid synthetic dataset shape: num_ids=%d items_per_id=%d feature_dim=%d",
			cfg.NumIDs, cfg.ItemsPerID, cfg.FeatureDim)
	}
	n := cfg.NumIDs * cfg.ItemsPerID
	features := make([][]float64, 0, n)
	ids := make([]int, 0, n)
	for id := 0; id < cfg.NumIDs; id++ {
		centroid := make([]float64, cfg.FeatureDim)
		for j := range centroid {
			centroid[j] = rng.NormFloat64()
		}
		for k := 0; k < cfg.ItemsPerID; k++ {
			row := make([]float64, cfg.FeatureDim)
			for j := range row {
				row[j] = centroid[j] + cfg.Noise*rng.NormFloat64()
			}
			features = append(features, row)
			ids = append(ids, id)
		}
	}
	return NewFeatureDataset(features, ids, rng)
}

// LoadCSVDataset reads rows of "item_id,f1,...,fn". A first row whose id
// column is not an integer is treated as a header and skipped.
func LoadCSVDataset(path string, rng *rand.Rand) (*FeatureDataset, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening annotation file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	var features [][]float64
	var ids []int
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading annotation file: %w", err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: want an id and at least one feature, got %d columns", line, len(record))
		}
		id, err := strconv.Atoi(strings.TrimSpace(record[0]))
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("line %d: invalid item id %q: %w", line, record[0], err)
		}
		row := make([]float64, len(record)-1)
		for j, field := range record[1:] {
			row[j], err = strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid feature %q: %w", line, field, err)
			}
		}
		features = append(features, row)
		ids = append(ids, id)
	}
	return NewFeatureDataset(features, ids, rng)
}

// Build constructs the dataset selected by cfg.
func Build(cfg train.DatasetConfig, rng *rand.Rand) (*FeatureDataset, error) {
	switch cfg.Type {
	case "synthetic":
		return NewSyntheticDataset(cfg, rng)
	case "csv":
		return LoadCSVDataset(cfg.AnnFile, rng)
	default:
		return nil, fmt.Errorf("unknown dataset type %q", cfg.Type)
	}
}

// Len returns the number of items.
func (d *FeatureDataset) Len() int { return len(d.ids) }

// FeatureDim returns the length of every feature vector.
func (d *FeatureDataset) FeatureDim() int { return d.dim }

// NumIDs returns one more than the largest item id.
func (d *FeatureDataset) NumIDs() int { return d.numIDs }

// Get returns item i with its partners. Feature rows are shared, not copied.
func (d *FeatureDataset) Get(i int) (Sample, error) {
	if i < 0 || i >= len(d.ids) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", i, len(d.ids))
	}
	return Sample{
		Img: d.features[i],
		ID:  d.ids[i],
		Pos: d.features[d.pos[i]],
		Neg: d.features[d.neg[i]],
	}, nil
}
