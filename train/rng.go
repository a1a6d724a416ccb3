package train

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// RunKey is the master seed of a training run. Equal keys and equal configs
// give equal weights, datasets and shuffles.
type RunKey int64

// NewRunKey wraps the configured seed.
func NewRunKey(seed int64) RunKey {
	return RunKey(seed)
}

const (
	// SubsystemModelInit draws initial weights from the seed itself, so a
	// model built outside a run with rand.NewSource(seed) matches.
	SubsystemModelInit = "model_init"

	// SubsystemDataset draws synthetic features and positive/negative partners.
	SubsystemDataset = "dataset"
)

// SubsystemLoader names the shuffle stream of the loader for workflow stage,
// so adding a val stage never changes the order of train batches.
func SubsystemLoader(stage int) string {
	return fmt.Sprintf("loader_%d", stage)
}

// PartitionedRNG hands each consumer of randomness its own stream. Streams
// other than model_init are seeded with key ^ fnv1a64(name). Use it from the
// goroutine that builds the run; the returned *rand.Rand values are not shared
// across workers.
type PartitionedRNG struct {
	key        RunKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG returns an empty set of streams for key.
func NewPartitionedRNG(key RunKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns the stream for name, creating it on first use. Later
// calls with the same name continue the same stream.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	seed := int64(p.key)
	if name != SubsystemModelInit {
		seed ^= fnv1a64(name)
	}
	rng := rand.New(rand.NewSource(seed))
	p.subsystems[name] = rng
	return rng
}

// Key returns the master seed.
func (p *PartitionedRNG) Key() RunKey {
	return p.key
}

func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
