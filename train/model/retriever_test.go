package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/retriever-train/train"
	"github.com/inference-sim/retriever-train/train/internal/testutil"
)

func smallConfig() train.ModelConfig {
	return train.ModelConfig{
		Type:              "retriever",
		FeatureDim:        4,
		EmbedDim:          3,
		NumIDs:            3,
		TripletMargin:     1.0,
		LossIDWeight:      1.0,
		LossTripletWeight: 0.5,
		InitStd:           0.5,
	}
}

func randomBatch(rng *rand.Rand, n, dim, numIDs int) *train.Batch {
	row := func() []float64 {
		r := make([]float64, dim)
		for i := range r {
			r[i] = rng.NormFloat64()
		}
		return r
	}
	b := &train.Batch{}
	for i := 0; i < n; i++ {
		b.Img = append(b.Img, row())
		b.Pos = append(b.Pos, row())
		b.Neg = append(b.Neg, row())
		b.ID = append(b.ID, rng.Intn(numIDs))
	}
	return b
}

func totalLoss(t *testing.T, m train.Module, b *train.Batch) float64 {
	t.Helper()
	losses, err := m.Forward(b, false)
	require.NoError(t, err)
	total, _, err := train.ParseLosses(losses)
	require.NoError(t, err)
	return total
}

func TestRetriever_GradientMatchesFiniteDifference(t *testing.T) {
	// GIVEN a small model and a random batch
	rng := rand.New(rand.NewSource(11))
	m, err := NewRetriever(smallConfig(), rng)
	require.NoError(t, err)
	b := randomBatch(rng, 5, 4, 3)

	// WHEN gradients are accumulated in train mode
	_, err = m.Forward(b, true)
	require.NoError(t, err)

	// THEN every gradient entry matches the central difference of the total loss
	const eps = 1e-6
	for _, p := range m.Params() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := totalLoss(t, m, b)
			p.Data[i] = orig - eps
			down := totalLoss(t, m, b)
			p.Data[i] = orig
			numeric := (up - down) / (2 * eps)
			if diff := numeric - p.Grad[i]; diff > 1e-5 || diff < -1e-5 {
				t.Errorf("%s[%d]: analytic %v, numeric %v", p.Name, i, p.Grad[i], numeric)
			}
		}
	}
}

func TestRetriever_EvalModeLeavesGradientsUntouched(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m, err := NewRetriever(smallConfig(), rng)
	require.NoError(t, err)

	losses, err := m.Forward(randomBatch(rng, 3, 4, 3), false)
	require.NoError(t, err)
	for _, p := range m.Params() {
		assert.Equal(t, make([]float64, len(p.Data)), p.Grad, p.Name)
	}

	assert.IsType(t, train.Tensor{}, losses["loss_id"])
	assert.IsType(t, []train.Tensor{}, losses["loss_triplet"])
	assert.Len(t, losses["loss_triplet"], 2)
	for _, name := range []string{"acc_id", "pos_dist", "neg_dist"} {
		assert.Contains(t, losses, name)
	}
}

func TestRetriever_MonitorsExcludedFromTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	m, err := NewRetriever(smallConfig(), rng)
	require.NoError(t, err)
	losses, err := m.Forward(randomBatch(rng, 4, 4, 3), false)
	require.NoError(t, err)

	total, logVars, err := train.ParseLosses(losses)
	require.NoError(t, err)
	testutil.AssertFloat64Equal(t, "total", logVars["loss_id"]+logVars["loss_triplet"], total, 1e-12)
	acc := logVars["acc_id"]
	assert.True(t, acc >= 0 && acc <= 1)
}

func TestRetriever_ReplicaSharesDataOwnsGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m, err := NewRetriever(smallConfig(), rng)
	require.NoError(t, err)
	replica := m.Replicate()

	for i, p := range replica.Params() {
		src := m.Params()[i]
		assert.Equal(t, src.Name, p.Name)
		assert.Same(t, &src.Data[0], &p.Data[0], "replica must share parameter values")
		assert.NotSame(t, &src.Grad[0], &p.Grad[0], "replica must own its gradient")
	}

	_, err = replica.Forward(randomBatch(rng, 2, 4, 3), true)
	require.NoError(t, err)
	for _, p := range m.Params() {
		assert.Equal(t, make([]float64, len(p.Data)), p.Grad, "source gradient untouched by replica")
	}
}

func TestRetriever_ForwardRejectsMalformedBatches(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	m, err := NewRetriever(smallConfig(), rng)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(b *train.Batch)
	}{
		{"empty", func(b *train.Batch) { *b = train.Batch{} }},
		{"id out of range", func(b *train.Batch) { b.ID[0] = 3 }},
		{"negative id", func(b *train.Batch) { b.ID[1] = -1 }},
		{"wrong feature dim", func(b *train.Batch) { b.Pos[0] = []float64{1} }},
		{"length mismatch", func(b *train.Batch) { b.Neg = b.Neg[:1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := randomBatch(rng, 2, 4, 3)
			tt.mutate(b)
			_, err := m.Forward(b, false)
			assert.Error(t, err)
		})
	}
}

func TestBuild(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	m, err := Build(smallConfig(), rng)
	require.NoError(t, err)
	assert.Len(t, m.Params(), 4)

	cfg := smallConfig()
	cfg.Type = "unknown"
	_, err = Build(cfg, rng)
	assert.Error(t, err)

	cfg = smallConfig()
	cfg.EmbedDim = 0
	_, err = NewRetriever(cfg, rng)
	assert.Error(t, err)
}

func TestRetriever_Embed(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m, err := NewRetriever(smallConfig(), rng)
	require.NoError(t, err)
	e := m.Embed([]float64{0, 0, 0, 0})
	assert.Equal(t, []float64{0, 0, 0}, e, "zero input maps to the zero-initialized bias")
}
