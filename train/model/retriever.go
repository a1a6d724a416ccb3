// Package model implements the retrieval embedding model trained by the runner.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/inference-sim/retriever-train/train"
)

// Parameter names.
const (
	EmbedWeight = "embed.weight"
	EmbedBias   = "embed.bias"
	ClsWeight   = "cls.weight"
	ClsBias     = "cls.bias"
)

// Retriever maps item features to an embedding (e = W x + b) and trains it with
// an item-id classifier (logits = C e + c) and two triplet terms.
//
// Forward reports:
//   - loss_id: per-sample weighted softmax cross-entropy over item ids
//   - loss_triplet: [anchor-as-anchor hinge, positive-as-anchor hinge], both weighted
//   - acc_id, pos_dist, neg_dist: monitors, excluded from the total loss by name
type Retriever struct {
	cfg    train.ModelConfig
	embedW *train.Param
	embedB *train.Param
	clsW   *train.Param
	clsB   *train.Param
}

// NewRetriever initializes weights from N(0, InitStd) and biases at zero.
func NewRetriever(cfg train.ModelConfig, rng *rand.Rand) (*Retriever, error) {
	if cfg.FeatureDim <= 0 || cfg.EmbedDim <= 0 || cfg.NumIDs <= 0 {
		return nil, fmt.Errorf("invalid retriever shape: feature_dim=%d embed_dim=%d num_ids=%d",
			cfg.FeatureDim, cfg.EmbedDim, cfg.NumIDs)
	}
	r := &Retriever{
		cfg:    cfg,
		embedW: train.NewParam(EmbedWeight, cfg.EmbedDim, cfg.FeatureDim),
		embedB: train.NewParam(EmbedBias, cfg.EmbedDim),
		clsW:   train.NewParam(ClsWeight, cfg.NumIDs, cfg.EmbedDim),
		clsB:   train.NewParam(ClsBias, cfg.NumIDs),
	}
	for _, p := range []*train.Param{r.embedW, r.clsW} {
		for i := range p.Data {
			p.Data[i] = cfg.InitStd * rng.NormFloat64()
		}
	}
	return r, nil
}

// Build constructs the model selected by cfg.Type.
func Build(cfg train.ModelConfig, rng *rand.Rand) (train.Replicable, error) {
	switch cfg.Type {
	case "retriever":
		return NewRetriever(cfg, rng)
	default:
		return nil, fmt.Errorf("unknown model type %q", cfg.Type)
	}
}

// Params returns the parameters in a fixed order.
func (r *Retriever) Params() []*train.Param {
	return []*train.Param{r.embedW, r.embedB, r.clsW, r.clsB}
}

// Replicate returns a copy sharing parameter values with r and owning fresh gradients.
func (r *Retriever) Replicate() train.Module {
	share := func(p *train.Param) *train.Param {
		return &train.Param{Name: p.Name, Shape: p.Shape, Data: p.Data, Grad: make([]float64, len(p.Data))}
	}
	return &Retriever{
		cfg:    r.cfg,
		embedW: share(r.embedW),
		embedB: share(r.embedB),
		clsW:   share(r.clsW),
		clsB:   share(r.clsB),
	}
}

// Embed returns the embedding of one feature vector.
func (r *Retriever) Embed(x []float64) []float64 {
	e := make([]float64, r.cfg.EmbedDim)
	r.embedInto(e, x)
	return e
}

func (r *Retriever) embedInto(dst, x []float64) {
	f := r.cfg.FeatureDim
	for j := range dst {
		dst[j] = floats.Dot(r.embedW.Data[j*f:(j+1)*f], x) + r.embedB.Data[j]
	}
}

func (r *Retriever) logits(e []float64) []float64 {
	k, d := r.cfg.NumIDs, r.cfg.EmbedDim
	out := make([]float64, k)
	for c := 0; c < k; c++ {
		out[c] = floats.Dot(r.clsW.Data[c*d:(c+1)*d], e) + r.clsB.Data[c]
	}
	return out
}

func (r *Retriever) check(batch *train.Batch) error {
	n := batch.Len()
	if n == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(batch.ID) != n || len(batch.Pos) != n || len(batch.Neg) != n {
		return fmt.Errorf("batch fields disagree on length: img=%d id=%d pos=%d neg=%d",
			n, len(batch.ID), len(batch.Pos), len(batch.Neg))
	}
	for i := 0; i < n; i++ {
		for _, row := range [][]float64{batch.Img[i], batch.Pos[i], batch.Neg[i]} {
			if len(row) != r.cfg.FeatureDim {
				return fmt.Errorf("sample %d has %d features, model expects %d", i, len(row), r.cfg.FeatureDim)
			}
		}
		if batch.ID[i] < 0 || batch.ID[i] >= r.cfg.NumIDs {
			return fmt.Errorf("sample %d has id %d outside [0, %d)", i, batch.ID[i], r.cfg.NumIDs)
		}
	}
	return nil
}

// Forward computes the losses of the batch. In train mode the gradient of
// loss_id + loss_triplet (each reduced by mean) is added to the parameter gradients.
func (r *Retriever) Forward(batch *train.Batch, trainMode bool) (train.Losses, error) {
	if err := r.check(batch); err != nil {
		return nil, err
	}
	n := batch.Len()
	d := r.cfg.EmbedDim
	margin := r.cfg.TripletMargin
	wID, wTri := r.cfg.LossIDWeight, r.cfg.LossTripletWeight
	scale := 1 / float64(n)

	lossID := make(train.Tensor, n)
	anchorHinge := make(train.Tensor, n)
	positiveHinge := make(train.Tensor, n)
	posDist := make(train.Tensor, n)
	negDist := make(train.Tensor, n)
	correct := 0

	ea, ep, en := make([]float64, d), make([]float64, d), make([]float64, d)
	dea, dep, den := make([]float64, d), make([]float64, d), make([]float64, d)
	ap, an, pn := make([]float64, d), make([]float64, d), make([]float64, d)

	for i := 0; i < n; i++ {
		r.embedInto(ea, batch.Img[i])
		r.embedInto(ep, batch.Pos[i])
		r.embedInto(en, batch.Neg[i])

		probs := softmax(r.logits(ea))
		y := batch.ID[i]
		lossID[i] = -wID * math.Log(math.Max(probs[y], 1e-300))
		if floats.MaxIdx(probs) == y {
			correct++
		}

		floats.SubTo(ap, ea, ep)
		floats.SubTo(an, ea, en)
		floats.SubTo(pn, ep, en)
		dap, dan, dpn := floats.Dot(ap, ap), floats.Dot(an, an), floats.Dot(pn, pn)
		h1 := margin + dap - dan
		h2 := margin + dap - dpn
		anchorHinge[i] = wTri * math.Max(0, h1)
		positiveHinge[i] = wTri * math.Max(0, h2)
		posDist[i] = math.Sqrt(dap)
		negDist[i] = math.Sqrt(dan)

		if !trainMode {
			continue
		}

		zero(dea, dep, den)

		// Cross-entropy: dL/dlogits = p - onehot(y).
		k := r.cfg.NumIDs
		for c := 0; c < k; c++ {
			g := wID * scale * probs[c]
			if c == y {
				g -= wID * scale
			}
			if g == 0 {
				continue
			}
			floats.AddScaled(r.clsW.Grad[c*d:(c+1)*d], g, ea)
			r.clsB.Grad[c] += g
			floats.AddScaled(dea, g, r.clsW.Data[c*d:(c+1)*d])
		}

		g := 2 * wTri * scale
		if h1 > 0 {
			// h1 = m + |ea-ep|^2 - |ea-en|^2
			floats.AddScaled(dea, g, ap)
			floats.AddScaled(dea, -g, an)
			floats.AddScaled(dep, -g, ap)
			floats.AddScaled(den, g, an)
		}
		if h2 > 0 {
			// h2 = m + |ep-ea|^2 - |ep-en|^2
			floats.AddScaled(dea, g, ap)
			floats.AddScaled(dep, -g, ap)
			floats.AddScaled(dep, -g, pn)
			floats.AddScaled(den, g, pn)
		}

		r.backpropEmbed(dea, batch.Img[i])
		r.backpropEmbed(dep, batch.Pos[i])
		r.backpropEmbed(den, batch.Neg[i])
	}

	return train.Losses{
		"loss_id":      lossID,
		"loss_triplet": []train.Tensor{anchorHinge, positiveHinge},
		"acc_id":       train.Scalar(float64(correct) / float64(n)),
		"pos_dist":     posDist,
		"neg_dist":     negDist,
	}, nil
}

func (r *Retriever) backpropEmbed(de, x []float64) {
	f := r.cfg.FeatureDim
	for j, g := range de {
		if g == 0 {
			continue
		}
		floats.AddScaled(r.embedW.Grad[j*f:(j+1)*f], g, x)
		r.embedB.Grad[j] += g
	}
}

func softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	maxLogit := floats.Max(logits)
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

func zero(vs ...[]float64) {
	for _, v := range vs {
		for i := range v {
			v[i] = 0
		}
	}
}
