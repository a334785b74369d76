package learn

import (
	"context"
	"math"
	"math/rand/v2"
)

// Ensemble is a bagged set of regression trees (random forest).
type Ensemble struct {
	Trees []Tree `json:"trees"`
}

func (e *Ensemble) predict(x []float64) float64 {
	var v float64
	for i := range e.Trees {
		v += e.Trees[i].predict(x)
	}
	return v / float64(len(e.Trees))
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}

func featureCount(frac float64, p int) int {
	k := int(math.Ceil(frac * float64(p)))
	if k < 1 {
		k = 1
	}
	if k > p {
		k = p
	}
	return k
}

// fitForest grows NEstimators trees, each on a bootstrap sample with a
// random feature subset per split.
func fitForest(ctx context.Context, x [][]float64, y []float64, p Params) (*Ensemble, error) {
	data := newBinned(x, p.MaxBins)
	rng := newRand(p.Seed)
	tp := treeParams{maxDepth: p.MaxDepth, minLeaf: p.MinSamplesLeaf, maxFeatures: featureCount(p.MaxFeatures, len(x[0]))}
	n := len(x)

	e := &Ensemble{Trees: make([]Tree, 0, p.NEstimators)}
	idx := make([]int, n)
	for t := 0; t < p.NEstimators; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range idx {
			idx[i] = rng.IntN(n)
		}
		e.Trees = append(e.Trees, growTree(data, y, idx, tp, rng))
	}
	return e, nil
}
