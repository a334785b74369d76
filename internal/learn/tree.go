package learn

import (
	"math/rand/v2"
	"sort"
)

// Node is one node of a regression tree. Leaves have Feature == -1.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t,omitempty"`
	Left      int     `json:"l,omitempty"`
	Right     int     `json:"r,omitempty"`
	Value     float64 `json:"v"`
}

// Tree is a flattened CART regression tree; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

func (t *Tree) predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Feature < 0 {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// binned holds quantile bin edges per feature and each row's bin index.
// Splits are searched over bin boundaries, so a node costs O(rows) per
// feature instead of a sort.
type binned struct {
	edges [][]float64
	bins  [][]uint16 // [feature][row]
}

func newBinned(x [][]float64, maxBins int) *binned {
	n, p := len(x), len(x[0])
	b := &binned{edges: make([][]float64, p), bins: make([][]uint16, p)}
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range x {
			col[i] = x[i][j]
		}
		sorted := append([]float64(nil), col...)
		sort.Float64s(sorted)
		uniq := sorted[:0:0]
		for i, v := range sorted {
			if i == 0 || v != sorted[i-1] {
				uniq = append(uniq, v)
			}
		}
		edges := uniq
		if len(uniq) > maxBins {
			edges = make([]float64, 0, maxBins)
			for k := 1; k <= maxBins; k++ {
				v := sorted[(k*n)/maxBins-1]
				if len(edges) == 0 || v > edges[len(edges)-1] {
					edges = append(edges, v)
				}
			}
			if last := uniq[len(uniq)-1]; edges[len(edges)-1] < last {
				edges = append(edges, last)
			}
		}
		b.edges[j] = edges
		b.bins[j] = make([]uint16, n)
		for i, v := range col {
			b.bins[j][i] = uint16(sort.SearchFloat64s(edges, v))
		}
	}
	return b
}

type treeParams struct {
	maxDepth    int
	minLeaf     int
	maxFeatures int
}

type grower struct {
	data   *binned
	y      []float64
	params treeParams
	rng    *rand.Rand
	nodes  []Node
	feats  []int

	sums   []float64
	counts []int
}

// growTree fits a tree on the rows in idx (repeats allowed) against y.
func growTree(data *binned, y []float64, idx []int, params treeParams, rng *rand.Rand) Tree {
	p := len(data.edges)
	if params.maxFeatures <= 0 || params.maxFeatures > p {
		params.maxFeatures = p
	}
	maxBins := 0
	for _, e := range data.edges {
		if len(e) > maxBins {
			maxBins = len(e)
		}
	}
	g := &grower{
		data:   data,
		y:      y,
		params: params,
		rng:    rng,
		feats:  make([]int, p),
		sums:   make([]float64, maxBins+1),
		counts: make([]int, maxBins+1),
	}
	for j := range g.feats {
		g.feats[j] = j
	}
	g.grow(idx, 0)
	return Tree{Nodes: g.nodes}
}

func (g *grower) grow(idx []int, depth int) int {
	var sum float64
	for _, i := range idx {
		sum += g.y[i]
	}
	n := len(idx)
	self := len(g.nodes)
	g.nodes = append(g.nodes, Node{Feature: -1, Value: sum / float64(n)})

	if depth >= g.params.maxDepth || n < 2*g.params.minLeaf {
		return self
	}

	feat, bin, ok := g.bestSplit(idx, sum)
	if !ok {
		return self
	}

	left := make([]int, 0, n)
	right := make([]int, 0, n)
	col := g.data.bins[feat]
	for _, i := range idx {
		if int(col[i]) <= bin {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := g.grow(left, depth+1)
	r := g.grow(right, depth+1)
	g.nodes[self].Feature = feat
	g.nodes[self].Threshold = g.data.edges[feat][bin]
	g.nodes[self].Left = l
	g.nodes[self].Right = r
	return self
}

// bestSplit maximizes the reduction in squared error over a random subset
// of maxFeatures features.
func (g *grower) bestSplit(idx []int, total float64) (feat, bin int, ok bool) {
	n := len(idx)
	parent := total * total / float64(n)
	bestGain := 1e-12

	// Partial Fisher-Yates picks the feature subset.
	k := g.params.maxFeatures
	for a := 0; a < k; a++ {
		b := a + g.rng.IntN(len(g.feats)-a)
		g.feats[a], g.feats[b] = g.feats[b], g.feats[a]
	}
	cands := append([]int(nil), g.feats[:k]...)
	sort.Ints(cands)

	for _, j := range cands {
		nb := len(g.data.edges[j])
		if nb < 2 {
			continue
		}
		sums, counts := g.sums[:nb+1], g.counts[:nb+1]
		for b := range sums {
			sums[b], counts[b] = 0, 0
		}
		col := g.data.bins[j]
		for _, i := range idx {
			sums[col[i]] += g.y[i]
			counts[col[i]]++
		}
		var sl float64
		nl := 0
		for b := 0; b < nb-1; b++ {
			sl += sums[b]
			nl += counts[b]
			nr := n - nl
			if nl < g.params.minLeaf {
				continue
			}
			if nr < g.params.minLeaf {
				break
			}
			sr := total - sl
			gain := sl*sl/float64(nl) + sr*sr/float64(nr) - parent
			if gain > bestGain {
				bestGain, feat, bin, ok = gain, j, b, true
			}
		}
	}
	return feat, bin, ok
}
