package model

import (
	"math"
	"math/rand/v2"
	"slices"
)

// Node 回归树节点，节点以扁平切片存储，Left/Right 为子节点下标，叶子节点为 -1。
//
// Value 在内部节点上也有意义（该节点样本的牛顿步长值），用于路径归因。
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
	Gain      float64 `json:"g,omitempty"`
	Count     int     `json:"n"`
}

// IsLeaf 是否为叶子节点
func (n *Node) IsLeaf() bool { return n.Left < 0 }

// Tree 二叉回归树：x[Feature] <= Threshold 走左子树
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Predict 返回样本所在叶子的值
func (t *Tree) Predict(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	i := 0
	for !t.Nodes[i].IsLeaf() {
		n := &t.Nodes[i]
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
	return t.Nodes[i].Value
}

// contributions 路径归因：沿决策路径把每次分裂前后节点值的变化记到分裂特征上，返回根节点值
func (t *Tree) contributions(x []float64, scale float64, out []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	i := 0
	for !t.Nodes[i].IsLeaf() {
		n := &t.Nodes[i]
		next := n.Right
		if x[n.Feature] <= n.Threshold {
			next = n.Left
		}
		out[n.Feature] += scale * (t.Nodes[next].Value - n.Value)
		i = next
	}
	return t.Nodes[0].Value
}

// treeParams 单棵树的生长参数
type treeParams struct {
	maxDepth        int
	minSamplesLeaf  int
	featureFraction float64
	l2              float64
}

// treeBuilder 按二阶统计量（grad/hess）贪心生长回归树。
// 叶子值为 Σg/(Σh+l2)，分裂增益为 G_L²/H_L + G_R²/H_R − G²/H。
// 令 g=y、h=1 即退化为方差最小化的普通回归树。
type treeBuilder struct {
	X      [][]float64
	grad   []float64
	hess   []float64
	params treeParams
	rng    *rand.Rand

	nodes []Node
	order []int
}

func buildTree(X [][]float64, grad, hess []float64, rows []int, p treeParams, rng *rand.Rand) *Tree {
	b := &treeBuilder{X: X, grad: grad, hess: hess, params: p, rng: rng}
	if p.minSamplesLeaf < 1 {
		b.params.minSamplesLeaf = 1
	}
	b.grow(slices.Clone(rows), 0)
	return &Tree{Nodes: b.nodes}
}

func (b *treeBuilder) leafValue(G, H float64) float64 {
	d := H + b.params.l2
	if d <= 0 {
		return 0
	}
	return G / d
}

func (b *treeBuilder) sums(rows []int) (G, H float64) {
	for _, r := range rows {
		G += b.grad[r]
		H += b.hess[r]
	}
	return G, H
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	G, H := b.sums(rows)
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Feature: -1, Left: -1, Right: -1, Value: b.leafValue(G, H), Count: len(rows)})

	if depth >= b.params.maxDepth || len(rows) < 2*b.params.minSamplesLeaf {
		return idx
	}
	feature, threshold, gain, ok := b.bestSplit(rows, G, H)
	if !ok {
		return idx
	}

	left := make([]int, 0, len(rows))
	right := make([]int, 0, len(rows))
	for _, r := range rows {
		if b.X[r][feature] <= threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	n := &b.nodes[idx]
	n.Feature, n.Threshold, n.Gain, n.Left, n.Right = feature, threshold, gain, l, r
	return idx
}

func (b *treeBuilder) candidateFeatures() []int {
	d := len(b.X[0])
	all := make([]int, d)
	for j := range d {
		all[j] = j
	}
	frac := b.params.featureFraction
	if frac <= 0 || frac >= 1 || b.rng == nil {
		return all
	}
	k := max(1, int(math.Round(frac*float64(d))))
	b.rng.Shuffle(d, func(i, j int) { all[i], all[j] = all[j], all[i] })
	picked := all[:k]
	slices.Sort(picked)
	return picked
}

func (b *treeBuilder) bestSplit(rows []int, G, H float64) (feature int, threshold, gain float64, ok bool) {
	parent := b.score(G, H)
	minLeaf := b.params.minSamplesLeaf
	if cap(b.order) < len(rows) {
		b.order = make([]int, len(rows))
	}
	order := b.order[:len(rows)]

	for _, j := range b.candidateFeatures() {
		copy(order, rows)
		slices.SortStableFunc(order, func(a, c int) int {
			va, vc := b.X[a][j], b.X[c][j]
			switch {
			case va < vc:
				return -1
			case va > vc:
				return 1
			}
			return 0
		})
		var GL, HL float64
		for i := 0; i < len(order)-1; i++ {
			r := order[i]
			GL += b.grad[r]
			HL += b.hess[r]
			nLeft := i + 1
			if nLeft < minLeaf || len(order)-nLeft < minLeaf {
				continue
			}
			cur, next := b.X[r][j], b.X[order[i+1]][j]
			if cur == next {
				continue
			}
			g := b.score(GL, HL) + b.score(G-GL, H-HL) - parent
			if g > gain+1e-12 {
				feature, threshold, gain, ok = j, cur+(next-cur)/2, g, true
			}
		}
	}
	return feature, threshold, gain, ok
}

func (b *treeBuilder) score(G, H float64) float64 {
	d := H + b.params.l2
	if d <= 0 {
		return 0
	}
	return G * G / d
}
