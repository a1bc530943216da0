package iforest

import (
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649

// leaf marks a node without children.
const leaf = -1

// Node is one node of an isolation tree.
// Internal nodes route x[Feature] < Split to Left, everything else to Right.
type Node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int     `json:"l"`
	Right   int     `json:"r"`
	Size    int     `json:"n"`
	Depth   int     `json:"d"`
}

// Tree is an immutable isolation tree stored as a flat node array.
// Nodes[0] is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// averagePathLength is c(n), the mean path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	f := float64(n)
	return 2*(math.Log(f-1)+eulerGamma) - 2*(f-1)/f
}

// builder grows one tree from a subsample.
type builder struct {
	rng      *rand.Rand
	maxDepth int
	width    int
	nodes    []Node

	lo, hi     []float64
	candidates []int
}

func buildTree(rng *rand.Rand, sample [][]float64, width, maxDepth int) Tree {
	b := &builder{
		rng:        rng,
		maxDepth:   maxDepth,
		width:      width,
		lo:         make([]float64, width),
		hi:         make([]float64, width),
		candidates: make([]int, 0, width),
	}
	b.grow(sample, 0)
	return Tree{Nodes: b.nodes}
}

// grow appends the subtree for data and returns its node index.
func (b *builder) grow(data [][]float64, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: leaf, Right: leaf, Size: len(data), Depth: depth})

	if len(data) <= 1 || depth >= b.maxDepth {
		return idx
	}

	// Only features with a non-zero range can split.
	copy(b.lo, data[0])
	copy(b.hi, data[0])
	for _, row := range data[1:] {
		for f, x := range row {
			if x < b.lo[f] {
				b.lo[f] = x
			}
			if x > b.hi[f] {
				b.hi[f] = x
			}
		}
	}
	b.candidates = b.candidates[:0]
	for f := 0; f < b.width; f++ {
		if b.hi[f] > b.lo[f] {
			b.candidates = append(b.candidates, f)
		}
	}
	if len(b.candidates) == 0 {
		return idx
	}

	feature := b.candidates[b.rng.Intn(len(b.candidates))]
	lo, hi := b.lo[feature], b.hi[feature]
	split := lo + b.rng.Float64()*(hi-lo)

	left := make([][]float64, 0, len(data)/2)
	right := make([][]float64, 0, len(data)/2)
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)

	n := &b.nodes[idx]
	n.Feature, n.Split, n.Left, n.Right = feature, split, l, r
	return idx
}

// pathLength returns the isolation depth of x, corrected by c(size) at
// the terminal node.
func (t *Tree) pathLength(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Left == leaf {
			return float64(n.Depth) + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}
