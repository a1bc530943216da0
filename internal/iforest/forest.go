// Package iforest implements an isolation forest anomaly detector.
package iforest

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"gonum.org/v1/gonum/stat"
)

// Params configures Fit.
type Params struct {
	// Number of trees in the ensemble
	NumTrees int

	// Subsample size per tree, capped at the training row count
	MaxSamples int

	// Expected outlier fraction in (0, 0.5]; sets the threshold
	Contamination float64

	// Master seed; per-tree seeds are drawn from it in order
	Seed int64

	// Concurrent tree builders
	MaxWorkers int
}

// DefaultParams returns the standard ensemble settings.
func DefaultParams() Params {
	return Params{
		NumTrees:      100,
		MaxSamples:    256,
		Contamination: 0.15,
		Seed:          42,
		MaxWorkers:    runtime.NumCPU(),
	}
}

// Forest is a trained, immutable isolation ensemble.
// All methods are safe for concurrent use.
type Forest struct {
	Trees         []Tree  `json:"trees"`
	SampleSize    int     `json:"sampleSize"`
	Width         int     `json:"width"`
	Contamination float64 `json:"contamination"`
	Threshold     float64 `json:"threshold"`
}

// Fit trains an ensemble on rows and calibrates its threshold so that
// roughly Contamination of the training rows score above it.
func Fit(ctx context.Context, rows [][]float64, p Params) (*Forest, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot fit on empty matrix")
	}
	if p.NumTrees <= 0 {
		return nil, fmt.Errorf("number of trees must be positive, got %d", p.NumTrees)
	}
	if p.MaxSamples <= 0 {
		return nil, fmt.Errorf("max samples must be positive, got %d", p.MaxSamples)
	}
	if !(p.Contamination > 0 && p.Contamination <= 0.5) {
		return nil, fmt.Errorf("contamination must be in (0, 0.5], got %v", p.Contamination)
	}
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = runtime.NumCPU()
	}

	width := len(rows[0])
	if width == 0 {
		return nil, fmt.Errorf("cannot fit on zero-width rows")
	}
	for i, row := range rows {
		if len(row) != width {
			return nil, &domain.DimensionMismatchError{Expected: width, Got: len(row)}
		}
		for j, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("non-finite value at row %d column %d", i, j)
			}
		}
	}

	sampleSize := min(p.MaxSamples, len(rows))
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	// Seeds are drawn up front so the result does not depend on scheduling.
	master := rand.New(rand.NewSource(p.Seed))
	seeds := make([]int64, p.NumTrees)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	trees := make([]Tree, p.NumTrees)
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, p.MaxWorkers)

	for i := range trees {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			if ctx.Err() != nil {
				return
			}

			rng := rand.New(rand.NewSource(seeds[idx]))
			perm := rng.Perm(len(rows))
			sample := make([][]float64, sampleSize)
			for k := range sample {
				sample[k] = rows[perm[k]]
			}
			trees[idx] = buildTree(rng, sample, width, maxDepth)
		}(i)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := &Forest{
		Trees:         trees,
		SampleSize:    sampleSize,
		Width:         width,
		Contamination: p.Contamination,
	}

	scores, err := f.ScoreAll(rows)
	if err != nil {
		return nil, err
	}
	sort.Float64s(scores)
	f.Threshold = stat.Quantile(1-p.Contamination, stat.Empirical, scores, nil)

	return f, nil
}

// Score returns the anomaly score of x in [0, 1]. Higher is more anomalous.
func (f *Forest) Score(x []float64) (float64, error) {
	if len(x) != f.Width {
		return 0, &domain.DimensionMismatchError{Expected: f.Width, Got: len(x)}
	}
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("forest has no trees")
	}

	total := 0.0
	for i := range f.Trees {
		total += f.Trees[i].pathLength(x)
	}
	mean := total / float64(len(f.Trees))

	norm := averagePathLength(f.SampleSize)
	if norm == 0 {
		// single-row training set: every point isolates immediately
		return 0.5, nil
	}
	return math.Pow(2, -mean/norm), nil
}

// ScoreAll scores every row.
func (f *Forest) ScoreAll(rows [][]float64) ([]float64, error) {
	out := make([]float64, len(rows))
	for i, row := range rows {
		s, err := f.Score(row)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Decision returns Threshold minus Score. Negative values are outliers.
func (f *Forest) Decision(x []float64) (float64, error) {
	s, err := f.Score(x)
	if err != nil {
		return 0, err
	}
	return f.Threshold - s, nil
}

// Predict reports whether x scores above the training threshold.
func (f *Forest) Predict(x []float64) (bool, error) {
	s, err := f.Score(x)
	if err != nil {
		return false, err
	}
	return s > f.Threshold, nil
}

// Validate checks a decoded forest for structural consistency.
func (f *Forest) Validate() error {
	if len(f.Trees) == 0 {
		return fmt.Errorf("forest has no trees")
	}
	if f.Width <= 0 {
		return fmt.Errorf("forest width must be positive, got %d", f.Width)
	}
	for t := range f.Trees {
		nodes := f.Trees[t].Nodes
		if len(nodes) == 0 {
			return fmt.Errorf("tree %d is empty", t)
		}
		for i, n := range nodes {
			if n.Left == leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= f.Width {
				return fmt.Errorf("tree %d node %d: feature %d out of range", t, i, n.Feature)
			}
			if n.Left <= i || n.Left >= len(nodes) || n.Right <= i || n.Right >= len(nodes) {
				return fmt.Errorf("tree %d node %d: child index out of range", t, i)
			}
		}
	}
	return nil
}
