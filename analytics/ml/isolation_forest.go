// Package ml holds the isolation forest used by the pattern detector.
// Models are fitted and queried within a single call; nothing is persisted.
package ml

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const eulerGamma = 0.5772156649

// IsolationForest isolates single-feature samples with random axis splits.
// Samples that need fewer splits to isolate are more anomalous.
type IsolationForest struct {
	numTrees   int
	sampleSize int
	rng        *rand.Rand
	trees      []*isolationNode
	psi        int
}

type isolationNode struct {
	splitValue float64
	left       *isolationNode
	right      *isolationNode
	size       int
	isLeaf     bool
}

// Prediction is the result of FitPredict
type Prediction struct {
	Scores    []float64
	Threshold float64
	Outliers  []bool
}

// Decision returns threshold minus score; negative values are outliers.
func (p Prediction) Decision(i int) float64 {
	return p.Threshold - p.Scores[i]
}

// OutlierCount returns how many samples were flagged
func (p Prediction) OutlierCount() int {
	n := 0
	for _, o := range p.Outliers {
		if o {
			n++
		}
	}
	return n
}

// NewIsolationForest creates a forest whose randomness is fully determined by seed
func NewIsolationForest(numTrees, sampleSize int, seed int64) *IsolationForest {
	return &IsolationForest{
		numTrees:   numTrees,
		sampleSize: sampleSize,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Fit builds the trees on data. Each tree sees a subsample drawn without
// replacement, capped at the length of data.
func (f *IsolationForest) Fit(data []float64) {
	f.psi = f.sampleSize
	if f.psi > len(data) {
		f.psi = len(data)
	}
	f.trees = make([]*isolationNode, 0, f.numTrees)
	if f.psi == 0 {
		return
	}

	maxDepth := int(math.Ceil(math.Log2(math.Max(float64(f.psi), 2))))
	for i := 0; i < f.numTrees; i++ {
		f.trees = append(f.trees, f.buildTree(f.subsample(data), 0, maxDepth))
	}
}

func (f *IsolationForest) subsample(data []float64) []float64 {
	sample := make([]float64, f.psi)
	for i, idx := range f.rng.Perm(len(data))[:f.psi] {
		sample[i] = data[idx]
	}
	return sample
}

func (f *IsolationForest) buildTree(data []float64, depth, maxDepth int) *isolationNode {
	if len(data) <= 1 || depth >= maxDepth {
		return &isolationNode{size: len(data), isLeaf: true}
	}

	minVal, maxVal := minMax(data)
	if minVal == maxVal {
		return &isolationNode{size: len(data), isLeaf: true}
	}

	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	var left, right []float64
	for _, v := range data {
		if v < splitValue {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}

	return &isolationNode{
		splitValue: splitValue,
		left:       f.buildTree(left, depth+1, maxDepth),
		right:      f.buildTree(right, depth+1, maxDepth),
		size:       len(data),
	}
}

// Score returns 2^(-E[h(x)]/c(psi)); values near 1 are anomalous, values
// well below 0.5 are normal. An unfitted forest scores everything 0.5.
func (f *IsolationForest) Score(value float64) float64 {
	c := averagePathLength(float64(f.psi))
	if len(f.trees) == 0 || c == 0 {
		return 0.5
	}

	total := 0.0
	for _, root := range f.trees {
		total += pathLength(root, value, 0)
	}
	return math.Pow(2, -(total/float64(len(f.trees)))/c)
}

// FitPredict fits on data and flags the samples whose score lies strictly
// above the (1 - contamination) percentile of all scores.
func (f *IsolationForest) FitPredict(data []float64, contamination float64) Prediction {
	f.Fit(data)

	scores := make([]float64, len(data))
	for i, v := range data {
		scores[i] = f.Score(v)
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	threshold := Percentile(sorted, 100*(1-contamination))

	outliers := make([]bool, len(data))
	for i, s := range scores {
		outliers[i] = s > threshold
	}

	return Prediction{Scores: scores, Threshold: threshold, Outliers: outliers}
}

func pathLength(node *isolationNode, value float64, depth int) float64 {
	if node.isLeaf {
		return float64(depth) + averagePathLength(float64(node.size))
	}
	if value < node.splitValue {
		return pathLength(node.left, value, depth+1)
	}
	return pathLength(node.right, value, depth+1)
}

// averagePathLength is c(n), the mean unsuccessful search length of a BST
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

// Percentile interpolates linearly between closest ranks of sorted data,
// placing sample i at i/(n-1); p is in [0, 100].
func Percentile(sortedData []float64, p float64) float64 {
	n := len(sortedData)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sortedData[0]
	}

	// LinInterp puts sample i at (i+1)/n.
	q := ((p/100)*float64(n-1) + 1) / float64(n)
	return stat.Quantile(math.Min(math.Max(q, 0), 1), stat.LinInterp, sortedData, nil)
}

func minMax(data []float64) (float64, float64) {
	lo, hi := data[0], data[0]
	for _, v := range data[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
