package monte

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Estimate is the outcome of one Monte Carlo baseline prediction.
type Estimate struct {
	// Mean is the average target over all draws.
	Mean float64
	// StdDev is the spread of the drawn targets.
	StdDev float64
	// Draws holds the reference index picked by every simulation.
	Draws []int
}

// Dataset is a minimal interface the Monte package needs from the labeled
// reference data. datasets.LabeledDataset satisfies it.
type Dataset interface {
	// Len returns the number of examples in the dataset.
	Len() int

	// Example returns the reshaped input and the target at idx.
	Example(idx int) (inputs [][]float64, target float64, err error)
}

// Monte is a nearest-neighbour baseline: it finds the K reference readings
// closest to a query in (L, a, b) space and samples their measured
// concentrations, weighted by inverse distance.
type Monte struct {
	DS Dataset
	K  int

	// Eps keeps the inverse-distance weight of an exact match finite.
	Eps float64

	rng *rand.Rand
}

// NewMonte creates a new Monte object.
// ds must be non-nil and k must be >= 1. The same seed gives the same draws.
func NewMonte(ds Dataset, k int, seed int64) (*Monte, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	return &Monte{
		DS:  ds,
		K:   k,
		Eps: 1e-6,
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Predict runs numSims draws for the reading described by initial
// ([steps][features], the same shape the models take). Reference indices in
// exclude are never used as neighbours, which allows leave-one-out scoring.
func (m *Monte) Predict(initial [][]float64, numSims int, exclude ...int) (Estimate, error) {
	if m == nil {
		return Estimate{}, fmt.Errorf("Monte object is nil")
	}
	if numSims <= 0 {
		return Estimate{}, fmt.Errorf("numSims must be > 0")
	}

	neighbors, err := m.knnNeighbors(flatten(initial), m.K, exclude)
	if err != nil {
		return Estimate{}, err
	}

	// Prepare weights inverse to distance (with epsilon)
	weights := make([]float64, len(neighbors))
	var totalWeight float64
	for i, nb := range neighbors {
		w := 1.0 / (nb.distance + m.Eps)
		weights[i] = w
		totalWeight += w
	}

	est := Estimate{Draws: make([]int, numSims)}
	targets := make([]float64, numSims)
	for s := 0; s < numSims; s++ {
		target := m.rng.Float64() * totalWeight
		acc := 0.0
		choice := len(weights) - 1
		for i, w := range weights {
			acc += w
			if target <= acc {
				choice = i
				break
			}
		}
		est.Draws[s] = neighbors[choice].idx
		targets[s] = neighbors[choice].target
	}
	est.Mean, est.StdDev = stat.MeanStdDev(targets, nil)
	if numSims == 1 {
		est.StdDev = 0
	}
	return est, nil
}

// neighbor holds a dataset neighbor candidate.
type neighbor struct {
	idx      int
	distance float64
	target   float64
}

// knnNeighbors performs a simple linear scan KNN search over the dataset.
// It returns up to k neighbors sorted by increasing distance.
func (m *Monte) knnNeighbors(initial []float64, k int, exclude []int) ([]neighbor, error) {
	n := m.DS.Len()
	if n == 0 {
		return nil, fmt.Errorf("reference dataset is empty")
	}
	skip := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		skip[i] = true
	}

	// Use a worker pool to compute distances concurrently.
	jobs := make(chan int, n)
	resultsCh := make(chan neighbor, n)

	workerCount := min(runtime.NumCPU(), n)

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				inp, target, err := m.DS.Example(i)
				if err != nil {
					// skip entries we can't read
					continue
				}
				flat := flatten(inp)
				if len(flat) != len(initial) {
					continue
				}
				resultsCh <- neighbor{
					idx:      i,
					distance: math.Sqrt(euclideanDistanceSquared(initial, flat)),
					target:   target,
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		if !skip[i] {
			jobs <- i
		}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	candidates := make([]neighbor, 0, n)
	for nb := range resultsCh {
		candidates = append(candidates, nb)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no usable reference examples")
	}

	// ties broken by index so the order does not depend on worker scheduling
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].idx < candidates[j].idx
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	return candidates[:k], nil
}

func flatten(x [][]float64) []float64 {
	var out []float64
	for _, xt := range x {
		out = append(out, xt...)
	}
	return out
}

// euclideanDistanceSquared computes squared Euclidean distance between two equal-length slices.
func euclideanDistanceSquared(a, b []float64) float64 {
	sum := 0.0
	for i := 0; i < len(a) && i < len(b); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
