package match

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestAssignPrefersOptimalOverGreedy(t *testing.T) {
	t.Parallel()
	sim := mat.NewDense(2, 2, []float64{
		1.0, 0.9,
		0.9, 0.1,
	})
	rows, method := Assign(sim, 100)
	assert.Equal(t, MethodHungarian, method)
	assert.Equal(t, []int{1, 0}, rows, "total 1.8 beats greedy's 1.1")

	rows, method = Assign(sim, 1)
	assert.Equal(t, MethodGreedy, method)
	assert.Equal(t, []int{0, 1}, rows)
}

func TestAssignTieBreaks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sim  []float64
		want []int
	}{
		{
			name: "flat matrix pairs lower ids",
			sim:  []float64{0.5, 0.5, 0.5, 0.5},
			want: []int{0, 1},
		},
		{
			name: "equal totals keep the strongest single pair",
			sim:  []float64{0.9, 0.6, 0.6, 0.3},
			want: []int{0, 1},
		},
		{
			name: "strongest pair off the diagonal",
			sim:  []float64{0.6, 0.9, 0.3, 0.6},
			want: []int{1, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, _ := Assign(mat.NewDense(2, 2, tt.sim), 100)
			assert.Equal(t, tt.want, rows)
		})
	}
}

func TestAssignTieBreaksBeyondPairSwaps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		r, c int
		sim  []float64
		want []int
	}{
		{
			name: "lower ids need a three-way rotation",
			r:    3, c: 5,
			sim: []float64{
				0.8, 0.8, 0.6, 0.7, 0.6,
				0.5, 0.5, 0.5, 0.7, 0.8,
				0.7, 0.6, 0.5, 0.7, 0.8,
			},
			want: []int{0, 3, 4},
		},
		{
			name: "second pair decides between equal totals",
			r:    3, c: 3,
			sim: []float64{
				0.8, 0.8, 0.5,
				0.5, 0.7, 0.6,
				0.6, 0.5, 0.5,
			},
			want: []int{0, 1, 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := mat.NewDense(tt.r, tt.c, tt.sim)
			want := bruteForceBest(sim)
			rows, _ := Assign(sim, 100)
			assert.Equal(t, want, rows, "exhaustive ranking disagrees")
			assert.Equal(t, tt.want, rows)
		})
	}
}

func TestAssignTieOnRectangular(t *testing.T) {
	t.Parallel()
	// One row, two equally good columns: the lower column id wins.
	rows, _ := Assign(mat.NewDense(1, 2, []float64{0.7, 0.7}), 100)
	assert.Equal(t, []int{0}, rows)

	// Two rows compete for one column: the lower row id wins.
	rows, _ = Assign(mat.NewDense(2, 1, []float64{0.7, 0.7}), 100)
	assert.Equal(t, []int{0, -1}, rows)
}

func TestAssignEmpty(t *testing.T) {
	t.Parallel()
	rows, _ := Assign(&mat.Dense{}, 100)
	assert.Empty(t, rows)
}

// bruteForceBest enumerates every one-to-one assignment using min(r, c)
// pairs and returns the one ranked highest by better.
func bruteForceBest(sim *mat.Dense) []int {
	r, c := sim.Dims()
	used := make([]bool, c)
	need := min(r, c)
	cur := make([]int, r)
	var best []int
	var rec func(i, pairs int)
	rec = func(i, pairs int) {
		if i == r {
			if pairs == need && (best == nil || better(sim, cur, best)) {
				best = slices.Clone(cur)
			}
			return
		}
		for j := 0; j < c; j++ {
			if !used[j] {
				used[j] = true
				cur[i] = j
				rec(i+1, pairs+1)
				used[j] = false
			}
		}
		if r-i > need-pairs {
			cur[i] = -1
			rec(i+1, pairs)
		}
	}
	rec(0, 0)
	return best
}

func TestAssignOptimalAndOneToOne(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		r, c := 1+rng.Intn(5), 1+rng.Intn(5)
		data := make([]float64, r*c)
		for k := range data {
			// Coarse values make ties common.
			data[k] = float64(rng.Intn(5)) / 4
		}
		sim := mat.NewDense(r, c, data)

		rows, _ := Assign(sim, 100)
		require.Len(t, rows, r)
		seen := map[int]bool{}
		pairs := 0
		for _, j := range rows {
			if j < 0 {
				continue
			}
			require.False(t, seen[j], "column %d assigned twice in %v", j, rows)
			seen[j] = true
			pairs++
		}
		assert.Equal(t, min(r, c), pairs)
		assert.Equal(t, bruteForceBest(sim), rows, "trial %d:\n%v", trial, mat.Formatted(sim))

		again, _ := Assign(sim, 100)
		assert.Equal(t, rows, again, "deterministic")
	}
}

func TestAssignMatchesExhaustiveRanking(t *testing.T) {
	t.Parallel()
	levels := []float64{0.5, 0.6, 0.7, 0.8}
	rng := rand.New(rand.NewSource(23))
	for trial := 0; trial < 500; trial++ {
		r, c := 1+rng.Intn(5), 1+rng.Intn(5)
		data := make([]float64, r*c)
		for k := range data {
			data[k] = levels[rng.Intn(len(levels))]
		}
		sim := mat.NewDense(r, c, data)

		rows, _ := Assign(sim, 100)
		require.Equal(t, bruteForceBest(sim), rows, "trial %d:\n%v", trial, mat.Formatted(sim))
	}
}

func TestGreedyOneToOne(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(11))
	sim := mat.NewDense(30, 20, nil)
	sim.Apply(func(_, _ int, _ float64) float64 { return rng.Float64() }, sim)

	rows := greedy(sim)
	seen := map[int]bool{}
	assigned := 0
	for _, j := range rows {
		if j >= 0 {
			assert.False(t, seen[j])
			seen[j] = true
			assigned++
		}
	}
	assert.Equal(t, 20, assigned)
}
