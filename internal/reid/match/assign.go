package match

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Method names the solver that produced an assignment.
type Method string

const (
	MethodHungarian Method = "hungarian"
	MethodGreedy    Method = "greedy"
)

// tieEpsilon is the tolerance under which two similarity totals are equal.
const tieEpsilon = 1e-9

// Assign pairs rows with columns of sim maximising total similarity,
// one-to-one. rows[i] is the column for row i or -1. Problems whose larger
// side exceeds cutoff are solved greedily, highest similarity first.
//
// Rows and columns are expected in track-id order; among solutions with
// equal totals the one with the lexicographically larger descending list of
// pair similarities wins, then the one pairing lower ids first.
func Assign(sim mat.Matrix, cutoff int) ([]int, Method) {
	r, c := sim.Dims()
	if max(r, c) > cutoff {
		return greedy(sim), MethodGreedy
	}
	if r == 0 || c == 0 {
		return greedy(sim), MethodHungarian
	}
	return optimal(sim), MethodHungarian
}

// greedy takes cells in descending similarity, ties by (row, col), skipping
// any whose row or column is already used.
func greedy(sim mat.Matrix) []int {
	r, c := sim.Dims()
	rows := make([]int, r)
	for i := range rows {
		rows[i] = -1
	}
	cells := sortedCells(sim)
	colUsed := make([]bool, c)
	for _, cl := range cells {
		if rows[cl.i] >= 0 || colUsed[cl.j] {
			continue
		}
		rows[cl.i] = cl.j
		colUsed[cl.j] = true
	}
	return rows
}

type cell struct {
	i, j int
	s    float64
}

func sortedCells(sim mat.Matrix) []cell {
	r, c := sim.Dims()
	cells := make([]cell, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			cells = append(cells, cell{i, j, sim.At(i, j)})
		}
	}
	sort.Slice(cells, func(a, b int) bool {
		if cells[a].s != cells[b].s {
			return cells[a].s > cells[b].s
		}
		if cells[a].i != cells[b].i {
			return cells[a].i < cells[b].i
		}
		return cells[a].j < cells[b].j
	})
	return cells
}

// Costs for the tie-break stages. Cells outside the current optimal set
// are priced far above anything a stage can gain.
const (
	forbiddenCost = 1e6
	stageTol      = 1e-6
)

// optimal returns the assignment ranked highest by better among all
// one-to-one assignments, solved exactly.
//
// The matrix is padded to square. Each stage solves a minimum-cost
// perfect matching restricted to the cells still allowed, then keeps only
// the cells tight under that stage's potentials, so the allowed set always
// holds exactly the assignments optimal for every stage so far. Stage one
// maximises total similarity; each following stage maximises the number of
// pairs on one similarity level, highest level first, which is the
// descending-list comparison. Finally rows take the lowest column they can
// while a perfect matching of allowed cells still exists.
func optimal(sim mat.Matrix) []int {
	r, c := sim.Dims()
	dim := max(r, c)
	inMatrix := func(i, j int) bool { return i < r && j < c }

	allowed := make([][]bool, dim)
	for i := range allowed {
		allowed[i] = make([]bool, dim)
		for j := range allowed[i] {
			allowed[i][j] = true
		}
	}
	restrict := func(sol squareSolution, at func(i, j int) float64, tol float64) {
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				if allowed[i][j] && sol.reduced(at, i, j) > tol {
					allowed[i][j] = false
				}
			}
		}
	}

	byTotal := func(i, j int) float64 {
		if inMatrix(i, j) {
			return -sim.At(i, j)
		}
		return 0
	}
	sol := solveSquare(dim, byTotal)
	restrict(sol, byTotal, tieEpsilon)
	cur := sol.col

	level, levels := similarityLevels(sim, allowed)
	for k := 0; k < levels && !uniqueMatching(allowed); k++ {
		byLevel := func(i, j int) float64 {
			switch {
			case !allowed[i][j]:
				return forbiddenCost
			case inMatrix(i, j) && level[i][j] == k:
				return -1
			default:
				return 0
			}
		}
		sol = solveSquare(dim, byLevel)
		restrict(sol, byLevel, stageTol)
		cur = sol.col
	}

	cur = lowestColumns(allowed, cur, r)

	rows := make([]int, r)
	for i := range rows {
		rows[i] = -1
		if cur[i] < c {
			rows[i] = cur[i]
		}
	}
	return rows
}

// similarityLevels groups the allowed real cells into levels of equal
// similarity (within tieEpsilon), 0 being the highest. Cells outside the
// real matrix or not allowed get -1.
func similarityLevels(sim mat.Matrix, allowed [][]bool) ([][]int, int) {
	level := make([][]int, len(allowed))
	for i := range level {
		level[i] = make([]int, len(allowed))
		for j := range level[i] {
			level[i][j] = -1
		}
	}
	n := 0
	top := math.Inf(1)
	for _, cl := range sortedCells(sim) {
		if !allowed[cl.i][cl.j] {
			continue
		}
		if cl.s < top-tieEpsilon {
			top = cl.s
			n++
		}
		level[cl.i][cl.j] = n - 1
	}
	return level, n
}

// uniqueMatching reports whether every row has a single allowed cell, in
// which case the allowed perfect matching is fully determined.
func uniqueMatching(allowed [][]bool) bool {
	for _, row := range allowed {
		n := 0
		for _, ok := range row {
			if ok {
				n++
			}
		}
		if n > 1 {
			return false
		}
	}
	return true
}

// lowestColumns walks rows [0, r) in order and gives each the lowest
// allowed column that still leaves a perfect matching of allowed cells for
// the rows after it. cur must be such a matching; it is updated in place.
func lowestColumns(allowed [][]bool, cur []int, r int) []int {
	dim := len(cur)
	rowOf := make([]int, dim)
	for i, j := range cur {
		rowOf[j] = i
	}
	fixed := make([]bool, dim)

	for i := 0; i < r; i++ {
		for j := 0; j < dim; j++ {
			if !allowed[i][j] || fixed[rowOf[j]] {
				continue
			}
			if cur[i] == j || reroute(allowed, cur, rowOf, fixed, i, j) {
				break
			}
		}
		fixed[i] = true
	}
	return cur
}

// reroute moves column j to row i when the row currently holding j can be
// moved along an alternating path of allowed cells, through rows that are
// not fixed, ending at i's current column.
func reroute(allowed [][]bool, cur, rowOf []int, fixed []bool, i, j int) bool {
	dim := len(cur)
	start := rowOf[j]
	target := cur[i]
	parent := make([]int, dim) // row that takes this row's current column
	for x := range parent {
		parent[x] = -2
	}
	parent[start] = -1
	queue := []int{start}
	for len(queue) > 0 {
		x := queue[0]
		queue = queue[1:]
		for y := 0; y < dim; y++ {
			if !allowed[x][y] || y == cur[x] {
				continue
			}
			if y == target {
				for {
					old := cur[x]
					cur[x] = y
					rowOf[y] = x
					if parent[x] == -1 {
						break
					}
					x, y = parent[x], old
				}
				cur[i] = j
				rowOf[j] = i
				return true
			}
			next := rowOf[y]
			if next == i || fixed[next] || parent[next] != -2 {
				continue
			}
			parent[next] = x
			queue = append(queue, next)
		}
	}
	return false
}

func total(sim mat.Matrix, rows []int) float64 {
	var t float64
	for i, j := range rows {
		if j >= 0 {
			t += sim.At(i, j)
		}
	}
	return t
}

// better reports whether assignment a ranks strictly above b: higher total,
// then lexicographically larger descending similarities, then the first
// row where they differ takes the lower column (an assigned row beats an
// unassigned one).
func better(sim mat.Matrix, a, b []int) bool {
	ta, tb := total(sim, a), total(sim, b)
	if math.Abs(ta-tb) > tieEpsilon {
		return ta > tb
	}
	sa, sb := pairSims(sim, a), pairSims(sim, b)
	for k := 0; k < min(len(sa), len(sb)); k++ {
		if math.Abs(sa[k]-sb[k]) > tieEpsilon {
			return sa[k] > sb[k]
		}
	}
	if len(sa) != len(sb) {
		return len(sa) > len(sb)
	}
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		switch {
		case a[i] < 0:
			return false
		case b[i] < 0:
			return true
		default:
			return a[i] < b[i]
		}
	}
	return false
}

func pairSims(sim mat.Matrix, rows []int) []float64 {
	out := make([]float64, 0, len(rows))
	for i, j := range rows {
		if j >= 0 {
			out = append(out, sim.At(i, j))
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(out)))
	return out
}
