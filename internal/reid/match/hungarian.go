package match

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// hungarian solves the rectangular minimum-cost assignment problem for an
// r×c cost matrix with the Kuhn–Munkres algorithm (Jonker–Volgenant
// potentials), O(n³) in n = max(r,c). It returns rows[i] = column assigned
// to row i, or -1 when row i is left over because r > c.
//
// The matrix is padded to square with zero-cost cells. Every complete
// assignment uses the same number of padding cells, so padding never
// changes which real pairs are optimal.
func hungarian(cost mat.Matrix) []int {
	r, c := cost.Dims()
	if r == 0 {
		return nil
	}
	rows := make([]int, r)
	for i := range rows {
		rows[i] = -1
	}
	if c == 0 {
		return rows
	}

	sol := solveSquare(max(r, c), func(i, j int) float64 {
		if i < r && j < c {
			return cost.At(i, j)
		}
		return 0
	})
	for i := 0; i < r; i++ {
		if j := sol.col[i]; j < c {
			rows[i] = j
		}
	}
	return rows
}

// squareSolution is a minimum-cost perfect matching on a dim×dim matrix
// together with the dual potentials that certify it: u[i]+v[j] <= cost(i,j)
// everywhere, with equality on every matched cell.
type squareSolution struct {
	col []int // col[i] = column matched to row i
	u   []float64
	v   []float64
}

// reduced is cost(i,j) - u[i] - v[j]. A cell with reduced cost zero is
// tight; by complementary slackness every minimum-cost perfect matching
// uses tight cells only, and any perfect matching of tight cells is optimal.
func (s squareSolution) reduced(at func(i, j int) float64, i, j int) float64 {
	return at(i, j) - s.u[i] - s.v[j]
}

func solveSquare(dim int, at func(i, j int) float64) squareSolution {
	const inf = math.MaxFloat64 / 2

	// 1-indexed; column 0 is the virtual start of each augmenting path.
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1) // p[j] = row matched to column j
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := at(i0-1, j-1) - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	sol := squareSolution{
		col: make([]int, dim),
		u:   u[1:],
		v:   v[1:],
	}
	for j := 1; j <= dim; j++ {
		sol.col[p[j]-1] = j - 1
	}
	return sol
}
