// Package match pairs broadcast tracks with tactical tracks.
//
// Similarity between broadcast track i and tactical track j is
//
//	sim(i,j) = α·cos(emb_i, emb_j) + (1-α)·spatial(i,j)
//
// with the cosine clamped to [0,1]. The |A|×|B| matrix is solved as a
// one-to-one assignment maximising total similarity, and assigned pairs
// below the threshold are reported as unmatched.
package match

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/features"
)

const stageName = "MatchingPlayers"

// Defaults for a zero-configured Matcher built with New.
const (
	DefaultAlpha        = 0.7
	DefaultThreshold    = 0.5
	DefaultCutoff       = 100
	DefaultSpatialScore = 0.5
)

// Matcher holds matching parameters. It is stateless between calls.
type Matcher struct {
	Alpha     float64
	Threshold float64
	Cutoff    int
	Spatial   SpatialScorer
	Workers   int
}

// New returns a Matcher with default parameters and no calibration.
func New() *Matcher {
	return &Matcher{
		Alpha:     DefaultAlpha,
		Threshold: DefaultThreshold,
		Cutoff:    DefaultCutoff,
		Spatial:   ConstantSpatial(DefaultSpatialScore),
		Workers:   1,
	}
}

// Entry labels one row or column of a similarity matrix.
type Entry struct {
	ID       string
	Position string
}

// Outcome is a MatchResult together with how it was reached.
type Outcome struct {
	Result reid.MatchResult
	Method Method
	Sim    *mat.Dense // nil when a side was empty
}

// Match sorts both sides by track id, builds the similarity matrix and
// assigns. An empty side yields a result with no matches and an error
// wrapping reid.ErrEmptySide, which callers should not treat as fatal.
func (m *Matcher) Match(ctx context.Context, broadcast, tactical []reid.Track) (Outcome, error) {
	a := sortedTracks(broadcast)
	b := sortedTracks(tactical)
	if len(a) == 0 || len(b) == 0 {
		res := reid.NewMatchResult(len(a)+len(b), nil, trackIDs(a), trackIDs(b))
		return Outcome{Result: res}, reid.Wrap(reid.ErrEmptySide, stageName, "match",
			fmt.Sprintf("%d broadcast, %d tactical tracks", len(a), len(b)), nil)
	}

	sim, err := m.BuildMatrix(ctx, a, b)
	if err != nil {
		return Outcome{}, err
	}
	res, method := m.MatchMatrix(entries(a), entries(b), sim)
	return Outcome{Result: res, Method: method, Sim: sim}, nil
}

// BuildMatrix computes the similarity matrix, one row per work unit. The
// context is checked before each row starts.
func (m *Matcher) BuildMatrix(ctx context.Context, a, b []reid.Track) (*mat.Dense, error) {
	if len(a) == 0 || len(b) == 0 {
		return nil, reid.Wrap(reid.ErrEmptySide, stageName, "build matrix", "", nil)
	}
	dim := len(a[0].Embedding)
	for _, t := range slices.Concat(a, b) {
		if len(t.Embedding) != dim || dim == 0 {
			return nil, reid.Wrap(reid.ErrDimensionMismatch, stageName, "build matrix",
				fmt.Sprintf("%s has embedding length %d, want %d", t.ID, len(t.Embedding), dim), nil)
		}
	}
	posB := positions(b)
	spatial := m.Spatial
	if spatial == nil {
		spatial = ConstantSpatial(DefaultSpatialScore)
	}

	sim := mat.NewDense(len(a), len(b), nil)
	var g errgroup.Group
	g.SetLimit(max(1, m.Workers))
	for i := range a {
		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return nil, reid.Wrap(reid.ErrCancelled, stageName, "build matrix", "", err)
		}
		g.Go(func() error {
			pa := position(a[i])
			row := make([]float64, len(b))
			for j := range b {
				cos := reid.Clamp01(floats.Dot(a[i].Embedding, b[j].Embedding))
				s := m.Alpha*cos + (1-m.Alpha)*spatial.Score(pa, posB[j])
				row[j] = reid.Clamp01(s)
			}
			sim.SetRow(i, row)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, reid.Wrap(reid.ErrCancelled, stageName, "build matrix", "", err)
	}
	return sim, nil
}

// MatchMatrix assigns over a precomputed similarity matrix whose rows are
// broadcast entries and columns tactical entries, both in id order.
func (m *Matcher) MatchMatrix(rows, cols []Entry, sim mat.Matrix) (reid.MatchResult, Method) {
	assign, method := Assign(sim, m.Cutoff)

	var matches []reid.Match
	colMatched := make([]bool, len(cols))
	var unmatchedA []string
	for i, j := range assign {
		if j < 0 {
			unmatchedA = append(unmatchedA, rows[i].ID)
			continue
		}
		s := sim.At(i, j)
		if s < m.Threshold {
			unmatchedA = append(unmatchedA, rows[i].ID)
			continue
		}
		colMatched[j] = true
		pos := rows[i].Position
		if pos == "" {
			pos = cols[j].Position
		}
		matches = append(matches, reid.Match{
			BroadcastID: rows[i].ID,
			TacticalID:  cols[j].ID,
			Confidence:  s,
			Position:    pos,
		})
	}
	var unmatchedB []string
	for j, ok := range colMatched {
		if !ok {
			unmatchedB = append(unmatchedB, cols[j].ID)
		}
	}
	return reid.NewMatchResult(len(rows)+len(cols), matches, unmatchedA, unmatchedB), method
}

func sortedTracks(ts []reid.Track) []reid.Track {
	out := slices.Clone(ts)
	slices.SortStableFunc(out, func(x, y reid.Track) int { return reid.CompareTrackIDs(x.ID, y.ID) })
	return out
}

func trackIDs(ts []reid.Track) []string {
	ids := make([]string, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	return ids
}

func entries(ts []reid.Track) []Entry {
	out := make([]Entry, len(ts))
	for i, t := range ts {
		out[i] = Entry{ID: t.ID, Position: t.PositionLabel}
	}
	return out
}

func position(t reid.Track) Position {
	x, y := features.MeanPosition(t)
	return Position{X: x, Y: y}
}

func positions(ts []reid.Track) []Position {
	out := make([]Position, len(ts))
	for i, t := range ts {
		out[i] = position(t)
	}
	return out
}
