package match

import (
	"fmt"
	"math"

	"github.com/banshee-data/crossview/internal/reid"
)

// Position is a track's mean normalised box centre.
type Position struct {
	X, Y float64
}

// SpatialScorer rates in [0,1] how plausibly a broadcast position and a
// tactical position belong to the same player.
type SpatialScorer interface {
	Score(broadcast, tactical Position) float64
}

// ConstantSpatial is used when no calibration between the two camera
// geometries is available.
type ConstantSpatial float64

func (c ConstantSpatial) Score(Position, Position) float64 {
	return reid.Clamp01(float64(c))
}

// AffineSpatial maps the broadcast position into tactical coordinates with
// x' = a·x + b·y + c, y' = d·x + e·y + f and scores the residual distance
// with a Gaussian of width Sigma.
type AffineSpatial struct {
	Transform [6]float64
	Sigma     float64
}

// NewAffineSpatial validates sigma.
func NewAffineSpatial(transform [6]float64, sigma float64) (*AffineSpatial, error) {
	if !(sigma > 0) || math.IsInf(sigma, 0) {
		return nil, reid.Wrap(reid.ErrConfiguration, "MatchingPlayers", "spatial", fmt.Sprintf("sigma must be positive, got %v", sigma), nil)
	}
	return &AffineSpatial{Transform: transform, Sigma: sigma}, nil
}

// Project maps a broadcast position into tactical coordinates.
func (a *AffineSpatial) Project(p Position) Position {
	t := a.Transform
	return Position{
		X: t[0]*p.X + t[1]*p.Y + t[2],
		Y: t[3]*p.X + t[4]*p.Y + t[5],
	}
}

func (a *AffineSpatial) Score(broadcast, tactical Position) float64 {
	q := a.Project(broadcast)
	dx, dy := q.X-tactical.X, q.Y-tactical.Y
	return reid.Clamp01(math.Exp(-(dx*dx + dy*dy) / (2 * a.Sigma * a.Sigma)))
}
