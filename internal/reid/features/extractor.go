// Package features turns a track's detections into a single fixed-length,
// unit-normalised embedding.
//
// The embedding is the concatenation of an appearance block (the mean of
// the backbone descriptors over the track's detections, L2-normalised) and
// a spatial block [meanCX, meanCY, dirX, dirY] scaled by SpatialWeight,
// where dir is the unit displacement between the first and last box
// centres. The whole vector is then L2-normalised. Identical detection
// sequences always produce identical embeddings.
package features

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/crossview/internal/reid"
)

const stageName = "ExtractingFeatures"

// SpatialDim is the length of the spatial block.
const SpatialDim = 4

// CropSource looks up the image crop for a detection.
type CropSource interface {
	Crop(d reid.Detection) image.Image
}

// Extractor computes track embeddings.
type Extractor struct {
	Backbone      Backbone
	AppearanceDim int
	SpatialWeight float64

	// Crops is optional; without it the backbone sees no pixels.
	Crops CropSource
}

// Dim is the embedding length, AppearanceDim + SpatialDim.
func (e *Extractor) Dim() int { return e.AppearanceDim + SpatialDim }

// Embed computes the embedding of track.
func (e *Extractor) Embed(ctx context.Context, track reid.Track) ([]float64, error) {
	if len(track.Detections) == 0 {
		return nil, reid.Wrap(reid.ErrEmptyTrack, stageName, "embed", track.ID, nil)
	}

	app := make([]float64, e.AppearanceDim)
	var described int
	for _, d := range track.Detections {
		crop := Crop{Detection: d}
		if e.Crops != nil {
			crop.Image = e.Crops.Crop(d)
		}
		vec, err := e.backbone().Embed(ctx, crop)
		if err != nil {
			return nil, reid.Wrap(reid.ErrDetection, stageName, "backbone",
				fmt.Sprintf("%s frame %d", track.ID, d.FrameIndex), err)
		}
		if vec == nil {
			continue
		}
		if len(vec) != e.AppearanceDim {
			return nil, reid.Wrap(reid.ErrDimensionMismatch, stageName, "embed",
				fmt.Sprintf("%s frame %d: descriptor length %d, want %d", track.ID, d.FrameIndex, len(vec), e.AppearanceDim), nil)
		}
		for i, v := range vec {
			app[i] += float64(v)
		}
		described++
	}
	if described > 0 {
		floats.Scale(1/float64(described), app)
		normalize(app)
	}

	cx, cy := MeanPosition(track)
	dirX, dirY := Direction(track)
	spatial := []float64{cx, cy, dirX, dirY}
	floats.Scale(e.SpatialWeight, spatial)

	out := append(app, spatial...)
	normalize(out)
	return out, nil
}

func (e *Extractor) backbone() Backbone {
	if e.Backbone == nil {
		return RecordedBackbone{}
	}
	return e.Backbone
}

// EmbedAll embeds every track with at most workers concurrent units. The
// context is checked before each track starts; tracks already being
// embedded run to completion and a cancelled call returns ErrCancelled
// without any embeddings. done, when set, is called once per finished
// track.
func (e *Extractor) EmbedAll(ctx context.Context, tracks []reid.Track, workers int, done func(n int)) ([]reid.Track, error) {
	if workers < 1 {
		workers = 1
	}
	out := make([]reid.Track, len(tracks))
	unit := context.WithoutCancel(ctx)

	var (
		g         errgroup.Group
		mu        sync.Mutex
		finished  int
		cancelled bool
	)
	g.SetLimit(workers)
	for i := range tracks {
		if ctx.Err() != nil {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				cancelled = true
				mu.Unlock()
				return nil
			}
			emb, err := e.Embed(unit, tracks[i])
			if err != nil {
				return err
			}
			out[i] = tracks[i].WithEmbedding(emb)
			mu.Lock()
			finished++
			n := finished
			mu.Unlock()
			if done != nil {
				done(n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if cancelled {
		return nil, reid.Wrap(reid.ErrCancelled, stageName, "embed", "", ctx.Err())
	}
	return out, nil
}

// MeanPosition is the mean box centre of the track, or (0,0) when empty.
func MeanPosition(track reid.Track) (float64, float64) {
	if len(track.Detections) == 0 {
		return 0, 0
	}
	xs := make([]float64, len(track.Detections))
	ys := make([]float64, len(track.Detections))
	for i, d := range track.Detections {
		xs[i], ys[i] = d.BBox.Center()
	}
	return stat.Mean(xs, nil), stat.Mean(ys, nil)
}

// Direction is the unit vector from the first to the last box centre, or
// zero for a stationary or single-detection track.
func Direction(track reid.Track) (float64, float64) {
	if len(track.Detections) < 2 {
		return 0, 0
	}
	x0, y0 := track.Detections[0].BBox.Center()
	x1, y1 := track.Detections[len(track.Detections)-1].BBox.Center()
	dx, dy := x1-x0, y1-y0
	n := math.Hypot(dx, dy)
	if n < 1e-9 {
		return 0, 0
	}
	return dx / n, dy / n
}

// normalize scales v to unit L2 norm in place; zero vectors are left alone.
func normalize(v []float64) {
	n := floats.Norm(v, 2)
	if n == 0 {
		return
	}
	floats.Scale(1/n, v)
}
