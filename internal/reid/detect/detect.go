// Package detect adapts external player detectors and frame sources to the
// reid data model.
//
// A Source yields frames for one camera view; a Detector turns a frame into
// per-frame detections. Collect drives the two with a retry/skip policy and
// returns clipped, filtered detections ready for track aggregation.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/timeutil"
)

const stageName = "DetectingPlayers"

// DefaultRetryBackoff is the wait before the first retry of a frame; each
// further retry doubles it, up to maxRetryBackoff.
const (
	DefaultRetryBackoff = 10 * time.Millisecond
	maxRetryBackoff     = time.Second
)

// Frame is one decoded frame of a view. Image is nil for sources that only
// replay recorded detections.
type Frame struct {
	Index int
	Image image.Image
}

// Source yields the frames of one view in order. Next returns io.EOF after
// the last frame.
type Source interface {
	View() reid.View
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// FrameCounter is implemented by sources that know their length up front.
type FrameCounter interface {
	FrameCount() int
}

// Detector is the external detection service contract.
type Detector interface {
	Detect(ctx context.Context, view reid.View, frame Frame) ([]reid.Detection, error)
}

// Loader is implemented by detectors that need a warm-up or health check
// before the first frame.
type Loader interface {
	Load(ctx context.Context) error
}

// FailureAction selects what happens to a frame whose retries are exhausted.
type FailureAction int

const (
	Skip FailureAction = iota
	Abort
)

func (a FailureAction) String() string {
	if a == Abort {
		return "abort"
	}
	return "skip"
}

// ParseFailureAction accepts "skip" or "abort".
func ParseFailureAction(s string) (FailureAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return Skip, nil
	case "abort":
		return Abort, nil
	default:
		return Skip, fmt.Errorf("unknown detection failure policy %q", s)
	}
}

// Policy controls per-frame failure handling during Collect.
type Policy struct {
	Retries   int
	OnFailure FailureAction

	// Backoff is the wait before the first retry of a frame, doubled for
	// each later retry. Zero retries immediately.
	Backoff time.Duration

	// Clock drives the backoff waits. Nil uses the real clock.
	Clock timeutil.Clock

	// MaxFailedRatio is the skipped-frame ratio above which the whole
	// collection fails. 1 tolerates any number of skipped frames.
	MaxFailedRatio float64

	// ClassLabels restricts accepted detections; empty accepts all.
	ClassLabels []string

	// Progress, when set, is called after every frame with the number of
	// frames processed and the source length (0 when unknown).
	Progress func(done, total int)

	// OnFrame, when set, sees each frame with the detections accepted from
	// it, before the frame is released.
	OnFrame func(frame Frame, dets []reid.Detection)
}

// Stats summarises one Collect call.
type Stats struct {
	Frames     int
	Skipped    int
	Retries    int
	Detections int
	Dropped    int // invalid or filtered boxes
}

// FailedRatio is Skipped/Frames, or 0 with no frames.
func (s Stats) FailedRatio() float64 {
	if s.Frames == 0 {
		return 0
	}
	return float64(s.Skipped) / float64(s.Frames)
}

// Collect runs det over every frame of src. The caller's context is only
// consulted between frames and during retry backoff; a detector call
// already in flight always completes. Returned detections are ordered by frame index and carry
// src.View().
func Collect(ctx context.Context, src Source, det Detector, p Policy) ([]reid.Detection, Stats, error) {
	var (
		stats Stats
		out   []reid.Detection
		total int
	)
	view := src.View()
	if fc, ok := src.(FrameCounter); ok {
		total = fc.FrameCount()
	}
	allowed := labelSet(p.ClassLabels)
	unit := context.WithoutCancel(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return nil, stats, reid.Wrap(reid.ErrCancelled, stageName, "collect", view.String(), err)
		}
		frame, err := src.Next(unit)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, stats, reid.Wrap(reid.ErrInput, stageName, "read frame", view.String(), err)
		}
		stats.Frames++

		dets, err := detectWithRetry(ctx, unit, det, view, frame, p, &stats)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, stats, reid.Wrap(reid.ErrCancelled, stageName, "collect", view.String(), cerr)
			}
			if p.OnFailure == Abort {
				opsf("%s frame %d: detector failed, aborting: %v", view, frame.Index, err)
				return nil, stats, reid.Wrap(reid.ErrDetection, stageName, "detect",
					fmt.Sprintf("%s frame %d", view, frame.Index), err)
			}
			stats.Skipped++
			opsf("%s frame %d: detector failed after %d retries, skipping: %v", view, frame.Index, p.Retries, err)
		}

		first := len(out)
		for _, d := range dets {
			nd, ok := normalise(d, view, frame.Index, allowed)
			if !ok {
				stats.Dropped++
				continue
			}
			out = append(out, nd)
			stats.Detections++
		}
		if p.OnFrame != nil {
			p.OnFrame(frame, out[first:])
		}
		tracef("%s frame %d: %d detections", view, frame.Index, len(dets))
		if p.Progress != nil {
			p.Progress(stats.Frames, total)
		}
	}

	if stats.FailedRatio() > p.MaxFailedRatio {
		return nil, stats, reid.Wrap(reid.ErrDetection, stageName, "collect",
			fmt.Sprintf("%s: detector unavailable, %d of %d frames failed", view, stats.Skipped, stats.Frames), nil)
	}
	diagf("%s: %d frames, %d detections, %d skipped, %d dropped, %d retries",
		view, stats.Frames, stats.Detections, stats.Skipped, stats.Dropped, stats.Retries)
	return out, stats, nil
}

// detectWithRetry calls det on unit, which outlives cancellation, and
// waits out the backoff between attempts on ctx. A cancelled ctx ends the
// retries with the last detector error.
func detectWithRetry(ctx, unit context.Context, det Detector, view reid.View, frame Frame, p Policy, stats *Stats) ([]reid.Detection, error) {
	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	delay := p.Backoff
	var lastErr error
	for attempt := 0; attempt <= p.Retries; attempt++ {
		if attempt > 0 {
			if delay > 0 {
				tracef("%s frame %d: retry %d in %v", view, frame.Index, attempt, delay)
				if err := timeutil.Wait(ctx, clock, delay); err != nil {
					return nil, lastErr
				}
				delay = min(2*delay, maxRetryBackoff)
			}
			stats.Retries++
		}
		dets, err := det.Detect(unit, view, frame)
		if err == nil {
			return dets, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// normalise stamps frame and view, clips the box and applies the label
// filter.
func normalise(d reid.Detection, view reid.View, frameIndex int, allowed map[string]struct{}) (reid.Detection, bool) {
	if len(allowed) > 0 {
		if _, ok := allowed[d.ClassLabel]; !ok {
			return reid.Detection{}, false
		}
	}
	box, ok := d.BBox.Clip()
	if !ok {
		return reid.Detection{}, false
	}
	d.BBox = box
	d.View = view
	d.FrameIndex = frameIndex
	if d.Appearance != nil {
		d.Appearance = append([]float32(nil), d.Appearance...)
	}
	return d, true
}

func labelSet(labels []string) map[string]struct{} {
	if len(labels) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		m[l] = struct{}{}
	}
	return m
}
