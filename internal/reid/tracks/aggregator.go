// Package tracks groups per-frame detections of one camera view into
// player tracks.
//
// Association is a single greedy pass in frame order: each detection
// extends the open track whose last box overlaps it most (IoU at or above
// IoUThreshold) among tracks seen within TemporalGap frames, and a track
// takes at most one detection per frame. A detection with no such track
// starts a new one, so ambiguous continuity forks rather than merges.
package tracks

import (
	"fmt"
	"sort"

	"github.com/banshee-data/crossview/internal/reid"
)

// Aggregator builds tracks for a single view. The zero value is usable but
// links only perfectly overlapping consecutive boxes; use New for the
// standard defaults.
type Aggregator struct {
	IoUThreshold  float64
	TemporalGap   int
	MinDetections int
}

// Defaults used by New.
const (
	DefaultIoUThreshold = 0.3
	DefaultTemporalGap  = 5
)

// New returns an Aggregator with the default IoU threshold and gap.
func New() *Aggregator {
	return &Aggregator{IoUThreshold: DefaultIoUThreshold, TemporalGap: DefaultTemporalGap, MinDetections: 1}
}

type openTrack struct {
	dets      []reid.Detection
	lastFrame int
}

// Aggregate groups detections of view into tracks. Detections need not be
// sorted; they are stably ordered by frame index first. Track ids are P1,
// P2, ... (broadcast) or T1, T2, ... (tactical) in creation order, counted
// after short tracks are discarded.
func (a *Aggregator) Aggregate(view reid.View, detections []reid.Detection) ([]reid.Track, error) {
	if !view.IsValid() {
		return nil, reid.Wrap(reid.ErrInput, "DetectingPlayers", "aggregate", fmt.Sprintf("invalid view %d", int(view)), nil)
	}
	ordered := make([]reid.Detection, len(detections))
	copy(ordered, detections)
	for _, d := range ordered {
		if d.View != view {
			return nil, reid.Wrap(reid.ErrInput, "DetectingPlayers", "aggregate",
				fmt.Sprintf("%s detection at frame %d in %s aggregation", d.View, d.FrameIndex, view), nil)
		}
		if d.FrameIndex < 0 {
			return nil, reid.Wrap(reid.ErrInput, "DetectingPlayers", "aggregate",
				fmt.Sprintf("negative frame index %d", d.FrameIndex), nil)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].FrameIndex < ordered[j].FrameIndex })

	var (
		all      []*openTrack
		open     []*openTrack
		frame    = -1
		reserved map[*openTrack]bool
	)
	for _, d := range ordered {
		if d.FrameIndex != frame {
			frame = d.FrameIndex
			reserved = make(map[*openTrack]bool)
			open = a.expire(open, frame)
		}

		var (
			best    *openTrack
			bestIoU float64
		)
		for _, t := range open {
			if reserved[t] {
				continue
			}
			iou := t.dets[len(t.dets)-1].BBox.IoU(d.BBox)
			if iou >= a.IoUThreshold && iou > 0 && (best == nil || iou > bestIoU) {
				best, bestIoU = t, iou
			}
		}
		if best == nil {
			best = &openTrack{}
			all = append(all, best)
			open = append(open, best)
		}
		best.dets = append(best.dets, d)
		best.lastFrame = d.FrameIndex
		reserved[best] = true
	}

	out := make([]reid.Track, 0, len(all))
	for _, t := range all {
		if len(t.dets) < a.MinDetections {
			continue
		}
		ordinal := len(out) + 1
		out = append(out, reid.Track{
			ID:            reid.TrackID(view, ordinal),
			Ordinal:       ordinal,
			View:          view,
			Detections:    t.dets,
			PositionLabel: MajorityPosition(t.dets),
		})
	}
	return out, nil
}

// expire closes tracks that have not been extended within the temporal gap
// of frame and returns the ones still open.
func (a *Aggregator) expire(open []*openTrack, frame int) []*openTrack {
	kept := open[:0]
	for _, t := range open {
		if frame-t.lastFrame <= a.TemporalGap {
			kept = append(kept, t)
		}
	}
	return kept
}

// MajorityPosition returns the most frequent non-empty position label of
// dets, breaking ties by lexical order. It returns "" when no detection is
// labelled.
func MajorityPosition(dets []reid.Detection) string {
	counts := map[string]int{}
	for _, d := range dets {
		if d.Position != "" {
			counts[d.Position]++
		}
	}
	best, bestN := "", 0
	for label, n := range counts {
		if n > bestN || (n == bestN && label < best) {
			best, bestN = label, n
		}
	}
	return best
}
