package reid

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// View identifies which camera feed a detection or track came from.
type View int

const (
	Broadcast View = iota // Wide-angle broadcast camera
	Tactical              // Overhead tactical camera
)

// String returns the lowercase view name used in logs and JSON.
func (v View) String() string {
	switch v {
	case Broadcast:
		return "broadcast"
	case Tactical:
		return "tactical"
	default:
		return fmt.Sprintf("view(%d)", int(v))
	}
}

// IDPrefix returns the track id prefix for the view ("P" for broadcast
// players, "T" for tactical).
func (v View) IDPrefix() string {
	if v == Tactical {
		return "T"
	}
	return "P"
}

// IsValid reports whether v is one of the two known views.
func (v View) IsValid() bool {
	return v == Broadcast || v == Tactical
}

// ParseView parses a view name as produced by String.
func ParseView(s string) (View, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "broadcast":
		return Broadcast, nil
	case "tactical":
		return Tactical, nil
	default:
		return 0, fmt.Errorf("unknown view %q", s)
	}
}

func (v View) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *View) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseView(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// BBox is an axis-aligned box in frame-normalised coordinates: X,Y is the
// top-left corner and W,H the extent, all in [0,1].
type BBox struct {
	X float64
	Y float64
	W float64
	H float64
}

// Area returns W*H, or 0 for degenerate boxes.
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Center returns the box centre.
func (b BBox) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// IoU returns the intersection-over-union of b and o in [0,1].
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b.X, o.X)
	y1 := math.Max(b.Y, o.Y)
	x2 := math.Min(b.X+b.W, o.X+o.W)
	y2 := math.Min(b.Y+b.H, o.Y+o.H)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Clip clamps the box to the unit frame. Axes already inside the frame are
// left untouched. The second return value is false when the box has
// non-finite coordinates or no area left after clipping.
func (b BBox) Clip() (BBox, bool) {
	for _, v := range [4]float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return BBox{}, false
		}
	}
	out := b
	if b.X < 0 || b.X+b.W > 1 {
		x1, x2 := clamp01(b.X), clamp01(b.X+b.W)
		out.X, out.W = x1, x2-x1
	}
	if b.Y < 0 || b.Y+b.H > 1 {
		y1, y2 := clamp01(b.Y), clamp01(b.Y+b.H)
		out.Y, out.H = y1, y2-y1
	}
	if out.Area() == 0 {
		return BBox{}, false
	}
	return out, true
}

// MarshalJSON encodes the box as [x, y, w, h].
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X, b.Y, b.W, b.H})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var arr [4]float64
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("bbox must be [x,y,w,h]: %w", err)
	}
	*b = BBox{X: arr[0], Y: arr[1], W: arr[2], H: arr[3]}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Clamp01 limits v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp01(v)
}

// Detection is one detector output for one frame of one view. Detections
// are treated as immutable once produced.
type Detection struct {
	FrameIndex int
	BBox       BBox
	ClassLabel string
	Score      float64
	View       View

	// Position is an optional role label from the detector ("Forward").
	Position string

	// Appearance is an optional descriptor recorded alongside the detection
	// by an external embedding backbone.
	Appearance []float32
}

// Track is an ordered run of detections believed to be one player within
// a single view. The aggregator owns a Track until it is handed to the
// extractor and matcher, which only read it.
type Track struct {
	ID            string
	Ordinal       int // 1-based creation order within the view
	View          View
	Detections    []Detection
	Embedding     []float64 // unit-normalised, fixed length
	PositionLabel string
}

// Len returns the number of detections in the track.
func (t *Track) Len() int { return len(t.Detections) }

// FirstFrame returns the frame index of the earliest detection, or -1.
func (t *Track) FirstFrame() int {
	if len(t.Detections) == 0 {
		return -1
	}
	return t.Detections[0].FrameIndex
}

// LastFrame returns the frame index of the latest detection, or -1.
func (t *Track) LastFrame() int {
	if len(t.Detections) == 0 {
		return -1
	}
	return t.Detections[len(t.Detections)-1].FrameIndex
}

// WithEmbedding returns a copy of the track carrying emb. The detection
// slice is shared; callers must not mutate it.
func (t Track) WithEmbedding(emb []float64) Track {
	t.Embedding = emb
	return t
}

// TrackID builds the deterministic id for the n-th track of a view.
func TrackID(v View, ordinal int) string {
	return v.IDPrefix() + strconv.Itoa(ordinal)
}

// CompareTrackIDs orders ids by prefix and then numeric suffix so that
// P2 sorts before P10. Ids without a numeric suffix fall back to string
// order.
func CompareTrackIDs(a, b string) int {
	pa, na, oka := splitTrackID(a)
	pb, nb, okb := splitTrackID(b)
	if oka && okb && pa == pb {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func splitTrackID(id string) (string, int, bool) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return id, 0, false
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return id, 0, false
	}
	return id[:i], n, true
}
