package features

import (
	"context"
	"image"
	"image/draw"
	"math"
	"sync"

	"github.com/banshee-data/crossview/internal/reid"
)

// Crop is the input to an appearance backbone: the detection and, when the
// source decoded pixels, the player's cropped image.
type Crop struct {
	Detection reid.Detection
	Image     image.Image
}

// Backbone is the external appearance-embedding contract. A nil vector with
// a nil error means the backbone has nothing to say about the crop.
type Backbone interface {
	Embed(ctx context.Context, crop Crop) ([]float32, error)
}

// RecordedBackbone returns the appearance vector recorded on the detection
// by an upstream model.
type RecordedBackbone struct{}

func (RecordedBackbone) Embed(_ context.Context, crop Crop) ([]float32, error) {
	return crop.Detection.Appearance, nil
}

// HistogramBackbone is a deterministic colour descriptor: a joint hue ×
// value histogram over the crop pixels, L1-normalised.
type HistogramBackbone struct {
	HueBins   int
	ValueBins int
}

// NewHistogramBackbone picks bin counts whose product is dim: two value
// bins when dim is even, otherwise a hue-only histogram.
func NewHistogramBackbone(dim int) HistogramBackbone {
	if dim%2 == 0 && dim >= 2 {
		return HistogramBackbone{HueBins: dim / 2, ValueBins: 2}
	}
	return HistogramBackbone{HueBins: dim, ValueBins: 1}
}

// Dim is the length of the produced descriptor.
func (h HistogramBackbone) Dim() int { return h.HueBins * h.ValueBins }

// maxSamplesPerAxis caps per-crop work on large images.
const maxSamplesPerAxis = 64

// Embed falls back to the recorded appearance when the crop has no pixels.
func (h HistogramBackbone) Embed(_ context.Context, crop Crop) ([]float32, error) {
	if crop.Image == nil {
		return crop.Detection.Appearance, nil
	}
	b := crop.Image.Bounds()
	if b.Empty() || h.Dim() == 0 {
		return nil, nil
	}
	stepX := max(1, b.Dx()/maxSamplesPerAxis)
	stepY := max(1, b.Dy()/maxSamplesPerAxis)

	hist := make([]float64, h.Dim())
	var n float64
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := crop.Image.At(x, y).RGBA()
			hue, val := hueValue(float64(r)/0xffff, float64(g)/0xffff, float64(bl)/0xffff)
			hb := min(int(hue*float64(h.HueBins)), h.HueBins-1)
			vb := min(int(val*float64(h.ValueBins)), h.ValueBins-1)
			hist[hb*h.ValueBins+vb]++
			n++
		}
	}
	out := make([]float32, len(hist))
	for i, c := range hist {
		out[i] = float32(c / n)
	}
	return out, nil
}

// hueValue returns hue in [0,1) and value in [0,1]. Greys get hue 0.
func hueValue(r, g, b float64) (float64, float64) {
	mx := math.Max(r, math.Max(g, b))
	mn := math.Min(r, math.Min(g, b))
	d := mx - mn
	if d == 0 {
		return 0, mx
	}
	var h float64
	switch mx {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h /= 6
	if h < 0 {
		h++
	}
	if h >= 1 {
		h = 0
	}
	return h, mx
}

// CropStore keeps small copies of detection crops so that frames can be
// released after detection. It is safe for concurrent use.
type CropStore struct {
	mu    sync.RWMutex
	crops map[cropKey]image.Image
}

type cropKey struct {
	view  reid.View
	frame int
	box   reid.BBox
}

// NewCropStore returns an empty store.
func NewCropStore() *CropStore {
	return &CropStore{crops: make(map[cropKey]image.Image)}
}

// Add copies the region of frame covered by each detection's box.
func (s *CropStore) Add(frame image.Image, dets []reid.Detection) {
	if frame == nil {
		return
	}
	fb := frame.Bounds()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dets {
		r := image.Rect(
			fb.Min.X+int(d.BBox.X*float64(fb.Dx())),
			fb.Min.Y+int(d.BBox.Y*float64(fb.Dy())),
			fb.Min.X+int(math.Ceil((d.BBox.X+d.BBox.W)*float64(fb.Dx()))),
			fb.Min.Y+int(math.Ceil((d.BBox.Y+d.BBox.H)*float64(fb.Dy()))),
		).Intersect(fb)
		if r.Empty() {
			continue
		}
		dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
		draw.Draw(dst, dst.Bounds(), frame, r.Min, draw.Src)
		s.crops[cropKey{view: d.View, frame: d.FrameIndex, box: d.BBox}] = dst
	}
}

// Crop returns the stored crop for d, or nil.
func (s *CropStore) Crop(d reid.Detection) image.Image {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crops[cropKey{view: d.View, frame: d.FrameIndex, box: d.BBox}]
}

// Len returns the number of stored crops.
func (s *CropStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.crops)
}
