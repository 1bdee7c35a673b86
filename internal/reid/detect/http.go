package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"

	"github.com/banshee-data/crossview/internal/httputil"
	"github.com/banshee-data/crossview/internal/reid"
)

// maxDetectorResponse bounds the body read from a remote detector.
const maxDetectorResponse = 4 << 20

// HTTPDetector posts each frame as a PNG to a remote detection service and
// decodes a JSON array of {"bbox":[x,y,w,h],"label":...,"score":...}.
type HTTPDetector struct {
	URL string

	// HealthURL, when set, is fetched by Load and must answer 200.
	HealthURL string

	// PixelBoxes marks responses as pixel coordinates; they are divided by
	// the frame size before clipping.
	PixelBoxes bool

	Client httputil.HTTPClient
}

// NewHTTPDetector returns a detector for url using the default HTTP client.
func NewHTTPDetector(url string) *HTTPDetector {
	return &HTTPDetector{URL: url, Client: httputil.NewStandardClient(nil)}
}

type remoteDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Label      string     `json:"label"`
	Score      float64    `json:"score"`
	Position   string     `json:"position"`
	Appearance []float32  `json:"appearance"`
}

// Load checks the service health endpoint.
func (d *HTTPDetector) Load(ctx context.Context) error {
	if d.HealthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.HealthURL, nil)
	if err != nil {
		return reid.Wrap(reid.ErrDetection, "LoadingModels", "health check", d.HealthURL, err)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return reid.Wrap(reid.ErrDetection, "LoadingModels", "health check", d.HealthURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return reid.Wrap(reid.ErrDetection, "LoadingModels", "health check",
			fmt.Sprintf("%s answered %d", d.HealthURL, resp.StatusCode), nil)
	}
	return nil
}

// Detect implements Detector.
func (d *HTTPDetector) Detect(ctx context.Context, view reid.View, frame Frame) ([]reid.Detection, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Index)
	}
	var body bytes.Buffer
	if err := png.Encode(&body, frame.Image); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", frame.Index, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("X-Crossview-View", view.String())
	req.Header.Set("X-Crossview-Frame", fmt.Sprint(frame.Index))

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDetectorResponse))
	if err != nil {
		return nil, fmt.Errorf("read detector response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector answered %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var remote []remoteDetection
	if err := json.Unmarshal(raw, &remote); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	sx, sy := 1.0, 1.0
	if d.PixelBoxes {
		b := frame.Image.Bounds()
		if b.Dx() == 0 || b.Dy() == 0 {
			return nil, fmt.Errorf("frame %d has empty bounds", frame.Index)
		}
		sx, sy = 1/float64(b.Dx()), 1/float64(b.Dy())
	}
	out := make([]reid.Detection, 0, len(remote))
	for _, r := range remote {
		out = append(out, reid.Detection{
			FrameIndex: frame.Index,
			BBox:       reid.BBox{X: r.BBox[0] * sx, Y: r.BBox[1] * sy, W: r.BBox[2] * sx, H: r.BBox[3] * sy},
			ClassLabel: r.Label,
			Score:      r.Score,
			View:       view,
			Position:   r.Position,
			Appearance: r.Appearance,
		})
	}
	return out, nil
}

func (d *HTTPDetector) client() httputil.HTTPClient {
	if d.Client == nil {
		return httputil.NewStandardClient(nil)
	}
	return d.Client
}
