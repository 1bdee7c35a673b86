// Package testutil holds fixtures shared by the run, API and CLI tests:
// recorded detection feeds and small tuning configs.
package testutil

import (
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossview/internal/config"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/detect"
)

// Player is a stationary player seen in every frame of a feed.
type Player struct {
	X          float64
	Appearance []float32
	Position   string
}

// OneHot returns a dim-length descriptor with a single 1 at i.
func OneHot(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

// FeedDetections expands players into per-frame detections. Boxes are
// 0.1 wide and 0.2 tall with their top edge at y=0.4.
func FeedDetections(view reid.View, frames int, players []Player) []reid.Detection {
	var dets []reid.Detection
	for f := 0; f < frames; f++ {
		for _, p := range players {
			dets = append(dets, reid.Detection{
				FrameIndex: f,
				BBox:       reid.BBox{X: p.X, Y: 0.4, W: 0.1, H: 0.2},
				ClassLabel: "person",
				Score:      0.9,
				View:       view,
				Position:   p.Position,
				Appearance: p.Appearance,
			})
		}
	}
	return dets
}

// WriteFeed records a replay log for players at path and returns path.
func WriteFeed(t testing.TB, path string, view reid.View, frames int, players []Player) string {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, detect.WriteReplay(f, FeedDetections(view, frames, players)))
	return path
}

// TuningConfig decodes each JSON document and merges them in order. Empty
// documents are skipped.
func TuningConfig(t testing.TB, docs ...string) *config.TuningConfig {
	t.Helper()
	cfg := config.EmptyTuningConfig()
	for _, doc := range docs {
		if doc == "" {
			continue
		}
		var o config.TuningConfig
		require.NoError(t, json.Unmarshal([]byte(doc), &o))
		cfg = cfg.Merge(&o)
	}
	return cfg
}

// AssertStatusCode checks that the recorded response has the expected
// status and reports the body when it does not.
func AssertStatusCode(t testing.TB, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Errorf("status code = %d, want %d (body: %s)", w.Code, want, w.Body.String())
	}
}
