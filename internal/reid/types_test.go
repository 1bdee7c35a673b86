package reid

import (
	"encoding/json"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBBoxIoU(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b BBox
		want float64
	}{
		{"identical", BBox{0.1, 0.1, 0.2, 0.2}, BBox{0.1, 0.1, 0.2, 0.2}, 1},
		{"disjoint", BBox{0, 0, 0.1, 0.1}, BBox{0.5, 0.5, 0.1, 0.1}, 0},
		{"touching edge", BBox{0, 0, 0.1, 0.1}, BBox{0.1, 0, 0.1, 0.1}, 0},
		{"half overlap", BBox{0, 0, 0.2, 0.1}, BBox{0.1, 0, 0.2, 0.1}, 1.0 / 3.0},
		{"contained", BBox{0, 0, 0.4, 0.4}, BBox{0.1, 0.1, 0.2, 0.2}, 0.25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.IoU(tt.b), 1e-9)
			assert.InDelta(t, tt.want, tt.b.IoU(tt.a), 1e-9)
		})
	}
}

func TestBBoxClip(t *testing.T) {
	t.Parallel()

	got, ok := BBox{X: -0.1, Y: 0.9, W: 0.3, H: 0.3}.Clip()
	require.True(t, ok)
	assert.InDelta(t, 0.0, got.X, 1e-12)
	assert.InDelta(t, 0.2, got.W, 1e-12)
	assert.InDelta(t, 0.9, got.Y, 1e-12)
	assert.InDelta(t, 0.1, got.H, 1e-12)

	_, ok = BBox{X: 1.2, Y: 0.5, W: 0.1, H: 0.1}.Clip()
	assert.False(t, ok, "box fully outside the frame has no area")

	_, ok = BBox{X: math.NaN(), Y: 0, W: 0.1, H: 0.1}.Clip()
	assert.False(t, ok)

	inside := BBox{X: 0.2, Y: 0.2, W: 0.1, H: 0.1}
	got, ok = inside.Clip()
	require.True(t, ok)
	assert.Equal(t, inside, got, "in-frame boxes are returned unchanged")
}

func TestBBoxJSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(BBox{X: 0.1, Y: 0.2, W: 0.3, H: 0.4})
	require.NoError(t, err)
	assert.JSONEq(t, `[0.1,0.2,0.3,0.4]`, string(data))

	var b BBox
	require.NoError(t, json.Unmarshal([]byte(`[0.5,0.5,0.1,0.2]`), &b))
	assert.Equal(t, BBox{X: 0.5, Y: 0.5, W: 0.1, H: 0.2}, b)

	assert.Error(t, json.Unmarshal([]byte(`{"x":1}`), &b))
}

func TestViewJSONRoundTrip(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Tactical)
	require.NoError(t, err)
	assert.Equal(t, `"tactical"`, string(data))

	var v View
	require.NoError(t, json.Unmarshal([]byte(`"Broadcast"`), &v))
	assert.Equal(t, Broadcast, v)
	assert.Error(t, json.Unmarshal([]byte(`"sideline"`), &v))
}

func TestTrackIDOrdering(t *testing.T) {
	t.Parallel()

	ids := []string{"P10", "P2", "P1", "T3", "P11"}
	sort.Slice(ids, func(i, j int) bool { return CompareTrackIDs(ids[i], ids[j]) < 0 })
	assert.Equal(t, []string{"P1", "P2", "P10", "P11", "T3"}, ids)

	assert.Equal(t, "T4", TrackID(Tactical, 4))
	assert.Equal(t, "P1", TrackID(Broadcast, 1))
}

func TestTrackFrameBounds(t *testing.T) {
	t.Parallel()

	var empty Track
	assert.Equal(t, -1, empty.FirstFrame())
	assert.Equal(t, -1, empty.LastFrame())

	tr := Track{Detections: []Detection{{FrameIndex: 3}, {FrameIndex: 7}}}
	assert.Equal(t, 3, tr.FirstFrame())
	assert.Equal(t, 7, tr.LastFrame())
	assert.Equal(t, 2, tr.Len())
}
