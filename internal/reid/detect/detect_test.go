package detect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/timeutil"
)

const sampleLog = `{"frame":0,"detections":[{"bbox":[0.1,0.1,0.1,0.2],"label":"person","score":0.9,"position":"Forward"},{"bbox":[0.5,0.5,0.1,0.2],"label":"ball","score":0.8}]}
{"frame":1,"detections":[{"bbox":[0.11,0.1,0.1,0.2],"label":"person","score":0.9}]}

{"frame":2,"detections":[{"bbox":[0.95,0.9,0.2,0.2],"label":"person","score":0.7},{"bbox":[1.2,1.2,0.1,0.1],"label":"person","score":0.7}]}
`

// flakyDetector fails the listed frames a fixed number of times before
// delegating.
type flakyDetector struct {
	inner    Detector
	failures map[int]int
	calls    int
}

func (f *flakyDetector) Detect(ctx context.Context, view reid.View, frame Frame) ([]reid.Detection, error) {
	f.calls++
	if f.failures[frame.Index] > 0 {
		f.failures[frame.Index]--
		return nil, errors.New("model timeout")
	}
	return f.inner.Detect(ctx, view, frame)
}

func mustReplay(t *testing.T, view reid.View) *Replay {
	t.Helper()
	r, err := ReadReplay(strings.NewReader(sampleLog), view)
	require.NoError(t, err)
	return r
}

func TestCollectReplay(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Tactical)

	var progress [][2]int
	dets, stats, err := Collect(context.Background(), r, r, Policy{
		MaxFailedRatio: 1,
		Progress:       func(done, total int) { progress = append(progress, [2]int{done, total}) },
	})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Frames)
	assert.Equal(t, 4, stats.Detections)
	assert.Equal(t, 1, stats.Dropped, "fully out-of-frame box is dropped")
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progress)

	for _, d := range dets {
		assert.Equal(t, reid.Tactical, d.View)
		assert.LessOrEqual(t, d.BBox.X+d.BBox.W, 1.0+1e-12)
		assert.LessOrEqual(t, d.BBox.Y+d.BBox.H, 1.0+1e-12)
	}
	assert.Equal(t, "Forward", dets[0].Position)
	assert.InDelta(t, 0.05, dets[3].BBox.W, 1e-9, "partially outside box is clipped")
}

func TestCollectClassFilter(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	dets, stats, err := Collect(context.Background(), r, r, Policy{ClassLabels: []string{"person"}, MaxFailedRatio: 1})
	require.NoError(t, err)
	assert.Len(t, dets, 3)
	assert.Equal(t, 2, stats.Dropped)
}

func TestCollectRetryThenSucceed(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	det := &flakyDetector{inner: r, failures: map[int]int{1: 2}}

	_, stats, err := Collect(context.Background(), r, det, Policy{Retries: 2})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 5, det.calls)
}

func TestCollectRetryBackoff(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	det := &flakyDetector{inner: r, failures: map[int]int{1: 3}}
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	_, stats, err := Collect(context.Background(), r, det, Policy{
		Retries: 3,
		Backoff: 10 * time.Millisecond,
		Clock:   clock,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Retries)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, clock.Sleeps())
}

func TestCollectRetryBackoffCapped(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	det := &flakyDetector{inner: r, failures: map[int]int{0: 3}}
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	_, _, err := Collect(context.Background(), r, det, Policy{Retries: 3, Backoff: 600 * time.Millisecond, Clock: clock})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{600 * time.Millisecond, time.Second, time.Second}, clock.Sleeps())
}

// cancellingDetector cancels the run on its first call and always fails.
type cancellingDetector struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDetector) Detect(context.Context, reid.View, Frame) ([]reid.Detection, error) {
	d.calls++
	d.cancel()
	return nil, errors.New("model timeout")
}

func TestCollectCancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det := &cancellingDetector{cancel: cancel}

	_, stats, err := Collect(ctx, r, det, Policy{Retries: 5, Backoff: time.Hour, OnFailure: Abort})
	require.Error(t, err)
	assert.True(t, errors.Is(err, reid.ErrCancelled), "got %v", err)
	assert.Equal(t, 1, det.calls, "no retry after cancellation")
	assert.Equal(t, 1, stats.Frames)
	assert.Zero(t, stats.Retries)
}

func TestCollectSkipPolicy(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	det := &flakyDetector{inner: r, failures: map[int]int{1: 10}}

	dets, stats, err := Collect(context.Background(), r, det, Policy{Retries: 1, OnFailure: Skip, MaxFailedRatio: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	for _, d := range dets {
		assert.NotEqual(t, 1, d.FrameIndex)
	}
}

func TestCollectSkipRatioExceeded(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	det := &flakyDetector{inner: r, failures: map[int]int{0: 10, 1: 10}}

	dets, stats, err := Collect(context.Background(), r, det, Policy{OnFailure: Skip, MaxFailedRatio: 0.5})
	require.Error(t, err)
	assert.True(t, errors.Is(err, reid.ErrDetection))
	assert.Nil(t, dets)
	assert.Equal(t, 2, stats.Skipped)
}

func TestCollectAbortPolicy(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	det := &flakyDetector{inner: r, failures: map[int]int{1: 10}}

	_, stats, err := Collect(context.Background(), r, det, Policy{Retries: 1, OnFailure: Abort, MaxFailedRatio: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, reid.ErrDetection))
	assert.Equal(t, 2, stats.Frames)
}

// inFlightCancellingDetector cancels the run while a frame is in flight.
type inFlightCancellingDetector struct {
	inner  Detector
	cancel context.CancelFunc
	at     int
	seen   []int
}

func (c *inFlightCancellingDetector) Detect(ctx context.Context, view reid.View, frame Frame) ([]reid.Detection, error) {
	c.seen = append(c.seen, frame.Index)
	if frame.Index == c.at {
		c.cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.inner.Detect(ctx, view, frame)
}

func TestCollectCancelFinishesFrame(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	det := &inFlightCancellingDetector{inner: r, cancel: cancel, at: 1}

	dets, stats, err := Collect(ctx, r, det, Policy{MaxFailedRatio: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, reid.ErrCancelled))
	assert.Nil(t, dets)
	assert.Equal(t, []int{0, 1}, det.seen, "in-flight frame completes, next frame never starts")
	assert.Equal(t, 0, stats.Skipped)
}

func TestParseFailureAction(t *testing.T) {
	a, err := ParseFailureAction("abort")
	require.NoError(t, err)
	assert.Equal(t, Abort, a)
	a, err = ParseFailureAction("")
	require.NoError(t, err)
	assert.Equal(t, Skip, a)
	_, err = ParseFailureAction("retry-forever")
	assert.Error(t, err)
}

func TestCollectOnFrame(t *testing.T) {
	t.Parallel()
	r := mustReplay(t, reid.Broadcast)
	perFrame := map[int]int{}
	_, _, err := Collect(context.Background(), r, r, Policy{
		MaxFailedRatio: 1,
		ClassLabels:    []string{"person"},
		OnFrame:        func(f Frame, dets []reid.Detection) { perFrame[f.Index] = len(dets) },
	})
	require.NoError(t, err)
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, perFrame)
}
