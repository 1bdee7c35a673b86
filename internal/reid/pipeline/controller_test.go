package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/testutil"
	"github.com/banshee-data/crossview/internal/timeutil"
)

var epoch = time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)

func runController(ctx context.Context, t *testing.T, ctl *Controller) (reid.MatchResult, []Event, error) {
	t.Helper()
	var rec recorder
	sub := ctl.Subscribe(rec.observe)
	res, err := ctl.Run(ctx)
	waitDone(t, sub)
	return res, rec.snapshot(), err
}

func assertMonotonic(t *testing.T, events []Event) {
	t.Helper()
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		assert.GreaterOrEqual(t, cur.StageIndex, prev.StageIndex, "stage index regressed at event %d", i)
		assert.GreaterOrEqual(t, cur.FractionComplete, prev.FractionComplete, "fraction regressed at event %d", i)
	}
	for i, ev := range events {
		assert.Equal(t, ev.Terminal(), i == len(events)-1, "only the last event is terminal")
	}
}

// entered lists the distinct states in the order they first appear.
func entered(events []Event) []Stage {
	var out []Stage
	for _, ev := range events {
		if len(out) == 0 || out[len(out)-1] != ev.State {
			out = append(out, ev.State)
		}
	}
	return out
}

func TestControllerCompletesRun(t *testing.T) {
	t.Parallel()
	b, tc := threePlayerFeeds(t)
	sink := &memSink{}
	ctl := NewController(PathOpener(b, tc, ""), testConfig(t, ""),
		WithClock(timeutil.NewSteppingClock(epoch, 100*time.Millisecond)),
		WithSink(sink))
	assert.Equal(t, Pending, ctl.State().Stage)

	res, events, err := runController(context.Background(), t, ctl)
	require.NoError(t, err)

	want := []reid.Match{
		{BroadcastID: "P1", TacticalID: "T1", Position: "Goalkeeper"},
		{BroadcastID: "P2", TacticalID: "T2", Position: "Defender"},
		{BroadcastID: "P3", TacticalID: "T3", Position: "Forward"},
	}
	if diff := cmp.Diff(want, res.Matches, cmpopts.IgnoreFields(reid.Match{}, "Confidence")); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
	for _, m := range res.Matches {
		assert.Greater(t, m.Confidence, 0.8)
	}
	assert.Equal(t, 6, res.TotalPlayers)
	assert.Equal(t, 3, res.MatchedPairs)
	assert.Empty(t, res.UnmatchedA)
	assert.Empty(t, res.UnmatchedB)
	assert.Equal(t, 100*time.Millisecond, res.ProcessingTime)
	assert.Equal(t, "0.1s", res.ProcessingTimeLabel())

	assert.Equal(t, []Stage{LoadingModels, DetectingPlayers, ExtractingFeatures, MatchingPlayers, GeneratingOutput, Completed}, entered(events))
	assertMonotonic(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 5, last.StageIndex)
	assert.Equal(t, 1.0, last.FractionComplete)
	assert.Equal(t, "Analysis complete", last.Description)

	st := ctl.State()
	assert.Equal(t, Completed, st.Stage)
	assert.NoError(t, st.Err)
	got, ok := ctl.Result()
	require.True(t, ok)
	assert.Equal(t, res, got)

	assert.Equal(t, 1, sink.writes)
	assert.Equal(t, res, sink.result)
	require.Len(t, sink.tactical, 3)
	assert.Len(t, sink.tactical[0].Embedding, 4+4)
}

func TestControllerDeterministic(t *testing.T) {
	t.Parallel()
	b, tc := threePlayerFeeds(t)
	run := func() []byte {
		ctl := NewController(PathOpener(b, tc, ""), testConfig(t, `{"extraction_workers":4}`),
			WithClock(timeutil.NewMockClock(epoch)))
		res, err := ctl.Run(context.Background())
		require.NoError(t, err)
		data, err := json.Marshal(res)
		require.NoError(t, err)
		return data
	}
	first := run()
	for i := 0; i < 3; i++ {
		assert.Equal(t, string(first), string(run()))
	}
}

func TestControllerCancelDuringExtraction(t *testing.T) {
	t.Parallel()
	b, tc := threePlayerFeeds(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bb := &cancellingBackbone{cancel: cancel}
	sink := &memSink{}
	ctl := NewController(PathOpener(b, tc, ""), testConfig(t, ""), WithBackbone(bb), WithSink(sink))

	res, events, err := runController(ctx, t, ctl)
	require.Error(t, err)
	assert.True(t, errors.Is(err, reid.ErrCancelled))
	var se *reid.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ExtractingFeatures", se.Stage)
	assert.Zero(t, res.TotalPlayers)

	st := ctl.State()
	assert.Equal(t, Cancelled, st.Stage)
	assert.Equal(t, 2, st.StageIndex)
	_, ok := ctl.Result()
	assert.False(t, ok)

	for _, ev := range events {
		assert.NotEqual(t, MatchingPlayers, ev.State)
		assert.NotEqual(t, GeneratingOutput, ev.State)
	}
	assertMonotonic(t, events)
	last := events[len(events)-1]
	assert.Equal(t, Cancelled, last.State)
	assert.Equal(t, 2, last.StageIndex)
	assert.Equal(t, "Cancelled", last.StageName)

	// The in-flight track finishes every detection before the run stops.
	assert.Equal(t, 4, bb.calls)
	assert.Zero(t, sink.writes)
}

func TestControllerCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	b, tc := threePlayerFeeds(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ctl := NewController(PathOpener(b, tc, ""), testConfig(t, ""))

	_, events, err := runController(ctx, t, ctl)
	assert.ErrorIs(t, err, reid.ErrCancelled)
	require.Len(t, events, 1)
	assert.Equal(t, Cancelled, events[0].State)
	assert.Equal(t, 0, events[0].StageIndex)
}

func TestControllerFailures(t *testing.T) {
	t.Parallel()
	b, tc := threePlayerFeeds(t)
	missing := filepath.Join(t.TempDir(), "missing.jsonl")

	tests := []struct {
		name      string
		broadcast string
		tactical  string
		extra     string
		marker    error
		stage     Stage
	}{
		{"missing tactical source", b, missing, "", reid.ErrInput, LoadingModels},
		{"invalid config", b, tc, `{"match_threshold":2}`, reid.ErrConfiguration, LoadingModels},
		{"image directory without detector", b, t.TempDir(), "", reid.ErrInput, LoadingModels},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := NewController(PathOpener(tt.broadcast, tt.tactical, ""), testConfig(t, tt.extra))
			_, events, err := runController(context.Background(), t, ctl)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.marker)
			assert.NotErrorIs(t, err, reid.ErrCancelled)

			st := ctl.State()
			assert.Equal(t, Failed, st.Stage)
			assert.Equal(t, int(tt.stage), st.StageIndex)
			assert.NotEmpty(t, st.Error)

			last := events[len(events)-1]
			assert.Equal(t, Failed, last.State)
			assert.Equal(t, st.Error, last.Error)
		})
	}
}

func TestControllerOneSidedRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b := writeFeed(t, dir, "broadcast.jsonl", reid.Broadcast, 3, []testutil.Player{
		{X: 0.1, Appearance: onehot(0)},
		{X: 0.5, Appearance: onehot(1)},
	})
	tc := writeFeed(t, dir, "tactical.jsonl", reid.Tactical, 0, nil)

	ctl := NewController(PathOpener(b, tc, ""), testConfig(t, ""), WithClock(timeutil.NewMockClock(epoch)))
	res, events, err := runController(context.Background(), t, ctl)
	require.NoError(t, err)
	assert.Equal(t, reid.ResultOneSided, res.Kind())
	assert.Equal(t, 2, res.TotalPlayers)
	assert.Zero(t, res.MatchedPairs)
	assert.Equal(t, []string{"P1", "P2"}, res.UnmatchedA)
	assert.Empty(t, res.UnmatchedB)
	assert.Equal(t, Completed, events[len(events)-1].State)
}

func TestControllerRunsOnce(t *testing.T) {
	t.Parallel()
	b, tc := threePlayerFeeds(t)
	ctl := NewController(PathOpener(b, tc, ""), testConfig(t, ""))
	_, err := ctl.Run(context.Background())
	require.NoError(t, err)

	_, err = ctl.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, Completed, ctl.State().Stage)
}

func TestControllerLateSubscriberSeesTerminal(t *testing.T) {
	t.Parallel()
	b, tc := threePlayerFeeds(t)
	ctl := NewController(PathOpener(b, tc, ""), testConfig(t, ""))
	_, err := ctl.Run(context.Background())
	require.NoError(t, err)

	var rec recorder
	sub := ctl.Subscribe(rec.observe)
	waitDone(t, sub)
	got := rec.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, Completed, got[0].State)
}

func TestControllerSlowObserverDefaultBuffer(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var bp, tp []testutil.Player
	for i := range 8 {
		x := 0.02 + 0.11*float64(i)
		bp = append(bp, testutil.Player{X: x, Appearance: testutil.OneHot(8, i)})
		tp = append(tp, testutil.Player{X: x + 0.01, Appearance: testutil.OneHot(8, i)})
	}
	b := writeFeed(t, dir, "broadcast.jsonl", reid.Broadcast, 200, bp)
	tc := writeFeed(t, dir, "tactical.jsonl", reid.Tactical, 200, tp)

	cfg := testutil.TuningConfig(t, `{"embedding_dim":8,"extraction_workers":1}`)
	require.Equal(t, 32, cfg.GetProgressBuffer())
	ctl := NewController(PathOpener(b, tc, ""), cfg)

	var rec recorder
	sub := ctl.Subscribe(func(ev Event) {
		rec.observe(ev)
		time.Sleep(time.Millisecond)
	})
	res, err := ctl.Run(context.Background())
	require.NoError(t, err)
	waitDone(t, sub)

	events := rec.snapshot()
	assert.Equal(t, 8, res.MatchedPairs)
	assert.Equal(t, []Stage{LoadingModels, DetectingPlayers, ExtractingFeatures, MatchingPlayers, GeneratingOutput, Completed}, entered(events))
	assertNoStageGaps(t, events)
	assertMonotonic(t, events)
}
