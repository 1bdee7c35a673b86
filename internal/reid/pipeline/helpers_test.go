package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/banshee-data/crossview/internal/config"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/features"
	"github.com/banshee-data/crossview/internal/testutil"
)

// testConfig returns a config with a small embedding, one worker and a
// progress buffer deep enough that no event is dropped.
func testConfig(t *testing.T, extra string) *config.TuningConfig {
	t.Helper()
	return testutil.TuningConfig(t, `{"embedding_dim":4,"extraction_workers":1,"progress_buffer":512}`, extra)
}

func onehot(i int) []float32 { return testutil.OneHot(4, i) }

// writeFeed records frames of detections for players and returns the path.
func writeFeed(t *testing.T, dir, name string, view reid.View, frames int, players []testutil.Player) string {
	t.Helper()
	return testutil.WriteFeed(t, filepath.Join(dir, name), view, frames, players)
}

// threePlayerFeeds writes a broadcast and a tactical feed that show the
// same three players with distinct appearances.
func threePlayerFeeds(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	b := writeFeed(t, dir, "broadcast.jsonl", reid.Broadcast, 4, []testutil.Player{
		{X: 0.1, Appearance: onehot(0), Position: "Goalkeeper"},
		{X: 0.4, Appearance: onehot(1), Position: "Defender"},
		{X: 0.7, Appearance: onehot(2), Position: "Forward"},
	})
	tc := writeFeed(t, dir, "tactical.jsonl", reid.Tactical, 4, []testutil.Player{
		{X: 0.15, Appearance: onehot(0)},
		{X: 0.45, Appearance: onehot(1)},
		{X: 0.75, Appearance: onehot(2)},
	})
	return b, tc
}

// recorder collects events delivered to an observer.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// cancellingBackbone cancels the run the first time it is asked for a
// descriptor, then keeps answering from the recorded appearance.
type cancellingBackbone struct {
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.Mutex
	calls  int
}

func (b *cancellingBackbone) Embed(ctx context.Context, crop features.Crop) ([]float32, error) {
	b.once.Do(b.cancel)
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return features.RecordedBackbone{}.Embed(ctx, crop)
}

// memSink captures what a run writes.
type memSink struct {
	mu       sync.Mutex
	writes   int
	result   reid.MatchResult
	tactical []reid.Track
}

func (s *memSink) Write(_, tactical []reid.Track, result reid.MatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.result = result
	s.tactical = tactical
	return nil
}
