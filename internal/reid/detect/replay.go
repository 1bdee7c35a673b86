package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/banshee-data/crossview/internal/reid"
)

// replayRecord is one line of a detection log.
type replayRecord struct {
	Frame      int               `json:"frame"`
	Detections []replayDetection `json:"detections"`
}

type replayDetection struct {
	BBox       reid.BBox `json:"bbox"`
	Label      string    `json:"label"`
	Score      float64   `json:"score"`
	Position   string    `json:"position,omitempty"`
	Appearance []float32 `json:"appearance,omitempty"`
}

// Replay serves detections recorded by an earlier detector run. It is both
// the Source and the Detector for its view, so a recorded match can be
// re-processed without video decoding or a live model.
type Replay struct {
	view    reid.View
	name    string
	records []replayRecord
	byFrame map[int][]reid.Detection
	next    int
}

// OpenReplay reads a JSON-lines detection log. Each line is
// {"frame":N,"detections":[{"bbox":[x,y,w,h],"label":"person",...}]}.
// Blank lines are ignored.
func OpenReplay(path string, view reid.View) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, reid.Wrap(reid.ErrInput, stageName, "open replay", view.String(), err)
	}
	defer f.Close()

	r, err := ReadReplay(f, view)
	if err != nil {
		return nil, err
	}
	r.name = path
	diagf("opened replay %s (%s): %d frames", path, view, len(r.records))
	return r, nil
}

// ReadReplay parses a detection log from rd.
func ReadReplay(rd io.Reader, view reid.View) (*Replay, error) {
	r := &Replay{view: view, byFrame: make(map[int][]reid.Detection)}
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var rec replayRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, reid.Wrap(reid.ErrInput, stageName, "parse replay",
				fmt.Sprintf("%s line %d", view, line), err)
		}
		if rec.Frame < 0 {
			return nil, reid.Wrap(reid.ErrInput, stageName, "parse replay",
				fmt.Sprintf("%s line %d: negative frame index %d", view, line, rec.Frame), nil)
		}
		if _, dup := r.byFrame[rec.Frame]; dup {
			return nil, reid.Wrap(reid.ErrInput, stageName, "parse replay",
				fmt.Sprintf("%s line %d: duplicate frame %d", view, line, rec.Frame), nil)
		}
		dets := make([]reid.Detection, 0, len(rec.Detections))
		for _, d := range rec.Detections {
			dets = append(dets, reid.Detection{
				FrameIndex: rec.Frame,
				BBox:       d.BBox,
				ClassLabel: d.Label,
				Score:      d.Score,
				View:       view,
				Position:   d.Position,
				Appearance: d.Appearance,
			})
		}
		r.byFrame[rec.Frame] = dets
		r.records = append(r.records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, reid.Wrap(reid.ErrInput, stageName, "read replay", view.String(), err)
	}
	return r, nil
}

// View implements Source.
func (r *Replay) View() reid.View { return r.view }

// FrameCount implements FrameCounter.
func (r *Replay) FrameCount() int { return len(r.records) }

// Next implements Source. Frames are yielded in file order.
func (r *Replay) Next(context.Context) (Frame, error) {
	if r.next >= len(r.records) {
		return Frame{}, io.EOF
	}
	rec := r.records[r.next]
	r.next++
	return Frame{Index: rec.Frame}, nil
}

// Detect implements Detector by returning the recorded detections for the
// frame. The view must match the log's view.
func (r *Replay) Detect(_ context.Context, view reid.View, frame Frame) ([]reid.Detection, error) {
	if view != r.view {
		return nil, fmt.Errorf("replay %s holds %s detections, asked for %s", r.name, r.view, view)
	}
	dets := r.byFrame[frame.Index]
	out := make([]reid.Detection, len(dets))
	copy(out, dets)
	return out, nil
}

// Close implements Source.
func (r *Replay) Close() error { return nil }

// WriteReplay writes detections grouped by frame in the format OpenReplay
// reads. Frames appear in ascending order.
func WriteReplay(w io.Writer, dets []reid.Detection) error {
	frames := map[int][]replayDetection{}
	var order []int
	for _, d := range dets {
		if _, ok := frames[d.FrameIndex]; !ok {
			order = append(order, d.FrameIndex)
			frames[d.FrameIndex] = []replayDetection{}
		}
		frames[d.FrameIndex] = append(frames[d.FrameIndex], replayDetection{
			BBox: d.BBox, Label: d.ClassLabel, Score: d.Score,
			Position: d.Position, Appearance: d.Appearance,
		})
	}
	slices.Sort(order)
	enc := json.NewEncoder(w)
	for _, f := range order {
		if err := enc.Encode(replayRecord{Frame: f, Detections: frames[f]}); err != nil {
			return fmt.Errorf("write replay frame %d: %w", f, err)
		}
	}
	return nil
}
