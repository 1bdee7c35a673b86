// Package annotate exports per-detection identity annotations for a
// completed run, one JSON object per line. A renderer can draw them over
// either video feed; matched tracks share a player id across views.
package annotate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/banshee-data/crossview/internal/reid"
)

// Record is one annotated detection.
type Record struct {
	View       reid.View `json:"view"`
	Frame      int       `json:"frame"`
	BBox       reid.BBox `json:"bbox"`
	TrackID    string    `json:"trackId"`
	PlayerID   string    `json:"playerId"`
	Position   string    `json:"position,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Records builds annotations for every detection of every track, ordered
// by frame, then view, then track id. A matched pair is labelled with the
// broadcast id in both views; unmatched tracks keep their own id.
func Records(broadcast, tactical []reid.Track, result reid.MatchResult) []Record {
	byTrack := make(map[string]reid.Match, 2*len(result.Matches))
	for _, m := range result.Matches {
		byTrack[m.BroadcastID] = m
		byTrack[m.TacticalID] = m
	}

	var out []Record
	for _, set := range [][]reid.Track{broadcast, tactical} {
		for _, t := range set {
			player, pos, conf := t.ID, t.PositionLabel, 0.0
			if m, ok := byTrack[t.ID]; ok {
				player, conf = m.BroadcastID, m.Confidence
				if m.Position != "" {
					pos = m.Position
				}
			}
			for _, d := range t.Detections {
				out = append(out, Record{
					View:       t.View,
					Frame:      d.FrameIndex,
					BBox:       d.BBox,
					TrackID:    t.ID,
					PlayerID:   player,
					Position:   pos,
					Confidence: conf,
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Frame != b.Frame {
			return a.Frame < b.Frame
		}
		if a.View != b.View {
			return a.View < b.View
		}
		return reid.CompareTrackIDs(a.TrackID, b.TrackID) < 0
	})
	return out
}

// Writer streams annotations as JSON lines.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// Write emits the annotations for one run.
func (w *Writer) Write(broadcast, tactical []reid.Track, result reid.MatchResult) error {
	bw := bufio.NewWriter(w.w)
	enc := json.NewEncoder(bw)
	for _, r := range Records(broadcast, tactical, result) {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode annotation: %w", err)
		}
	}
	return bw.Flush()
}

// FileSink writes annotations to Path, replacing any existing file only
// once the new content is complete.
type FileSink struct {
	Path string
}

// Write implements the pipeline output sink contract.
func (s FileSink) Write(broadcast, tactical []reid.Track, result reid.MatchResult) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create annotation dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".annotations-*.jsonl")
	if err != nil {
		return fmt.Errorf("create annotation file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := NewWriter(tmp).Write(broadcast, tactical, result); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close annotation file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("publish annotation file: %w", err)
	}
	return nil
}
