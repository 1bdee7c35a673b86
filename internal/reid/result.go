package reid

import (
	"encoding/json"
	"fmt"
	"time"
)

// Confidence tiers shown next to each correspondence.
const (
	TierHigh   = "high"
	TierMedium = "medium"
)

// Match is one accepted broadcast↔tactical correspondence.
type Match struct {
	BroadcastID string  `json:"broadcastId"`
	TacticalID  string  `json:"tacticalId"`
	Confidence  float64 `json:"confidence"`
	Position    string  `json:"position"`
}

// Tier returns TierHigh when the confidence reaches high, TierMedium
// otherwise.
func (m Match) Tier(high float64) string {
	if m.Confidence >= high {
		return TierHigh
	}
	return TierMedium
}

// ResultKind distinguishes the shapes a MatchResult can take.
type ResultKind string

const (
	ResultMatched   ResultKind = "matched"    // at least one accepted pair
	ResultNoMatches ResultKind = "no_matches" // both sides had tracks, none passed the threshold
	ResultOneSided  ResultKind = "one_sided"  // at least one side had no tracks
)

// MatchResult is the only artifact exposed to callers of a completed run.
// Construct it with NewMatchResult and treat it as read-only afterwards.
type MatchResult struct {
	TotalPlayers    int
	MatchedPairs    int
	ConfidenceScore float64
	ProcessingTime  time.Duration
	Matches         []Match
	UnmatchedA      []string
	UnmatchedB      []string
}

// NewMatchResult derives the summary fields from matches. totalPlayers is
// |A|+|B|. Input slices are copied.
func NewMatchResult(totalPlayers int, matches []Match, unmatchedA, unmatchedB []string) MatchResult {
	r := MatchResult{
		TotalPlayers: totalPlayers,
		MatchedPairs: len(matches),
		Matches:      append([]Match{}, matches...),
		UnmatchedA:   append([]string{}, unmatchedA...),
		UnmatchedB:   append([]string{}, unmatchedB...),
	}
	if len(matches) > 0 {
		var sum float64
		for _, m := range matches {
			sum += m.Confidence
		}
		r.ConfidenceScore = sum / float64(len(matches))
	}
	return r
}

// WithProcessingTime returns a copy of r stamped with d.
func (r MatchResult) WithProcessingTime(d time.Duration) MatchResult {
	r.ProcessingTime = d
	return r
}

// Kind classifies the result.
func (r MatchResult) Kind() ResultKind {
	sizeA := r.MatchedPairs + len(r.UnmatchedA)
	sizeB := r.MatchedPairs + len(r.UnmatchedB)
	switch {
	case sizeA == 0 || sizeB == 0:
		return ResultOneSided
	case r.MatchedPairs == 0:
		return ResultNoMatches
	default:
		return ResultMatched
	}
}

// SuccessRate is matchedPairs / totalPlayers, or 0 with no players.
func (r MatchResult) SuccessRate() float64 {
	if r.TotalPlayers == 0 {
		return 0
	}
	return float64(r.MatchedPairs) / float64(r.TotalPlayers)
}

// ProcessingTimeLabel formats the processing time as seconds with one
// decimal place, e.g. "2.3s".
func (r MatchResult) ProcessingTimeLabel() string {
	return fmt.Sprintf("%.1fs", r.ProcessingTime.Seconds())
}

// matchResultJSON is the public serialised schema.
type matchResultJSON struct {
	TotalPlayers     int      `json:"totalPlayers"`
	MatchedPairs     int      `json:"matchedPairs"`
	ConfidenceScore  float64  `json:"confidenceScore"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Matches          []Match  `json:"matches"`
	UnmatchedA       []string `json:"unmatchedA"`
	UnmatchedB       []string `json:"unmatchedB"`
}

func (r MatchResult) MarshalJSON() ([]byte, error) {
	w := matchResultJSON{
		TotalPlayers:     r.TotalPlayers,
		MatchedPairs:     r.MatchedPairs,
		ConfidenceScore:  r.ConfidenceScore,
		ProcessingTimeMs: r.ProcessingTime.Milliseconds(),
		Matches:          r.Matches,
		UnmatchedA:       r.UnmatchedA,
		UnmatchedB:       r.UnmatchedB,
	}
	if w.Matches == nil {
		w.Matches = []Match{}
	}
	if w.UnmatchedA == nil {
		w.UnmatchedA = []string{}
	}
	if w.UnmatchedB == nil {
		w.UnmatchedB = []string{}
	}
	return json.Marshal(w)
}

func (r *MatchResult) UnmarshalJSON(data []byte) error {
	var w matchResultJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = MatchResult{
		TotalPlayers:    w.TotalPlayers,
		MatchedPairs:    w.MatchedPairs,
		ConfidenceScore: w.ConfidenceScore,
		ProcessingTime:  time.Duration(w.ProcessingTimeMs) * time.Millisecond,
		Matches:         w.Matches,
		UnmatchedA:      w.UnmatchedA,
		UnmatchedB:      w.UnmatchedB,
	}
	return nil
}
