package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/banshee-data/crossview/internal/reid"
)

type runOutput struct {
	RunID  string           `json:"runId"`
	Result reid.MatchResult `json:"result"`
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(out io.Writer, runID string, res reid.MatchResult, high float64) {
	fmt.Fprintf(out, "Run %s\n", runID)
	fmt.Fprintf(out, "Players: %d  Matched pairs: %d  Success: %.0f%%\n",
		res.TotalPlayers, res.MatchedPairs, res.SuccessRate()*100)
	fmt.Fprintf(out, "Mean confidence: %.2f  Processing time: %s\n", res.ConfidenceScore, res.ProcessingTimeLabel())

	switch res.Kind() {
	case reid.ResultOneSided:
		fmt.Fprintln(out, "One view produced no players; nothing to match.")
	case reid.ResultNoMatches:
		fmt.Fprintln(out, "No pair passed the match threshold.")
	}
	for _, m := range res.Matches {
		pos := m.Position
		if pos == "" {
			pos = "-"
		}
		fmt.Fprintf(out, "  %-6s <-> %-6s %.2f %-6s %s\n", m.BroadcastID, m.TacticalID, m.Confidence, m.Tier(high), pos)
	}
	if len(res.UnmatchedA) > 0 {
		fmt.Fprintf(out, "Unmatched broadcast: %s\n", strings.Join(res.UnmatchedA, ", "))
	}
	if len(res.UnmatchedB) > 0 {
		fmt.Fprintf(out, "Unmatched tactical: %s\n", strings.Join(res.UnmatchedB, ", "))
	}
}
