package reid

import "time"

// Run statuses as persisted and reported by the control surface.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// RunRecord is the persisted summary of one pipeline run. Result is set
// only for completed runs.
type RunRecord struct {
	RunID           string       `json:"runId"`
	CreatedAt       time.Time    `json:"createdAt"`
	BroadcastSource string       `json:"broadcastSource"`
	TacticalSource  string       `json:"tacticalSource"`
	ParamsJSON      string       `json:"params,omitempty"`
	Status          string       `json:"status"`
	Stage           string       `json:"stage,omitempty"`
	Error           string       `json:"error,omitempty"`
	Result          *MatchResult `json:"result,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}
