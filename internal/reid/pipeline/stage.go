package pipeline

import "fmt"

// Stage is a pipeline state. The five working stages have indices 0..4 and
// Completed has index 5.
type Stage int

// Pending is the state of a controller that has not started.
const Pending Stage = -1

const (
	LoadingModels Stage = iota
	DetectingPlayers
	ExtractingFeatures
	MatchingPlayers
	GeneratingOutput
	Completed
	Failed
	Cancelled
)

// WorkingStages is the number of stages that do work.
const WorkingStages = 5

var stageNames = [...]string{
	LoadingModels:      "LoadingModels",
	DetectingPlayers:   "DetectingPlayers",
	ExtractingFeatures: "ExtractingFeatures",
	MatchingPlayers:    "MatchingPlayers",
	GeneratingOutput:   "GeneratingOutput",
	Completed:          "Completed",
	Failed:             "Failed",
	Cancelled:          "Cancelled",
}

var stageDescriptions = [...]string{
	LoadingModels:      "Loading YOLOv11 detection model",
	DetectingPlayers:   "Identifying players in both video feeds",
	ExtractingFeatures: "Computing appearance and spatial features",
	MatchingPlayers:    "Cross-view similarity matching",
	GeneratingOutput:   "Creating annotated result video",
	Completed:          "Analysis complete",
	Failed:             "Analysis failed",
	Cancelled:          "Analysis cancelled",
}

func (s Stage) valid() bool { return s >= LoadingModels && s <= Cancelled }

func (s Stage) String() string {
	if s == Pending {
		return "Pending"
	}
	if !s.valid() {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Description is the human-readable label shown while the stage runs.
func (s Stage) Description() string {
	if !s.valid() {
		return ""
	}
	return stageDescriptions[s]
}

// Terminal reports whether no further transition can follow s.
func (s Stage) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Working reports whether s is one of the five working stages.
func (s Stage) Working() bool {
	return s >= LoadingModels && s < Completed
}

// ParseStage is the inverse of String.
func ParseStage(name string) (Stage, error) {
	if name == "Pending" {
		return Pending, nil
	}
	for i, n := range stageNames {
		if n == name {
			return Stage(i), nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// entryFraction is the progress fraction at the start of a working stage.
func entryFraction(s Stage) float64 {
	return float64(s) / WorkingStages
}

func (s Stage) MarshalText() ([]byte, error) {
	if !s.valid() && s != Pending {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
