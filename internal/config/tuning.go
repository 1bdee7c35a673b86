package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// It mirrors DefaultTuningConfig and is the reference copy shipped with
// the binary.
const DefaultConfigPath = "config/tuning.defaults.json"

// Detection failure policies.
const (
	FailurePolicySkip  = "skip"
	FailurePolicyAbort = "abort"
)

// TuningConfig represents the root configuration for a matching run.
// Every field is optional; the Get* accessors supply defaults so that
// partial JSON files are safe.
type TuningConfig struct {
	// Matching
	SimilarityWeightAlpha   *float64 `json:"similarity_weight_alpha,omitempty"`
	MatchThreshold          *float64 `json:"match_threshold,omitempty"`
	AssignmentCutoff        *int     `json:"assignment_cutoff,omitempty"`
	HighConfidenceThreshold *float64 `json:"high_confidence_threshold,omitempty"`

	// Track aggregation
	IoUMergeThreshold  *float64 `json:"iou_merge_threshold,omitempty"`
	TemporalGapFrames  *int     `json:"temporal_gap_frames,omitempty"`
	MinTrackDetections *int     `json:"min_track_detections,omitempty"`
	ClassLabels        []string `json:"class_labels,omitempty"`

	// Detection
	DetectionRetries       *int     `json:"detection_retries,omitempty"`
	DetectionFailurePolicy *string  `json:"detection_failure_policy,omitempty"`
	MaxFailedFrameRatio    *float64 `json:"max_failed_frame_ratio,omitempty"`

	// Feature extraction
	ExtractionWorkers    *int     `json:"extraction_workers,omitempty"`
	EmbeddingDim         *int     `json:"embedding_dim,omitempty"`
	SpatialFeatureWeight *float64 `json:"spatial_feature_weight,omitempty"`

	// Spatial consistency
	SpatialSigma         *float64  `json:"spatial_sigma,omitempty"`
	SpatialFallbackScore *float64  `json:"spatial_fallback_score,omitempty"`
	ViewTransform        []float64 `json:"view_transform,omitempty"` // affine [a,b,c,d,e,f] broadcast→tactical

	// Progress delivery
	ProgressBuffer *int `json:"progress_buffer,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated
// with its default value.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		SimilarityWeightAlpha:   ptrFloat64(0.7),
		MatchThreshold:          ptrFloat64(0.5),
		AssignmentCutoff:        ptrInt(100),
		HighConfidenceThreshold: ptrFloat64(0.9),
		IoUMergeThreshold:       ptrFloat64(0.3),
		TemporalGapFrames:       ptrInt(5),
		MinTrackDetections:      ptrInt(1),
		DetectionRetries:        ptrInt(2),
		DetectionFailurePolicy:  ptrString(FailurePolicySkip),
		MaxFailedFrameRatio:     ptrFloat64(0.5),
		ExtractionWorkers:       ptrInt(0),
		EmbeddingDim:            ptrInt(16),
		SpatialFeatureWeight:    ptrFloat64(0.5),
		SpatialSigma:            ptrFloat64(0.15),
		SpatialFallbackScore:    ptrFloat64(0.5),
		ProgressBuffer:          ptrInt(32),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
// Fields omitted from the JSON file fall back to their defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Merge returns a copy of c with every non-nil field of o applied on top.
func (c *TuningConfig) Merge(o *TuningConfig) *TuningConfig {
	out := *c
	if o == nil {
		return &out
	}
	if o.SimilarityWeightAlpha != nil {
		out.SimilarityWeightAlpha = o.SimilarityWeightAlpha
	}
	if o.MatchThreshold != nil {
		out.MatchThreshold = o.MatchThreshold
	}
	if o.AssignmentCutoff != nil {
		out.AssignmentCutoff = o.AssignmentCutoff
	}
	if o.HighConfidenceThreshold != nil {
		out.HighConfidenceThreshold = o.HighConfidenceThreshold
	}
	if o.IoUMergeThreshold != nil {
		out.IoUMergeThreshold = o.IoUMergeThreshold
	}
	if o.TemporalGapFrames != nil {
		out.TemporalGapFrames = o.TemporalGapFrames
	}
	if o.MinTrackDetections != nil {
		out.MinTrackDetections = o.MinTrackDetections
	}
	if o.ClassLabels != nil {
		out.ClassLabels = o.ClassLabels
	}
	if o.DetectionRetries != nil {
		out.DetectionRetries = o.DetectionRetries
	}
	if o.DetectionFailurePolicy != nil {
		out.DetectionFailurePolicy = o.DetectionFailurePolicy
	}
	if o.MaxFailedFrameRatio != nil {
		out.MaxFailedFrameRatio = o.MaxFailedFrameRatio
	}
	if o.ExtractionWorkers != nil {
		out.ExtractionWorkers = o.ExtractionWorkers
	}
	if o.EmbeddingDim != nil {
		out.EmbeddingDim = o.EmbeddingDim
	}
	if o.SpatialFeatureWeight != nil {
		out.SpatialFeatureWeight = o.SpatialFeatureWeight
	}
	if o.SpatialSigma != nil {
		out.SpatialSigma = o.SpatialSigma
	}
	if o.SpatialFallbackScore != nil {
		out.SpatialFallbackScore = o.SpatialFallbackScore
	}
	if o.ViewTransform != nil {
		out.ViewTransform = o.ViewTransform
	}
	if o.ProgressBuffer != nil {
		out.ProgressBuffer = o.ProgressBuffer
	}
	return &out
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	unit := []struct {
		name string
		v    *float64
	}{
		{"similarity_weight_alpha", c.SimilarityWeightAlpha},
		{"match_threshold", c.MatchThreshold},
		{"high_confidence_threshold", c.HighConfidenceThreshold},
		{"iou_merge_threshold", c.IoUMergeThreshold},
		{"max_failed_frame_ratio", c.MaxFailedFrameRatio},
		{"spatial_feature_weight", c.SpatialFeatureWeight},
		{"spatial_fallback_score", c.SpatialFallbackScore},
	}
	for _, f := range unit {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", f.name, *f.v)
		}
	}

	if c.TemporalGapFrames != nil && *c.TemporalGapFrames < 1 {
		return fmt.Errorf("temporal_gap_frames must be at least 1, got %d", *c.TemporalGapFrames)
	}
	if c.AssignmentCutoff != nil && *c.AssignmentCutoff < 1 {
		return fmt.Errorf("assignment_cutoff must be at least 1, got %d", *c.AssignmentCutoff)
	}
	if c.MinTrackDetections != nil && *c.MinTrackDetections < 1 {
		return fmt.Errorf("min_track_detections must be at least 1, got %d", *c.MinTrackDetections)
	}
	if c.DetectionRetries != nil && *c.DetectionRetries < 0 {
		return fmt.Errorf("detection_retries must be non-negative, got %d", *c.DetectionRetries)
	}
	if c.DetectionFailurePolicy != nil {
		switch *c.DetectionFailurePolicy {
		case FailurePolicySkip, FailurePolicyAbort:
		default:
			return fmt.Errorf("detection_failure_policy must be %q or %q, got %q",
				FailurePolicySkip, FailurePolicyAbort, *c.DetectionFailurePolicy)
		}
	}
	if c.ExtractionWorkers != nil && *c.ExtractionWorkers < 0 {
		return fmt.Errorf("extraction_workers must be non-negative, got %d", *c.ExtractionWorkers)
	}
	if c.EmbeddingDim != nil && *c.EmbeddingDim < 1 {
		return fmt.Errorf("embedding_dim must be at least 1, got %d", *c.EmbeddingDim)
	}
	if c.SpatialSigma != nil && *c.SpatialSigma <= 0 {
		return fmt.Errorf("spatial_sigma must be positive, got %f", *c.SpatialSigma)
	}
	if c.ViewTransform != nil && len(c.ViewTransform) != 6 {
		return fmt.Errorf("view_transform must have 6 elements, got %d", len(c.ViewTransform))
	}
	if c.ProgressBuffer != nil && *c.ProgressBuffer < 1 {
		return fmt.Errorf("progress_buffer must be at least 1, got %d", *c.ProgressBuffer)
	}
	for _, l := range c.ClassLabels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("class_labels must not contain empty labels")
		}
	}

	return nil
}

// GetSimilarityWeightAlpha returns the similarity_weight_alpha value or the default.
func (c *TuningConfig) GetSimilarityWeightAlpha() float64 {
	if c.SimilarityWeightAlpha == nil {
		return 0.7
	}
	return *c.SimilarityWeightAlpha
}

// GetMatchThreshold returns the match_threshold value or the default.
func (c *TuningConfig) GetMatchThreshold() float64 {
	if c.MatchThreshold == nil {
		return 0.5
	}
	return *c.MatchThreshold
}

// GetAssignmentCutoff returns the assignment_cutoff value or the default.
func (c *TuningConfig) GetAssignmentCutoff() int {
	if c.AssignmentCutoff == nil {
		return 100
	}
	return *c.AssignmentCutoff
}

// GetHighConfidenceThreshold returns the high_confidence_threshold value or the default.
func (c *TuningConfig) GetHighConfidenceThreshold() float64 {
	if c.HighConfidenceThreshold == nil {
		return 0.9
	}
	return *c.HighConfidenceThreshold
}

// GetIoUMergeThreshold returns the iou_merge_threshold value or the default.
func (c *TuningConfig) GetIoUMergeThreshold() float64 {
	if c.IoUMergeThreshold == nil {
		return 0.3
	}
	return *c.IoUMergeThreshold
}

// GetTemporalGapFrames returns the temporal_gap_frames value or the default.
func (c *TuningConfig) GetTemporalGapFrames() int {
	if c.TemporalGapFrames == nil {
		return 5
	}
	return *c.TemporalGapFrames
}

// GetMinTrackDetections returns the min_track_detections value or the default.
func (c *TuningConfig) GetMinTrackDetections() int {
	if c.MinTrackDetections == nil {
		return 1
	}
	return *c.MinTrackDetections
}

// GetClassLabels returns the allowed detector labels. Empty means all.
func (c *TuningConfig) GetClassLabels() []string {
	return c.ClassLabels
}

// GetDetectionRetries returns the detection_retries value or the default.
func (c *TuningConfig) GetDetectionRetries() int {
	if c.DetectionRetries == nil {
		return 2
	}
	return *c.DetectionRetries
}

// GetDetectionFailurePolicy returns the detection_failure_policy value or the default.
func (c *TuningConfig) GetDetectionFailurePolicy() string {
	if c.DetectionFailurePolicy == nil || *c.DetectionFailurePolicy == "" {
		return FailurePolicySkip
	}
	return *c.DetectionFailurePolicy
}

// GetMaxFailedFrameRatio returns the max_failed_frame_ratio value or the default.
func (c *TuningConfig) GetMaxFailedFrameRatio() float64 {
	if c.MaxFailedFrameRatio == nil {
		return 0.5
	}
	return *c.MaxFailedFrameRatio
}

// GetExtractionWorkers returns the worker pool size. Zero or unset means
// one worker per CPU.
func (c *TuningConfig) GetExtractionWorkers() int {
	if c.ExtractionWorkers == nil || *c.ExtractionWorkers == 0 {
		return runtime.NumCPU()
	}
	return *c.ExtractionWorkers
}

// GetEmbeddingDim returns the embedding_dim value or the default.
func (c *TuningConfig) GetEmbeddingDim() int {
	if c.EmbeddingDim == nil {
		return 16
	}
	return *c.EmbeddingDim
}

// GetSpatialFeatureWeight returns the spatial_feature_weight value or the default.
func (c *TuningConfig) GetSpatialFeatureWeight() float64 {
	if c.SpatialFeatureWeight == nil {
		return 0.5
	}
	return *c.SpatialFeatureWeight
}

// GetSpatialSigma returns the spatial_sigma value or the default.
func (c *TuningConfig) GetSpatialSigma() float64 {
	if c.SpatialSigma == nil {
		return 0.15
	}
	return *c.SpatialSigma
}

// GetSpatialFallbackScore returns the spatial_fallback_score value or the default.
func (c *TuningConfig) GetSpatialFallbackScore() float64 {
	if c.SpatialFallbackScore == nil {
		return 0.5
	}
	return *c.SpatialFallbackScore
}

// GetViewTransform returns the affine broadcast→tactical transform and
// whether one is configured.
func (c *TuningConfig) GetViewTransform() ([6]float64, bool) {
	var out [6]float64
	if len(c.ViewTransform) != 6 {
		return out, false
	}
	copy(out[:], c.ViewTransform)
	return out, true
}

// GetProgressBuffer returns the progress_buffer value or the default.
func (c *TuningConfig) GetProgressBuffer() int {
	if c.ProgressBuffer == nil {
		return 32
	}
	return *c.ProgressBuffer
}
