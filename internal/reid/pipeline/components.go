package pipeline

import (
	"github.com/banshee-data/crossview/internal/config"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/detect"
	"github.com/banshee-data/crossview/internal/reid/features"
	"github.com/banshee-data/crossview/internal/reid/match"
	"github.com/banshee-data/crossview/internal/reid/tracks"
)

// components are the per-run collaborators derived from a validated
// TuningConfig.
type components struct {
	policy     detect.Policy
	aggregator *tracks.Aggregator
	extractor  *features.Extractor
	matcher    *match.Matcher
	workers    int
}

func buildComponents(cfg *config.TuningConfig, backbone features.Backbone, crops *features.CropStore) (*components, error) {
	if err := cfg.Validate(); err != nil {
		return nil, reid.Wrap(reid.ErrConfiguration, LoadingModels.String(), "validate config", "", err)
	}
	onFailure, err := detect.ParseFailureAction(cfg.GetDetectionFailurePolicy())
	if err != nil {
		return nil, reid.Wrap(reid.ErrConfiguration, LoadingModels.String(), "failure policy", "", err)
	}

	var spatial match.SpatialScorer = match.ConstantSpatial(cfg.GetSpatialFallbackScore())
	if t, ok := cfg.GetViewTransform(); ok {
		affine, err := match.NewAffineSpatial(t, cfg.GetSpatialSigma())
		if err != nil {
			return nil, err
		}
		spatial = affine
	}

	if backbone == nil {
		backbone = features.NewHistogramBackbone(cfg.GetEmbeddingDim())
	}
	workers := cfg.GetExtractionWorkers()

	return &components{
		policy: detect.Policy{
			Retries:        cfg.GetDetectionRetries(),
			OnFailure:      onFailure,
			Backoff:        detect.DefaultRetryBackoff,
			MaxFailedRatio: cfg.GetMaxFailedFrameRatio(),
			ClassLabels:    cfg.GetClassLabels(),
		},
		aggregator: &tracks.Aggregator{
			IoUThreshold:  cfg.GetIoUMergeThreshold(),
			TemporalGap:   cfg.GetTemporalGapFrames(),
			MinDetections: cfg.GetMinTrackDetections(),
		},
		extractor: &features.Extractor{
			Backbone:      backbone,
			AppearanceDim: cfg.GetEmbeddingDim(),
			SpatialWeight: cfg.GetSpatialFeatureWeight(),
			Crops:         crops,
		},
		matcher: &match.Matcher{
			Alpha:     cfg.GetSimilarityWeightAlpha(),
			Threshold: cfg.GetMatchThreshold(),
			Cutoff:    cfg.GetAssignmentCutoff(),
			Spatial:   spatial,
			Workers:   workers,
		},
		workers: workers,
	}, nil
}
