// Package pipeline sequences a cross-view matching run through its five
// working stages and reports progress.
//
// This package is the composition root of the reid packages: it imports
// detect, tracks, features, match and config, and none of those import
// pipeline.
//
// A Controller runs exactly once. Stages advance strictly in order
// (LoadingModels → DetectingPlayers → ExtractingFeatures → MatchingPlayers
// → GeneratingOutput → Completed) and any non-terminal stage may end in
// Failed or Cancelled. Every transition is published to the run's
// Broadcaster before the next stage does any work. Cancellation is
// cooperative: the run context is checked at stage boundaries and before
// each frame or track, and work already started is allowed to finish.
//
// Manager is the single-flight control surface used by the CLI, the HTTP
// API and the gRPC progress stream.
package pipeline
