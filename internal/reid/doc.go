// Package reid owns the shared data model for cross-view player
// re-identification: detections, per-view tracks, and the match result
// handed back to callers.
//
// Responsibilities: value types, the error taxonomy used by every stage,
// and the public result schema.
//
// Dependency rule: reid imports no other internal package. Stage packages
// (detect, tracks, features, match, pipeline) import reid, never the other
// way round.
package reid
