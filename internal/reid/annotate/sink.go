package annotate

import (
	"path/filepath"

	"github.com/banshee-data/crossview/internal/reid/pipeline"
	"github.com/banshee-data/crossview/internal/security"
)

// SinkFactory returns a pipeline.ManagerOptions.Sinks function. A request
// with an AnnotationsPath writes there; otherwise, when outDir is set, each
// run writes <outDir>/<runID>.annotations.jsonl. With neither, runs have no
// annotation output.
func SinkFactory(outDir string) func(runID string, req pipeline.Request) ([]pipeline.Sink, error) {
	return func(runID string, req pipeline.Request) ([]pipeline.Sink, error) {
		path := req.AnnotationsPath
		if path == "" && outDir != "" {
			path = filepath.Join(outDir, security.SanitizeFilename(runID)+".annotations.jsonl")
		}
		if path == "" {
			return nil, nil
		}
		return []pipeline.Sink{FileSink{Path: path}}, nil
	}
}
