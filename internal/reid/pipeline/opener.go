package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/detect"
)

// PathOpener opens each view from a filesystem path. A directory is read as
// a sequence of still frames and detected through the HTTP detector at
// detectorURL; a file is read as a recorded detection log that serves as
// its own detector.
func PathOpener(broadcast, tactical, detectorURL string) Opener {
	return func(_ context.Context, view reid.View) (detect.Source, detect.Detector, error) {
		path := broadcast
		if view == reid.Tactical {
			path = tactical
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, nil, reid.Wrap(reid.ErrInput, LoadingModels.String(), "open source", view.String(), err)
		}
		if !info.IsDir() {
			r, err := detect.OpenReplay(path, view)
			if err != nil {
				return nil, nil, err
			}
			return r, r, nil
		}
		if detectorURL == "" {
			return nil, nil, reid.Wrap(reid.ErrInput, LoadingModels.String(), "open source",
				fmt.Sprintf("%s: image directory %s needs a detector URL", view, path), nil)
		}
		src, err := detect.NewImageDirSource(path, view)
		if err != nil {
			return nil, nil, err
		}
		return src, detect.NewHTTPDetector(detectorURL), nil
	}
}
