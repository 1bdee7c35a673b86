package detect

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/banshee-data/crossview/internal/reid"
)

// ImageDirSource yields frames from a directory of still images, one file
// per frame, ordered by file name. Frame indices are positions in that
// order.
type ImageDirSource struct {
	view  reid.View
	dir   string
	files []string
	next  int
}

// NewImageDirSource lists the PNG and JPEG files in dir.
func NewImageDirSource(dir string, view reid.View) (*ImageDirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, reid.Wrap(reid.ErrInput, stageName, "open image dir", view.String(), err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	diagf("image dir %s (%s): %d frames", dir, view, len(files))
	return &ImageDirSource{view: view, dir: dir, files: files}, nil
}

// View implements Source.
func (s *ImageDirSource) View() reid.View { return s.view }

// FrameCount implements FrameCounter.
func (s *ImageDirSource) FrameCount() int { return len(s.files) }

// Next decodes the next image.
func (s *ImageDirSource) Next(context.Context) (Frame, error) {
	if s.next >= len(s.files) {
		return Frame{}, io.EOF
	}
	idx := s.next
	s.next++
	img, err := decodeImage(s.files[idx])
	if err != nil {
		return Frame{}, err
	}
	return Frame{Index: idx, Image: img}, nil
}

// Close implements Source.
func (s *ImageDirSource) Close() error { return nil }

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
