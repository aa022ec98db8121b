// Package videosrc provides the one concrete videoreader.Source this
// repository ships: a looping directory of JPEG frames, decoded with the
// standard library. Spec §1 explicitly places "image decode/encode/resize
// primitives" and real video capture (RTSP/camera/codec) out of scope as
// external collaborators behind an interface — no real video-decode
// library exists anywhere in the example corpus to ground a concrete
// RTSP/USB-camera backend on, so this stays a minimal stdlib-only
// reference source (paralleling modelrt.Fixture's role for the model
// runtime boundary), sufficient to drive the pipeline end to end against
// a directory of captured frames.
package videosrc

import (
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"

	"github.com/hualinli/proctor-node/internal/errs"
	"github.com/hualinli/proctor-node/models"
)

// JPEGDirSource reads "*.jpg"/"*.jpeg" files from a directory in sorted
// name order, looping back to the first file after the last, at a fixed
// reported FPS.
type JPEGDirSource struct {
	fps   float64
	files []string
	pos   int
}

// NewJPEGDirSource creates a source reporting fps (DefaultFPS is used by
// VideoReader if this is <= 0).
func NewJPEGDirSource(fps float64) *JPEGDirSource {
	return &JPEGDirSource{fps: fps}
}

// Open lists uri's *.jpg/*.jpeg files; uri is a directory path.
func (s *JPEGDirSource) Open(uri string) (float64, error) {
	entries, err := os.ReadDir(uri)
	if err != nil {
		return 0, errs.Wrap(errs.SourceError, "read frame directory "+uri, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".jpg" || ext == ".jpeg" {
			files = append(files, filepath.Join(uri, e.Name()))
		}
	}
	if len(files) == 0 {
		return 0, errs.New(errs.SourceError, "no jpeg frames found in "+uri)
	}
	sort.Strings(files)
	s.files = files
	s.pos = 0
	return s.fps, nil
}

// ReadFrame decodes the next file in sequence, looping at the end.
func (s *JPEGDirSource) ReadFrame() (*models.Frame, error) {
	if len(s.files) == 0 {
		return nil, errs.New(errs.SourceError, "source not opened")
	}
	path := s.files[s.pos]
	s.pos = (s.pos + 1) % len(s.files)

	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.SourceError, "open frame "+path, err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, errs.Wrap(errs.SourceError, "decode frame "+path, err)
	}
	return toBGRFrame(img), nil
}

// Close is a no-op; there is no persistent handle to release.
func (s *JPEGDirSource) Close() error { return nil }

func toBGRFrame(img image.Image) *models.Frame {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]byte, w*h*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			pix[i] = byte(b >> 8)
			pix[i+1] = byte(g >> 8)
			pix[i+2] = byte(r >> 8)
			i += 3
		}
	}
	return &models.Frame{Width: w, Height: h, Pix: pix}
}
