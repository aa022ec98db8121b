package videosrc

import (
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestJPEG(t *testing.T, path string, w, h int, fill color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, jpeg.Encode(f, img, nil))
}

func TestOpenListsAndSortsJPEGFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, filepath.Join(dir, "002.jpg"), 8, 8, color.RGBA{G: 255, A: 255})
	writeTestJPEG(t, filepath.Join(dir, "001.jpg"), 8, 8, color.RGBA{R: 255, A: 255})

	src := NewJPEGDirSource(10)
	fps, err := src.Open(dir)
	require.NoError(t, err)
	require.Equal(t, 10.0, fps)

	frame, err := src.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, 8, frame.Width)
	// R channel of first (001.jpg) frame; the stdlib JPEG round trip of
	// solid red decodes to 254.
	require.Equal(t, byte(254), frame.Pix[2])
}

func TestReadFrameLoopsAtEnd(t *testing.T) {
	dir := t.TempDir()
	writeTestJPEG(t, filepath.Join(dir, "a.jpg"), 4, 4, color.RGBA{R: 255, A: 255})
	writeTestJPEG(t, filepath.Join(dir, "b.jpg"), 4, 4, color.RGBA{G: 255, A: 255})

	src := NewJPEGDirSource(5)
	_, err := src.Open(dir)
	require.NoError(t, err)

	first, _ := src.ReadFrame()
	_, _ = src.ReadFrame()
	third, _ := src.ReadFrame()
	require.Equal(t, first.Pix[0], third.Pix[0])
}

func TestOpenFailsOnEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	src := NewJPEGDirSource(5)
	_, err := src.Open(dir)
	require.Error(t, err)
}
