package imageops

import (
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hualinli/proctor-node/models"
)

func solidFrame(w, h int, b, g, r byte) *models.Frame {
	pix := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		pix[i*3+0] = b
		pix[i*3+1] = g
		pix[i*3+2] = r
	}
	return &models.Frame{Width: w, Height: h, Pix: pix}
}

func TestToRGBASwapsChannelOrder(t *testing.T) {
	ops := New()
	f := solidFrame(4, 4, 10, 20, 30)
	img := ops.ToRGBA(f)
	r, g, b, a := img.At(0, 0).RGBA()
	require.EqualValues(t, 30<<8, r)
	require.EqualValues(t, 20<<8, g)
	require.EqualValues(t, 10<<8, b)
	require.EqualValues(t, 0xffff, a)
}

func TestResizeToWidthPreservesAspect(t *testing.T) {
	ops := New()
	f := solidFrame(200, 100, 0, 0, 0)
	img := ops.ToRGBA(f)
	resized := ops.ResizeToWidth(img, 100)
	require.Equal(t, 100, resized.Bounds().Dx())
	require.Equal(t, 50, resized.Bounds().Dy())
}

func TestEncodeJPEGRoundTrips(t *testing.T) {
	ops := New()
	f := solidFrame(16, 16, 1, 2, 3)
	img := ops.ToRGBA(f)
	data, err := ops.EncodeJPEG(img, 80)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	require.Equal(t, []byte{0xff, 0xd8}, data[:2])
}

func TestCropReturnsRequestedRegion(t *testing.T) {
	ops := New()
	f := solidFrame(100, 100, 0, 0, 0)
	img := ops.ToRGBA(f)
	cropped := ops.Crop(img, models.DetectionBox{X1: 10, Y1: 10, X2: 40, Y2: 60})
	require.Equal(t, 30, cropped.Bounds().Dx())
	require.Equal(t, 50, cropped.Bounds().Dy())
}

func TestResizeIgnoresAspect(t *testing.T) {
	ops := New()
	f := solidFrame(100, 50, 0, 0, 0)
	img := ops.ToRGBA(f)
	resized := ops.Resize(img, 64, 64)
	require.Equal(t, 64, resized.Bounds().Dx())
	require.Equal(t, 64, resized.Bounds().Dy())
}

func TestDrawBoxStaysInBounds(t *testing.T) {
	ops := New()
	f := solidFrame(10, 10, 0, 0, 0)
	img := ops.ToRGBA(f)
	require.NotPanics(t, func() {
		ops.DrawBox(img, models.DetectionBox{X1: -5, Y1: -5, X2: 20, Y2: 20}, color.RGBA{R: 255, A: 255}, 2)
	})
}
