package inference

import "image"

// rgbaToCHWTensor converts an *image.RGBA into a planar (3, H, W)
// float32 tensor normalized to [0, 1], the layout most detection/
// classification models expect.
func rgbaToCHWTensor(img *image.RGBA) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float32, 3*w*h)
	plane := w * h
	for y := 0; y < h; y++ {
		row := img.PixOffset(b.Min.X, b.Min.Y+y)
		for x := 0; x < w; x++ {
			i := row + x*4
			idx := y*w + x
			out[0*plane+idx] = float32(img.Pix[i+0]) / 255
			out[1*plane+idx] = float32(img.Pix[i+1]) / 255
			out[2*plane+idx] = float32(img.Pix[i+2]) / 255
		}
	}
	return out
}
