// Package imageops is the node's small image-utility implementation:
// resize-preserving-aspect, box/label annotation, and JPEG encode. Spec
// treats this as an external collaborator behind an interface (§1 "image
// decode/encode/resize primitives"), so PostProcessor only ever depends
// on the Ops interface below; this file supplies the concrete
// implementation a real deployment wires in, grounded in the orbo
// MJPEG stream's drawBox/drawLabel (manual RGBA loops + a
// golang.org/x/image/font.Drawer over basicfont.Face7x13) and in
// Reece-Reklai's camera dashboard for the resize step.
package imageops

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hualinli/proctor-node/models"
)

// Ops is everything PostProcessor and InferenceStage need from an image
// backend.
type Ops interface {
	ToRGBA(f *models.Frame) *image.RGBA
	DrawBox(img *image.RGBA, box models.DetectionBox, c color.RGBA, thickness int)
	DrawLabel(img *image.RGBA, x, y int, label string, c color.RGBA)
	ResizeToWidth(img *image.RGBA, width int) *image.RGBA
	Resize(img *image.RGBA, width, height int) *image.RGBA
	Crop(img *image.RGBA, box models.DetectionBox) *image.RGBA
	EncodeJPEG(img *image.RGBA, quality int) ([]byte, error)
}

// Default is the x/image-backed implementation.
type Default struct{}

func New() Default { return Default{} }

// ToRGBA converts a BGR-uint8 Frame into an *image.RGBA the rest of the
// package can draw on and encode.
func (Default) ToRGBA(f *models.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		srcRow := y * f.Width * 3
		dstRow := img.PixOffset(0, y)
		for x := 0; x < f.Width; x++ {
			si := srcRow + x*3
			di := dstRow + x*4
			if si+2 >= len(f.Pix) {
				continue
			}
			b, g, r := f.Pix[si], f.Pix[si+1], f.Pix[si+2]
			img.Pix[di+0] = r
			img.Pix[di+1] = g
			img.Pix[di+2] = b
			img.Pix[di+3] = 0xff
		}
	}
	return img
}

// DrawBox draws a rectangle outline of the given thickness, the same
// four-edge manual loop as orbo's drawBox.
func (Default) DrawBox(img *image.RGBA, box models.DetectionBox, c color.RGBA, thickness int) {
	bounds := img.Bounds()
	x, y, w, h := box.X1, box.Y1, box.X2-box.X1, box.Y2-box.Y1
	for t := 0; t < thickness; t++ {
		for i := x; i < x+w && i < bounds.Max.X; i++ {
			if i < bounds.Min.X {
				continue
			}
			setIfInBounds(img, i, y+t, c)
			setIfInBounds(img, i, y+h-t, c)
		}
		for j := y; j < y+h && j < bounds.Max.Y; j++ {
			if j < bounds.Min.Y {
				continue
			}
			setIfInBounds(img, x+t, j, c)
			setIfInBounds(img, x+w-t, j, c)
		}
	}
}

func setIfInBounds(img *image.RGBA, x, y int, c color.RGBA) {
	b := img.Bounds()
	if x < b.Min.X || x >= b.Max.X || y < b.Min.Y || y >= b.Max.Y {
		return
	}
	img.SetRGBA(x, y, c)
}

// DrawLabel draws label at (x, y) in c using the fixed-width basicfont
// face, the same font.Drawer shape as orbo's drawLabel.
func (Default) DrawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if y < 10 {
		y = 10
	}
	if x < 0 {
		x = 0
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}

// ResizeToWidth scales img to the given width, preserving aspect ratio,
// using x/image/draw's bilinear scaler.
func (Default) ResizeToWidth(img *image.RGBA, width int) *image.RGBA {
	srcB := img.Bounds()
	if width <= 0 || srcB.Dx() == 0 {
		return img
	}
	height := srcB.Dy() * width / srcB.Dx()
	if height <= 0 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, srcB, draw.Over, nil)
	return dst
}

// Resize scales img to an exact width x height, ignoring aspect ratio —
// used to fit model input tensors to their fixed expected size.
func (Default) Resize(img *image.RGBA, width, height int) *image.RGBA {
	if width <= 0 || height <= 0 {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// Crop returns the sub-image covering box, clipped to img's bounds. A
// degenerate box yields a 1x1 image rather than panicking.
func (Default) Crop(img *image.RGBA, box models.DetectionBox) *image.RGBA {
	b := box.Clip(img.Bounds().Dx(), img.Bounds().Dy())
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	sub := img.SubImage(image.Rect(b.X1, b.Y1, b.X2, b.Y2)).(*image.RGBA)
	out := image.NewRGBA(sub.Bounds())
	draw.Draw(out, out.Bounds(), sub, sub.Bounds().Min, draw.Src)
	return out
}

// EncodeJPEG encodes img at the given quality (0-100).
func (Default) EncodeJPEG(img *image.RGBA, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
