package models

// DetectionBox is a single detection in original-frame pixel space.
// Invariant: X1<X2, Y1<Y2, and both corners are clipped to the frame
// bounds before the box is ever handed to a consumer.
type DetectionBox struct {
	X1, Y1, X2, Y2 int
	Score          float64
	ClassID        int
}

// Center returns the integer box center, (X1+X2)/2 and (Y1+Y2)/2 with
// Go integer division (a .5 remainder is dropped).
func (b DetectionBox) Center() (int, int) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area returns the box's pixel area; zero or negative means the box is
// degenerate and must not be cropped for classification.
func (b DetectionBox) Area() int {
	w, h := b.X2-b.X1, b.Y2-b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Clip restricts the box to [0,w) x [0,h), matching spec's "clipped to
// image bounds before use".
func (b DetectionBox) Clip(w, h int) DetectionBox {
	if b.X1 < 0 {
		b.X1 = 0
	}
	if b.Y1 < 0 {
		b.Y1 = 0
	}
	if b.X2 > w {
		b.X2 = w
	}
	if b.Y2 > h {
		b.Y2 = h
	}
	return b
}

// IoU computes intersection-over-union between two boxes. Returns 0 for a
// degenerate union (matches the tracker's "zero area -> zero IoU" rule).
func IoU(a, b DetectionBox) float64 {
	x1 := max(a.X1, b.X1)
	y1 := max(a.Y1, b.Y1)
	x2 := min(a.X2, b.X2)
	y2 := min(a.Y2, b.Y2)

	interW := max(0, x2-x1)
	interH := max(0, y2-y1)
	inter := float64(interW * interH)

	areaA := float64(max(0, a.X2-a.X1) * max(0, a.Y2-a.Y1))
	areaB := float64(max(0, b.X2-b.X1) * max(0, b.Y2-b.Y1))
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
