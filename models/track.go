package models

import "math"

// Track is a tracker-owned identity: a stable id plus the append-only
// history of boxes it has been matched against, and how many consecutive
// steps it has gone unmatched.
type Track struct {
	ID               int
	Boxes            []DetectionBox
	FramesSinceUpdate int
}

// Update appends a newly matched box and resets the staleness counter.
func (t *Track) Update(b DetectionBox) {
	t.Boxes = append(t.Boxes, b)
	t.FramesSinceUpdate = 0
}

// AvgCenter returns the average center over the track's whole history,
// rounded to integers, or (0, 0, false) if the track has no history.
func (t *Track) AvgCenter() (int, int, bool) {
	if len(t.Boxes) == 0 {
		return 0, 0, false
	}
	var sumX, sumY float64
	for _, b := range t.Boxes {
		cx, cy := b.Center()
		sumX += float64(cx)
		sumY += float64(cy)
	}
	n := float64(len(t.Boxes))
	return int(math.Round(sumX / n)), int(math.Round(sumY / n)), true
}

// LatestBox returns the most recently matched box.
func (t *Track) LatestBox() DetectionBox {
	return t.Boxes[len(t.Boxes)-1]
}

// SeatMap maps a seat id (= the track id that produced it during
// calibration) to its fixed center. Immutable once calibration completes.
type SeatMap map[int][2]int

// Clone returns a shallow copy safe to hand to a reader without sharing
// the writer's backing map.
func (m SeatMap) Clone() SeatMap {
	cp := make(SeatMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// NearestSeat returns the seat id whose center is closest to (x, y) and
// the distance to it. ok is false when the map is empty.
func (m SeatMap) NearestSeat(x, y int) (seatID int, dist float64, ok bool) {
	best := -1
	bestDist := 0.0
	for id, c := range m {
		dx := float64(c[0] - x)
		dy := float64(c[1] - y)
		d := dx*dx + dy*dy
		if best == -1 || d < bestDist {
			best = id
			bestDist = d
			ok = true
		}
	}
	if !ok {
		return 0, 0, false
	}
	return best, math.Sqrt(bestDist), true
}
