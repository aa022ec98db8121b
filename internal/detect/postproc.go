// Package detect implements DetectorPostProc (spec component C4): turning
// a raw detection tensor into boxes in original-image pixel space. There
// is no example in the corpus that decodes this exact tensor layout, so
// the algorithm is grounded directly on spec §4.4's description (itself
// distilled from the reference engine.py, which calls a YOLO-style
// postprocess with an identical transpose -> filter -> NMS -> rescale
// shape); only the surrounding Go idiom (explicit error returns, no
// hidden globals) follows the teacher.
package detect

import (
	"fmt"
	"sort"

	"github.com/hualinli/proctor-node/models"
)

// Tensor is a raw detection tensor shaped (1, 4+K, N): four box
// parameters (center_x, center_y, w, h in input-resolution pixels)
// followed by K per-class scores, for each of N anchors. Data is
// row-major: Data[c*N+n] is channel c, anchor n.
type Tensor struct {
	Data       []float32
	NumClasses int
	NumAnchors int
}

// Params bundles the sizes and thresholds PostProcess needs.
type Params struct {
	InputWidth, InputHeight     int
	OriginalWidth, OriginalHeight int
	ConfThreshold, IoUThreshold float64
}

type candidate struct {
	cx, cy, w, h float64
	score        float64
	classID      int
}

// PostProcess implements spec §4.4 end to end: per-anchor max-class-score
// filtering, box form conversion, NMS, and rescale-and-clip to original
// frame coordinates. Returns an empty (nil) slice, not an error, when
// nothing survives both filters.
func PostProcess(t Tensor, p Params) ([]models.DetectionBox, error) {
	channels := 4 + t.NumClasses
	if len(t.Data) < channels*t.NumAnchors {
		return nil, fmt.Errorf("detect: tensor too short: have %d, want %d", len(t.Data), channels*t.NumAnchors)
	}

	get := func(channel, anchor int) float64 {
		return float64(t.Data[channel*t.NumAnchors+anchor])
	}

	var candidates []candidate
	for n := 0; n < t.NumAnchors; n++ {
		bestScore := -1.0
		bestClass := -1
		for k := 0; k < t.NumClasses; k++ {
			s := get(4+k, n)
			if s > bestScore {
				bestScore = s
				bestClass = k
			}
		}
		if bestClass < 0 || bestScore < p.ConfThreshold {
			continue
		}
		candidates = append(candidates, candidate{
			cx: get(0, n), cy: get(1, n), w: get(2, n), h: get(3, n),
			score: bestScore, classID: bestClass,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	boxes := make([]models.DetectionBox, len(candidates))
	for i, c := range candidates {
		x1 := c.cx - c.w/2
		y1 := c.cy - c.h/2
		x2 := c.cx + c.w/2
		y2 := c.cy + c.h/2
		boxes[i] = models.DetectionBox{
			X1: int(x1), Y1: int(y1), X2: int(x2), Y2: int(y2),
			Score: c.score, ClassID: c.classID,
		}
	}

	kept := nms(boxes, p.IoUThreshold)
	if len(kept) == 0 {
		return nil, nil
	}

	rx := float64(p.OriginalWidth) / float64(p.InputWidth)
	ry := float64(p.OriginalHeight) / float64(p.InputHeight)
	out := make([]models.DetectionBox, len(kept))
	for i, b := range kept {
		scaled := models.DetectionBox{
			X1:      int(float64(b.X1) * rx),
			Y1:      int(float64(b.Y1) * ry),
			X2:      int(float64(b.X2) * rx),
			Y2:      int(float64(b.Y2) * ry),
			Score:   b.Score,
			ClassID: b.ClassID,
		}
		out[i] = scaled.Clip(p.OriginalWidth, p.OriginalHeight)
	}
	return out, nil
}

// nms runs greedy non-max suppression, keeping boxes in descending score
// order and discarding any later box whose IoU with an already-kept box
// exceeds iouThres. This is class-agnostic, matching the reference
// cv2.dnn.NMSBoxes call in original_source/backend/app/models.py, which
// never groups by class.
func nms(boxes []models.DetectionBox, iouThres float64) []models.DetectionBox {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return boxes[order[i]].Score > boxes[order[j]].Score
	})

	var kept []models.DetectionBox
	suppressed := make([]bool, len(boxes))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for _, j := range order {
			if j == i || suppressed[j] {
				continue
			}
			if models.IoU(boxes[i], boxes[j]) > iouThres {
				suppressed[j] = true
			}
		}
	}
	return kept
}
