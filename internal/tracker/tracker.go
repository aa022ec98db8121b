// Package tracker implements the greedy IoU multi-object tracker (spec
// component C3): it takes each frame's detections and assigns them to
// existing tracks (or spawns new ones) so seat calibration and per-seat
// anomaly attribution can follow a stable identity across frames instead
// of raw detection boxes.
//
// The original reference (original_source/backend/app/tracker.py) builds
// a full IoU cost matrix and solves it with
// scipy.optimize.linear_sum_assignment. The Go ports in this corpus do the
// same min-cost bipartite match with github.com/charles-haynes/munkres
// (see other_examples' viam pizza-tracking tracker.go, which calls
// hg.NewHungarianAlgorithm(matchMtx) then HA.Execute() to get a row->column
// assignment, -1 meaning unmatched) — that is the library and calling
// convention followed here.
package tracker

import (
	hg "github.com/charles-haynes/munkres"

	"github.com/hualinli/proctor-node/models"
)

// Config bounds the matcher the same way the reference implementation
// hardcodes max_age=10 and iou_threshold=0.3.
type Config struct {
	MaxAge       int     // frames a track may go unmatched before eviction
	IoUThreshold float64 // minimum IoU to accept a match
}

// DefaultConfig mirrors tracker.py's module-level constants.
func DefaultConfig() Config {
	return Config{MaxAge: 10, IoUThreshold: 0.3}
}

// Tracker holds live track state across calls to Update. Not safe for
// concurrent use; the caller (InferenceStage) owns one per video source.
type Tracker struct {
	cfg    Config
	tracks []*models.Track
	nextID int
}

// New creates a tracker with the given config.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Update assigns detections to existing tracks by solving the min-cost
// (1-IoU) bipartite matching, accepts matches whose IoU clears the
// configured threshold, spawns new tracks for the rest, ages out any track
// unmatched for longer than MaxAge, and returns the live track set
// in case the caller wants raw access (InferenceStage only cares about
// FinalCenters downstream, but the tracks themselves are exposed for
// tests and diagnostics).
func (t *Tracker) Update(detections []models.DetectionBox) []*models.Track {
	if len(t.tracks) == 0 {
		for _, d := range detections {
			t.spawn(d)
		}
		return t.tracks
	}

	if len(detections) == 0 {
		t.ageAll()
		t.evict()
		return t.tracks
	}

	matchMtx := t.costMatrix(detections)
	detMatched := make([]bool, len(detections))
	trackMatched := make([]bool, len(t.tracks))

	HA, err := hg.NewHungarianAlgorithm(matchMtx)
	if err == nil {
		assignment := HA.Execute()
		for trackIdx, detIdx := range assignment {
			if detIdx < 0 || detIdx >= len(detections) {
				continue
			}
			iou := 1 - matchMtx[trackIdx][detIdx]
			if iou < t.cfg.IoUThreshold {
				continue
			}
			t.tracks[trackIdx].Update(detections[detIdx])
			detMatched[detIdx] = true
			trackMatched[trackIdx] = true
		}
	}

	for trackIdx, tr := range t.tracks {
		if !trackMatched[trackIdx] {
			tr.FramesSinceUpdate++
		}
	}

	for i, d := range detections {
		if !detMatched[i] {
			t.spawn(d)
		}
	}

	t.evict()
	return t.tracks
}

// FinalCenters returns each live track's id mapped to its average box
// center, the calibration snapshot handed to ExamManager when seats are
// locked in.
func (t *Tracker) FinalCenters() models.SeatMap {
	out := make(models.SeatMap, len(t.tracks))
	for _, tr := range t.tracks {
		if x, y, ok := tr.AvgCenter(); ok {
			out[tr.ID] = [2]int{x, y}
		}
	}
	return out
}

// Reset drops all track state, used when (re)calibration restarts.
func (t *Tracker) Reset() {
	t.tracks = nil
	t.nextID = 0
}

func (t *Tracker) spawn(d models.DetectionBox) {
	tr := &models.Track{ID: t.nextID}
	t.nextID++
	tr.Update(d)
	t.tracks = append(t.tracks, tr)
}

func (t *Tracker) ageAll() {
	for _, tr := range t.tracks {
		tr.FramesSinceUpdate++
	}
}

func (t *Tracker) evict() {
	live := t.tracks[:0]
	for _, tr := range t.tracks {
		if tr.FramesSinceUpdate <= t.cfg.MaxAge {
			live = append(live, tr)
		}
	}
	t.tracks = live
}

// costMatrix builds the (len(tracks) x len(detections)) cost matrix munkres
// minimizes, cost = 1-IoU so that maximal-overlap pairs sort first.
func (t *Tracker) costMatrix(detections []models.DetectionBox) [][]float64 {
	m := make([][]float64, len(t.tracks))
	for i, tr := range t.tracks {
		row := make([]float64, len(detections))
		latest := tr.LatestBox()
		for j, d := range detections {
			row[j] = 1 - models.IoU(latest, d)
		}
		m[i] = row
	}
	return m
}
