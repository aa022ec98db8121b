// Package inference implements InferenceStage (spec component C6): model
// load/unload gating, detection, the calibration tracking branch, and
// per-box classification, emitting (frame, boxes, classIds) downstream.
// The load-on-rising-edge / unload-on-falling-edge gate discipline and the
// cls_batch grouping are grounded in original_source/backend/app/engine.py's
// main_loop(); the goroutine/gate shape (atomic.Bool gates polled every
// iteration, a dedicated lastError field) follows the teacher's
// services/ingest readers generalized to a stateful load/unload lifecycle,
// the way DimaJoyti-go-coffee's InferenceEngine separates load from infer.
package inference

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hualinli/proctor-node/internal/detect"
	"github.com/hualinli/proctor-node/internal/errs"
	"github.com/hualinli/proctor-node/internal/imageops"
	"github.com/hualinli/proctor-node/internal/modelrt"
	"github.com/hualinli/proctor-node/internal/queue"
	"github.com/hualinli/proctor-node/internal/telemetry"
	"github.com/hualinli/proctor-node/internal/tracker"
	"github.com/hualinli/proctor-node/models"
)

// Result is what InferenceStage hands to PostProcessor for one frame.
type Result struct {
	Frame    *models.Frame
	Boxes    []models.DetectionBox
	ClassIDs []int
}

// Config bundles the model and sizing parameters from spec §6.
type Config struct {
	DeviceID     int
	DetModelPath string
	ClsModelPath string
	DetWidth, DetHeight int
	ClsWidth, ClsHeight int
	ClsBatch     int
	ConfThres, IoUThres float64
	TrackMaxFrames int
}

// CalibrationObserver is the slice of ExamObserver InferenceStage needs:
// writing the finished SeatMap back under the exam lock, per spec §9's
// cycle-breaking design (InferenceStage never imports the exam package).
type CalibrationObserver interface {
	SetSeatMap(models.SeatMap)
}

// Stage owns the two models and the calibration tracker.
type Stage struct {
	cfg     Config
	runtime modelrt.Runtime
	ops     imageops.Ops

	raw    *queue.BoundedDropQueue[*models.Frame]
	result *queue.BoundedDropQueue[*Result]
	trk    *tracker.Tracker
	metrics *telemetry.Metrics

	observer CalibrationObserver

	inferenceOn atomic.Bool
	trackingOn  atomic.Bool
	isInferring atomic.Bool
	exit        atomic.Bool
	calibFrames atomic.Int64

	detHandle modelrt.Handle
	clsHandle modelrt.Handle

	errMu   sync.Mutex
	lastErr error
}

// New creates an InferenceStage wired to the given queues.
func New(cfg Config, runtime modelrt.Runtime, ops imageops.Ops, raw *queue.BoundedDropQueue[*models.Frame], resultQueueCap int, observer CalibrationObserver, metrics *telemetry.Metrics) *Stage {
	return &Stage{
		cfg:      cfg,
		runtime:  runtime,
		ops:      ops,
		raw:      raw,
		result:   queue.New[*Result](resultQueueCap),
		trk:      tracker.New(tracker.DefaultConfig()),
		observer: observer,
		metrics:  metrics,
	}
}

// Result returns the output queue PostProcessor polls.
func (s *Stage) Result() *queue.BoundedDropQueue[*Result] { return s.result }

func (s *Stage) SetInferenceOn(on bool) { s.inferenceOn.Store(on) }
func (s *Stage) InferenceOn() bool      { return s.inferenceOn.Load() }
func (s *Stage) IsInferring() bool      { return s.isInferring.Load() }

// SetTrackingOn raises the calibration gate; InferenceStage resets the
// tracker and frame counter and begins feeding detections to it.
func (s *Stage) SetTrackingOn(on bool) {
	if on {
		s.trk.Reset()
		s.calibFrames.Store(0)
	}
	s.trackingOn.Store(on)
}
func (s *Stage) TrackingOn() bool { return s.trackingOn.Load() }

func (s *Stage) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Stage) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Stage) clearErr() {
	s.errMu.Lock()
	s.lastErr = nil
	s.errMu.Unlock()
}

// Exit signals the run loop to unload models and stop.
func (s *Stage) Exit() { s.exit.Store(true) }

// Start launches the load/infer/unload loop until ctx is cancelled.
func (s *Stage) Start(ctx context.Context) {
	go s.run(ctx)
	telemetry.L().Info("inference: started")
}

func (s *Stage) run(ctx context.Context) {
	loaded := false
	for {
		if s.exit.Load() || ctx.Err() != nil {
			if loaded {
				s.unload()
			}
			s.isInferring.Store(false)
			return
		}

		if !s.inferenceOn.Load() {
			if loaded {
				s.unload()
				loaded = false
			}
			s.isInferring.Store(false)
			time.Sleep(200 * time.Millisecond)
			continue
		}

		if !loaded {
			if err := s.load(ctx); err != nil {
				s.setErr(errs.Wrap(errs.ModelError, "load models", err))
				s.inferenceOn.Store(false) // self-lower gate on load failure
				telemetry.L().Error("inference: model load failed: %v", err)
				continue
			}
			loaded = true
			s.clearErr()
		}

		s.isInferring.Store(true)
		frame, res := s.raw.Poll(500 * time.Millisecond)
		if res != queue.OK {
			continue
		}
		s.step(ctx, frame)
	}
}

func (s *Stage) load(ctx context.Context) error {
	det, err := s.runtime.Load(ctx, s.cfg.DetModelPath, s.cfg.DeviceID)
	if err != nil {
		return err
	}
	cls, err := s.runtime.Load(ctx, s.cfg.ClsModelPath, s.cfg.DeviceID)
	if err != nil {
		_ = det.Close()
		return err
	}
	s.detHandle, s.clsHandle = det, cls
	return nil
}

func (s *Stage) unload() {
	if s.detHandle != nil {
		_ = s.detHandle.Close()
		s.detHandle = nil
	}
	if s.clsHandle != nil {
		_ = s.clsHandle.Close()
		s.clsHandle = nil
	}
}

func (s *Stage) step(ctx context.Context, frame *models.Frame) {
	boxes, err := s.detectBoxes(ctx, frame)
	if err != nil {
		telemetry.L().Warn("inference: detection skipped: %v", err)
		return
	}

	if s.trackingOn.Load() {
		s.trk.Update(boxes)
		n := s.calibFrames.Add(1)
		if n >= int64(s.cfg.TrackMaxFrames) {
			if s.observer != nil {
				s.observer.SetSeatMap(s.trk.FinalCenters())
			}
			s.trackingOn.Store(false)
			s.calibFrames.Store(0)
		}
	}

	classIDs := s.classify(ctx, frame, boxes)

	s.result.Offer(&Result{Frame: frame, Boxes: boxes, ClassIDs: classIDs})
	if s.metrics != nil {
		s.metrics.QueueDepth.WithLabelValues("result").Set(float64(s.result.Len()))
	}
}

func (s *Stage) detectBoxes(ctx context.Context, frame *models.Frame) ([]models.DetectionBox, error) {
	img := s.ops.ToRGBA(frame)
	resized := s.ops.Resize(img, s.cfg.DetWidth, s.cfg.DetHeight)
	input := rgbaToCHWTensor(resized)

	out, err := s.detHandle.Infer(ctx, modelrt.Tensor{Data: input, Shape: []int{1, 3, s.cfg.DetHeight, s.cfg.DetWidth}})
	if err != nil {
		return nil, errs.Wrap(errs.ModelError, "detection infer", err)
	}

	numClasses := 0
	if len(out.Shape) >= 2 {
		numClasses = out.Shape[1] - 4
	}
	numAnchors := 0
	if len(out.Shape) >= 3 {
		numAnchors = out.Shape[2]
	}
	if numClasses <= 0 || numAnchors <= 0 {
		return nil, nil
	}

	return detect.PostProcess(detect.Tensor{Data: out.Data, NumClasses: numClasses, NumAnchors: numAnchors}, detect.Params{
		InputWidth: s.cfg.DetWidth, InputHeight: s.cfg.DetHeight,
		OriginalWidth: frame.Width, OriginalHeight: frame.Height,
		ConfThreshold: s.cfg.ConfThres, IoUThreshold: s.cfg.IoUThres,
	})
}

// classify crops every positive-area box, batches crops by ClsBatch, runs
// the classification model per batch, and takes per-row argmax as the
// class id, per spec §4.6.
func (s *Stage) classify(ctx context.Context, frame *models.Frame, boxes []models.DetectionBox) []int {
	classIDs := make([]int, len(boxes))
	if len(boxes) == 0 || s.clsHandle == nil {
		return classIDs
	}
	img := s.ops.ToRGBA(frame)

	batch := s.cfg.ClsBatch
	if batch <= 0 {
		batch = 1
	}
	for start := 0; start < len(boxes); start += batch {
		end := start + batch
		if end > len(boxes) {
			end = len(boxes)
		}
		tensor, valid := s.buildClsBatch(img, boxes[start:end])
		if len(valid) == 0 {
			continue
		}
		out, err := s.clsHandle.Infer(ctx, tensor)
		if err != nil {
			telemetry.L().Warn("inference: classification skipped: %v", err)
			continue
		}
		numClasses := 0
		if len(out.Shape) >= 2 {
			numClasses = out.Shape[1]
		}
		if numClasses <= 0 {
			continue
		}
		for i, boxIdx := range valid {
			row := out.Data[i*numClasses : (i+1)*numClasses]
			classIDs[start+boxIdx] = argmax(row)
		}
	}
	return classIDs
}

// buildClsBatch crops+resizes each box with positive area and concatenates
// them into a (batch, 3, H, W) tensor; valid holds the in-slice indices of
// boxes that were actually included (degenerate boxes are skipped).
func (s *Stage) buildClsBatch(img *image.RGBA, boxes []models.DetectionBox) (modelrt.Tensor, []int) {
	var valid []int
	var chunks [][]float32
	for i, b := range boxes {
		if b.Area() <= 0 {
			continue
		}
		crop := s.ops.Crop(img, b)
		resized := s.ops.Resize(crop, s.cfg.ClsWidth, s.cfg.ClsHeight)
		chunks = append(chunks, rgbaToCHWTensor(resized))
		valid = append(valid, i)
	}
	if len(chunks) == 0 {
		return modelrt.Tensor{}, nil
	}
	data := make([]float32, 0, len(chunks)*len(chunks[0]))
	for _, c := range chunks {
		data = append(data, c...)
	}
	return modelrt.Tensor{Data: data, Shape: []int{len(chunks), 3, s.cfg.ClsHeight, s.cfg.ClsWidth}}, valid
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
