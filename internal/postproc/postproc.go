// Package postproc implements PostProcessor (spec component C7): seat
// attribution, anomaly counting and snapshot triggering, annotation,
// FPS tracking, and publishing the encoded JPEG to the FrameBus.
//
// Grounded in original_source/backend/app/engine.py's post_process_loop()
// for the control flow (idle-clear on an empty result queue, the FPS
// ring window, and — crucially — that the global frame counter is
// incremented here, which is why spec §9's open question is resolved in
// favor of this component owning that write), and in the teacher's
// controller/recording_controller.go for the consumer-goroutine/
// Stop-drains-then-flushes shape.
package postproc

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync/atomic"
	"time"

	"github.com/hualinli/proctor-node/internal/clock"
	"github.com/hualinli/proctor-node/internal/errs"
	"github.com/hualinli/proctor-node/internal/framebus"
	"github.com/hualinli/proctor-node/internal/imageops"
	"github.com/hualinli/proctor-node/internal/inference"
	"github.com/hualinli/proctor-node/internal/queue"
	"github.com/hualinli/proctor-node/internal/telemetry"
	"github.com/hualinli/proctor-node/models"
)

var snapshotColor = color.RGBA{R: 255, G: 0, B: 0, A: 255}

// ExamObserver is everything PostProcessor needs from the exam lifecycle,
// the read side of the EngineControl/ExamObserver split spec §9 defines.
type ExamObserver interface {
	IsRunning() bool
	Session() models.ExamSession
	SeatMapSnapshot() models.SeatMap
	IncrementFrameCounter() int
	Attribute(x, y int) (seatID int, ok bool)
	RecordDetection(seatID, classID, frame int) (shouldSnapshot bool)
}

// AlertUploader is called when a snapshot fires, to POST evidence to the
// control center (spec §6's /node-api/v1/alerts). Kept as an interface so
// postproc doesn't import the heartbeat/transport package directly.
type AlertUploader interface {
	UploadAlert(ctx context.Context, classroomID, examID, seatID, x, y int, classID int, jpeg []byte)
}

// Config bundles the annotation/FPS tuning values from spec §6.
type Config struct {
	Palette       models.Palette
	FPSWindowSize int
	JPEGWidth     int
	JPEGQuality   int
}

// Processor owns the annotation/attribution/publish loop.
type Processor struct {
	cfg      Config
	result   *queue.BoundedDropQueue[*inference.Result]
	bus      *framebus.Bus
	ops      imageops.Ops
	observer ExamObserver
	alerts   AlertUploader
	metrics  *telemetry.Metrics

	fpsWindow []int64
	exit      atomic.Bool
}

// New creates a Processor reading from result and publishing to bus.
func New(cfg Config, result *queue.BoundedDropQueue[*inference.Result], bus *framebus.Bus, ops imageops.Ops, observer ExamObserver, alerts AlertUploader, metrics *telemetry.Metrics) *Processor {
	return &Processor{cfg: cfg, result: result, bus: bus, ops: ops, observer: observer, alerts: alerts, metrics: metrics}
}

// Exit signals the run loop to stop.
func (p *Processor) Exit() { p.exit.Store(true) }

// Start launches the consume/annotate/publish loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	go p.run(ctx)
	telemetry.L().Info("postproc: started")
}

func (p *Processor) run(ctx context.Context) {
	for {
		if p.exit.Load() || ctx.Err() != nil {
			return
		}
		res, status := p.result.Poll(500 * time.Millisecond)
		if status != queue.OK {
			p.bus.Clear()
			p.fpsWindow = nil
			continue
		}
		p.processFrame(ctx, res)
	}
}

func (p *Processor) processFrame(ctx context.Context, res *inference.Result) {
	img := p.ops.ToRGBA(res.Frame)
	preDraw := p.ops.ToRGBA(res.Frame) // separate copy for snapshot annotation, per spec §4.7 step 6

	seatMap := p.observer.SeatMapSnapshot()
	frame := p.observer.IncrementFrameCounter()
	session := p.observer.Session()

	// Candidates are deduped per (seat, class), last one wins within the
	// frame, per spec §4.7 step 4 — otherwise two boxes attributing to the
	// same seat/class in one frame would call RecordDetection twice with
	// the same frame number, and the second call's LastFrame+1==f check
	// would wrongly reset the AnomalyRun's consecutive count.
	type candidate struct {
		box             models.DetectionBox
		cx, cy, classID int
	}
	candidates := make(map[[2]int]candidate)

	for i, box := range res.Boxes {
		classID := 0
		if i < len(res.ClassIDs) {
			classID = res.ClassIDs[i]
		}
		cx, cy := box.Center()

		if len(seatMap) > 0 {
			if seatID, attributed := p.observer.Attribute(cx, cy); attributed {
				candidates[[2]int{seatID, classID}] = candidate{box: box, cx: cx, cy: cy, classID: classID}
			}
		}

		boxColor := p.cfg.Palette.ColorFor(classID)
		p.ops.DrawBox(img, box, rgbaFromModel(boxColor), 2)
		p.ops.DrawLabel(img, box.X1, box.Y1, p.cfg.Palette.Name(classID), rgbaFromModel(boxColor))
	}

	for key, cand := range candidates {
		seatID := key[0]
		if p.observer.RecordDetection(seatID, cand.classID, frame) {
			p.takeSnapshot(ctx, preDraw, cand.box, seatID, cand.classID, cand.cx, cand.cy, session)
		}
	}

	p.updateFPS()
	p.publish(img)
}

func rgbaFromModel(c models.Color) color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// takeSnapshot draws a red box + "Seat {id}: {className}" label onto a
// fresh copy of the pre-draw frame and writes it under the exam's
// snapshot directory, per spec §4.7's AnomalyRun/snapshot rule, then
// fires the alert upload.
func (p *Processor) takeSnapshot(ctx context.Context, preDraw *image.RGBA, box models.DetectionBox, seatID, classID, cx, cy int, session models.ExamSession) {
	snap := image.NewRGBA(preDraw.Bounds())
	copy(snap.Pix, preDraw.Pix)

	p.ops.DrawBox(snap, box, snapshotColor, 3)
	label := fmt.Sprintf("Seat %d: %s", seatID, p.cfg.Palette.Name(classID))
	p.ops.DrawLabel(snap, cx, cy, label, snapshotColor)

	data, err := p.ops.EncodeJPEG(snap, p.cfg.JPEGQuality)
	if err != nil {
		telemetry.L().Error("postproc: encode snapshot: %v", err)
		return
	}

	if session.SnapshotDir != "" {
		epochSec := clock.NowNano() / int64(time.Second)
		name := clock.SnapshotFilename(seatID, cx, cy, classID, epochSec)
		path := session.SnapshotDir + "/" + name
		if err := os.WriteFile(path, data, 0644); err != nil {
			telemetry.L().Error("%v", errs.Wrap(errs.IOError, "write snapshot", err))
		} else if p.metrics != nil {
			p.metrics.SnapshotsTaken.Inc()
		}
	}

	if p.alerts != nil {
		p.alerts.UploadAlert(ctx, session.ClassroomID, session.ExamID, seatID, cx, cy, classID, data)
	}
}

func (p *Processor) updateFPS() {
	now := clock.NowNano()
	p.fpsWindow = append(p.fpsWindow, now)
	if len(p.fpsWindow) > p.cfg.FPSWindowSize {
		p.fpsWindow = p.fpsWindow[len(p.fpsWindow)-p.cfg.FPSWindowSize:]
	}
	if p.metrics != nil && len(p.fpsWindow) > 1 {
		dur := float64(p.fpsWindow[len(p.fpsWindow)-1]-p.fpsWindow[0]) / float64(time.Second)
		if dur > 0 {
			p.metrics.InferenceFPS.Set(float64(len(p.fpsWindow)-1) / dur)
		}
	}
}

// FPS returns the current rolling estimate, (len-1)/(last-first), or 0
// when fewer than two samples have been collected, per spec §4.7 step 7.
func (p *Processor) FPS() float64 {
	if len(p.fpsWindow) < 2 {
		return 0
	}
	dur := float64(p.fpsWindow[len(p.fpsWindow)-1]-p.fpsWindow[0]) / float64(time.Second)
	if dur <= 0 {
		return 0
	}
	return float64(len(p.fpsWindow)-1) / dur
}

// publish resizes to JPEG_WIDTH (if set), encodes at JPEG_QUALITY, and
// publishes to the frame bus, per spec §4.7 step 8.
func (p *Processor) publish(img *image.RGBA) {
	out := img
	if p.cfg.JPEGWidth > 0 {
		out = p.ops.ResizeToWidth(img, p.cfg.JPEGWidth)
	}
	data, err := p.ops.EncodeJPEG(out, p.cfg.JPEGQuality)
	if err != nil {
		telemetry.L().Error("postproc: encode frame: %v", err)
		return
	}
	p.bus.Publish(data)
	if p.metrics != nil {
		p.metrics.FramesPublished.Inc()
	}
}
