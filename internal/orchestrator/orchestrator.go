// Package orchestrator wires C1-C9 into one running node: it builds the
// queues and FrameBus, constructs VideoReader/InferenceStage/PostProcessor/
// ExamManager/Heartbeat/httpapi.Server in dependency order, and owns the
// shutdown sequence spec §5 prescribes (set exit, clear both gates, wait
// a short grace period before the model runtime is torn down).
//
// The goroutine-group/signal-driven shutdown shape generalizes the
// teacher's cmd/main.go sigCh/ctx select loop; golang.org/x/sync/errgroup
// replaces its hand-rolled nothing-but-cancel() coordination because this
// node also needs to propagate the first hard failure (e.g. the HTTP
// listener failing to bind) out of Run, which a bare WaitGroup can't do.
package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hualinli/proctor-node/internal/config"
	"github.com/hualinli/proctor-node/internal/exam"
	"github.com/hualinli/proctor-node/internal/framebus"
	"github.com/hualinli/proctor-node/internal/heartbeat"
	"github.com/hualinli/proctor-node/internal/httpapi"
	"github.com/hualinli/proctor-node/internal/imageops"
	"github.com/hualinli/proctor-node/internal/inference"
	"github.com/hualinli/proctor-node/internal/modelrt"
	"github.com/hualinli/proctor-node/internal/postproc"
	"github.com/hualinli/proctor-node/internal/telemetry"
	"github.com/hualinli/proctor-node/internal/videoreader"
	"github.com/hualinli/proctor-node/models"
)

// shutdownGrace is how long Run waits, after clearing both gates, before
// returning (and thus letting the caller tear down the model runtime),
// per spec §5's "~0.8s" figure.
const shutdownGrace = 800 * time.Millisecond

// engineFacade combines VideoReader, InferenceStage and PostProcessor
// into the single EngineControl/Engine surface ExamManager, Heartbeat and
// httpapi all depend on, per spec §9's cycle-breaking design.
type engineFacade struct {
	video *videoreader.VideoReader
	stage *inference.Stage
	post  *postproc.Processor
}

func (e *engineFacade) SetVideoSource(uri string) { e.video.SetSource(uri) }
func (e *engineFacade) SetVideoOn(on bool)        { e.video.SetVideoOn(on) }
func (e *engineFacade) VideoOn() bool             { return e.video.VideoOn() }
func (e *engineFacade) SetInferenceOn(on bool)    { e.stage.SetInferenceOn(on) }
func (e *engineFacade) InferenceOn() bool         { return e.stage.InferenceOn() }
func (e *engineFacade) SetTrackingOn(on bool)     { e.stage.SetTrackingOn(on) }
func (e *engineFacade) TrackingOn() bool          { return e.stage.TrackingOn() }
func (e *engineFacade) IsInferring() bool         { return e.stage.IsInferring() }
func (e *engineFacade) FPS() float64              { return e.post.FPS() }
func (e *engineFacade) CurrentSourceURI() string  { return e.video.CurrentSourceURI() }

// LastError surfaces whichever of VideoReader/InferenceStage most
// recently recorded a failure; VideoReader takes priority since a dead
// source makes inference moot.
func (e *engineFacade) LastError() error {
	if err := e.video.LastError(); err != nil {
		return err
	}
	return e.stage.LastError()
}

// Node is one fully wired edge-proctoring node.
type Node struct {
	cfg        *config.Config
	classrooms *config.ClassroomStore
	metrics    *telemetry.Metrics

	bus     *framebus.Bus
	video   *videoreader.VideoReader
	stage   *inference.Stage
	post    *postproc.Processor
	examMgr *exam.Manager
	hb      *heartbeat.Client
	api     *httpapi.Server
	facade  *engineFacade
}

// Palette builds the models.Palette from the loaded config.
func Palette(cfg *config.Config) models.Palette {
	colors := make([]models.Color, len(cfg.ClassColors))
	for i, c := range cfg.ClassColors {
		colors[i] = models.Color{R: c[0], G: c[1], B: c[2]}
	}
	anomaly := toSet(cfg.AnomalyClasses)
	snapshot := toSet(cfg.SnapshotClasses)
	return models.Palette{Names: cfg.ClassNames, Colors: colors, AnomalyClasses: anomaly, SnapshotClasses: snapshot}
}

func toSet(ids []int) map[int]bool {
	out := make(map[int]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// New wires every component but does not start any goroutines.
func New(cfg *config.Config, classrooms *config.ClassroomStore, runtime modelrt.Runtime, newSource videoreader.SourceFactory, metrics *telemetry.Metrics) *Node {
	palette := Palette(cfg)
	ops := imageops.New()
	bus := framebus.New()

	video := videoreader.New(newSource, cfg.QueueSize, metrics)

	n := &Node{cfg: cfg, classrooms: classrooms, metrics: metrics, bus: bus, video: video}

	invCfg := inference.Config{
		DeviceID: cfg.DeviceID, DetModelPath: cfg.DetModelPath, ClsModelPath: cfg.ClsModelPath,
		DetWidth: cfg.DetSize[0], DetHeight: cfg.DetSize[1],
		ClsWidth: cfg.ClsSize[0], ClsHeight: cfg.ClsSize[1],
		ClsBatch: cfg.ClsBatch, ConfThres: cfg.ConfThres, IoUThres: cfg.IoUThres,
		TrackMaxFrames: cfg.TrackMaxFrames,
	}
	// observer is wired to n.examMgr below, once Manager exists; the
	// inference.Stage constructor takes the interface immediately but the
	// Manager isn't built yet, so go through a one-field indirection.
	obs := &examObserverRef{}
	stage := inference.New(invCfg, runtime, ops, video.Raw, cfg.QueueSize, obs, metrics)

	// facade.post is filled in once postproc.Processor exists below;
	// nothing calls FPS() until Run() starts the pipeline, by which point
	// it is set.
	facade := &engineFacade{video: video, stage: stage}

	examCfg := exam.Config{
		AnomalyClasses: toSet(cfg.AnomalyClasses), SnapshotClasses: toSet(cfg.SnapshotClasses),
		AnomalyMatchThreshold: cfg.AnomalyMatchThreshold,
		SnapshotThresholdFrames: cfg.SnapshotThresholdFrames, SnapshotCooldownFrames: cfg.SnapshotCooldownFrames,
		TrackDelaySeconds: cfg.TrackDelaySeconds,
	}
	onStart := func(models.ExamSession) {
		if metrics != nil {
			metrics.ExamsStarted.Inc()
		}
	}
	mgr := exam.New(examCfg, facade, classrooms, onStart, nil, nil)
	obs.mgr = mgr
	examObs := &examObserverFull{mgr: mgr}

	hbCfg := heartbeat.Config{ControlCenterURL: cfg.ControlCenterURL, NodeToken: cfg.NodeToken, HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Second}
	hb := heartbeat.New(hbCfg, facade, mgr, metrics)

	postCfg := postproc.Config{Palette: palette, FPSWindowSize: cfg.FPSWindowSize, JPEGWidth: cfg.JPEGWidth, JPEGQuality: cfg.JPEGQuality}
	proc := postproc.New(postCfg, stage.Result(), bus, ops, examObs, hb, metrics)
	facade.post = proc

	api := httpapi.New(facade, mgr, classrooms, bus)

	n.stage, n.post, n.examMgr, n.hb, n.api, n.facade = stage, proc, mgr, hb, api, facade
	return n
}

// examObserverRef lazily forwards to exam.Manager, letting inference.Stage
// be constructed before the Manager exists.
type examObserverRef struct{ mgr *exam.Manager }

func (r *examObserverRef) SetSeatMap(sm models.SeatMap) {
	if r.mgr != nil {
		r.mgr.SetSeatMap(sm)
	}
}

// examObserverFull is the same forwarding trick for postproc.ExamObserver.
type examObserverFull struct{ mgr *exam.Manager }

func (r *examObserverFull) IsRunning() bool             { return r.mgr.IsRunning() }
func (r *examObserverFull) Session() models.ExamSession { return r.mgr.Session() }
func (r *examObserverFull) SeatMapSnapshot() models.SeatMap { return r.mgr.SeatMapSnapshot() }
func (r *examObserverFull) IncrementFrameCounter() int  { return r.mgr.IncrementFrameCounter() }
func (r *examObserverFull) Attribute(x, y int) (int, bool) { return r.mgr.Attribute(x, y) }
func (r *examObserverFull) RecordDetection(seatID, classID, frame int) bool {
	return r.mgr.RecordDetection(seatID, classID, frame)
}

// Run starts every component, serves HTTP on httpAddr, and blocks until
// ctx is cancelled, then performs the spec §5 shutdown sequence.
func (n *Node) Run(ctx context.Context, httpAddr string) error {
	n.video.Start(ctx)
	n.stage.Start(ctx)
	n.post.Start(ctx)
	n.hb.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.Run(gctx, httpAddr, n.api)
	})

	<-ctx.Done()
	telemetry.L().Info("orchestrator: shutdown initiated")

	n.video.Exit()
	n.stage.Exit()
	n.post.Exit()
	n.hb.Stop()
	n.video.SetVideoOn(false)
	n.stage.SetInferenceOn(false)

	time.Sleep(shutdownGrace)

	if err := g.Wait(); err != nil {
		telemetry.L().Error("orchestrator: http server error: %v", err)
		return err
	}
	telemetry.L().Info("orchestrator: shutdown complete")
	return nil
}

// ExamManager exposes the wired exam.Manager, e.g. for a SIGINT handler
// that needs to call StopExam before the orchestrator tears components
// down.
func (n *Node) ExamManager() *exam.Manager { return n.examMgr }
