// Package exam implements ExamManager (spec component C8): the exam
// lifecycle FSM (Idle/Running/Recalibrate), the shared exam-state mutex
// spec §5 calls for, and the EngineControl/ExamObserver interface split
// spec §9 prescribes to break the ExamManager<->InferenceEngine cycle.
//
// Grounded on original_source/backend/app/exam.py: StartExam resolves a
// classroom URL, flips the video/inference gates, and arms a cancelable
// auto-stop timer exactly as _auto_stop_timer's cancel_event.wait(duration)
// does; the Go replacement uses a channel-based cancelable waiter per
// spec §9's "Timers" note instead of threading.Event.
package exam

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/hualinli/proctor-node/internal/clock"
	"github.com/hualinli/proctor-node/internal/errs"
	"github.com/hualinli/proctor-node/internal/telemetry"
	"github.com/hualinli/proctor-node/models"
)

// EngineControl is everything ExamManager needs from the video/inference
// pipeline, breaking the dependency cycle spec §9 calls out.
type EngineControl interface {
	SetVideoSource(uri string)
	SetVideoOn(on bool)
	SetInferenceOn(on bool)
	SetTrackingOn(on bool)
	TrackingOn() bool
	FPS() float64
	LastError() error
	IsInferring() bool
}

// ClassroomResolver looks up a classroom's video URL by id.
type ClassroomResolver interface {
	URL(id int) (string, bool)
}

// Config holds the attribution/snapshot tuning values from spec §6.
type Config struct {
	AnomalyClasses  map[int]bool
	SnapshotClasses map[int]bool

	AnomalyMatchThreshold float64

	SnapshotThresholdFrames int
	SnapshotCooldownFrames  int

	TrackDelaySeconds int
}

// AnomalySummary is one row of GET /exam/anomalies.
type AnomalySummary struct {
	SeatID int
	X, Y   int
	Count  int
}

// Manager is the single per-node ExamManager. All exam-state field
// access goes through mu, per spec §5's single-reentrant-mutex-owner
// rule (Go has no native reentrant mutex, so every method here takes the
// lock itself and never calls another locking method while held).
type Manager struct {
	cfg        Config
	engine     EngineControl
	classrooms ClassroomResolver

	onStart func(models.ExamSession)
	onStop  func(models.ExamSession)
	onSync  func()

	mu             sync.Mutex
	session        models.ExamSession
	seatMap        models.SeatMap
	anomalyCounter models.AnomalyCounter
	anomalyRuns    map[models.AnomalyRunKey]*models.AnomalyRun
	frameCounter   int
	nextExamID     int

	autoStopCancel chan struct{}
	calibCancel    chan struct{}
	syncCancel     chan struct{}
}

// New creates an idle Manager. Callbacks may be nil.
func New(cfg Config, engine EngineControl, classrooms ClassroomResolver, onStart, onStop func(models.ExamSession), onSync func()) *Manager {
	return &Manager{
		cfg:            cfg,
		engine:         engine,
		classrooms:     classrooms,
		onStart:        onStart,
		onStop:         onStop,
		onSync:         onSync,
		anomalyCounter: models.AnomalyCounter{},
		anomalyRuns:    map[models.AnomalyRunKey]*models.AnomalyRun{},
	}
}

// IsRunning reports whether an exam is currently active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Running
}

// Session returns a copy of the current exam session state.
func (m *Manager) Session() models.ExamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// StartExam implements the Idle -> Running transition.
func (m *Manager) StartExam(subject, durationMinutes string, classroomID int) error {
	durMin, err := strconv.Atoi(durationMinutes)
	if err != nil || durMin <= 0 {
		return errs.Wrap(errs.ConfigError, "invalid duration", err)
	}
	url, ok := m.classrooms.URL(classroomID)
	if !ok {
		return errs.New(errs.ConfigError, fmt.Sprintf("unknown classroom %d", classroomID))
	}

	m.mu.Lock()
	if m.session.Running {
		m.mu.Unlock()
		return errs.New(errs.ExamStateError, "exam already running")
	}

	m.nextExamID++
	startEpoch := clock.NowNano() / int64(time.Second)
	key := clock.ExamKey(subject, classroomID, startEpoch)
	snapshotDir := "snapshots/" + key

	m.session = models.ExamSession{
		Running: true, ExamID: m.nextExamID, Subject: subject, ClassroomID: classroomID,
		DurationSec: durMin * 60, StartedAtMono: clock.NowNano(), SnapshotDir: snapshotDir, ExamKey: key,
	}
	m.seatMap = nil
	m.anomalyCounter = models.AnomalyCounter{}
	m.anomalyRuns = map[models.AnomalyRunKey]*models.AnomalyRun{}
	m.frameCounter = 0
	session := m.session
	m.autoStopCancel = make(chan struct{})
	m.calibCancel = make(chan struct{})
	m.mu.Unlock()

	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		telemetry.L().Error("exam: mkdir snapshot dir: %v", err)
	}

	m.engine.SetVideoSource(url)
	m.engine.SetVideoOn(true)
	m.engine.SetInferenceOn(true)

	go m.autoStopTimer(session.DurationSec, m.autoStopCancel)
	go m.calibrationTimer(m.cfg.TrackDelaySeconds, m.calibCancel)

	if m.onStart != nil {
		m.onStart(session)
	}
	return nil
}

// StopExam implements Running -> Idle, whether called via the HTTP API
// or by auto-stop timer expiry.
func (m *Manager) StopExam() error {
	m.mu.Lock()
	if !m.session.Running {
		m.mu.Unlock()
		return errs.New(errs.ExamStateError, "no exam running")
	}
	session := m.session
	m.session = models.ExamSession{}
	m.seatMap = nil
	m.anomalyCounter = models.AnomalyCounter{}
	m.anomalyRuns = map[models.AnomalyRunKey]*models.AnomalyRun{}
	m.frameCounter = 0
	if m.autoStopCancel != nil {
		close(m.autoStopCancel)
		m.autoStopCancel = nil
	}
	if m.calibCancel != nil {
		close(m.calibCancel)
		m.calibCancel = nil
	}
	if m.syncCancel != nil {
		close(m.syncCancel)
		m.syncCancel = nil
	}
	m.mu.Unlock()

	m.engine.SetInferenceOn(false)
	m.engine.SetVideoOn(false)
	m.engine.SetTrackingOn(false)

	if session.SnapshotDir != "" {
		if err := archiveSnapshotDir(session.SnapshotDir, session.ExamKey); err != nil {
			telemetry.L().Error("exam: archive snapshots: %v", err)
		}
	}

	if m.onStop != nil {
		m.onStop(session)
	}
	return nil
}

func archiveSnapshotDir(snapshotDir, key string) error {
	if _, err := os.Stat(snapshotDir); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll("archives", 0755); err != nil {
		return errs.Wrap(errs.IOError, "mkdir archives", err)
	}
	if err := os.Rename(snapshotDir, "archives/"+key); err != nil {
		return errs.Wrap(errs.IOError, "rename snapshot dir", err)
	}
	return nil
}

// Recalibrate cancels any pending calibration timer, wipes counters and
// SeatMap, and raises the tracking gate again, only while Running.
func (m *Manager) Recalibrate() error {
	m.mu.Lock()
	if !m.session.Running {
		m.mu.Unlock()
		return errs.New(errs.ExamStateError, "no exam running")
	}
	if m.calibCancel != nil {
		close(m.calibCancel)
	}
	m.calibCancel = nil
	if m.syncCancel != nil {
		close(m.syncCancel)
	}
	m.seatMap = nil
	m.anomalyCounter = models.AnomalyCounter{}
	m.anomalyRuns = map[models.AnomalyRunKey]*models.AnomalyRun{}
	syncCancel := make(chan struct{})
	m.syncCancel = syncCancel
	m.mu.Unlock()

	m.engine.SetTrackingOn(true)
	go m.waitForCalibrationSync(syncCancel)
	return nil
}

func (m *Manager) autoStopTimer(durationSec int, cancel chan struct{}) {
	select {
	case <-time.After(time.Duration(durationSec) * time.Second):
		_ = m.StopExam()
	case <-cancel:
	}
}

func (m *Manager) calibrationTimer(delaySeconds int, cancel chan struct{}) {
	select {
	case <-time.After(time.Duration(delaySeconds) * time.Second):
		m.engine.SetTrackingOn(true)
		syncCancel := make(chan struct{})
		m.mu.Lock()
		m.syncCancel = syncCancel
		m.mu.Unlock()
		m.waitForCalibrationSync(syncCancel)
	case <-cancel:
	}
}

// waitForCalibrationSync polls until InferenceStage lowers the tracking
// gate (calibration complete) and then fires onSync, per spec §4.8's
// Recalibrate description.
func (m *Manager) waitForCalibrationSync(cancel chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			if !m.engine.TrackingOn() {
				if m.onSync != nil {
					m.onSync()
				}
				return
			}
		}
	}
}

// SetSeatMap is the CalibrationObserver hook InferenceStage calls once a
// calibration window completes.
func (m *Manager) SetSeatMap(sm models.SeatMap) {
	m.mu.Lock()
	m.seatMap = sm
	m.mu.Unlock()
}

// SeatMapSnapshot returns an immutable copy for PostProcessor's read side.
func (m *Manager) SeatMapSnapshot() models.SeatMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seatMap.Clone()
}

// IncrementFrameCounter is the sole write path for the global frame
// counter (spec §9's open question, resolved in favor of "all increments
// inside PostProcessor").
func (m *Manager) IncrementFrameCounter() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameCounter++
	return m.frameCounter
}

// Attribute finds the nearest seat to (x, y) within the configured
// threshold, per spec §4.7 step 2.
func (m *Manager) Attribute(x, y int) (seatID int, ok bool) {
	m.mu.Lock()
	sm := m.seatMap
	threshold := m.cfg.AnomalyMatchThreshold
	m.mu.Unlock()

	id, dist, found := sm.NearestSeat(x, y)
	if !found || dist > threshold {
		return 0, false
	}
	return id, true
}

// RecordDetection increments the seat's AnomalyCounter (if classID is an
// anomaly class) and updates the (seat, class) AnomalyRun (if classID is
// a snapshot class), returning whether a snapshot should fire now.
func (m *Manager) RecordDetection(seatID, classID, frame int) (shouldSnapshot bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.AnomalyClasses[classID] {
		m.anomalyCounter[seatID]++
	}
	if !m.cfg.SnapshotClasses[classID] {
		return false
	}

	key := models.AnomalyRunKey{SeatID: seatID, ClassID: classID}
	run, exists := m.anomalyRuns[key]
	if !exists {
		run = &models.AnomalyRun{}
		m.anomalyRuns[key] = run
	}
	run.Observe(frame)
	if run.ShouldSnapshot(frame, m.cfg.SnapshotThresholdFrames, m.cfg.SnapshotCooldownFrames) {
		run.MarkSnapshot(frame)
		return true
	}
	return false
}

// Anomalies returns the per-seat anomaly summary sorted by seat id, for
// GET /exam/anomalies.
func (m *Manager) Anomalies() []AnomalySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AnomalySummary, 0, len(m.anomalyCounter))
	for seatID, count := range m.anomalyCounter {
		x, y := 0, 0
		if c, ok := m.seatMap[seatID]; ok {
			x, y = c[0], c[1]
		}
		out = append(out, AnomalySummary{SeatID: seatID, X: x, Y: y, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out
}

// StudentCount reports |SeatMap|, for Heartbeat's details payload.
func (m *Manager) StudentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seatMap)
}
