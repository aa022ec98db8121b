// Package heartbeat implements Heartbeat (spec component C9): a periodic
// status reporter and a synchronous task-sync/alert-upload client,
// grounded in original_source/backend/app/heartbeat.py's HeartbeatManager
// (status derivation from lastError/isInferring, the same
// X-Node-Token header, and the same three endpoints) translated into
// a ticker goroutine + net/http.Client in the teacher's worker-loop idiom.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hualinli/proctor-node/internal/telemetry"
	"github.com/hualinli/proctor-node/models"
)

// EngineObserver is the read-only slice of node state Heartbeat reports,
// per spec §5 ("Heartbeat observes InferenceStage and ExamManager state
// only (read-only)").
type EngineObserver interface {
	VideoOn() bool
	InferenceOn() bool
	IsInferring() bool
	LastError() error
	CurrentSourceURI() string
	FPS() float64
}

// ExamObserver is the exam-side state included in the heartbeat details
// payload when an exam is running.
type ExamObserver interface {
	IsRunning() bool
	Session() models.ExamSession
	StudentCount() int
}

// Config bundles the control-center connection settings from spec §6.
type Config struct {
	ControlCenterURL  string
	NodeToken         string
	HeartbeatInterval time.Duration
}

// Client implements periodic heartbeats plus the synchronous SyncTask and
// UploadAlert calls.
type Client struct {
	cfg     Config
	engine  EngineObserver
	exam    ExamObserver
	http    *http.Client
	metrics *telemetry.Metrics

	exitCh chan struct{}
}

// New creates a heartbeat Client.
func New(cfg Config, engine EngineObserver, exam ExamObserver, metrics *telemetry.Metrics) *Client {
	return &Client{
		cfg:     cfg,
		engine:  engine,
		exam:    exam,
		http:    &http.Client{},
		metrics: metrics,
		exitCh:  make(chan struct{}),
	}
}

// Start launches the periodic heartbeat ticker until ctx is cancelled or
// Stop is called.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
	telemetry.L().Info("heartbeat: started, interval=%s", c.cfg.HeartbeatInterval)
}

// Stop halts the ticker loop.
func (c *Client) Stop() {
	select {
	case <-c.exitCh:
	default:
		close(c.exitCh)
	}
}

func (c *Client) run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.exitCh:
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Client) tick(ctx context.Context) {
	status, details := c.snapshot()
	body, err := json.Marshal(map[string]any{"status": status, "details": details})
	if err != nil {
		telemetry.L().Error("heartbeat: marshal payload: %v", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.ControlCenterURL+"/node-api/v1/heartbeat", bytes.NewReader(body))
	if err != nil {
		telemetry.L().Error("heartbeat: build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-Token", c.cfg.NodeToken)

	resp, err := c.http.Do(req)
	if err != nil {
		// TransportError: logged and swallowed, per spec §7 — next tick retries.
		telemetry.L().Warn("heartbeat: POST failed: %v", err)
		if c.metrics != nil {
			c.metrics.HeartbeatFails.Inc()
		}
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}

// status derivation: error if lastError set, busy if inferring, else
// idle, per spec §4.9.
func (c *Client) snapshot() (string, map[string]any) {
	status := "idle"
	if c.engine.LastError() != nil {
		status = "error"
	} else if c.engine.IsInferring() {
		status = "busy"
	}

	details := map[string]any{
		"fps":           c.engine.FPS(),
		"video_running": c.engine.VideoOn(),
		"inferring":     c.engine.InferenceOn(),
		"current_video": c.engine.CurrentSourceURI(),
		"last_error":    errString(c.engine.LastError()),
	}
	if c.exam != nil && c.exam.IsRunning() {
		session := c.exam.Session()
		details["exam_running"] = true
		details["subject"] = session.Subject
		details["classroom_id"] = session.ClassroomID
		details["student_count"] = c.exam.StudentCount()
	}
	return status, details
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SyncResponse is the parsed body of a /node-api/v1/tasks/sync reply.
type SyncResponse struct {
	Success bool   `json:"success"`
	ExamID  int    `json:"exam_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SyncTask POSTs payload to /node-api/v1/tasks/sync and returns the
// parsed response synchronously, per spec §4.9.
func (c *Client) SyncTask(ctx context.Context, payload map[string]any) (*SyncResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: marshal sync payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.ControlCenterURL+"/node-api/v1/tasks/sync", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-Token", c.cfg.NodeToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return &SyncResponse{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	var out SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &SyncResponse{Success: false, Error: "decode response: " + err.Error()}, nil
	}
	return &out, nil
}

// UploadAlert implements postproc.AlertUploader: a multipart POST to
// /node-api/v1/alerts carrying the evidence JPEG, per spec §6. Each upload
// gets a fresh evidence_id (a form field and the image filename) so the
// control center and this node's own logs can correlate a snapshot to the
// alert row it produced. The POST is attempted once; a failure is logged
// and not retried.
func (c *Client) UploadAlert(ctx context.Context, classroomID, examID, seatID, x, y, classID int, jpeg []byte) {
	evidenceID := uuid.New().String()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("room_id", fmt.Sprintf("%d", classroomID))
	_ = w.WriteField("exam_id", fmt.Sprintf("%d", examID))
	_ = w.WriteField("type", models.AlertType(classID))
	_ = w.WriteField("seat_number", fmt.Sprintf("%d", seatID))
	_ = w.WriteField("x", fmt.Sprintf("%d", x))
	_ = w.WriteField("y", fmt.Sprintf("%d", y))
	_ = w.WriteField("evidence_id", evidenceID)
	part, err := w.CreateFormFile("image", evidenceID+".jpg")
	if err != nil {
		telemetry.L().Error("heartbeat: alert multipart: %v", err)
		return
	}
	if _, err := part.Write(jpeg); err != nil {
		telemetry.L().Error("heartbeat: alert write image: %v", err)
		return
	}
	if err := w.Close(); err != nil {
		telemetry.L().Error("heartbeat: alert multipart close: %v", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.ControlCenterURL+"/node-api/v1/alerts", &buf)
	if err != nil {
		telemetry.L().Error("heartbeat: alert request: %v", err)
		return
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Node-Token", c.cfg.NodeToken)

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.L().Warn("heartbeat: alert %s POST failed: %v", evidenceID, err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}
