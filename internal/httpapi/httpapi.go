// Package httpapi implements the node's HTTP surface from spec §6: the
// status/gate/exam/classroom endpoints and the MJPEG /stream handler.
// The out-of-scope boundary in spec.md explicitly names "the HTTP/REST
// framework" as an external collaborator concern, so this is one of the
// deliberately-stdlib components: net/http.ServeMux is sufficient and no
// example repo in the pack pulls in a router/framework for a surface
// this small (DESIGN.md records this justification).
//
// The --frame multipart writer is grounded in orbo's
// internal/stream/mjpeg.go ServeHTTP, translated from its per-client
// channel fan-out to FrameBus.WaitNewer's blocking poll (spec §6: "never
// duplicates frames to a given client").
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hualinli/proctor-node/internal/config"
	"github.com/hualinli/proctor-node/internal/exam"
	"github.com/hualinli/proctor-node/internal/framebus"
	"github.com/hualinli/proctor-node/internal/telemetry"
)

// Engine is the gate-setter/status surface the /status and /cmd routes
// need. Implemented by the orchestrator's EngineControl facade.
type Engine interface {
	SetVideoSource(uri string)
	SetVideoOn(on bool)
	SetInferenceOn(on bool)
	InferenceOn() bool
	VideoOn() bool
	IsInferring() bool
	FPS() float64
}

// Server bundles the mux and its collaborators.
type Server struct {
	engine     Engine
	examMgr    *exam.Manager
	classrooms *config.ClassroomStore
	bus        *framebus.Bus
	mux        *http.ServeMux
}

// New builds the Server and registers all routes.
func New(engine Engine, examMgr *exam.Manager, classrooms *config.ClassroomStore, bus *framebus.Bus) *Server {
	s := &Server{engine: engine, examMgr: examMgr, classrooms: classrooms, bus: bus}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

// ServeHTTP lets Server itself be passed to http.Server.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/cmd/", s.handleCmd)
	s.mux.HandleFunc("/exam/start", s.handleExamStart)
	s.mux.HandleFunc("/exam/stop", s.handleExamStop)
	s.mux.HandleFunc("/exam/status", s.handleExamStatus)
	s.mux.HandleFunc("/exam/anomalies", s.handleExamAnomalies)
	s.mux.HandleFunc("/classrooms", s.handleClassrooms)
	s.mux.HandleFunc("/stream", s.handleStream)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

// GET /status -> {success, data:{inferring, video_running, is_inferring, fps}}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"inferring":     s.engine.InferenceOn(),
			"video_running": s.engine.VideoOn(),
			"is_inferring":  s.engine.IsInferring(),
			"fps":           s.engine.FPS(),
		},
	})
}

// GET /cmd/{start|stop|start_video|stop_video|start_inference|stop_inference}
// GET /cmd/set_video/{path}
func (s *Server) handleCmd(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/cmd/")
	switch {
	case action == "start" || action == "start_video":
		s.engine.SetVideoOn(true)
	case action == "stop" || action == "stop_video":
		s.engine.SetVideoOn(false)
	case action == "start_inference":
		s.engine.SetInferenceOn(true)
	case action == "stop_inference":
		s.engine.SetInferenceOn(false)
	case strings.HasPrefix(action, "set_video/"):
		path := strings.TrimPrefix(action, "set_video/")
		s.engine.SetVideoSource(path)
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "unknown command"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type examStartRequest struct {
	Subject     string `json:"subject"`
	Duration    string `json:"duration"`
	ClassroomID int    `json:"classroom_id"`
}

// POST /exam/start {subject, duration, classroom_id}
func (s *Server) handleExamStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"success": false, "error": "method not allowed"})
		return
	}
	var req examStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.examMgr.StartExam(req.Subject, req.Duration, req.ClassroomID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /exam/stop
func (s *Server) handleExamStop(w http.ResponseWriter, r *http.Request) {
	if err := s.examMgr.StopExam(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GET /exam/status
func (s *Server) handleExamStatus(w http.ResponseWriter, r *http.Request) {
	session := s.examMgr.Session()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": session})
}

// GET /exam/anomalies -> per-seat list sorted by seat id {id, coord:"(x, y)", count}
func (s *Server) handleExamAnomalies(w http.ResponseWriter, r *http.Request) {
	rows := s.examMgr.Anomalies()
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, map[string]any{
			"id":    row.SeatID,
			"coord": fmt.Sprintf("(%d, %d)", row.X, row.Y),
			"count": row.Count,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": out})
}

// GET /classrooms ; POST /classrooms (atomic replace).
func (s *Server) handleClassrooms(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": s.classrooms.All()})
	case http.MethodPost:
		var body struct {
			Classrooms []config.Classroom `json:"classrooms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.classrooms.Replace(body.Classrooms); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"success": false, "error": "method not allowed"})
	}
}

// GET /stream: multipart/x-mixed-replace, driven by FrameBus.WaitNewer so
// a client is never shown the same frame twice, per spec §6.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var lastSeen uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, id, res := s.bus.WaitNewer(lastSeen, time.Second)
		if res == framebus.Shutdown {
			return
		}
		if res == framebus.Timeout {
			continue
		}
		lastSeen = id

		if _, err := fmt.Fprintf(w, "\r\n--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
			return
		}
		if _, err := w.Write(data); err != nil {
			return
		}
		if _, err := fmt.Fprint(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// Run starts an http.Server on addr and blocks until ctx is cancelled,
// then shuts down gracefully, per the teacher's Start/Stop goroutine
// shape generalized to net/http.Server's own graceful-shutdown support.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		telemetry.L().Info("httpapi: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

