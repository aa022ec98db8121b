package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hualinli/proctor-node/models"
)

type fakeEngine struct {
	videoOn, inferenceOn, isInferring bool
	lastErr                           error
	uri                               string
	fps                               float64
}

func (f *fakeEngine) VideoOn() bool            { return f.videoOn }
func (f *fakeEngine) InferenceOn() bool        { return f.inferenceOn }
func (f *fakeEngine) IsInferring() bool        { return f.isInferring }
func (f *fakeEngine) LastError() error         { return f.lastErr }
func (f *fakeEngine) CurrentSourceURI() string { return f.uri }
func (f *fakeEngine) FPS() float64             { return f.fps }

type fakeExam struct {
	running bool
	session models.ExamSession
	count   int
}

func (f *fakeExam) IsRunning() bool             { return f.running }
func (f *fakeExam) Session() models.ExamSession { return f.session }
func (f *fakeExam) StudentCount() int           { return f.count }

func TestTickPostsHeartbeatWithNodeToken(t *testing.T) {
	var gotToken string
	var gotStatus string
	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotToken = r.Header.Get("X-Node-Token")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotStatus, _ = body["status"].(string)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := &fakeEngine{inferenceOn: true, isInferring: true}
	exam := &fakeExam{}
	c := New(Config{ControlCenterURL: srv.URL, NodeToken: "tok-123", HeartbeatInterval: 20 * time.Millisecond}, engine, exam, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&hits) == 0 {
		select {
		case <-deadline:
			t.Fatal("no heartbeat received")
		case <-time.After(time.Millisecond):
		}
	}

	require.Equal(t, "tok-123", gotToken)
	require.Equal(t, "busy", gotStatus)
}

func TestStatusIsErrorWhenLastErrorSet(t *testing.T) {
	engine := &fakeEngine{lastErr: require.AnError}
	c := New(Config{}, engine, nil, nil)
	status, _ := c.snapshot()
	require.Equal(t, "error", status)
}

func TestSyncTaskParsesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SyncResponse{Success: true, ExamID: 7})
	}))
	defer srv.Close()

	c := New(Config{ControlCenterURL: srv.URL, NodeToken: "t"}, &fakeEngine{}, nil, nil)
	resp, err := c.SyncTask(context.Background(), map[string]any{"exam_id": 7})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 7, resp.ExamID)
}

func TestUploadAlertSendsMultipart(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotType = r.FormValue("type")
		_, _, err := r.FormFile("image")
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{ControlCenterURL: srv.URL, NodeToken: "t"}, &fakeEngine{}, nil, nil)
	c.UploadAlert(context.Background(), 1, 2, 3, 10, 20, 2, []byte{0xFF, 0xD8, 0xFF})
	require.Equal(t, models.AlertType(2), gotType)
}
