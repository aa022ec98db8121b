package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
queue_size: 32
device_id: 0
det_model_path: /models/det.onnx
cls_model_path: /models/cls.onnx
cls_batch: 4
conf_thres: 0.4
iou_thres: 0.45
fps_window_size: 30
jpeg_quality: 80
jpeg_width: 960
anomaly_match_threshold: 60
snapshot_threshold_frames: 12
snapshot_cooldown_frames: 720
track_max_frames: 90
track_delay_seconds: 3
control_center_url: http://control.example
node_token: abc123
heartbeat_interval: 10
frontend_path: /srv/frontend
`

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 32, cfg.QueueSize)
	require.Equal(t, "abc123", cfg.NodeToken)
	require.Equal(t, 720, cfg.SnapshotCooldownFrames)
}

func TestEnvOverlayTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	t.Setenv("QUEUE_SIZE", "999")
	t.Setenv("NODE_TOKEN", "overridden")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 999, cfg.QueueSize)
	require.Equal(t, "overridden", cfg.NodeToken)
}

func TestEnvOverlayCoversSliceAndArrayKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	t.Setenv("DET_SIZE", "640,384")
	t.Setenv("CLS_SIZE", "224,224")
	t.Setenv("CLASS_NAMES", "head_abnormal, phone, book")
	t.Setenv("CLASS_COLORS", "255,0,0;0,255,0;0,0,255")
	t.Setenv("ANOMALY_CLASSES", "0,2")
	t.Setenv("SNAPSHOT_CLASSES", "1")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, [2]int{640, 384}, cfg.DetSize)
	require.Equal(t, [2]int{224, 224}, cfg.ClsSize)
	require.Equal(t, []string{"head_abnormal", "phone", "book"}, cfg.ClassNames)
	require.Equal(t, [][3]uint8{{255, 0, 0}, {0, 255, 0}, {0, 0, 255}}, cfg.ClassColors)
	require.Equal(t, []int{0, 2}, cfg.AnomalyClasses)
	require.Equal(t, []int{1}, cfg.SnapshotClasses)
}

func TestClassroomStoreLoadAndReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classrooms.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"classrooms":[{"id":1,"url":"file://a.mp4"}]}`), 0644))

	store, err := NewClassroomStore(path)
	require.NoError(t, err)
	defer store.Close()

	url, ok := store.URL(1)
	require.True(t, ok)
	require.Equal(t, "file://a.mp4", url)

	require.NoError(t, store.Replace([]Classroom{{ID: 2, URL: "file://b.mp4"}}))
	_, ok = store.URL(1)
	require.False(t, ok)
	url, ok = store.URL(2)
	require.True(t, ok)
	require.Equal(t, "file://b.mp4", url)
}
