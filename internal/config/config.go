// Package config loads the node's YAML configuration and overlays
// environment variables, the way the teacher's utils/config_loader.go
// loads sensors.yaml/storage.yaml with yaml.v3 — generalized here to the
// single flat key space spec §6 defines, plus an env-var overlay pass the
// teacher didn't need (its config was file-only).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config mirrors spec §6's key list one field at a time. yaml tags give
// the on-disk key; overlayEnv uses the same name uppercased with dots
// replaced by underscores to look up an environment override.
type Config struct {
	QueueSize int `yaml:"queue_size"`

	DeviceID     int    `yaml:"device_id"`
	DetModelPath string `yaml:"det_model_path"`
	ClsModelPath string `yaml:"cls_model_path"`

	DetSize [2]int `yaml:"det_size"`
	ClsSize [2]int `yaml:"cls_size"`
	ClsBatch int   `yaml:"cls_batch"`

	ConfThres float64 `yaml:"conf_thres"`
	IoUThres  float64 `yaml:"iou_thres"`

	FPSWindowSize int `yaml:"fps_window_size"`
	JPEGQuality   int `yaml:"jpeg_quality"`
	JPEGWidth     int `yaml:"jpeg_width"`

	ClassNames  []string  `yaml:"class_names"`
	ClassColors [][3]uint8 `yaml:"class_colors"`

	AnomalyClasses  []int `yaml:"anomaly_classes"`
	SnapshotClasses []int `yaml:"snapshot_classes"`

	AnomalyMatchThreshold float64 `yaml:"anomaly_match_threshold"`

	SnapshotThresholdFrames int `yaml:"snapshot_threshold_frames"`
	SnapshotCooldownFrames  int `yaml:"snapshot_cooldown_frames"`

	TrackMaxFrames     int `yaml:"track_max_frames"`
	TrackDelaySeconds  int `yaml:"track_delay_seconds"`

	ControlCenterURL  string `yaml:"control_center_url"`
	NodeToken         string `yaml:"node_token"`
	HeartbeatInterval int    `yaml:"heartbeat_interval"`

	FrontendPath string `yaml:"frontend_path"`
}

// Load reads path as YAML, then overlays any matching environment
// variables (env always wins), matching spec §6's "every key is
// overridable" rule.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	overlayEnv(&cfg)
	return &cfg, nil
}

// envKey upper-cases a yaml key and swaps dots for underscores, per
// spec §6.
func envKey(yamlKey string) string {
	return strings.ToUpper(strings.ReplaceAll(yamlKey, ".", "_"))
}

func overlayEnv(cfg *Config) {
	overlayInt(&cfg.QueueSize, "queue_size")
	overlayInt(&cfg.DeviceID, "device_id")
	overlayString(&cfg.DetModelPath, "det_model_path")
	overlayString(&cfg.ClsModelPath, "cls_model_path")
	overlayIntPair(&cfg.DetSize, "det_size")
	overlayIntPair(&cfg.ClsSize, "cls_size")
	overlayInt(&cfg.ClsBatch, "cls_batch")
	overlayFloat(&cfg.ConfThres, "conf_thres")
	overlayFloat(&cfg.IoUThres, "iou_thres")
	overlayInt(&cfg.FPSWindowSize, "fps_window_size")
	overlayInt(&cfg.JPEGQuality, "jpeg_quality")
	overlayInt(&cfg.JPEGWidth, "jpeg_width")
	overlayStringSlice(&cfg.ClassNames, "class_names")
	overlayColorSlice(&cfg.ClassColors, "class_colors")
	overlayIntSlice(&cfg.AnomalyClasses, "anomaly_classes")
	overlayIntSlice(&cfg.SnapshotClasses, "snapshot_classes")
	overlayFloat(&cfg.AnomalyMatchThreshold, "anomaly_match_threshold")
	overlayInt(&cfg.SnapshotThresholdFrames, "snapshot_threshold_frames")
	overlayInt(&cfg.SnapshotCooldownFrames, "snapshot_cooldown_frames")
	overlayInt(&cfg.TrackMaxFrames, "track_max_frames")
	overlayInt(&cfg.TrackDelaySeconds, "track_delay_seconds")
	overlayString(&cfg.ControlCenterURL, "control_center_url")
	overlayString(&cfg.NodeToken, "node_token")
	overlayInt(&cfg.HeartbeatInterval, "heartbeat_interval")
	overlayString(&cfg.FrontendPath, "frontend_path")
}

func overlayString(dst *string, yamlKey string) {
	if v, ok := os.LookupEnv(envKey(yamlKey)); ok {
		*dst = v
	}
}

func overlayInt(dst *int, yamlKey string) {
	if v, ok := os.LookupEnv(envKey(yamlKey)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overlayFloat(dst *float64, yamlKey string) {
	if v, ok := os.LookupEnv(envKey(yamlKey)); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// overlayStringSlice parses a comma-separated env value, e.g.
// CLASS_NAMES="head_abnormal,phone,book".
func overlayStringSlice(dst *[]string, yamlKey string) {
	v, ok := os.LookupEnv(envKey(yamlKey))
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	*dst = out
}

// overlayIntSlice parses a comma-separated env value, e.g.
// ANOMALY_CLASSES="0,2,5".
func overlayIntSlice(dst *[]int, yamlKey string) {
	v, ok := os.LookupEnv(envKey(yamlKey))
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return
		}
		out = append(out, n)
	}
	*dst = out
}

// overlayIntPair parses a "W,H" env value into a [2]int, e.g.
// DET_SIZE="640,640".
func overlayIntPair(dst *[2]int, yamlKey string) {
	v, ok := os.LookupEnv(envKey(yamlKey))
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil {
		return
	}
	*dst = [2]int{w, h}
}

// overlayColorSlice parses a ";"-separated list of "R,G,B" triples, e.g.
// CLASS_COLORS="255,0,0;0,255,0".
func overlayColorSlice(dst *[][3]uint8, yamlKey string) {
	v, ok := os.LookupEnv(envKey(yamlKey))
	if !ok {
		return
	}
	groups := strings.Split(v, ";")
	out := make([][3]uint8, 0, len(groups))
	for _, g := range groups {
		parts := strings.Split(g, ",")
		if len(parts) != 3 {
			return
		}
		var triple [3]uint8
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || n < 0 || n > 255 {
				return
			}
			triple[i] = uint8(n)
		}
		out = append(out, triple)
	}
	*dst = out
}
