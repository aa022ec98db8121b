// Command proctor-node runs one edge inference node: video ingress,
// detection+classification, seat attribution/evidence capture, and
// control-center reporting, fanned out over an MJPEG viewer endpoint.
//
// Generalized from the teacher's cmd/main.go: the same
// flag/logger/signal-context/stats-ticker/shutdown shape, with the
// sensor/fusion/recording controllers replaced by
// internal/orchestrator.Node.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hualinli/proctor-node/internal/config"
	"github.com/hualinli/proctor-node/internal/modelrt"
	"github.com/hualinli/proctor-node/internal/orchestrator"
	"github.com/hualinli/proctor-node/internal/telemetry"
	"github.com/hualinli/proctor-node/internal/videoreader"
	"github.com/hualinli/proctor-node/internal/videosrc"
)

func main() {
	configPath := flag.String("config", "config/node.yaml", "path to node.yaml")
	classroomsPath := flag.String("classrooms", "config/classrooms.json", "path to classrooms.json")
	logFile := flag.String("log", "", "optional log file path (stdout is always included)")
	httpAddr := flag.String("addr", ":8080", "HTTP listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address")
	flag.Parse()

	logger := telemetry.InitLogger(telemetry.INFO, *logFile)
	defer logger.Close()

	telemetry.L().Info("════════════════════════════════════════════")
	telemetry.L().Info("  proctor-node · edge exam-proctoring runtime")
	telemetry.L().Info("  GOMAXPROCS=%d · PID=%d", runtime.GOMAXPROCS(0), os.Getpid())
	telemetry.L().Info("════════════════════════════════════════════")

	cfg, err := config.Load(*configPath)
	if err != nil {
		telemetry.L().Fatal("load config: %v", err)
	}

	classrooms, err := config.NewClassroomStore(*classroomsPath)
	if err != nil {
		telemetry.L().Fatal("load classrooms: %v", err)
	}
	defer classrooms.Close()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	go serveMetrics(*metricsAddr)

	runtimeBackend := modelrt.Fixture{InferFunc: nil} // replace with a real modelrt.Runtime once a backend is wired
	newSource := func() videoreader.Source { return videosrc.NewJPEGDirSource(videoreader.DefaultFPS) }

	node := orchestrator.New(cfg, classrooms, runtimeBackend, newSource, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		telemetry.L().Info("received signal: %v — shutting down…", sig)
		if node.ExamManager().IsRunning() {
			if err := node.ExamManager().StopExam(); err != nil {
				telemetry.L().Error("stop exam during shutdown: %v", err)
			}
		}
		cancel()
	}()

	telemetry.L().Info("pipeline running on %s — press Ctrl+C to stop", *httpAddr)

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-statsTicker.C:
				if node.ExamManager().IsRunning() {
					session := node.ExamManager().Session()
					telemetry.L().Info("── stats ── exam %q running in classroom %d, %d students",
						session.Subject, session.ClassroomID, node.ExamManager().StudentCount())
				} else {
					telemetry.L().Info("── stats ── idle, no exam running")
				}
			}
		}
	}()

	if err := node.Run(ctx, *httpAddr); err != nil {
		telemetry.L().Fatal("node run: %v", err)
	}

	telemetry.L().Info("proctor-node exited cleanly")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	telemetry.L().Info("metrics: listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		telemetry.L().Warn("metrics server stopped: %v", err)
	}
}
