// Package monitoring serves the health surface of a running core:
// liveness, Prometheus metrics, anomaly history and the compiled attention
// kernel table.
package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-quiver/internal/anomaly"
	"github.com/23skdu/longbow-quiver/internal/attention"
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

// HealthStatus is the /healthz body.
type HealthStatus struct {
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	Uptime            string    `json:"uptime"`
	GoVersion         string    `json:"go_version"`
	Arch              string    `json:"arch"`
	NumCPU            int       `json:"num_cpu"`
	DeviceMemoryBytes int64     `json:"device_memory_bytes"`
	SaturatedLayers   []int     `json:"saturated_layers"`
	CollapsedLayers   []int     `json:"collapsed_layers"`
}

// KernelTable is the /kernels body.
type KernelTable struct {
	Native   string   `json:"native"`
	Compiled []string `json:"compiled"`
}

type Server struct {
	e       *echo.Echo
	tracker *anomaly.Tracker
	start   time.Time
}

func NewServer(tracker *anomaly.Tracker) *Server {
	if tracker == nil {
		tracker = anomaly.NewTracker(0)
	}
	s := &Server{e: echo.New(), tracker: tracker, start: time.Now()}
	s.e.Use(middleware.Recover())

	s.e.GET("/healthz", s.handleHealth)
	s.e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.e.GET("/anomalies", s.handleAnomalies)
	s.e.GET("/kernels", s.handleKernels)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	logger.Log.With("component", "monitoring").Info("starting monitoring server", "address", addr)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, s.e)
}

// A layer that produced NaN marks the process degraded.
func (s *Server) handleHealth(c *echo.Context) error {
	status := HealthStatus{
		Status:            "healthy",
		Timestamp:         time.Now().UTC(),
		Uptime:            time.Since(s.start).Round(time.Second).String(),
		GoVersion:         runtime.Version(),
		Arch:              runtime.GOARCH,
		NumCPU:            runtime.NumCPU(),
		DeviceMemoryBytes: cpu.AllocatedBytes(),
		SaturatedLayers:   s.tracker.SaturatedLayers(),
		CollapsedLayers:   s.tracker.CollapsedLayers(),
	}
	code := http.StatusOK
	if len(status.CollapsedLayers) > 0 {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// /anomalies returns the full trace history, or with ?stage= only the
// layers that needed correction at that stage.
func (s *Server) handleAnomalies(c *echo.Context) error {
	if stage := c.QueryParam("stage"); stage != "" {
		return c.JSON(http.StatusOK, map[string]any{
			"stage":  stage,
			"layers": s.tracker.Layers(anomaly.Stage(stage)),
		})
	}
	body, err := s.tracker.ExportJSON()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, body)
}

func (s *Server) handleKernels(c *echo.Context) error {
	keys := attention.Keys()
	table := KernelTable{
		Native:   attention.Native().String(),
		Compiled: make([]string, len(keys)),
	}
	for i, k := range keys {
		table.Compiled[i] = k.String()
	}
	return c.JSON(http.StatusOK, table)
}
