package main

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-quiver/internal/anomaly"
	"github.com/23skdu/longbow-quiver/internal/arrow_client"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/ffn"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

const exportInterval = 5 * time.Second

// session wires one compute context with its monitor and, when export is
// enabled, a Flight exporter that drains the monitor's results.
type session struct {
	cfg      config.Config
	ctx      *cpu.Context
	tracker  *anomaly.Tracker
	monitor  *anomaly.Monitor
	client   *arrow_client.FlightClient
	exporter *arrow_client.Exporter
	done     chan struct{}
}

func newSession(ctx context.Context, cfg config.Config, layers int) (*session, error) {
	dtype, err := cpu.ParseDataType(cfg.Precision)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:     cfg,
		ctx:     cpu.NewContext(cpu.WithDataType(dtype), cpu.WithThreads(cfg.Threads)),
		tracker: anomaly.NewTracker(layers),
	}
	s.monitor = anomaly.FromConfig(cfg.Anomaly, dtype, anomaly.WithReporter(s.tracker))

	if cfg.Export.Enabled {
		s.client = arrow_client.NewFlightClient(cfg.Export.Host, cfg.Export.Port)
		if err := s.client.Connect(ctx); err != nil {
			s.ctx.Free()
			return nil, fmt.Errorf("connect anomaly collector %s: %w", s.client.Addr(), err)
		}
		s.exporter = arrow_client.NewExporter(s.client, cfg.Export.FlushEvery)
		s.monitor.AddReporter(s.exporter)
		s.done = make(chan struct{})
		go func() {
			defer close(s.done)
			s.exporter.Run(ctx, exportInterval)
		}()
		logger.Log.Info("anomaly export enabled", "collector", s.client.Addr(), "flush_every", cfg.Export.FlushEvery)
	}
	return s, nil
}

func (s *session) layer() *ffn.Layer {
	return ffn.NewLayer(s.ctx,
		ffn.WithFreeBufferAfterForward(s.cfg.FreeBufferAfterForward),
		ffn.WithMonitor(s.monitor),
	)
}

// close flushes pending exports before tearing the context down. The
// exporter's Run performs the final flush once its context is done.
func (s *session) close(cancel context.CancelFunc) {
	if s.exporter != nil {
		cancel()
		<-s.done
		if err := s.client.Close(); err != nil {
			logger.Log.Warn("closing collector connection", "error", err)
		}
	}
	s.ctx.Free()
}
