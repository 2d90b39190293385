package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/ffn"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/monitoring"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the monitoring server (health, metrics, anomalies, kernels)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (default: metrics_addr from config)"},
			&cli.IntFlag{Name: "warmup", Usage: "synthetic forwards to run per mode before serving"},
			&cli.IntFlag{Name: "layers", Value: 1, Usage: "layer count reported by the anomaly tracker"},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr := cfg.MetricsAddr
	if cmd.IsSet("addr") {
		addr = cmd.String("addr")
	}
	if addr == "" {
		return fmt.Errorf("no listen address: set --addr or metrics_addr")
	}
	if _, err := resolvedKey(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess, err := newSession(ctx, cfg, int(cmd.Int("layers")))
	if err != nil {
		return err
	}
	defer sess.close(cancel)

	if n := int(cmd.Int("warmup")); n > 0 {
		sh := shape{Hidden: 64, Inter: 172, Seed: 1}
		for _, mode := range []ffn.Mode{ffn.ModeFusedSilu, ffn.ModeFused, ffn.ModeSeparate} {
			bundle, err := syntheticBundle(mode, sh)
			if err != nil {
				return err
			}
			if _, err := forwardOnce(sess, bundle, sh.Hidden, 4, 0, n, sh.Seed, nil); err != nil {
				return fmt.Errorf("warmup %s: %w", mode, err)
			}
		}
		logger.Log.Info("warmup complete", "forwards_per_mode", n)
	}

	srv := monitoring.NewServer(sess.tracker)
	if err := srv.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
