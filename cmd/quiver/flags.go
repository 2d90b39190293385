package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/logger"
)

// commonFlags are accepted by every command. Flags override the config
// file only when set explicitly.
func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
		&cli.StringFlag{Name: "precision", Usage: "buffer element type: f32, f16 or bf16"},
		&cli.IntFlag{Name: "threads", Usage: "row parallelism inside kernels (0 = NumCPU)"},
		&cli.BoolFlag{Name: "free-buffers", Usage: "release transient FFN buffers after every forward"},
		&cli.BoolFlag{Name: "anomaly", Usage: "enable the anomaly monitor"},
		&cli.Float64Flag{Name: "anomaly-limit", Usage: "clamp magnitude (0 = max finite of precision)"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		&cli.StringFlag{Name: "log-format", Usage: "console or json"},
	}
}

// loadConfig layers defaults, the optional config file and explicit flags,
// validates the result and configures logging.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("precision") {
		cfg.Precision = cmd.String("precision")
	}
	if cmd.IsSet("threads") {
		cfg.Threads = int(cmd.Int("threads"))
	}
	if cmd.IsSet("free-buffers") {
		cfg.FreeBufferAfterForward = cmd.Bool("free-buffers")
	}
	if cmd.IsSet("anomaly") {
		cfg.Anomaly.Enabled = cmd.Bool("anomaly")
	}
	if cmd.IsSet("anomaly-limit") {
		cfg.Anomaly.Limit = float32(cmd.Float64("anomaly-limit"))
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
}
