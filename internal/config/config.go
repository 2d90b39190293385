package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration of the compute core. Zero values are
// not meaningful; start from Default.
type Config struct {
	// FreeBufferAfterForward releases transient FFN buffers at the end of
	// every forward call instead of keeping them for the next call.
	FreeBufferAfterForward bool `yaml:"free_buffer_after_forward"`

	// Precision is the element type of device buffers: f32, f16 or bf16.
	Precision string `yaml:"precision"`

	// Threads bounds row parallelism inside projection kernels. 0 = NumCPU.
	Threads int `yaml:"threads"`

	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Attention AttentionConfig `yaml:"attention"`
	Export    ExportConfig    `yaml:"export"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type AnomalyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Limit is the largest magnitude left untouched. 0 selects the maximum
	// finite value of the configured precision.
	Limit          float32 `yaml:"limit"`
	LogCorrections bool    `yaml:"log_corrections"`
}

type AttentionConfig struct {
	HeadDim     int    `yaml:"head_dim"`
	CacheLayout string `yaml:"cache_layout"`
	BlockSize   int    `yaml:"block_size"`
}

type ExportConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	FlushEvery int    `yaml:"flush_every"`
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Precision) {
	case "f32", "f16", "bf16":
	default:
		return fmt.Errorf("invalid precision: %q (must be f32, f16 or bf16)", c.Precision)
	}
	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.Threads)
	}
	if c.Anomaly.Limit < 0 {
		return fmt.Errorf("invalid anomaly.limit: %f (must be non-negative)", c.Anomaly.Limit)
	}
	if c.Attention.HeadDim <= 0 {
		return fmt.Errorf("invalid attention.head_dim: %d (must be positive)", c.Attention.HeadDim)
	}
	switch strings.ToLower(c.Attention.CacheLayout) {
	case "contiguous":
	case "paged":
		if c.Attention.BlockSize <= 0 {
			return fmt.Errorf("invalid attention.block_size: %d (must be positive for paged cache)", c.Attention.BlockSize)
		}
	default:
		return fmt.Errorf("invalid attention.cache_layout: %q (must be contiguous or paged)", c.Attention.CacheLayout)
	}
	if c.Export.Enabled {
		if c.Export.Host == "" {
			return fmt.Errorf("export.host is required when export is enabled")
		}
		if c.Export.Port <= 0 {
			return fmt.Errorf("invalid export.port: %d (must be positive)", c.Export.Port)
		}
		if c.Export.FlushEvery <= 0 {
			return fmt.Errorf("invalid export.flush_every: %d (must be positive)", c.Export.FlushEvery)
		}
	}
	return nil
}

func Default() Config {
	return Config{
		Precision: "f16",
		Anomaly: AnomalyConfig{
			Enabled:        true,
			LogCorrections: true,
		},
		Attention: AttentionConfig{
			HeadDim:     128,
			CacheLayout: "contiguous",
			BlockSize:   16,
		},
		Export: ExportConfig{
			Host:       "localhost",
			Port:       3000,
			FlushEvery: 256,
		},
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}

// Load reads a YAML file over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
