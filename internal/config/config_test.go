package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Precision != "f16" {
		t.Errorf("expected precision f16, got %q", cfg.Precision)
	}
	if cfg.FreeBufferAfterForward {
		t.Error("expected buffers to persist between calls by default")
	}
	if !cfg.Anomaly.Enabled {
		t.Error("expected anomaly monitor enabled by default")
	}
	if cfg.Attention.HeadDim != 128 {
		t.Errorf("expected head_dim 128, got %d", cfg.Attention.HeadDim)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bf16", func(c *Config) { c.Precision = "BF16" }, ""},
		{"bad precision", func(c *Config) { c.Precision = "int4" }, "invalid precision"},
		{"negative threads", func(c *Config) { c.Threads = -1 }, "invalid threads"},
		{"negative limit", func(c *Config) { c.Anomaly.Limit = -1 }, "anomaly.limit"},
		{"zero head dim", func(c *Config) { c.Attention.HeadDim = 0 }, "head_dim"},
		{"bad layout", func(c *Config) { c.Attention.CacheLayout = "ring" }, "cache_layout"},
		{"paged without block", func(c *Config) {
			c.Attention.CacheLayout = "paged"
			c.Attention.BlockSize = 0
		}, "block_size"},
		{"export without host", func(c *Config) {
			c.Export.Enabled = true
			c.Export.Host = ""
		}, "export.host"},
		{"export bad port", func(c *Config) {
			c.Export.Enabled = true
			c.Export.Port = 0
		}, "export.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quiver.yaml")
	body := `
free_buffer_after_forward: true
precision: bf16
anomaly:
  enabled: false
  limit: 1000
attention:
  head_dim: 64
  cache_layout: paged
  block_size: 32
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.FreeBufferAfterForward {
		t.Error("expected free_buffer_after_forward")
	}
	if cfg.Precision != "bf16" {
		t.Errorf("expected bf16, got %q", cfg.Precision)
	}
	if cfg.Anomaly.Enabled || cfg.Anomaly.Limit != 1000 {
		t.Errorf("unexpected anomaly config: %+v", cfg.Anomaly)
	}
	if cfg.Attention.HeadDim != 64 || cfg.Attention.CacheLayout != "paged" || cfg.Attention.BlockSize != 32 {
		t.Errorf("unexpected attention config: %+v", cfg.Attention)
	}
	// untouched keys keep their defaults
	if cfg.MetricsAddr != ":9090" {
		t.Errorf("expected default metrics addr, got %q", cfg.MetricsAddr)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("precision: [f16"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("expected parse error, got %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("precision: fp8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(invalid); err == nil || !strings.Contains(err.Error(), "invalid precision") {
		t.Errorf("expected validation error, got %v", err)
	}
}
