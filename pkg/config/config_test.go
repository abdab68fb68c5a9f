package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/daimatz/gojopt/pkg/lambdainline"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{"toml", "gojopt.toml", `
filter = "demo/**"
policy = "short"

[size_bounds]
enforce = true
max_lambda_impl_length = 32

[log]
level = "debug"
format = "json"
`},
		{"yaml", "gojopt.yaml", `
filter: demo/**
policy: short
size_bounds:
  enforce: true
  max_lambda_impl_length: 32
log:
  level: debug
  format: json
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.data), tt.path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Filter != "demo/**" {
				t.Errorf("filter = %q, want demo/**", cfg.Filter)
			}
			if cfg.Policy != PolicyShort {
				t.Errorf("policy = %q, want short", cfg.Policy)
			}
			if !cfg.SizeBounds.Enforce || cfg.SizeBounds.MaxLambdaImplLength != 32 {
				t.Errorf("size_bounds = %+v", cfg.SizeBounds)
			}
			if cfg.SizeBounds.MaxConsumingMethodLength != lambdainline.DefaultMaxConsumingMethodLength {
				t.Errorf("max_consuming_method_length = %d, want the default", cfg.SizeBounds.MaxConsumingMethodLength)
			}
			if level, _ := cfg.Log.ZapLevel(); level != zapcore.DebugLevel || cfg.Log.Format != FormatJSON {
				t.Errorf("log = %+v", cfg.Log)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""), "empty.yml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Default()
	if *cfg != *want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
	if cfg.Policy != PolicyBase || cfg.Log.Level != "info" || cfg.Log.Format != FormatAuto {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SizeBounds.Enforce {
		t.Error("size bounds are enforced by default")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		data    string
		wantErr string
	}{
		{"unknown extension", "gojopt.json", `{}`, "unknown config format"},
		{"bad toml", "gojopt.toml", `policy = `, "parse error"},
		{"bad yaml", "gojopt.yaml", "policy: [", "parse error"},
		{"unknown policy", "gojopt.toml", `policy = "aggressive"`, "policy must be"},
		{"enforce without short", "gojopt.yaml", "size_bounds:\n  enforce: true\n", "requires policy"},
		{"negative bound", "gojopt.toml", "policy = \"short\"\n[size_bounds]\nmax_lambda_impl_length = -1\n", "must not be negative"},
		{"bad level", "gojopt.yaml", "log:\n  level: loud\n", "log.level"},
		{"bad format", "gojopt.yaml", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want an error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gojopt.toml")
	if err := os.WriteFile(path, []byte(`policy = "short"`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy != PolicyShort {
		t.Errorf("policy = %q, want short", cfg.Policy)
	}

	if _, err := Load(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestNewPolicy(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.NewPolicy(nil).(lambdainline.BasePolicy); !ok {
		t.Errorf("default policy: got %T", cfg.NewPolicy(nil))
	}

	cfg.Policy = PolicyShort
	cfg.SizeBounds = SizeBounds{Enforce: true, MaxConsumingMethodLength: 100, MaxLambdaImplLength: 10}
	p, ok := cfg.NewPolicy(nil).(*lambdainline.ShortLambdaPolicy)
	if !ok {
		t.Fatalf("short policy: got %T", cfg.NewPolicy(nil))
	}
	if !p.Enforce || p.MaxConsumingMethodLength != 100 || p.MaxLambdaImplLength != 10 {
		t.Errorf("got %+v", p)
	}
}
