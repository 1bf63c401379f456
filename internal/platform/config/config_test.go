package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Addr != ":8080" || cfg.PipelineID != "pip_SDXL-turbo" || cfg.CanvasSize != 512 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ParamGrace != 3*time.Second || cfg.MinClip != 3*time.Second || cfg.MaxClip != 10*time.Second {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
}

func TestLoadPrefixedEnv(t *testing.T) {
	t.Setenv("BREWDREAM_ADDR", ":9999")
	t.Setenv("BREWDREAM_PARAM_GRACE", "1500ms")
	t.Setenv("ADDR", ":1")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Addr != ":9999" {
		t.Fatalf("expected prefixed addr, got %q", cfg.Addr)
	}
	if cfg.ParamGrace != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s grace, got %s", cfg.ParamGrace)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BREWDREAM_STUDIO_API_KEY=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("BREWDREAM_STUDIO_API_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.StudioAPIKey != "from-file" {
		t.Fatalf("expected key from .env, got %q", cfg.StudioAPIKey)
	}
}

func TestLoadError(t *testing.T) {
	t.Setenv("BREWDREAM_FPS", "fast")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadClipBounds(t *testing.T) {
	t.Setenv("BREWDREAM_MIN_CLIP", "5s")
	t.Setenv("BREWDREAM_MAX_CLIP", "4s")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for max shorter than min")
	}
}
