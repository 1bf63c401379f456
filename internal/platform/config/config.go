// Package config loads the brewdream process configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const Prefix = "BREWDREAM_"

type Config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	DBPath   string `env:"DB_PATH" envDefault:"brewdream.db"`

	FunctionsURL     string `env:"FUNCTIONS_URL"`
	FunctionsAnonKey string `env:"FUNCTIONS_ANON_KEY"`
	StudioURL        string `env:"STUDIO_URL" envDefault:"https://livepeer.studio"`
	StudioAPIKey     string `env:"STUDIO_API_KEY"`

	PipelineID             string        `env:"PIPELINE_ID" envDefault:"pip_SDXL-turbo"`
	CanvasSize             int           `env:"CANVAS_SIZE" envDefault:"512"`
	FPS                    int           `env:"FPS" envDefault:"30"`
	ParamGrace             time.Duration `env:"PARAM_GRACE" envDefault:"3s"`
	VisibilityRestartAfter time.Duration `env:"VISIBILITY_RESTART_AFTER" envDefault:"5s"`
	MinClip                time.Duration `env:"MIN_CLIP" envDefault:"3s"`
	MaxClip                time.Duration `env:"MAX_CLIP" envDefault:"10s"`

	// Devices enables GStreamer cameras and microphones. Without it only
	// pushed frames and silent audio are available.
	Devices           bool   `env:"DEVICES" envDefault:"true"`
	CameraUser        string `env:"CAMERA_USER" envDefault:"/dev/video0"`
	CameraEnvironment string `env:"CAMERA_ENVIRONMENT" envDefault:"/dev/video2"`
	Microphone        string `env:"MICROPHONE"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads .env files (".env" when none are given) into the environment
// and parses Config from BREWDREAM_ prefixed variables. Missing .env files
// are ignored.
func Load(paths ...string) (Config, error) {
	var cfg Config

	if len(paths) == 0 {
		paths = []string{".env"}
	}

	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if cfg.MaxClip < cfg.MinClip {
		return cfg, fmt.Errorf("parse env: %sMAX_CLIP %s is shorter than %sMIN_CLIP %s", Prefix, cfg.MaxClip, Prefix, cfg.MinClip)
	}

	return cfg, nil
}
