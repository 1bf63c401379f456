// Package gstmedia provides cameras, microphones and video encoders backed by
// GStreamer pipelines.
package gstmedia

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livepeer/brewdream"
	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/pion/logging"
	"github.com/tinyzimmer/go-gst/gst"
)

var (
	ErrNoCamera         = errors.New("gstmedia: error no camera for facing mode")
	ErrUnsupportedCodec = errors.New("gstmedia: error unsupported video codec")
	ErrClosed           = errors.New("gstmedia: error closed")
)

var initOnce sync.Once

func initGStreamer() {
	initOnce.Do(func() {
		gst.Init(nil)
	})
}

type Options struct {
	// Cameras maps a facing mode to a v4l2 device path.
	Cameras map[compositor.FacingMode]string
	Width   int
	Height  int
	FPS     int
	// Microphone is the pulse source name used when the constraints do not
	// name a device. Empty selects the default source.
	Microphone string
	// StartTimeout bounds how long opening a device waits for the pipeline
	// to reach PLAYING.
	StartTimeout time.Duration
	Log          logging.LeveledLogger
}

func DefaultOptions() Options {
	return Options{
		Cameras: map[compositor.FacingMode]string{
			compositor.FacingUser:        "/dev/video0",
			compositor.FacingEnvironment: "/dev/video2",
		},
		Width:        1280,
		Height:       720,
		FPS:          30,
		StartTimeout: 5 * time.Second,
		Log:          logging.NewDefaultLoggerFactory().NewLogger("gstmedia"),
	}
}

// Devices opens GStreamer backed media for a pipeline.
type Devices struct {
	options Options
	log     logging.LeveledLogger
}

var (
	_ brewdream.Devices        = (*Devices)(nil)
	_ brewdream.EncoderFactory = (*Devices)(nil)
)

func New(opts Options) *Devices {
	d := DefaultOptions()
	if opts.Cameras == nil {
		opts.Cameras = d.Cameras
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = d.Width, d.Height
	}
	if opts.FPS <= 0 {
		opts.FPS = d.FPS
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = d.StartTimeout
	}
	if opts.Log == nil {
		opts.Log = d.Log
	}

	initGStreamer()

	return &Devices{options: opts, log: opts.Log}
}

func (d *Devices) OpenCamera(ctx context.Context, facing compositor.FacingMode) (brewdream.CameraStream, error) {
	device, ok := d.options.Cameras[facing]
	if !ok || device == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCamera, facing)
	}

	return openCamera(ctx, cameraConfig{
		Device:  device,
		Width:   d.options.Width,
		Height:  d.options.Height,
		FPS:     d.options.FPS,
		Timeout: d.options.StartTimeout,
	}, d.log)
}

func (d *Devices) OpenMicrophone(ctx context.Context, constraints brewdream.MicrophoneConstraints) (brewdream.LocalTrack, error) {
	device := constraints.DeviceID
	if device == "" {
		device = d.options.Microphone
	}

	return openMicrophone(ctx, microphoneConfig{
		Device:      device,
		Constraints: constraints,
		Timeout:     d.options.StartTimeout,
	}, d.log)
}
