package gstmedia

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

type cameraConfig struct {
	Device  string
	Width   int
	Height  int
	FPS     int
	Timeout time.Duration
}

func (c cameraConfig) caps() string {
	return fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1", c.Width, c.Height, c.FPS)
}

// Camera is a live v4l2 capture. LatestFrame always returns the newest
// decoded frame; older frames are dropped.
type Camera struct {
	pipeline *gst.Pipeline
	latest   atomic.Pointer[image.RGBA]
	frames   atomic.Uint64
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	width    int
	height   int
	log      logging.LeveledLogger
}

// v4l2src -> videoconvert -> videoscale -> videorate -> RGBA caps -> appsink
func openCamera(ctx context.Context, cfg cameraConfig, log logging.LeveledLogger) (*Camera, error) {
	src, err := element("v4l2src", "device", cfg.Device)
	if err != nil {
		return nil, err
	}

	convert, err := element("videoconvert")
	if err != nil {
		return nil, err
	}

	scale, err := element("videoscale")
	if err != nil {
		return nil, err
	}

	rate, err := element("videorate", "drop-only", true)
	if err != nil {
		return nil, err
	}

	filter, err := capsFilter(cfg.caps())
	if err != nil {
		return nil, err
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstmedia: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline, err := link(src, convert, scale, rate, filter, sink.Element)
	if err != nil {
		return nil, err
	}

	cam := &Camera{
		pipeline: pipeline,
		done:     make(chan struct{}),
		width:    cfg.Width,
		height:   cfg.Height,
		log:      log,
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: cam.onSample,
	})

	if err := play(ctx, pipeline, cfg.Timeout); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	cam.cancel = cancel

	go func() {
		defer close(cam.done)
		watch(watchCtx, pipeline, "camera "+cfg.Device, log, func(err error) {
			if err != nil {
				log.Warnf("gstmedia: camera %s stopped: %s", cfg.Device, err.Error())
			}
		})
	}()

	log.Infof("gstmedia: camera %s open at %dx%d@%d", cfg.Device, cfg.Width, cfg.Height, cfg.FPS)

	return cam, nil
}

func (c *Camera) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	frame, err := rgbaFrame(mapInfo.Bytes(), c.width, c.height)
	buffer.Unmap()

	if err != nil {
		c.log.Tracef("gstmedia: camera frame skipped: %s", err.Error())
		return gst.FlowOK
	}

	c.latest.Store(frame)
	c.frames.Add(1)

	return gst.FlowOK
}

func (c *Camera) LatestFrame() image.Image {
	frame := c.latest.Load()
	if frame == nil {
		return nil
	}

	return frame
}

func (c *Camera) Frames() uint64 {
	return c.frames.Load()
}

func (c *Camera) Stop() error {
	var err error

	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		err = c.pipeline.SetState(gst.StateNull)
	})

	return err
}

// rgbaFrame copies a packed RGBA buffer into a new image.
func rgbaFrame(data []byte, width, height int) (*image.RGBA, error) {
	want := width * height * 4
	if width <= 0 || height <= 0 || len(data) < want {
		return nil, fmt.Errorf("gstmedia: frame has %d bytes, want %d", len(data), want)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, data[:want])

	return img, nil
}
