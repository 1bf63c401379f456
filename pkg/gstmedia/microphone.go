package gstmedia

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/livepeer/brewdream"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const opusFrameDuration = 20 * time.Millisecond

type microphoneConfig struct {
	Device      string
	Constraints brewdream.MicrophoneConstraints
	Timeout     time.Duration
}

// Microphone is an Opus encoded capture track. Encoded frames are written
// to the track as they leave the encoder.
type Microphone struct {
	*webrtc.TrackLocalStaticSample
	pipeline *gst.Pipeline
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	log      logging.LeveledLogger
}

// pulsesrc -> audioconvert -> audioresample -> webrtcdsp -> 48k caps -> opusenc -> appsink
func openMicrophone(ctx context.Context, cfg microphoneConfig, log logging.LeveledLogger) (*Microphone, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"brewdream",
	)
	if err != nil {
		return nil, err
	}

	srcProps := []any{}
	if cfg.Device != "" {
		srcProps = append(srcProps, "device", cfg.Device)
	}

	src, err := element("pulsesrc", srcProps...)
	if err != nil {
		return nil, err
	}

	convert, err := element("audioconvert")
	if err != nil {
		return nil, err
	}

	resample, err := element("audioresample")
	if err != nil {
		return nil, err
	}

	dsp, err := element("webrtcdsp", dspProperties(cfg.Constraints)...)
	if err != nil {
		return nil, err
	}

	// webrtcdsp only negotiates s16 and float32, convert again for opusenc
	dspOut, err := element("audioconvert")
	if err != nil {
		return nil, err
	}

	filter, err := capsFilter("audio/x-raw,rate=48000,channels=2")
	if err != nil {
		return nil, err
	}

	enc, err := element("opusenc", "frame-size", 20)
	if err != nil {
		return nil, err
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstmedia: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)

	pipeline, err := link(src, convert, resample, dsp, dspOut, filter, enc, sink.Element)
	if err != nil {
		return nil, err
	}

	mic := &Microphone{
		TrackLocalStaticSample: track,
		pipeline:               pipeline,
		done:                   make(chan struct{}),
		log:                    log,
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: mic.onSample,
	})

	if err := play(ctx, pipeline, cfg.Timeout); err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	mic.cancel = cancel

	go func() {
		defer close(mic.done)
		watch(watchCtx, pipeline, "microphone", log, func(err error) {
			if err != nil {
				log.Warnf("gstmedia: microphone stopped: %s", err.Error())
			}
		})
	}()

	log.Infof("gstmedia: microphone open (echo_cancellation=%t noise_suppression=%t)",
		cfg.Constraints.EchoCancellation, cfg.Constraints.NoiseSuppression)

	return mic, nil
}

func dspProperties(c brewdream.MicrophoneConstraints) []any {
	return []any{
		"echo-cancel", c.EchoCancellation,
		"noise-suppression", c.NoiseSuppression,
		"gain-control", c.AutoGainControl,
	}
}

func (m *Microphone) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())
	buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	if err := m.WriteSample(media.Sample{Data: data, Duration: opusFrameDuration}); err != nil {
		m.log.Tracef("gstmedia: microphone write: %s", err.Error())
	}

	return gst.FlowOK
}

func (m *Microphone) Stop() error {
	var err error

	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
		err = m.pipeline.SetState(gst.StateNull)
	})

	return err
}
