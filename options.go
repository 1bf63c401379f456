package brewdream

import (
	"time"

	"github.com/livepeer/brewdream/pkg/clock"
	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultVisibilityRestartAfter = 5 * time.Second
	DefaultPlaybackURLFormat      = "https://livepeer.studio/webrtc/%s"
)

type BitrateConfigs struct {
	Initial uint32 `json:"initial" example:"1000000"`
	Min     uint32 `json:"min" example:"150000"`
	Max     uint32 `json:"max" example:"1200000"`
}

func DefaultBitrates() BitrateConfigs {
	return BitrateConfigs{
		Initial: 1_000_000,
		Min:     150_000,
		Max:     1_200_000,
	}
}

type Options struct {
	PipelineID string             `json:"pipeline_id"`
	Compositor compositor.Options `json:"compositor"`
	VideoCodec webrtc.RTPCodecCapability
	Bitrates   BitrateConfigs `json:"bitrates"`
	// EnableBitrateControl follows the publisher's bandwidth estimate.
	EnableBitrateControl bool                  `json:"enable_bitrate_control"`
	Microphone           MicrophoneConstraints `json:"microphone"`
	ParamGrace           time.Duration         `json:"param_grace_ns"`
	ParamTimeout         time.Duration         `json:"param_timeout_ns"`
	// AutoStopOnHidden stops publishing while the host is backgrounded.
	AutoStopOnHidden bool `json:"auto_stop_on_hidden"`
	// VisibilityRestartAfter is how long the host must have been hidden
	// before returning restarts the stream.
	VisibilityRestartAfter time.Duration `json:"visibility_restart_after_ns"`
	// PlaybackURLFormat builds a playback URL from the playback id when the
	// ingest does not return one.
	PlaybackURLFormat string `json:"playback_url_format"`
	// Repaint returns the display refresh signal and its stop function.
	Repaint     func() (<-chan time.Time, func())
	SilentTrack func(streamID string) (LocalTrack, error)
	Clock       clock.Clock
	Log         logging.LeveledLogger
}

func DefaultOptions() Options {
	return Options{
		PipelineID: DefaultPipelineID,
		Compositor: compositor.DefaultOptions(),
		VideoCodec: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		Bitrates:               DefaultBitrates(),
		EnableBitrateControl:   true,
		Microphone:             DefaultMicrophoneConstraints(),
		ParamGrace:             DefaultParamGrace,
		ParamTimeout:           DefaultParamTimeout,
		AutoStopOnHidden:       true,
		VisibilityRestartAfter: DefaultVisibilityRestartAfter,
		PlaybackURLFormat:      DefaultPlaybackURLFormat,
		Repaint: func() (<-chan time.Time, func()) {
			return compositor.NewRepaintTicker(compositor.DefaultRepaintRate)
		},
		SilentTrack: NewSilentTrack,
		Clock:       clock.New(),
		Log:         logging.NewDefaultLoggerFactory().NewLogger("pipeline"),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.PipelineID == "" {
		o.PipelineID = d.PipelineID
	}

	if o.VideoCodec.MimeType == "" {
		o.VideoCodec = d.VideoCodec
	}

	if o.Bitrates == (BitrateConfigs{}) {
		o.Bitrates = d.Bitrates
	}

	if o.ParamGrace == 0 {
		o.ParamGrace = d.ParamGrace
	}

	if o.ParamTimeout <= 0 {
		o.ParamTimeout = d.ParamTimeout
	}

	if o.VisibilityRestartAfter <= 0 {
		o.VisibilityRestartAfter = d.VisibilityRestartAfter
	}

	if o.PlaybackURLFormat == "" {
		o.PlaybackURLFormat = d.PlaybackURLFormat
	}

	if o.Repaint == nil {
		o.Repaint = d.Repaint
	}

	if o.SilentTrack == nil {
		o.SilentTrack = d.SilentTrack
	}

	if o.Clock == nil {
		o.Clock = d.Clock
	}

	if o.Log == nil {
		o.Log = d.Log
	}

	if o.Compositor.Log == nil {
		o.Compositor.Log = o.Log
	}

	return o
}
