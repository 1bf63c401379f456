package whip

import (
	"net/http"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultICEGatherTimeout = 2 * time.Second
	DefaultPlaybackHeader   = "livepeer-playback-url"
	DefaultInitialBitrate   = 1_000_000
	maxSDPSize              = 1 << 20
	tracerName              = "github.com/livepeer/brewdream/pkg/whip"
)

type Options struct {
	// ICEServers defaults to DefaultICEServers when nil. A non-nil empty
	// slice gathers host candidates only.
	ICEServers []webrtc.ICEServer
	// ICEGatherTimeout bounds candidate gathering before the offer is sent
	// with whatever candidates are available.
	ICEGatherTimeout         time.Duration
	Codecs                   []string
	EnableBandwidthEstimator bool
	InitialBitrate           int
	// PlaybackHeader names the response header carrying the low latency
	// playback URL.
	PlaybackHeader string
	BearerToken    string
	SettingEngine  *webrtc.SettingEngine
	HTTPClient     *http.Client
	Tracer         trace.Tracer
	Log            logging.LeveledLogger
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun.cloudflare.com:3478",
			},
		},
	}
}

func DefaultOptions() Options {
	settingEngine := &webrtc.SettingEngine{}
	_ = settingEngine.SetEphemeralUDPPortRange(49152, 65535)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})

	return Options{
		ICEServers:               DefaultICEServers(),
		ICEGatherTimeout:         DefaultICEGatherTimeout,
		Codecs:                   DefaultCodecs(),
		EnableBandwidthEstimator: true,
		InitialBitrate:           DefaultInitialBitrate,
		PlaybackHeader:           DefaultPlaybackHeader,
		SettingEngine:            settingEngine,
		HTTPClient:               &http.Client{Timeout: 15 * time.Second},
		Log:                      logging.NewDefaultLoggerFactory().NewLogger("whip"),
	}
}

func (o Options) withDefaults() Options {
	if o.ICEServers == nil {
		o.ICEServers = DefaultICEServers()
	}

	if o.ICEGatherTimeout <= 0 {
		o.ICEGatherTimeout = DefaultICEGatherTimeout
	}

	if len(o.Codecs) == 0 {
		o.Codecs = DefaultCodecs()
	}

	if o.InitialBitrate <= 0 {
		o.InitialBitrate = DefaultInitialBitrate
	}

	if o.PlaybackHeader == "" {
		o.PlaybackHeader = DefaultPlaybackHeader
	}

	if o.SettingEngine == nil {
		o.SettingEngine = &webrtc.SettingEngine{}
	}

	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}

	if o.Log == nil {
		o.Log = logging.NewDefaultLoggerFactory().NewLogger("whip")
	}

	return o
}
