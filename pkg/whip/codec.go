package whip

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

var (
	videoRTCPFeedback = []webrtc.RTCPFeedback{{Type: "goog-remb", Parameter: ""}, {Type: "ccm", Parameter: "fir"}, {Type: "nack", Parameter: ""}, {Type: "nack", Parameter: "pli"}}

	videoCodecs = []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: videoRTCPFeedback},
			PayloadType:        96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeRTX, ClockRate: 90000, SDPFmtpLine: "apt=96"},
			PayloadType:        97,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: videoRTCPFeedback},
			PayloadType:        106,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeRTX, ClockRate: 90000, SDPFmtpLine: "apt=106"},
			PayloadType:        107,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f", RTCPFeedback: videoRTCPFeedback},
			PayloadType:        102,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeRTX, ClockRate: 90000, SDPFmtpLine: "apt=102"},
			PayloadType:        103,
		},
	}

	audioCodecs = []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
			PayloadType:        111,
		},
	}
)

// DefaultCodecs are the codecs the remote ingest accepts.
func DefaultCodecs() []string {
	return []string{webrtc.MimeTypeVP8, webrtc.MimeTypeH264, webrtc.MimeTypeOpus}
}

// RegisterCodecs registers the listed mime types, and the RTX codec paired
// with each registered video codec.
func RegisterCodecs(m *webrtc.MediaEngine, codecs []string) error {
	errs := []error{}

	for _, codec := range audioCodecs {
		if slices.Contains(codecs, codec.MimeType) {
			if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
				errs = append(errs, err)
			}
		}
	}

	registeredVideoCodecs := make([]webrtc.RTPCodecParameters, 0)

	for _, codec := range videoCodecs {
		if codec.MimeType != webrtc.MimeTypeRTX && slices.Contains(codecs, codec.MimeType) {
			if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
				errs = append(errs, err)
			}

			registeredVideoCodecs = append(registeredVideoCodecs, codec)
		}
	}

	for _, codec := range registeredVideoCodecs {
		for _, videoCodec := range videoCodecs {
			if videoCodec.MimeType == webrtc.MimeTypeRTX && videoCodec.SDPFmtpLine == fmt.Sprintf("apt=%d", codec.PayloadType) {
				if err := m.RegisterCodec(videoCodec, webrtc.RTPCodecTypeVideo); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	return errors.Join(errs...)
}

// CodecCapability returns the registered capability for a mime type.
func CodecCapability(mimeType string) (webrtc.RTPCodecCapability, bool) {
	for _, codec := range append(slices.Clone(audioCodecs), videoCodecs...) {
		if codec.MimeType == mimeType {
			return codec.RTPCodecCapability, true
		}
	}

	return webrtc.RTPCodecCapability{}, false
}

func registerInterceptors(m *webrtc.MediaEngine, interceptorRegistry *interceptor.Registry) error {
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return err
	}

	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return err
	}

	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	interceptorRegistry.Add(generator)
	interceptorRegistry.Add(responder)

	if err := webrtc.ConfigureRTCPReports(interceptorRegistry); err != nil {
		return err
	}

	return webrtc.ConfigureTWCCSender(m, interceptorRegistry)
}
