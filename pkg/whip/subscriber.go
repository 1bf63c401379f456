package whip

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TrackFunc is called for every remote track of a playback subscription.
type TrackFunc func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// Subscriber plays back a stream over WHEP. It negotiates the same way as
// Publisher with receive-only transceivers.
type Subscriber struct {
	options Options
	log     logging.LeveledLogger
}

func NewSubscriber(opts Options) *Subscriber {
	opts = opts.withDefaults()

	return &Subscriber{
		options: opts,
		log:     opts.Log,
	}
}

func (s *Subscriber) Subscribe(ctx context.Context, endpoint string, onTrack TrackFunc) (*Subscription, error) {
	ctx, span := s.options.Tracer.Start(ctx, "whep.Subscribe", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	sub, err := s.subscribe(ctx, endpoint, onTrack)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return sub, nil
}

func (s *Subscriber) subscribe(ctx context.Context, endpoint string, onTrack TrackFunc) (*Subscription, error) {
	m := &webrtc.MediaEngine{}
	if err := RegisterCodecs(m, s.options.Codecs); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := registerInterceptors(m, i); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(*s.options.SettingEngine),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: s.options.ICEServers})
	if err != nil {
		return nil, err
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	sub := &Subscription{
		pc:     pc,
		client: s.options.HTTPClient,
		token:  s.options.BearerToken,
		log:    s.log,
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.log.Infof("whep: remote %s track %s (%s)", track.Kind().String(), track.ID(), track.Codec().MimeType)
		if onTrack != nil {
			onTrack(track, receiver)
		}
	})

	offer, _, err := gatherLocalDescription(ctx, pc, s.options.ICEGatherTimeout, s.log)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	ans, err := exchange(ctx, s.options.HTTPClient, endpoint, s.options.BearerToken, offer, s.options.PlaybackHeader)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	sub.resourceURL = ans.resourceURL

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ans.sdp}); err != nil {
		_ = sub.Close(ctx)
		return nil, err
	}

	return sub, nil
}

// Subscription is a live WHEP playback session.
type Subscription struct {
	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	client      *http.Client
	token       string
	resourceURL string
	closed      bool
	log         logging.LeveledLogger
}

// RequestKeyFrame asks the sender for a new keyframe on ssrc.
func (s *Subscription) RequestKeyFrame(ssrc uint32) error {
	return s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
}

func (s *Subscription) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

func (s *Subscription) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	errs := []error{}
	if err := s.pc.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := deleteResource(ctx, s.client, s.resourceURL, s.token); err != nil {
		s.log.Warnf("whep: failed to delete resource: %s", err.Error())
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
