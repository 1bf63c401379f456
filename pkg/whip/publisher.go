package whip

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrNoTracks = errors.New("whip: error no tracks to publish")

// Publisher publishes local tracks to a WHIP endpoint.
type Publisher struct {
	options Options
	log     logging.LeveledLogger
}

func NewPublisher(opts Options) *Publisher {
	opts = opts.withDefaults()

	return &Publisher{
		options: opts,
		log:     opts.Log,
	}
}

func (p *Publisher) newAPI() (*webrtc.API, <-chan cc.BandwidthEstimator, error) {
	m := &webrtc.MediaEngine{}

	if err := RegisterCodecs(m, p.options.Codecs); err != nil {
		return nil, nil, err
	}

	i := &interceptor.Registry{}
	estimatorChan := make(chan cc.BandwidthEstimator, 1)

	if p.options.EnableBandwidthEstimator {
		congestionController, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
			return gcc.NewSendSideBWE(
				gcc.SendSideBWEInitialBitrate(p.options.InitialBitrate),
				gcc.SendSideBWEPacer(gcc.NewNoOpPacer()),
			)
		})
		if err != nil {
			return nil, nil, err
		}

		congestionController.OnNewPeerConnection(func(id string, estimator cc.BandwidthEstimator) {
			select {
			case estimatorChan <- estimator:
			default:
			}
		})

		i.Add(congestionController)

		if err := webrtc.ConfigureTWCCHeaderExtensionSender(m, i); err != nil {
			return nil, nil, err
		}
	}

	if err := registerInterceptors(m, i); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(*p.options.SettingEngine),
		webrtc.WithInterceptorRegistry(i),
	)

	return api, estimatorChan, nil
}

// Publish negotiates a send-only connection carrying tracks. An audio sender
// is always present so the audio track can be swapped later without
// renegotiation. The caller owns the returned connection.
func (p *Publisher) Publish(ctx context.Context, endpoint string, tracks []webrtc.TrackLocal) (*Connection, error) {
	ctx, span := p.options.Tracer.Start(ctx, "whip.Publish", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	conn, err := p.publish(ctx, endpoint, tracks)
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			span.SetAttributes(attribute.Int("http.response.status_code", rejected.StatusCode))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Bool("whip.playback_url", conn.PlaybackURL() != ""))

	return conn, nil
}

func (p *Publisher) publish(ctx context.Context, endpoint string, tracks []webrtc.TrackLocal) (*Connection, error) {
	if len(tracks) == 0 {
		return nil, ErrNoTracks
	}

	api, estimators, err := p.newAPI()
	if err != nil {
		return nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: p.options.ICEServers})
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		pc:     pc,
		client: p.options.HTTPClient,
		token:  p.options.BearerToken,
		log:    p.log,
	}

	select {
	case conn.estimator = <-estimators:
	default:
	}

	for _, track := range tracks {
		if track == nil {
			continue
		}

		transceiver, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
		if err != nil {
			_ = pc.Close()
			return nil, err
		}

		if track.Kind() == webrtc.RTPCodecTypeAudio && conn.audioSender == nil {
			conn.audioSender = transceiver.Sender()
		}

		go conn.drainRTCP(transceiver.Sender())
	}

	if conn.audioSender == nil {
		transceiver, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
		if err != nil {
			_ = pc.Close()
			return nil, err
		}

		// The placeholder track never carries samples.
		conn.audioSender = transceiver.Sender()
		go conn.drainRTCP(conn.audioSender)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Infof("whip: connection state %s", state.String())
		conn.stateChanged(state)
	})

	offer, partial, err := gatherLocalDescription(ctx, pc, p.options.ICEGatherTimeout, p.log)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	if partial {
		p.log.Infof("whip: publishing with partial ice candidates")
	}

	ans, err := exchange(ctx, p.options.HTTPClient, endpoint, p.options.BearerToken, offer, p.options.PlaybackHeader)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	conn.resourceURL = ans.resourceURL
	conn.playbackURL = ans.playbackURL

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: ans.sdp}); err != nil {
		_ = conn.Close(ctx)
		return nil, err
	}

	p.log.Infof("whip: published %d tracks to %s", len(tracks), endpoint)

	return conn, nil
}

// Connection is a live WHIP publish.
type Connection struct {
	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	estimator   cc.BandwidthEstimator
	client      *http.Client
	token       string
	resourceURL string
	playbackURL string
	closed      bool

	onStateCallbacks []func(webrtc.PeerConnectionState)
	log              logging.LeveledLogger
}

func (c *Connection) PlaybackURL() string {
	return c.playbackURL
}

// ResourceURL is the WHIP session resource from the Location header.
func (c *Connection) ResourceURL() string {
	return c.resourceURL
}

func (c *Connection) PeerConnection() *webrtc.PeerConnection {
	return c.pc
}

// ReplaceAudio swaps the track on the audio sender. A nil track sends
// nothing until the next replacement.
func (c *Connection) ReplaceAudio(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return webrtc.ErrConnectionClosed
	}

	return c.audioSender.ReplaceTrack(track)
}

// TargetBitrate is the congestion controller's current estimate in bits per
// second, or 0 when bandwidth estimation is disabled.
func (c *Connection) TargetBitrate() int {
	if c.estimator == nil {
		return 0
	}

	return c.estimator.GetTargetBitrate()
}

func (c *Connection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *Connection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onStateCallbacks = append(c.onStateCallbacks, f)
}

func (c *Connection) stateChanged(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	callbacks := c.onStateCallbacks
	c.mu.Unlock()

	for _, callback := range callbacks {
		callback(state)
	}
}

// Close tears down the peer connection and deletes the WHIP resource.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	errs := []error{}
	if err := c.pc.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := deleteResource(ctx, c.client, c.resourceURL, c.token); err != nil {
		c.log.Warnf("whip: failed to delete resource: %s", err.Error())
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c *Connection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
