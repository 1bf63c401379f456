package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jaevor/go-nanoid"
	"github.com/livepeer/brewdream/pkg/clock"
	"github.com/livepeer/brewdream/pkg/rtppool"
	"github.com/livepeer/brewdream/pkg/whip"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
)

const (
	DefaultPlayingWindow = time.Second
	readTimeout          = time.Second
)

var ErrCaptureOpen = errors.New("recorder: error capture already open")

type CaptureOptions struct {
	// PlayingWindow is how recently a packet must have arrived for the
	// output to count as playing.
	PlayingWindow time.Duration
	NamePrefix    string
	Clock         clock.Clock
	Log           logging.LeveledLogger
}

func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{
		PlayingWindow: DefaultPlayingWindow,
		NamePrefix:    "brewdream",
		Clock:         clock.New(),
		Log:           logging.NewDefaultLoggerFactory().NewLogger("capture"),
	}
}

// rtpReader is the part of *webrtc.TrackRemote the read loop uses.
type rtpReader interface {
	ID() string
	Read(b []byte) (int, interceptor.Attributes, error)
	SetReadDeadline(t time.Time) error
}

// PlaybackCapture records the stream output by subscribing to its playback
// over WHEP and writing the video track into a container in memory. VP8 is
// written as IVF and H.264 as an Annex-B elementary stream.
type PlaybackCapture struct {
	mu          sync.Mutex
	subscriber  *whip.Subscriber
	options     CaptureOptions
	pool        *rtppool.RTPPool
	sub         *whip.Subscription
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mime        string
	clockRate   uint32
	ssrc        uint32
	lastPacket  time.Time
	unsupported bool
	sink        *clipSink
	newID       func() string
	log         logging.LeveledLogger
}

func NewPlaybackCapture(subscriber *whip.Subscriber, opts CaptureOptions) *PlaybackCapture {
	d := DefaultCaptureOptions()
	if opts.PlayingWindow <= 0 {
		opts.PlayingWindow = d.PlayingWindow
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = d.NamePrefix
	}
	if opts.Clock == nil {
		opts.Clock = d.Clock
	}
	if opts.Log == nil {
		opts.Log = d.Log
	}

	newID, err := nanoid.Standard(12)
	if err != nil {
		// only fails for lengths outside 2..255
		panic(err)
	}

	return &PlaybackCapture{
		subscriber: subscriber,
		options:    opts,
		pool:       rtppool.New(),
		newID:      newID,
		log:        opts.Log,
	}
}

// Open subscribes to the playback of a stream. Packets start counting toward
// IsPlaying as soon as the video track arrives.
func (c *PlaybackCapture) Open(ctx context.Context, playbackURL string) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrCaptureOpen
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	sub, err := c.subscriber.Subscribe(ctx, playbackURL, func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}

		codec := track.Codec()
		c.bindTrack(codec.MimeType, codec.ClockRate, uint32(track.SSRC()))

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.readLoop(readCtx, track)
		}()
	})
	if err != nil {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	return nil
}

// Close ends the playback subscription and drops any clip in progress.
func (c *PlaybackCapture) Close(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	sub := c.sub
	c.cancel = nil
	c.sub = nil
	c.sink = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	var err error
	if sub != nil {
		err = sub.Close(ctx)
	}

	c.wg.Wait()

	c.mu.Lock()
	c.mime = ""
	c.unsupported = false
	c.lastPacket = time.Time{}
	c.mu.Unlock()

	return err
}

func (c *PlaybackCapture) bindTrack(mime string, clockRate, ssrc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mime = mime
	c.clockRate = clockRate
	c.ssrc = ssrc

	if !containerSupported(mime) {
		c.unsupported = true
		c.log.Warnf("capture: cannot record %s output", mime)
	}
}

func (c *PlaybackCapture) Supported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.unsupported
}

func (c *PlaybackCapture) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastPacket.IsZero() {
		return false
	}

	return c.options.Clock.Now().Sub(c.lastPacket) <= c.options.PlayingWindow
}

// Begin starts writing packets into a new clip and asks the sender for a
// keyframe so the clip starts decodable.
func (c *PlaybackCapture) Begin(ctx context.Context) error {
	c.mu.Lock()
	if c.unsupported {
		c.mu.Unlock()
		return ErrCaptureUnsupported
	}

	if c.mime == "" {
		c.mu.Unlock()
		return ErrNotPlaying
	}

	sink, err := newClipSink(c.mime, c.clockRate)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.sink = sink
	sub := c.sub
	ssrc := c.ssrc
	c.mu.Unlock()

	if sub != nil {
		if err := sub.RequestKeyFrame(ssrc); err != nil {
			c.log.Warnf("capture: keyframe request failed: %s", err.Error())
		}
	}

	return nil
}

func (c *PlaybackCapture) End() (Clip, error) {
	c.mu.Lock()
	sink := c.sink
	c.sink = nil
	c.mu.Unlock()

	if sink == nil {
		return Clip{}, ErrNotRecording
	}

	return sink.finish(c.options.NamePrefix + "-" + c.newID())
}

func (c *PlaybackCapture) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sink = nil
}

func (c *PlaybackCapture) readLoop(ctx context.Context, track rtpReader) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := track.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
				c.log.Errorf("capture: set read deadline error - %s", err.Error())
				return
			}

			buffer := c.pool.GetPayload()

			n, _, readErr := track.Read(*buffer)
			if readErr != nil {
				c.pool.PutPayload(buffer)
				if errors.Is(readErr, io.EOF) {
					c.log.Infof("capture: track ended %s", track.ID())
					return
				}

				c.log.Tracef("capture: read error: %s", readErr.Error())
				continue
			}

			if n == 0 {
				c.pool.PutPayload(buffer)
				continue
			}

			p := c.pool.GetPacket()

			if err := rtppool.Unmarshal((*buffer)[:n], p); err != nil {
				c.log.Errorf("capture: unmarshal error: %s", err.Error())
				c.pool.PutPayload(buffer)
				c.pool.PutPacket(p)
				continue
			}

			c.handlePacket(p)

			c.pool.PutPayload(buffer)
			c.pool.PutPacket(p)
		}
	}
}

func (c *PlaybackCapture) handlePacket(p *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastPacket = c.options.Clock.Now()

	if c.sink == nil {
		return
	}

	if err := c.sink.write(p); err != nil {
		c.log.Tracef("capture: write error: %s", err.Error())
	}
}

func containerSupported(mime string) bool {
	return strings.EqualFold(mime, webrtc.MimeTypeVP8) || strings.EqualFold(mime, webrtc.MimeTypeH264)
}

// clipSink depacketizes one clip into an in-memory container.
type clipSink struct {
	buf         bytes.Buffer
	writer      media.Writer
	contentType string
	ext         string
	clockRate   uint32
	started     bool
	first       uint32
	last        uint32
}

func newClipSink(mime string, clockRate uint32) (*clipSink, error) {
	s := &clipSink{clockRate: clockRate}

	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		w, err := ivfwriter.NewWith(&s.buf)
		if err != nil {
			return nil, err
		}
		s.writer = w
		s.contentType = "video/x-ivf"
		s.ext = ".ivf"
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		s.writer = h264writer.NewWith(&s.buf)
		s.contentType = "video/h264"
		s.ext = ".h264"
	default:
		return nil, ErrCaptureUnsupported
	}

	return s, nil
}

func (s *clipSink) write(p *rtp.Packet) error {
	if !s.started {
		s.started = true
		s.first = p.Timestamp
	}
	s.last = p.Timestamp

	return s.writer.WriteRTP(p)
}

func (s *clipSink) finish(name string) (Clip, error) {
	if err := s.writer.Close(); err != nil {
		return Clip{}, err
	}

	clip := Clip{
		Name:        name + s.ext,
		ContentType: s.contentType,
		Data:        s.buf.Bytes(),
	}

	if s.started && s.clockRate > 0 {
		ticks := s.last - s.first
		clip.Duration = time.Duration(ticks) * time.Second / time.Duration(s.clockRate)
	}

	return clip, nil
}
