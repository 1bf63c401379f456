package brewdream

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/livepeer/brewdream/pkg/clock"
	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/pion/webrtc/v4"
)

type fakeAPI struct {
	mu        sync.Mutex
	clock     clock.Clock
	created   []DiffusionParameters
	updates   []DiffusionParameters
	updatedAt []time.Time
	createErr error
	updateErr error
	info      StreamInfo
}

func newFakeAPI(c clock.Clock) *fakeAPI {
	return &fakeAPI{
		clock: c,
		info: StreamInfo{
			ID:               "stream-1",
			OutputPlaybackID: "playback-1",
			WHIPURL:          "https://ingest.example/whip/stream-1",
		},
	}
}

func (a *fakeAPI) CreateStream(ctx context.Context, pipelineID string, initial DiffusionParameters) (StreamInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.created = append(a.created, initial)
	if a.createErr != nil {
		return StreamInfo{}, a.createErr
	}

	return a.info, nil
}

func (a *fakeAPI) UpdateParameters(ctx context.Context, streamID string, params DiffusionParameters) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.updates = append(a.updates, params)
	a.updatedAt = append(a.updatedAt, a.clock.Now())

	return a.updateErr
}

func (a *fakeAPI) Created() []DiffusionParameters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]DiffusionParameters(nil), a.created...)
}

func (a *fakeAPI) Updates() ([]DiffusionParameters, []time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]DiffusionParameters(nil), a.updates...), append([]time.Time(nil), a.updatedAt...)
}

type fakeConn struct {
	mu          sync.Mutex
	playbackURL string
	replaced    []webrtc.TrackLocal
	replaceErr  error
	onReplace   func(webrtc.TrackLocal)
	closed      int
	bitrate     int
}

func (c *fakeConn) PlaybackURL() string { return c.playbackURL }

func (c *fakeConn) ReplaceAudio(track webrtc.TrackLocal) error {
	c.mu.Lock()
	hook, err := c.onReplace, c.replaceErr
	if err == nil {
		c.replaced = append(c.replaced, track)
	}
	c.mu.Unlock()

	if hook != nil {
		hook(track)
	}

	return err
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) TargetBitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakePublisher struct {
	mu        sync.Mutex
	conns     []*fakeConn
	published [][]webrtc.TrackLocal
	endpoints []string
	err       error
}

func (p *fakePublisher) Publish(ctx context.Context, endpoint string, tracks []webrtc.TrackLocal) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.endpoints = append(p.endpoints, endpoint)
	p.published = append(p.published, tracks)
	if p.err != nil {
		return nil, p.err
	}

	conn := &fakeConn{playbackURL: "https://playback.example/webrtc/playback-1"}
	p.conns = append(p.conns, conn)

	return conn, nil
}

func (p *fakePublisher) Last() (*fakeConn, []webrtc.TrackLocal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var conn *fakeConn
	if len(p.conns) > 0 {
		conn = p.conns[len(p.conns)-1]
	}

	var tracks []webrtc.TrackLocal
	if len(p.published) > 0 {
		tracks = p.published[len(p.published)-1]
	}

	return conn, tracks
}

// fakeTrack is an audio track that records whether it was stopped.
type fakeTrack struct {
	*webrtc.TrackLocalStaticSample
	mu      sync.Mutex
	stopped int
}

func newFakeTrack(t *testing.T, id string) *fakeTrack {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, id, "test")
	if err != nil {
		t.Fatal(err)
	}
	return &fakeTrack{TrackLocalStaticSample: track}
}

func (f *fakeTrack) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeTrack) Stopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeCamera struct {
	mu      sync.Mutex
	frame   image.Image
	stopped int
}

func (c *fakeCamera) LatestFrame() image.Image { return c.frame }

func (c *fakeCamera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
	return nil
}

func (c *fakeCamera) Stopped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

type fakeDevices struct {
	t         *testing.T
	mu        sync.Mutex
	cameras   []*fakeCamera
	mics      []*fakeTrack
	facings   []compositor.FacingMode
	cameraErr error
	micErr    error
}

func (d *fakeDevices) OpenCamera(ctx context.Context, facing compositor.FacingMode) (CameraStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cameraErr != nil {
		return nil, d.cameraErr
	}

	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	for i := range img.Pix {
		img.Pix[i] = 200
	}

	cam := &fakeCamera{frame: img}
	d.cameras = append(d.cameras, cam)
	d.facings = append(d.facings, facing)

	return cam, nil
}

func (d *fakeDevices) OpenMicrophone(ctx context.Context, constraints MicrophoneConstraints) (LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.micErr != nil {
		return nil, d.micErr
	}

	mic := newFakeTrack(d.t, "microphone")
	d.mics = append(d.mics, mic)

	return mic, nil
}

type fakeEncoder struct {
	mu      sync.Mutex
	frames  int
	bitrate int
	closed  bool
	err     error
}

func (e *fakeEncoder) Encode(frame *image.RGBA, duration time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("encoder closed")
	}
	e.frames++
	return e.err
}

func (e *fakeEncoder) SetBitrate(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bitrate = bps
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeEncoder) Frames() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames
}

func (e *fakeEncoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeEncoders struct {
	mu       sync.Mutex
	encoders []*fakeEncoder
}

func (f *fakeEncoders) NewVideoEncoder(codec webrtc.RTPCodecCapability, size int, fps float64, bitrate int, out SampleWriter) (VideoEncoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	enc := &fakeEncoder{bitrate: bitrate}
	f.encoders = append(f.encoders, enc)

	return enc, nil
}

func (f *fakeEncoders) Last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encoders) == 0 {
		return nil
	}
	return f.encoders[len(f.encoders)-1]
}

type testRig struct {
	clock     *clock.Fake
	api       *fakeAPI
	publisher *fakePublisher
	devices   *fakeDevices
	encoders  *fakeEncoders
	silent    []*fakeTrack
	statuses  []Status
	errs      []*PipelineError
	mu        sync.Mutex
	pipeline  *Pipeline
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	rig := &testRig{
		clock:     fc,
		api:       newFakeAPI(fc),
		publisher: &fakePublisher{},
		devices:   &fakeDevices{t: t},
		encoders:  &fakeEncoders{},
	}

	opts := DefaultOptions()
	opts.Clock = fc
	opts.Repaint = func() (<-chan time.Time, func()) {
		return make(chan time.Time), func() {}
	}
	opts.SilentTrack = func(string) (LocalTrack, error) {
		track := newFakeTrack(t, "silence")
		rig.mu.Lock()
		rig.silent = append(rig.silent, track)
		rig.mu.Unlock()
		return track, nil
	}

	rig.pipeline = New(rig.api, rig.publisher, rig.devices, rig.encoders, opts)
	rig.pipeline.OnStatus(func(s Status) {
		rig.mu.Lock()
		rig.statuses = append(rig.statuses, s)
		rig.mu.Unlock()
	})
	rig.pipeline.OnError(func(err *PipelineError) {
		rig.mu.Lock()
		rig.errs = append(rig.errs, err)
		rig.mu.Unlock()
	})

	t.Cleanup(func() { _ = rig.pipeline.Stop() })

	return rig
}

func (r *testRig) Errors() []*PipelineError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PipelineError(nil), r.errs...)
}

func (r *testRig) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *testRig) Silent() []*fakeTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeTrack(nil), r.silent...)
}

func gray(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.Gray{Y: 128})
		}
	}
	return img
}
