package brewdream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	mediaStreamID   = "brewdream"
	teardownTimeout = 5 * time.Second
)

var (
	ErrIncompleteStream = errors.New("pipeline: error stream api returned no stream id or whip url")
	ErrPipelineStopped  = errors.New("pipeline: error stopped while starting")
)

// StreamAPI creates remote diffusion streams and updates their parameters.
type StreamAPI interface {
	CreateStream(ctx context.Context, pipelineID string, initial DiffusionParameters) (StreamInfo, error)
	UpdateParameters(ctx context.Context, streamID string, params DiffusionParameters) error
}

// Connection is a live publish owned by the pipeline.
type Connection interface {
	AudioReplacer
	PlaybackURL() string
	Close(ctx context.Context) error
}

type Publisher interface {
	Publish(ctx context.Context, endpoint string, tracks []webrtc.TrackLocal) (Connection, error)
}

// CameraStream is a camera acquired by the pipeline.
type CameraStream interface {
	compositor.FrameStream
	Stop() error
}

type Devices interface {
	OpenCamera(ctx context.Context, facing compositor.FacingMode) (CameraStream, error)
	OpenMicrophone(ctx context.Context, constraints MicrophoneConstraints) (LocalTrack, error)
}

// SampleWriter receives encoded media. *webrtc.TrackLocalStaticSample
// satisfies it.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

type VideoEncoder interface {
	Encode(frame *image.RGBA, duration time.Duration) error
	SetBitrate(bps int) error
	Close() error
}

type EncoderFactory interface {
	NewVideoEncoder(codec webrtc.RTPCodecCapability, size int, fps float64, bitrate int, out SampleWriter) (VideoEncoder, error)
}

type Status string

const (
	StatusIdle           Status = "idle"
	StatusCreatingStream Status = "creating_stream"
	StatusPublishing     Status = "publishing"
	StatusReady          Status = "ready"
	StatusStopped        Status = "stopped"
	StatusError          Status = "error"
)

func (s Status) active() bool {
	return s == StatusCreatingStream || s == StatusPublishing || s == StatusReady
}

type Stats struct {
	Status       Status           `json:"status"`
	Compositor   compositor.Stats `json:"compositor"`
	Params       ParamSyncStats   `json:"params"`
	Bitrate      uint32           `json:"bitrate"`
	EncodeErrors uint64           `json:"encode_errors"`
}

// Pipeline composites the selected video source, publishes it with one audio
// track over WHIP and keeps the remote diffusion parameters in sync.
type Pipeline struct {
	mu         sync.Mutex
	api        StreamAPI
	publisher  Publisher
	devices    Devices
	encoders   EncoderFactory
	options    Options
	compositor *compositor.Compositor
	queue      *ParamSyncQueue
	audio      *audioResolver

	params       DiffusionParameters
	audioSource  AudioSource
	audioVersion uint64
	camera       CameraStream
	facing       compositor.FacingMode

	status       Status
	generation   uint64
	session      *StreamSession
	conn         Connection
	stream       *MediaStream
	encoder      VideoEncoder
	encodeFailed bool
	encodeErrors uint64
	bitrate      *bitrateController
	stopLoops    func()

	hiddenAt   time.Time
	wasRunning bool

	onStatusCallbacks []func(Status)
	onReadyCallbacks  []func(StreamSession)
	onErrorCallbacks  []func(*PipelineError)
	log               logging.LeveledLogger
}

func New(api StreamAPI, publisher Publisher, devices Devices, encoders EncoderFactory, opts Options) *Pipeline {
	opts = opts.withDefaults()

	p := &Pipeline{
		api:               api,
		publisher:         publisher,
		devices:           devices,
		encoders:          encoders,
		options:           opts,
		compositor:        compositor.New(opts.Compositor),
		audioSource:       SilentAudio(),
		status:            StatusIdle,
		onStatusCallbacks: make([]func(Status), 0),
		onReadyCallbacks:  make([]func(StreamSession), 0),
		onErrorCallbacks:  make([]func(*PipelineError), 0),
		log:               opts.Log,
	}

	p.queue = NewParamSyncQueue(api.UpdateParameters, ParamSyncOptions{
		Grace:   opts.ParamGrace,
		Timeout: opts.ParamTimeout,
		Clock:   opts.Clock,
		Log:     opts.Log,
	})
	p.queue.OnError(func(err error) {
		p.reportError(PhaseSyncParams, err)
	})

	p.audio = newAudioResolver(devices, opts.Microphone, func() (LocalTrack, error) {
		return opts.SilentTrack(mediaStreamID)
	}, opts.Log)

	p.compositor.OnFrame(p.encodeFrame)
	p.compositor.OnError(func(err error) {
		p.reportError(PhaseDraw, err)
	})

	return p
}

func (p *Pipeline) Compositor() *compositor.Compositor {
	return p.compositor
}

func (p *Pipeline) OnStatus(f func(Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onStatusCallbacks = append(p.onStatusCallbacks, f)
}

func (p *Pipeline) OnReady(f func(StreamSession)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onReadyCallbacks = append(p.onReadyCallbacks, f)
}

func (p *Pipeline) OnError(f func(*PipelineError)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onErrorCallbacks = append(p.onErrorCallbacks, f)
}

// OnParamsSent is called with every snapshot the remote stream accepted.
func (p *Pipeline) OnParamsSent(f func(DiffusionParameters)) {
	p.queue.OnSent(f)
}

// SelectCamera acquires the camera facing the given way and makes it the
// video source. On failure the compositor falls back to a blank frame.
func (p *Pipeline) SelectCamera(ctx context.Context, facing compositor.FacingMode) error {
	if !facing.Valid() {
		return ErrInvalidFacingMode
	}

	if p.devices == nil {
		return p.acquireFailed(errors.New("pipeline: error no capture devices"))
	}

	cam, err := p.devices.OpenCamera(ctx, facing)
	if err != nil {
		return p.acquireFailed(err)
	}

	p.mu.Lock()
	prev := p.camera
	p.camera = cam
	p.facing = facing
	p.mu.Unlock()

	p.compositor.SetSource(compositor.FromCamera(facing, cam))
	p.stopCamera(prev)

	p.log.Infof("pipeline: camera %s selected", facing)

	return nil
}

func (p *Pipeline) acquireFailed(err error) error {
	p.mu.Lock()
	prev := p.camera
	p.camera = nil
	p.mu.Unlock()

	p.compositor.SetSource(compositor.Blank())
	p.stopCamera(prev)

	return p.reportError(PhaseAcquireCamera, err)
}

// SetVideoSource draws a caller supplied source. A camera previously
// acquired by the pipeline is released.
func (p *Pipeline) SetVideoSource(src compositor.Source) {
	p.mu.Lock()
	prev := p.camera
	p.camera = nil
	p.facing = ""
	p.mu.Unlock()

	p.compositor.SetSource(src)
	p.stopCamera(prev)
}

// PushFrame draws img onto the canvas immediately.
func (p *Pipeline) PushFrame(img image.Image) error {
	if err := p.compositor.Push(img); err != nil {
		return p.reportError(PhaseDraw, err)
	}

	return nil
}

// SetAudioSource selects the outgoing audio. While publishing the audio
// sender's track is swapped in place. On failure the previous track keeps
// playing and the error is returned.
func (p *Pipeline) SetAudioSource(ctx context.Context, src AudioSource) error {
	p.mu.Lock()
	p.audioSource = src
	p.audioVersion++
	conn, stream := p.conn, p.stream
	p.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := p.audio.replace(ctx, stream, conn, src); err != nil {
		phase := PhasePublish
		if src.Kind == AudioMicrophone {
			phase = PhaseAcquireMicrophone
		}
		return p.reportError(phase, err)
	}

	p.log.Infof("pipeline: audio source switched to %s", src.Kind)

	return nil
}

// SetParameters records the latest parameters and queues them for the
// remote stream.
func (p *Pipeline) SetParameters(params DiffusionParameters) {
	p.mu.Lock()
	p.params = params.Clone()
	p.mu.Unlock()

	p.queue.Enqueue(params)
}

func (p *Pipeline) Parameters() DiffusionParameters {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.params.WithDefaults()
}

// Start creates a remote stream, publishes the composited canvas to it and
// opens the parameter grace window.
func (p *Pipeline) Start(ctx context.Context) (StreamSession, error) {
	if p.encoders == nil {
		return StreamSession{}, ErrNoEncoders
	}

	p.mu.Lock()
	if p.status.active() {
		p.mu.Unlock()
		return StreamSession{}, ErrPipelineRunning
	}
	p.generation++
	gen := p.generation
	facing, needCamera := p.facing, p.facing != "" && p.camera == nil
	p.status = StatusCreatingStream
	statusCallbacks := p.onStatusCallbacks
	p.mu.Unlock()

	for _, callback := range statusCallbacks {
		callback(StatusCreatingStream)
	}

	if needCamera {
		// Already reported through OnError; publish blank video instead.
		if err := p.SelectCamera(ctx, facing); err != nil {
			p.log.Warnf("pipeline: publishing blank video: %s", err.Error())
		}
	}

	p.startLoops(gen)

	p.mu.Lock()
	params := p.params.WithDefaults()
	p.mu.Unlock()

	info, err := p.api.CreateStream(ctx, p.options.PipelineID, params)
	if err != nil {
		return StreamSession{}, p.fail(gen, PhaseCreateStream, err)
	}

	if info.ID == "" || info.WHIPURL == "" {
		return StreamSession{}, p.fail(gen, PhaseCreateStream, ErrIncompleteStream)
	}

	session := StreamSession{
		ID:         GenerateID(16),
		StreamID:   info.ID,
		PlaybackID: info.OutputPlaybackID,
		WHIPURL:    info.WHIPURL,
	}

	p.log.Infof("pipeline: stream %s created", session.StreamID)
	p.advance(gen, StatusPublishing)

	video, err := webrtc.NewTrackLocalStaticSample(p.options.VideoCodec, "video", mediaStreamID)
	if err != nil {
		return StreamSession{}, p.fail(gen, PhasePublish, err)
	}

	encoder, err := p.encoders.NewVideoEncoder(p.options.VideoCodec, p.compositor.Size(), p.compositor.FPS(), int(p.options.Bitrates.Initial), video)
	if err != nil {
		return StreamSession{}, p.fail(gen, PhasePublish, err)
	}

	p.mu.Lock()
	audioSource, audioVersion := p.audioSource, p.audioVersion
	p.mu.Unlock()

	stream := NewMediaStream(video)
	if err := p.audio.attach(ctx, stream, audioSource); err != nil {
		p.reportError(PhaseAcquireMicrophone, err)
		p.log.Warnf("pipeline: publishing without audio")
	}

	conn, err := p.publisher.Publish(ctx, session.WHIPURL, stream.Tracks())
	if err != nil {
		p.audio.release(stream)
		_ = encoder.Close()
		return StreamSession{}, p.fail(gen, PhasePublish, err)
	}

	session.PlaybackURL = conn.PlaybackURL()
	if session.PlaybackURL == "" && session.PlaybackID != "" {
		session.PlaybackURL = fmt.Sprintf(p.options.PlaybackURLFormat, session.PlaybackID)
	}

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		p.teardown(conn, encoder, stream)
		return StreamSession{}, ErrPipelineStopped
	}

	p.session = &session
	p.conn = conn
	p.stream = stream
	p.encoder = encoder
	p.encodeFailed = false
	audioChanged := audioVersion != p.audioVersion
	audioSource = p.audioSource
	p.mu.Unlock()

	p.startBitrateControl(gen, conn, encoder)
	p.queue.Arm(session.StreamID)

	if audioChanged {
		if err := p.audio.replace(ctx, stream, conn, audioSource); err != nil {
			p.reportError(PhaseAcquireMicrophone, err)
		}
	}

	if !p.advance(gen, StatusReady) {
		return StreamSession{}, ErrPipelineStopped
	}

	p.mu.Lock()
	callbacks := p.onReadyCallbacks
	p.mu.Unlock()

	for _, callback := range callbacks {
		callback(session)
	}

	p.log.Infof("pipeline: publishing stream %s, playback %s", session.StreamID, session.PlaybackURL)

	return session, nil
}

// Stop tears down the publish. Tracks and cameras the pipeline created are
// stopped; caller supplied tracks are left alone. Stop is idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.status.active() && p.conn == nil && p.stopLoops == nil {
		camera := p.camera
		p.camera = nil
		p.mu.Unlock()

		if camera != nil {
			p.compositor.SetSource(compositor.Blank())
			p.stopCamera(camera)
		}

		return nil
	}

	p.generation++
	conn, encoder, stream := p.conn, p.encoder, p.stream
	camera := p.camera
	stopLoops := p.stopLoops
	p.conn, p.encoder, p.stream, p.session = nil, nil, nil, nil
	p.camera = nil
	p.bitrate = nil
	p.stopLoops = nil
	p.mu.Unlock()

	if stopLoops != nil {
		stopLoops()
	}

	p.queue.Disarm()

	err := p.teardown(conn, encoder, stream)

	if camera != nil {
		p.compositor.SetSource(compositor.Blank())
		p.stopCamera(camera)
	}

	p.setStatus(StatusStopped)
	p.log.Infof("pipeline: stopped")

	return err
}

// HandleVisibility applies the backgrounding policy: publishing stops when
// the host is hidden and restarts on return if the host was away longer than
// VisibilityRestartAfter.
func (p *Pipeline) HandleVisibility(ctx context.Context, hidden bool) error {
	if !p.options.AutoStopOnHidden {
		return nil
	}

	now := p.options.Clock.Now()

	if hidden {
		p.mu.Lock()
		running := p.status.active()
		p.hiddenAt = now
		p.wasRunning = running
		p.mu.Unlock()

		if running {
			p.log.Infof("pipeline: host hidden, stopping")
			return p.Stop()
		}

		return nil
	}

	p.mu.Lock()
	wasRunning, away := p.wasRunning, now.Sub(p.hiddenAt)
	p.wasRunning = false
	p.mu.Unlock()

	if !wasRunning || away <= p.options.VisibilityRestartAfter {
		return nil
	}

	p.log.Infof("pipeline: host visible after %s, restarting", away)

	_, err := p.Start(ctx)

	return err
}

func (p *Pipeline) Session() (StreamSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return StreamSession{}, false
	}

	return *p.session, true
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	stats := Stats{
		Status:       p.status,
		EncodeErrors: p.encodeErrors,
	}
	bc := p.bitrate
	p.mu.Unlock()

	if bc != nil {
		stats.Bitrate = bc.Bitrate()
	}

	stats.Compositor = p.compositor.Stats()
	stats.Params = p.queue.Stats()

	return stats
}

// ActiveAudio reports the outgoing audio track and whether the pipeline
// owns it.
func (p *Pipeline) ActiveAudio() (webrtc.TrackLocal, bool) {
	return p.audio.active()
}

func (p *Pipeline) startLoops(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	repaint, stopRepaint := p.options.Repaint()

	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		cancel()
		stopRepaint()
		return
	}
	p.stopLoops = func() {
		cancel()
		stopRepaint()
	}
	p.mu.Unlock()

	go p.compositor.Run(ctx, repaint)
}

func (p *Pipeline) startBitrateControl(gen uint64, conn Connection, encoder VideoEncoder) {
	if !p.options.EnableBitrateControl {
		return
	}

	estimator, ok := conn.(bandwidthEstimator)
	if !ok {
		return
	}

	bc := newBitrateController(estimator, encoder, p.options.Bitrates, p.log)
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if gen != p.generation || p.stopLoops == nil {
		p.mu.Unlock()
		cancel()
		return
	}
	p.bitrate = bc
	stopLoops := p.stopLoops
	p.stopLoops = func() {
		cancel()
		stopLoops()
	}
	p.mu.Unlock()

	go bc.loopMonitor(ctx)
}

func (p *Pipeline) encodeFrame(canvas *image.RGBA, duration time.Duration) {
	p.mu.Lock()
	encoder := p.encoder
	p.mu.Unlock()

	if encoder == nil {
		return
	}

	err := encoder.Encode(canvas, duration)

	p.mu.Lock()
	if encoder != p.encoder {
		p.mu.Unlock()
		return
	}

	report := false
	if err != nil {
		p.encodeErrors++
		report = !p.encodeFailed
		p.encodeFailed = true
	} else {
		p.encodeFailed = false
	}
	p.mu.Unlock()

	if report {
		p.reportError(PhaseEncode, err)
	}
}

func (p *Pipeline) teardown(conn Connection, encoder VideoEncoder, stream *MediaStream) error {
	errs := []error{}

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if err := conn.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}

	if encoder != nil {
		if err := encoder.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.audio.release(stream)

	return FlattenErrors(errs)
}

// fail ends a start attempt. The draw loop is stopped only if no Stop raced
// with the attempt.
func (p *Pipeline) fail(gen uint64, phase Phase, err error) error {
	p.mu.Lock()
	current := gen == p.generation
	var stopLoops func()
	if current {
		stopLoops = p.stopLoops
		p.stopLoops = nil
	}
	p.mu.Unlock()

	if stopLoops != nil {
		stopLoops()
	}

	if current {
		p.setStatus(StatusError)
	}

	return p.reportError(phase, err)
}

func (p *Pipeline) reportError(phase Phase, err error) *PipelineError {
	pe := newPipelineError(phase, err)

	if phase.Fatal() {
		p.log.Errorf("%s", pe.Error())
	} else {
		p.log.Warnf("%s", pe.Error())
	}

	p.mu.Lock()
	callbacks := p.onErrorCallbacks
	p.mu.Unlock()

	for _, callback := range callbacks {
		callback(pe)
	}

	return pe
}

// advance sets status only while the start attempt gen is still current.
func (p *Pipeline) advance(gen uint64, status Status) bool {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return false
	}
	p.status = status
	callbacks := p.onStatusCallbacks
	p.mu.Unlock()

	for _, callback := range callbacks {
		callback(status)
	}

	return true
}

func (p *Pipeline) setStatus(status Status) {
	p.mu.Lock()
	p.status = status
	callbacks := p.onStatusCallbacks
	p.mu.Unlock()

	for _, callback := range callbacks {
		callback(status)
	}
}

func (p *Pipeline) stopCamera(cam CameraStream) {
	if cam == nil {
		return
	}

	if err := cam.Stop(); err != nil {
		p.log.Warnf("pipeline: failed to stop camera: %s", err.Error())
	}
}
