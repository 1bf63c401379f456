// Package server exposes one brewdream pipeline and its clip recorder over a
// chi HTTP control API, with a websocket stream of status and progress
// events.
package server

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/livepeer/brewdream"
	"github.com/livepeer/brewdream/internal/platform/metrics"
	"github.com/livepeer/brewdream/internal/store"
	"github.com/livepeer/brewdream/pkg/backend"
	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/livepeer/brewdream/pkg/recorder"
	"github.com/pion/logging"
)

const (
	DefaultCaptureRetry   = 2 * time.Minute
	DefaultDetachTimeout  = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

var ErrNoSession = errors.New("server: error no live session")

// Pipeline is the part of *brewdream.Pipeline the server drives.
type Pipeline interface {
	SelectCamera(ctx context.Context, facing compositor.FacingMode) error
	SetVideoSource(src compositor.Source)
	PushFrame(img image.Image) error
	SetAudioSource(ctx context.Context, src brewdream.AudioSource) error
	SetParameters(params brewdream.DiffusionParameters)
	Parameters() brewdream.DiffusionParameters
	Start(ctx context.Context) (brewdream.StreamSession, error)
	Stop() error
	HandleVisibility(ctx context.Context, hidden bool) error
	Session() (brewdream.StreamSession, bool)
	Stats() brewdream.Stats
	OnStatus(f func(brewdream.Status))
	OnReady(f func(brewdream.StreamSession))
	OnError(f func(*brewdream.PipelineError))
}

// Capture records the stream output. *recorder.PlaybackCapture implements it.
type Capture interface {
	recorder.Capture
	Open(ctx context.Context, playbackURL string) error
	Close(ctx context.Context) error
}

// Ledger persists sessions and clips. *store.Store implements it.
type Ledger interface {
	CreateSession(ctx context.Context, session store.Session) (store.Session, error)
	SessionByStreamID(ctx context.Context, streamID string) (store.Session, error)
	SaveClip(ctx context.Context, clip store.Clip) (store.Clip, error)
	Clip(ctx context.Context, id string) (store.Clip, error)
	ListClips(ctx context.Context, limit int) ([]store.Clip, error)
}

// Tickets issues and redeems coffee tickets. *backend.Client implements it.
type Tickets interface {
	GenerateTicket(ctx context.Context, sessionID string) (backend.Ticket, error)
	RedeemTicket(ctx context.Context, code, userToken string) (backend.Redemption, error)
}

type Options struct {
	Textures brewdream.TextureCatalog
	Scaling  brewdream.TIndexScaling
	Recorder recorder.Options
	// CaptureRetry bounds how long the playback subscription is retried
	// after the stream becomes ready.
	CaptureRetry   time.Duration
	DetachTimeout  time.Duration
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Log            logging.LeveledLogger
}

func DefaultOptions() Options {
	return Options{
		Textures:       brewdream.DefaultTextures(),
		Scaling:        brewdream.DefaultTIndexScaling(),
		Recorder:       recorder.DefaultOptions(),
		CaptureRetry:   DefaultCaptureRetry,
		DetachTimeout:  DefaultDetachTimeout,
		RequestTimeout: DefaultRequestTimeout,
		Log:            logging.NewDefaultLoggerFactory().NewLogger("server"),
	}
}

// liveSession is everything tied to one ready stream.
type liveSession struct {
	stream   brewdream.StreamSession
	record   store.Session
	recorder *recorder.Recorder
	clip     *store.Clip
	cancel   context.CancelFunc
	done     chan struct{}
}

type Server struct {
	mu       sync.Mutex
	pipeline Pipeline
	capture  Capture
	uploader recorder.Uploader
	ledger   Ledger
	tickets  Tickets
	options  Options
	hub      *Hub
	brew     brewdream.BrewParams
	facing   compositor.FacingMode
	live     *liveSession
	log      logging.LeveledLogger
}

// New wires the server to a pipeline. tickets may be nil when no backend is
// configured.
func New(pipeline Pipeline, capture Capture, uploader recorder.Uploader, ledger Ledger, tickets Tickets, opts Options) *Server {
	d := DefaultOptions()
	if opts.Textures == nil {
		opts.Textures = d.Textures
	}
	if opts.Scaling == (brewdream.TIndexScaling{}) {
		opts.Scaling = d.Scaling
	}
	if opts.Recorder.UploadTimeout <= 0 {
		opts.Recorder.UploadTimeout = recorder.DefaultUploadTimeout
	}
	if opts.CaptureRetry <= 0 {
		opts.CaptureRetry = d.CaptureRetry
	}
	if opts.DetachTimeout <= 0 {
		opts.DetachTimeout = d.DetachTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = d.RequestTimeout
	}
	if opts.Log == nil {
		opts.Log = d.Log
	}

	s := &Server{
		pipeline: pipeline,
		capture:  capture,
		uploader: uploader,
		ledger:   ledger,
		tickets:  tickets,
		options:  opts,
		hub:      NewHub(opts.Log),
		brew:     brewdream.DefaultBrewParams(),
		log:      opts.Log,
	}

	pipeline.OnStatus(s.onStatus)
	pipeline.OnReady(s.onReady)
	pipeline.OnError(s.onError)

	return s
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) onStatus(status brewdream.Status) {
	s.hub.Broadcast(EventStatus, map[string]brewdream.Status{"status": status})

	if status == brewdream.StatusStopped || status == brewdream.StatusError {
		s.detach()
	}
}

func (s *Server) onError(err *brewdream.PipelineError) {
	s.log.Warnf("server: pipeline error: %s", err.Error())

	if s.options.Metrics != nil {
		s.options.Metrics.IncPipelineError(err.Phase)
	}

	s.hub.Broadcast(EventError, map[string]any{
		"phase": err.Phase,
		"fatal": err.Phase.Fatal(),
		"error": err.Err.Error(),
	})
}

// onReady records the session in the ledger, builds its recorder and starts
// subscribing to the playback in the background.
func (s *Server) onReady(session brewdream.StreamSession) {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.RequestTimeout)
	defer cancel()

	s.mu.Lock()
	facing := s.facing
	s.mu.Unlock()

	record, err := s.ledger.CreateSession(ctx, store.Session{
		StreamID:   session.StreamID,
		PlaybackID: session.PlaybackID,
		WHIPURL:    session.WHIPURL,
		CameraType: string(facing),
	})
	if errors.Is(err, store.ErrAlreadyExists) {
		record, err = s.ledger.SessionByStreamID(ctx, session.StreamID)
	}
	if err != nil {
		s.log.Errorf("server: ledger session for stream %s: %s", session.StreamID, err.Error())
	}

	rec := recorder.New(s.capture, s.uploader, s.options.Recorder)
	attachCtx, attachCancel := context.WithCancel(context.Background())
	live := &liveSession{
		stream:   session,
		record:   record,
		recorder: rec,
		cancel:   attachCancel,
		done:     make(chan struct{}),
	}
	s.watchRecorder(live)

	s.mu.Lock()
	prev := s.live
	s.live = live
	s.mu.Unlock()

	if prev != nil {
		s.release(prev)
	}

	s.hub.Broadcast(EventReady, session)

	go s.attach(attachCtx, live)
}

// attach subscribes the capture to the playback, retrying while the output
// is not yet available.
func (s *Server) attach(ctx context.Context, live *liveSession) {
	defer close(live.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := s.capture.Open(ctx, live.stream.PlaybackURL); err != nil {
			if errors.Is(err, recorder.ErrCaptureOpen) {
				return struct{}{}, backoff.Permanent(err)
			}
			s.log.Debugf("server: playback %s not available: %s", live.stream.PlaybackURL, err.Error())
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(s.options.CaptureRetry),
	)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warnf("server: cannot capture playback %s: %s", live.stream.PlaybackURL, err.Error())
		}
		return
	}

	s.log.Infof("server: capturing playback %s", live.stream.PlaybackURL)
}

func (s *Server) detach() {
	s.mu.Lock()
	live := s.live
	s.live = nil
	s.mu.Unlock()

	if live != nil {
		s.release(live)
	}
}

func (s *Server) release(live *liveSession) {
	live.cancel()
	<-live.done

	if live.recorder.Abort() {
		s.log.Infof("server: discarded recording of stream %s", live.stream.StreamID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.options.DetachTimeout)
	defer cancel()

	if err := s.capture.Close(ctx); err != nil {
		s.log.Warnf("server: close capture: %s", err.Error())
	}
}

// watchRecorder forwards recorder events to peers and persists finished
// clips against the session they were recorded from.
func (s *Server) watchRecorder(live *liveSession) {
	rec := live.recorder

	rec.OnState(func(state recorder.State) {
		s.hub.Broadcast(EventRecordState, map[string]recorder.State{"state": state})

		if state == recorder.StateDiscarded && s.options.Metrics != nil {
			s.options.Metrics.IncClip("discarded")
		}
	})

	rec.OnProgress(func(p recorder.Progress, display int) {
		s.hub.Broadcast(EventRecordProgress, map[string]any{
			"phase":    p.Phase,
			"step":     p.Step,
			"progress": display,
		})
	})

	rec.OnError(func(err *recorder.Error) {
		if s.options.Metrics != nil {
			s.options.Metrics.IncClip("error")
		}
		s.hub.Broadcast(EventError, map[string]any{
			"phase": err.Phase,
			"error": err.Err.Error(),
		})
	})

	rec.OnComplete(func(result recorder.Result) {
		if s.options.Metrics != nil {
			s.options.Metrics.IncClip("done")
		}

		clip, err := s.saveClip(live, result)
		if err != nil {
			s.log.Errorf("server: save clip %s: %s", result.AssetID, err.Error())
			s.hub.Broadcast(EventError, map[string]any{
				"phase": "save_clip",
				"error": err.Error(),
			})
			return
		}

		s.mu.Lock()
		live.clip = &clip
		s.mu.Unlock()

		s.hub.Broadcast(EventClip, clip)
	})
}

func (s *Server) saveClip(live *liveSession, result recorder.Result) (store.Clip, error) {
	if live.record.ID == "" {
		return store.Clip{}, ErrNoSession
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.options.RequestTimeout)
	defer cancel()

	s.mu.Lock()
	brew := s.brew
	s.mu.Unlock()

	params := s.pipeline.Parameters()

	clip := store.Clip{
		SessionID:   live.record.ID,
		AssetID:     result.AssetID,
		PlaybackID:  result.PlaybackID,
		DownloadURL: result.DownloadURL,
		DurationMs:  result.DurationMs,
		Prompt:      params.Prompt,
		TextureID:   brew.Texture,
		TIndexList:  params.TIndexList,
	}
	if brew.Texture != "" {
		weight := brew.TextureWeight
		clip.TextureWeight = &weight
	}

	return s.ledger.SaveClip(ctx, clip)
}

// current returns the live session, if any.
func (s *Server) current() *liveSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.live
}

// Close stops the pipeline and disconnects event peers.
func (s *Server) Close() error {
	err := s.pipeline.Stop()

	s.detach()
	s.hub.Close()

	return err
}
