// Package recorder captures the remote output of a stream for a bounded
// duration and hands the finished clip to an uploader.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/livepeer/brewdream/pkg/clock"
	"github.com/pion/logging"
)

const (
	DefaultMinDuration   = 3 * time.Second
	DefaultMaxDuration   = 10 * time.Second
	DefaultUploadTimeout = 5 * time.Minute
)

var (
	ErrNotPlaying         = errors.New("recorder: error remote output is not playing")
	ErrAlreadyRecording   = errors.New("recorder: error already recording")
	ErrNotRecording       = errors.New("recorder: error not recording")
	ErrTooShort           = errors.New("recorder: error recording too short")
	ErrCaptureUnsupported = errors.New("recorder: error capture not supported")
)

// Error is the single terminal error of a recording that passed the minimum
// duration but could not be turned into an asset.
type Error struct {
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recorder: %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Clip is an encoded recording ready for upload.
type Clip struct {
	Name        string
	ContentType string
	Data        []byte
	Duration    time.Duration
}

type Asset struct {
	ID          string `json:"id"`
	PlaybackID  string `json:"playback_id"`
	DownloadURL string `json:"download_url,omitempty"`
}

type Result struct {
	AssetID     string `json:"asset_id"`
	PlaybackID  string `json:"playback_id"`
	DownloadURL string `json:"download_url,omitempty"`
	// DurationMs is the wall-clock recording length clamped to the allowed range.
	DurationMs int64 `json:"duration_ms"`
	MeasuredMs int64 `json:"measured_ms"`
}

// Capture records the remote output.
type Capture interface {
	// Supported reports whether the output can be captured at all.
	Supported() bool
	IsPlaying() bool
	Begin(ctx context.Context) error
	End() (Clip, error)
	Discard()
}

type Uploader interface {
	UploadClip(ctx context.Context, clip Clip, progress func(Progress)) (Asset, error)
}

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateFinalizing State = "finalizing"
	StateUploading  State = "uploading"
	StateDone       State = "done"
	StateDiscarded  State = "discarded"
	StateError      State = "error"
)

func (s State) busy() bool {
	return s == StateRecording || s == StateFinalizing || s == StateUploading
}

type Options struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	// UploadTimeout bounds the upload started by an automatic stop.
	UploadTimeout time.Duration
	Clock         clock.Clock
	Log           logging.LeveledLogger
}

func DefaultOptions() Options {
	return Options{
		MinDuration:   DefaultMinDuration,
		MaxDuration:   DefaultMaxDuration,
		UploadTimeout: DefaultUploadTimeout,
		Clock:         clock.New(),
		Log:           logging.NewDefaultLoggerFactory().NewLogger("recorder"),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinDuration <= 0 {
		o.MinDuration = d.MinDuration
	}
	if o.MaxDuration < o.MinDuration {
		o.MaxDuration = max(d.MaxDuration, o.MinDuration)
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = d.UploadTimeout
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.Log == nil {
		o.Log = d.Log
	}

	return o
}

// Session is a snapshot of the recorder.
type Session struct {
	State    State         `json:"state"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Progress int           `json:"progress"`
	Result   *Result       `json:"result,omitempty"`
	Err      string        `json:"error,omitempty"`
}

// Recorder runs one recording at a time:
// idle -> recording -> finalizing -> uploading -> done, with recording ->
// discarded when stopped before the minimum duration. Recording stops on its
// own at the maximum duration.
type Recorder struct {
	mu          sync.Mutex
	capture     Capture
	uploader    Uploader
	options     Options
	state       State
	generation  uint64
	started     time.Time
	stopped     time.Duration
	autoStop    clock.Timer
	unsupported bool
	phase       Phase
	tracker     ProgressTracker
	display     int
	result      *Result
	err         error

	onStateCallbacks    []func(State)
	onProgressCallbacks []func(Progress, int)
	onCompleteCallbacks []func(Result)
	onErrorCallbacks    []func(*Error)
	log                 logging.LeveledLogger
}

func New(capture Capture, uploader Uploader, opts Options) *Recorder {
	opts = opts.withDefaults()

	return &Recorder{
		capture:  capture,
		uploader: uploader,
		options:  opts,
		state:    StateIdle,
		log:      opts.Log,
	}
}

func (r *Recorder) OnState(f func(State)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onStateCallbacks = append(r.onStateCallbacks, f)
}

// OnProgress receives each raw progress event with the percentage to display.
func (r *Recorder) OnProgress(f func(Progress, int)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onProgressCallbacks = append(r.onProgressCallbacks, f)
}

func (r *Recorder) OnComplete(f func(Result)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onCompleteCallbacks = append(r.onCompleteCallbacks, f)
}

func (r *Recorder) OnError(f func(*Error)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onErrorCallbacks = append(r.onErrorCallbacks, f)
}

// Supported reports whether recording is possible. Once the capture reports
// it cannot record, the recorder stays unsupported.
func (r *Recorder) Supported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unsupported {
		return false
	}

	if !r.capture.Supported() {
		r.unsupported = true
		return false
	}

	return true
}

// Start begins a recording. The remote output must be playing.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()

	if r.state.busy() {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}

	if r.unsupported || !r.capture.Supported() {
		r.unsupported = true
		r.mu.Unlock()
		return ErrCaptureUnsupported
	}

	if !r.capture.IsPlaying() {
		r.mu.Unlock()
		return ErrNotPlaying
	}

	if err := r.capture.Begin(ctx); err != nil {
		if errors.Is(err, ErrCaptureUnsupported) {
			r.unsupported = true
		}
		r.mu.Unlock()
		return fmt.Errorf("recorder: begin capture: %w", err)
	}

	r.generation++
	gen := r.generation
	r.started = r.options.Clock.Now()
	r.stopped = 0
	r.state = StateRecording
	r.phase = PhaseRecording
	r.tracker.Reset()
	r.display = 0
	r.result = nil
	r.err = nil
	r.autoStop = r.options.Clock.AfterFunc(r.options.MaxDuration, func() {
		r.stopAtLimit(gen)
	})
	callbacks := r.onStateCallbacks
	r.mu.Unlock()

	r.log.Infof("recorder: recording started")
	notifyState(callbacks, StateRecording)

	return nil
}

// Stop ends the current recording. Recordings shorter than the minimum
// duration are discarded without upload and return ErrTooShort. Otherwise
// the clip is uploaded and the result returned once the asset is ready.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	gen := r.generation
	r.mu.Unlock()

	return r.finish(ctx, gen)
}

// Abort discards a recording in progress without uploading it and cancels
// its automatic stop. A clip already finalizing or uploading is left to
// complete. Abort reports whether a recording was discarded.
func (r *Recorder) Abort() bool {
	r.mu.Lock()
	if r.state != StateRecording {
		r.mu.Unlock()
		return false
	}

	r.generation++
	if r.autoStop != nil {
		r.autoStop.Stop()
		r.autoStop = nil
	}
	elapsed := r.options.Clock.Now().Sub(r.started)
	r.stopped = elapsed
	r.state = StateDiscarded
	callbacks := r.onStateCallbacks
	r.mu.Unlock()

	r.capture.Discard()
	r.log.Infof("recorder: aborted recording after %dms", elapsed.Milliseconds())
	notifyState(callbacks, StateDiscarded)

	return true
}

// Session returns a snapshot of the current or most recent recording.
func (r *Recorder) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Session{
		State:    r.state,
		Elapsed:  r.stopped,
		Progress: r.display,
		Result:   r.result,
	}

	if r.state == StateRecording {
		s.Elapsed = r.options.Clock.Now().Sub(r.started)
	}

	if r.err != nil {
		s.Err = r.err.Error()
	}

	return s
}

func (r *Recorder) stopAtLimit(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.options.UploadTimeout)
	defer cancel()

	r.log.Infof("recorder: maximum duration reached, stopping")

	if _, err := r.finish(ctx, gen); err != nil && !errors.Is(err, ErrNotRecording) {
		r.log.Warnf("recorder: automatic stop failed: %s", err.Error())
	}
}

func (r *Recorder) finish(ctx context.Context, gen uint64) (Result, error) {
	r.mu.Lock()
	if r.state != StateRecording || r.generation != gen {
		r.mu.Unlock()
		return Result{}, ErrNotRecording
	}

	if r.autoStop != nil {
		r.autoStop.Stop()
		r.autoStop = nil
	}

	elapsed := r.options.Clock.Now().Sub(r.started)
	r.stopped = elapsed

	if elapsed < r.options.MinDuration {
		r.state = StateDiscarded
		callbacks := r.onStateCallbacks
		r.mu.Unlock()

		r.capture.Discard()
		r.log.Infof("recorder: discarded %dms recording", elapsed.Milliseconds())
		notifyState(callbacks, StateDiscarded)

		return Result{}, ErrTooShort
	}

	r.state = StateFinalizing
	r.phase = PhaseFinalizing
	callbacks := r.onStateCallbacks
	r.mu.Unlock()

	notifyState(callbacks, StateFinalizing)

	clip, err := r.capture.End()
	if err != nil {
		return Result{}, r.fail(gen, PhaseFinalizing, err)
	}

	if clip.Duration <= 0 {
		clip.Duration = elapsed
	}

	if !r.transition(gen, StateUploading) {
		return Result{}, ErrNotRecording
	}

	r.log.Infof("recorder: uploading %s (%d bytes)", clip.Name, len(clip.Data))

	asset, err := r.uploader.UploadClip(ctx, clip, func(p Progress) {
		r.progress(gen, p)
	})
	if err != nil {
		r.mu.Lock()
		phase := r.phase
		r.mu.Unlock()
		if phase != PhaseProcessing {
			phase = PhaseUploading
		}

		return Result{}, r.fail(gen, phase, err)
	}

	measured := elapsed.Milliseconds()
	result := Result{
		AssetID:     asset.ID,
		PlaybackID:  asset.PlaybackID,
		DownloadURL: asset.DownloadURL,
		DurationMs:  ClampDuration(measured, r.options.MinDuration.Milliseconds(), r.options.MaxDuration.Milliseconds()),
		MeasuredMs:  measured,
	}

	if result.DurationMs != measured {
		r.log.Debugf("recorder: duration clamped %dms -> %dms", measured, result.DurationMs)
	}

	r.progress(gen, Progress{Phase: PhaseDone, Progress: 1})

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return result, nil
	}
	r.state = StateDone
	r.result = &result
	stateCallbacks := r.onStateCallbacks
	completeCallbacks := r.onCompleteCallbacks
	r.mu.Unlock()

	r.log.Infof("recorder: clip ready asset=%s playback=%s", result.AssetID, result.PlaybackID)
	notifyState(stateCallbacks, StateDone)

	for _, callback := range completeCallbacks {
		callback(result)
	}

	return result, nil
}

func (r *Recorder) transition(gen uint64, state State) bool {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return false
	}
	r.state = state
	callbacks := r.onStateCallbacks
	r.mu.Unlock()

	notifyState(callbacks, state)

	return true
}

func (r *Recorder) progress(gen uint64, p Progress) {
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return
	}
	r.phase = p.Phase
	r.display = r.tracker.Observe(p)
	display := r.display
	callbacks := r.onProgressCallbacks
	r.mu.Unlock()

	for _, callback := range callbacks {
		callback(p, display)
	}
}

func (r *Recorder) fail(gen uint64, phase Phase, err error) error {
	rerr := &Error{Phase: phase, Err: err}

	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		return rerr
	}
	r.state = StateError
	r.err = rerr
	stateCallbacks := r.onStateCallbacks
	errorCallbacks := r.onErrorCallbacks
	r.mu.Unlock()

	r.log.Errorf("recorder: %s", rerr.Error())
	notifyState(stateCallbacks, StateError)

	for _, callback := range errorCallbacks {
		callback(rerr)
	}

	return rerr
}

func notifyState(callbacks []func(State), state State) {
	for _, callback := range callbacks {
		callback(state)
	}
}
