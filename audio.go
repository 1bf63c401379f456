package brewdream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrameDuration = 20 * time.Millisecond

type AudioSourceKind int

const (
	AudioSilence AudioSourceKind = iota
	AudioMicrophone
	AudioExternal
)

func (k AudioSourceKind) String() string {
	switch k {
	case AudioMicrophone:
		return "microphone"
	case AudioExternal:
		return "external"
	default:
		return "silence"
	}
}

// AudioSource selects where the outgoing audio track comes from.
type AudioSource struct {
	Kind AudioSourceKind
	// Track is the caller-owned track for AudioExternal. The pipeline never
	// stops it.
	Track webrtc.TrackLocal
	// Constraints override the microphone defaults when set.
	Constraints *MicrophoneConstraints
}

func SilentAudio() AudioSource {
	return AudioSource{Kind: AudioSilence}
}

func MicrophoneAudio(constraints *MicrophoneConstraints) AudioSource {
	return AudioSource{Kind: AudioMicrophone, Constraints: constraints}
}

func ExternalAudio(track webrtc.TrackLocal) AudioSource {
	return AudioSource{Kind: AudioExternal, Track: track}
}

type MicrophoneConstraints struct {
	EchoCancellation bool   `json:"echo_cancellation"`
	NoiseSuppression bool   `json:"noise_suppression"`
	AutoGainControl  bool   `json:"auto_gain_control"`
	DeviceID         string `json:"device_id,omitempty"`
}

func DefaultMicrophoneConstraints() MicrophoneConstraints {
	return MicrophoneConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// LocalTrack is a track the pipeline created and therefore must stop.
type LocalTrack interface {
	webrtc.TrackLocal
	Stop() error
}

type silentTrack struct {
	*webrtc.TrackLocalStaticSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSilentTrack starts an Opus track that continuously emits silence.
func NewSilentTrack(streamID string) (LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &silentTrack{
		TrackLocalStaticSample: track,
		cancel:                 cancel,
		done:                   make(chan struct{}),
	}

	go s.loop(ctx)

	return s, nil
}

func (s *silentTrack) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(silenceFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrameDuration}); err != nil && !errors.Is(err, context.Canceled) {
				return
			}
		}
	}
}

func (s *silentTrack) Stop() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})

	return nil
}

// AudioReplacer swaps the track on the live audio sender without
// renegotiation.
type AudioReplacer interface {
	ReplaceAudio(track webrtc.TrackLocal) error
}

type audioResolver struct {
	mu          sync.Mutex
	devices     Devices
	constraints MicrophoneConstraints
	newSilent   func() (LocalTrack, error)
	current     webrtc.TrackLocal
	owned       bool
	log         logging.LeveledLogger
}

func newAudioResolver(devices Devices, constraints MicrophoneConstraints, newSilent func() (LocalTrack, error), log logging.LeveledLogger) *audioResolver {
	return &audioResolver{
		devices:     devices,
		constraints: constraints,
		newSilent:   newSilent,
		log:         log,
	}
}

// resolve produces a track for src. A nil track with a nil error means the
// pipeline proceeds without audio. Microphone failures are returned.
func (r *audioResolver) resolve(ctx context.Context, src AudioSource) (webrtc.TrackLocal, bool, error) {
	switch src.Kind {
	case AudioExternal:
		if src.Track != nil && src.Track.Kind() == webrtc.RTPCodecTypeAudio {
			return src.Track, false, nil
		}
		r.log.Warnf("audio: external source has no audio track, using silence")
	case AudioMicrophone:
		if r.devices == nil {
			return nil, false, errors.New("audio: error no capture devices")
		}

		constraints := r.constraints
		if src.Constraints != nil {
			constraints = *src.Constraints
		}

		track, err := r.devices.OpenMicrophone(ctx, constraints)
		if err != nil {
			return nil, false, err
		}

		return track, true, nil
	}

	silent, err := r.newSilent()
	if err != nil {
		r.log.Warnf("audio: silent track unavailable, continuing without audio: %s", err.Error())
		return nil, false, nil
	}

	return silent, true, nil
}

// attach installs the initial audio track on stream before publishing.
func (r *audioResolver) attach(ctx context.Context, stream *MediaStream, src AudioSource) error {
	track, owned, err := r.resolve(ctx, src)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stream.swapAudio(track)
	r.current, r.owned = track, owned

	return nil
}

// replace swaps the live audio track. The previous track is stopped only
// when the pipeline owns it. On failure the previous track stays active.
func (r *audioResolver) replace(ctx context.Context, stream *MediaStream, sender AudioReplacer, src AudioSource) error {
	track, owned, err := r.resolve(ctx, src)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, prevOwned := r.current, r.owned

	stream.swapAudio(track)

	if err := sender.ReplaceAudio(track); err != nil {
		stream.swapAudio(prev)
		if owned {
			stopTrack(track, r.log)
		}
		return err
	}

	r.current, r.owned = track, owned

	if prevOwned && prev != track {
		stopTrack(prev, r.log)
	}

	return nil
}

// release stops the active track if the pipeline owns it and clears the
// slot. Caller-owned tracks are left running.
func (r *audioResolver) release(stream *MediaStream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stream != nil {
		stream.swapAudio(nil)
	}

	if r.owned {
		stopTrack(r.current, r.log)
	}

	r.current, r.owned = nil, false
}

func (r *audioResolver) active() (webrtc.TrackLocal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current, r.owned
}

func stopTrack(track webrtc.TrackLocal, log logging.LeveledLogger) {
	if track == nil {
		return
	}

	if t, ok := track.(LocalTrack); ok {
		if err := t.Stop(); err != nil {
			log.Warnf("audio: failed to stop track %s: %s", track.ID(), err.Error())
		}
	}
}
