package brewdream

import (
	"context"
	"errors"
	"testing"

	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

func TestSilentTrack_isOwnedOpusAudio(t *testing.T) {
	track, err := NewSilentTrack("test")
	if err != nil {
		t.Fatal(err)
	}

	if track.Kind() != webrtc.RTPCodecTypeAudio {
		t.Errorf("kind = %s", track.Kind())
	}

	if err := track.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := track.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestAudioResolver_degradesWithoutSilentTrack(t *testing.T) {
	r := newAudioResolver(nil, DefaultMicrophoneConstraints(), func() (LocalTrack, error) {
		return nil, errors.New("audio unavailable")
	}, logging.NewDefaultLoggerFactory().NewLogger("test"))

	stream := NewMediaStream(nil)
	if err := r.attach(context.Background(), stream, SilentAudio()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if tracks := stream.AudioTracks(); len(tracks) != 0 {
		t.Errorf("expected no audio, got %v", tracks)
	}
}

func TestAudioResolver_externalWithoutAudioFallsBackToSilence(t *testing.T) {
	silent := newFakeTrack(t, "silence")
	r := newAudioResolver(nil, DefaultMicrophoneConstraints(), func() (LocalTrack, error) {
		return silent, nil
	}, logging.NewDefaultLoggerFactory().NewLogger("test"))

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "test")
	if err != nil {
		t.Fatal(err)
	}

	track, owned, err := r.resolve(context.Background(), ExternalAudio(video))
	if err != nil {
		t.Fatal(err)
	}
	if track != silent || !owned {
		t.Errorf("expected owned silent fallback, got %v owned=%v", track, owned)
	}
}

func TestAudioResolver_microphoneUsesConstraints(t *testing.T) {
	devices := &recordingDevices{}
	r := newAudioResolver(devices, DefaultMicrophoneConstraints(), func() (LocalTrack, error) {
		return nil, errors.New("unused")
	}, logging.NewDefaultLoggerFactory().NewLogger("test"))

	if _, _, err := r.resolve(context.Background(), MicrophoneAudio(nil)); err != nil {
		t.Fatal(err)
	}
	custom := MicrophoneConstraints{DeviceID: "usb-mic"}
	if _, _, err := r.resolve(context.Background(), MicrophoneAudio(&custom)); err != nil {
		t.Fatal(err)
	}

	if len(devices.constraints) != 2 {
		t.Fatalf("expected 2 microphone requests, got %d", len(devices.constraints))
	}
	if c := devices.constraints[0]; !c.EchoCancellation || !c.NoiseSuppression {
		t.Errorf("default constraints not applied: %+v", c)
	}
	if c := devices.constraints[1]; c.DeviceID != "usb-mic" || c.EchoCancellation {
		t.Errorf("caller constraints not applied: %+v", c)
	}
}

func TestAudioResolver_failedReplaceRestoresPrevious(t *testing.T) {
	first := newFakeTrack(t, "first")
	second := newFakeTrack(t, "second")
	tracks := []LocalTrack{first, second}
	r := newAudioResolver(nil, DefaultMicrophoneConstraints(), func() (LocalTrack, error) {
		next := tracks[0]
		tracks = tracks[1:]
		return next, nil
	}, logging.NewDefaultLoggerFactory().NewLogger("test"))

	stream := NewMediaStream(nil)
	if err := r.attach(context.Background(), stream, SilentAudio()); err != nil {
		t.Fatal(err)
	}

	conn := &fakeConn{replaceErr: errors.New("sender gone")}
	if err := r.replace(context.Background(), stream, conn, SilentAudio()); err == nil {
		t.Fatal("expected replace error")
	}

	if stream.AudioTrack() != first {
		t.Error("stream audio not restored")
	}
	if first.Stopped() != 0 || second.Stopped() != 1 {
		t.Errorf("stopped first=%d second=%d", first.Stopped(), second.Stopped())
	}
}

type recordingDevices struct {
	constraints []MicrophoneConstraints
}

func (d *recordingDevices) OpenCamera(ctx context.Context, facing compositor.FacingMode) (CameraStream, error) {
	return nil, errors.New("no camera")
}

func (d *recordingDevices) OpenMicrophone(ctx context.Context, c MicrophoneConstraints) (LocalTrack, error) {
	d.constraints = append(d.constraints, c)
	return &fakeTrack{}, nil
}
