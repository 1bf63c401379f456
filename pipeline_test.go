package brewdream

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/livepeer/brewdream/pkg/whip"
	"github.com/pion/webrtc/v4"
)

func TestPipeline_selectCameraStartAndSync(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	if err := p.SelectCamera(ctx, compositor.FacingUser); err != nil {
		t.Fatalf("select camera: %v", err)
	}
	p.SetParameters(DiffusionParameters{Prompt: "barista"})

	startedAt := rig.clock.Now()
	session, err := p.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if session.StreamID != "stream-1" || session.PlaybackID != "playback-1" {
		t.Errorf("unexpected session %+v", session)
	}
	if session.PlaybackURL == "" || session.ID == "" {
		t.Errorf("session missing playback url or id: %+v", session)
	}
	if got, ok := p.Session(); !ok || got != session {
		t.Errorf("Session() = %+v, %v", got, ok)
	}

	want := []Status{StatusCreatingStream, StatusPublishing, StatusReady}
	if got := rig.Statuses(); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}

	created := rig.api.Created()
	if len(created) != 1 || created[0].Prompt != "barista" || created[0].ModelID != DefaultModelID {
		t.Errorf("create stream initial params = %+v", created)
	}

	_, tracks := rig.publisher.Last()
	if len(tracks) != 2 || tracks[0].Kind() != webrtc.RTPCodecTypeVideo || tracks[1].Kind() != webrtc.RTPCodecTypeAudio {
		t.Errorf("published tracks = %v", tracks)
	}

	rig.clock.Advance(DefaultParamGrace - time.Millisecond)
	if updates, _ := rig.api.Updates(); len(updates) != 0 {
		t.Fatalf("parameters sent during grace window: %d", len(updates))
	}

	rig.clock.Advance(time.Millisecond)
	waitFor(t, "parameter update", func() bool {
		updates, _ := rig.api.Updates()
		return len(updates) == 1
	})
	waitIdle(t, p.queue)

	updates, at := rig.api.Updates()
	if len(updates) != 1 {
		t.Fatalf("expected exactly one update, got %d", len(updates))
	}
	if at[0].Sub(startedAt) < DefaultParamGrace {
		t.Errorf("update sent %s after start", at[0].Sub(startedAt))
	}
	if updates[0].Prompt != "barista" || updates[0].IPAdapter == nil {
		t.Errorf("update params = %+v", updates[0])
	}
}

func TestPipeline_startTwiceFails(t *testing.T) {
	rig := newTestRig(t)

	if _, err := rig.pipeline.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.pipeline.Start(context.Background()); !errors.Is(err, ErrPipelineRunning) {
		t.Fatalf("expected ErrPipelineRunning, got %v", err)
	}
}

func TestPipeline_createStreamFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.api.createErr = errors.New("function unavailable")

	_, err := rig.pipeline.Start(context.Background())

	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Phase != PhaseCreateStream {
		t.Fatalf("expected create_stream error, got %v", err)
	}
	if rig.pipeline.Status() != StatusError {
		t.Errorf("status = %s", rig.pipeline.Status())
	}
	if errs := rig.Errors(); len(errs) != 1 || errs[0].Phase != PhaseCreateStream {
		t.Errorf("error callbacks = %v", errs)
	}
	if conn, _ := rig.publisher.Last(); conn != nil {
		t.Error("publisher should not be called")
	}

	rig.api.mu.Lock()
	rig.api.createErr = nil
	rig.api.mu.Unlock()

	if _, err := rig.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("restart after error: %v", err)
	}
}

func TestPipeline_publishRejected(t *testing.T) {
	rig := newTestRig(t)
	rig.publisher.err = &whip.RejectedError{StatusCode: 409, Status: "409 Conflict"}

	_, err := rig.pipeline.Start(context.Background())

	var rejected *whip.RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != 409 {
		t.Fatalf("expected rejection with status, got %v", err)
	}

	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Phase != PhasePublish {
		t.Fatalf("expected publish phase, got %v", err)
	}

	silent := rig.Silent()
	if len(silent) != 1 || silent[0].Stopped() != 1 {
		t.Errorf("silent track not stopped after failed publish")
	}
	if enc := rig.encoders.Last(); enc == nil || !enc.Closed() {
		t.Errorf("encoder not closed after failed publish")
	}
	if _, ok := rig.pipeline.Session(); ok {
		t.Error("session should not exist after failed publish")
	}
}

func TestPipeline_stopReleasesOwnedResourcesOnly(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	if err := p.SelectCamera(ctx, compositor.FacingEnvironment); err != nil {
		t.Fatal(err)
	}

	external := newFakeTrack(t, "external")
	if err := p.SetAudioSource(ctx, ExternalAudio(external)); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	conn, _ := rig.publisher.Last()
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if conn.Closed() != 1 {
		t.Error("connection not closed")
	}
	if external.Stopped() != 0 {
		t.Error("caller supplied track was stopped")
	}
	if rig.devices.cameras[0].Stopped() != 1 {
		t.Error("pipeline camera not stopped")
	}
	if !rig.encoders.Last().Closed() {
		t.Error("encoder not closed")
	}
	if _, ok := p.Session(); ok {
		t.Error("session not cleared")
	}
	if p.Status() != StatusStopped {
		t.Errorf("status = %s", p.Status())
	}
	if st := p.queue.Stats(); st.GateOpen {
		t.Error("parameter gate still open after stop")
	}

	if err := p.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
	if conn.Closed() != 1 {
		t.Error("second stop closed the connection again")
	}
}

func TestPipeline_swapsAudioInPlace(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	if _, err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	conn, _ := rig.publisher.Last()
	conn.onReplace = func(webrtc.TrackLocal) {
		if n := len(p.stream.AudioTracks()); n > 1 {
			t.Errorf("%d audio tracks on outgoing stream", n)
		}
	}

	silent := rig.Silent()[0]
	external := newFakeTrack(t, "external")

	if err := p.SetAudioSource(ctx, ExternalAudio(external)); err != nil {
		t.Fatal(err)
	}
	if silent.Stopped() != 1 {
		t.Error("owned silent track not stopped after swap")
	}
	if track, owned := p.ActiveAudio(); track != external || owned {
		t.Errorf("active audio = %v owned=%v", track, owned)
	}

	if err := p.SetAudioSource(ctx, MicrophoneAudio(nil)); err != nil {
		t.Fatal(err)
	}
	if external.Stopped() != 0 {
		t.Error("external track stopped by swap")
	}

	mic := rig.devices.mics[0]
	if err := p.SetAudioSource(ctx, SilentAudio()); err != nil {
		t.Fatal(err)
	}
	if mic.Stopped() != 1 {
		t.Error("owned microphone not stopped after swap")
	}

	conn.mu.Lock()
	replaced := len(conn.replaced)
	conn.mu.Unlock()
	if replaced != 3 {
		t.Errorf("expected 3 in-place replacements, got %d", replaced)
	}
	if got := len(rig.api.Created()); got != 1 {
		t.Errorf("audio swap recreated the stream: %d creates", got)
	}
}

func TestPipeline_microphoneFailureKeepsCurrentTrack(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	if _, err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	rig.devices.mu.Lock()
	rig.devices.micErr = errors.New("permission denied")
	rig.devices.mu.Unlock()

	err := p.SetAudioSource(ctx, MicrophoneAudio(nil))

	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Phase != PhaseAcquireMicrophone {
		t.Fatalf("expected acquire_microphone error, got %v", err)
	}

	silent := rig.Silent()[0]
	if track, owned := p.ActiveAudio(); track != silent || !owned {
		t.Error("previous audio track replaced despite failure")
	}
	if silent.Stopped() != 0 {
		t.Error("previous audio track stopped despite failure")
	}
	if p.Status() != StatusReady {
		t.Errorf("status = %s", p.Status())
	}
}

func TestPipeline_microphoneFailureAtStartPublishesVideoOnly(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	rig.devices.micErr = errors.New("permission denied")
	_ = p.SetAudioSource(ctx, MicrophoneAudio(nil))

	if _, err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, tracks := rig.publisher.Last()
	if len(tracks) != 1 || tracks[0].Kind() != webrtc.RTPCodecTypeVideo {
		t.Errorf("expected video only publish, got %v", tracks)
	}

	errs := rig.Errors()
	if len(errs) != 1 || errs[0].Phase != PhaseAcquireMicrophone {
		t.Errorf("error callbacks = %v", errs)
	}
}

func TestPipeline_stopReleasesCameraWithoutPublish(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	if err := p.SelectCamera(ctx, compositor.FacingUser); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := rig.devices.cameras[0].Stopped(); got != 1 {
		t.Errorf("camera stopped %d times, want 1", got)
	}
	if p.Compositor().Source().Kind() != compositor.SourceBlank {
		t.Errorf("source = %v, want blank", p.Compositor().Source().Kind())
	}
	if p.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", p.Status())
	}
}

func TestPipeline_stopAfterFailedStartReleasesCamera(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()
	rig.api.createErr = errors.New("function unavailable")

	if err := p.SelectCamera(ctx, compositor.FacingEnvironment); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Start(ctx); err == nil {
		t.Fatal("expected start to fail")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := rig.devices.cameras[0].Stopped(); got != 1 {
		t.Errorf("camera stopped %d times, want 1", got)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if got := rig.devices.cameras[0].Stopped(); got != 1 {
		t.Errorf("second stop stopped the camera again: %d", got)
	}
}

func TestPipeline_startWithoutCameraPublishesBlank(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	if err := p.SelectCamera(ctx, compositor.FacingUser); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(); err != nil {
		t.Fatal(err)
	}

	rig.devices.mu.Lock()
	rig.devices.cameraErr = errors.New("camera unplugged")
	rig.devices.mu.Unlock()

	if _, err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if p.Compositor().Source().Kind() != compositor.SourceBlank {
		t.Errorf("source = %v, want blank", p.Compositor().Source().Kind())
	}
	errs := rig.Errors()
	if len(errs) != 1 || errs[0].Phase != PhaseAcquireCamera {
		t.Errorf("error callbacks = %v", errs)
	}
}

func TestPipeline_startWithoutEncoders(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	p.encoders = nil

	if _, err := p.Start(context.Background()); !errors.Is(err, ErrNoEncoders) {
		t.Fatalf("expected ErrNoEncoders, got %v", err)
	}
	if p.Status() != StatusIdle {
		t.Errorf("status = %s, want idle", p.Status())
	}
	if created := rig.api.Created(); len(created) != 0 {
		t.Errorf("stream created without an encoder: %v", created)
	}
}

func TestPipeline_cameraFailureFallsBackToBlank(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	rig.devices.cameraErr = errors.New("no camera")

	err := p.SelectCamera(context.Background(), compositor.FacingUser)

	var pe *PipelineError
	if !errors.As(err, &pe) || pe.Phase != PhaseAcquireCamera {
		t.Fatalf("expected acquire_camera error, got %v", err)
	}
	if p.Compositor().Source().Kind() != compositor.SourceBlank {
		t.Errorf("source = %v, want blank", p.Compositor().Source().Kind())
	}
	if err := p.SelectCamera(context.Background(), "sideways"); !errors.Is(err, ErrInvalidFacingMode) {
		t.Errorf("expected ErrInvalidFacingMode, got %v", err)
	}
}

func TestPipeline_visibilityRestartsOnlyAfterThreshold(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	ctx := context.Background()

	if _, err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := p.HandleVisibility(ctx, true); err != nil {
		t.Fatal(err)
	}
	if p.Status() != StatusStopped {
		t.Fatalf("status after hide = %s", p.Status())
	}

	rig.clock.Advance(3 * time.Second)
	if err := p.HandleVisibility(ctx, false); err != nil {
		t.Fatal(err)
	}
	if p.Status() != StatusStopped || len(rig.api.Created()) != 1 {
		t.Fatalf("restarted after a short absence")
	}

	if _, err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.HandleVisibility(ctx, true); err != nil {
		t.Fatal(err)
	}

	rig.clock.Advance(6 * time.Second)
	if err := p.HandleVisibility(ctx, false); err != nil {
		t.Fatal(err)
	}
	if p.Status() != StatusReady || len(rig.api.Created()) != 3 {
		t.Errorf("expected restart after long absence: status=%s creates=%d", p.Status(), len(rig.api.Created()))
	}
}

func TestPipeline_pushFrameFeedsEncoder(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline

	if err := p.PushFrame(gray(32, 18)); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := p.PushFrame(gray(32, 18)); err != nil {
		t.Fatal(err)
	}
	if n := rig.encoders.Last().Frames(); n != 1 {
		t.Errorf("encoder received %d frames, want 1", n)
	}
}

func TestPipeline_paramFailureReported(t *testing.T) {
	rig := newTestRig(t)
	p := rig.pipeline
	rig.api.updateErr = errors.New("stream not ready")

	p.SetParameters(DiffusionParameters{Prompt: "barista"})
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	rig.clock.Advance(DefaultParamGrace)
	waitFor(t, "sync error", func() bool {
		for _, err := range rig.Errors() {
			if err.Phase == PhaseSyncParams {
				return true
			}
		}
		return false
	})

	if p.Status() != StatusReady {
		t.Errorf("sync failure changed status to %s", p.Status())
	}
}
