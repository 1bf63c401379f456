package brewdream

import (
	"errors"
	"fmt"
)

var (
	ErrPipelineRunning    = errors.New("pipeline: error already started")
	ErrPipelineNotRunning = errors.New("pipeline: error not started")
	ErrInvalidFacingMode  = errors.New("pipeline: error invalid facing mode")
	ErrNoAudioSender      = errors.New("pipeline: error connection has no audio sender")
	ErrNoEncoders         = errors.New("pipeline: error no video encoder factory")
)

// Phase tags where in the pipeline an error surfaced.
type Phase string

const (
	PhaseAcquireCamera     Phase = "acquire_camera"
	PhaseAcquireMicrophone Phase = "acquire_microphone"
	PhaseCreateStream      Phase = "create_stream"
	PhasePublish           Phase = "publish"
	PhaseSyncParams        Phase = "sync_params"
	PhaseDraw              Phase = "draw"
	PhaseEncode            Phase = "encode"
)

// Fatal reports whether an error in this phase ends the publish attempt.
func (p Phase) Fatal() bool {
	return p == PhaseCreateStream || p == PhasePublish
}

type PipelineError struct {
	Phase Phase
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func newPipelineError(phase Phase, err error) *PipelineError {
	return &PipelineError{Phase: phase, Err: err}
}
