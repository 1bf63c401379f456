package recorder

import "math"

// Phase names a step of the record and upload flow.
type Phase string

const (
	PhaseRecording  Phase = "recording"
	PhaseFinalizing Phase = "finalizing"
	PhaseUploading  Phase = "uploading"
	PhaseProcessing Phase = "processing"
	PhaseDone       Phase = "done"
)

// Progress is reported by an Uploader while a clip is moving. Progress is in
// [0, 1] for the uploading and processing phases.
type Progress struct {
	Phase    Phase   `json:"phase"`
	Step     string  `json:"step,omitempty"`
	Progress float64 `json:"progress"`
}

// ProgressTracker turns raw progress events into the percentage shown to the
// user. Remote processing reports coarse values that can go backwards, so
// the processing percentage only ever moves up and holds at 99 until done.
type ProgressTracker struct {
	prev int
}

// Observe returns the percentage to display for p.
func (t *ProgressTracker) Observe(p Progress) int {
	switch p.Phase {
	case PhaseUploading:
		return percent(p.Progress)
	case PhaseProcessing:
		next := percent(p.Progress)
		if next <= t.prev {
			next = t.prev + 1
		}
		next = min(next, 99)
		t.prev = next
		return next
	case PhaseDone:
		t.prev = 100
		return 100
	default:
		return t.prev
	}
}

func (t *ProgressTracker) Reset() {
	t.prev = 0
}

func percent(f float64) int {
	return int(math.Floor(f*100 + 0.5))
}

// ClampDuration bounds a measured clip length in milliseconds to [lo, hi].
func ClampDuration(ms, lo, hi int64) int64 {
	return max(lo, min(ms, hi))
}
