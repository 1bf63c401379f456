package compositor

import "image"

type SourceKind string

const (
	SourceBlank  SourceKind = "blank"
	SourceCanvas SourceKind = "canvas"
	SourceStream SourceKind = "stream"
	SourceCamera SourceKind = "camera"
)

type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

func (f FacingMode) Valid() bool {
	return f == FacingUser || f == FacingEnvironment
}

// Canvas is an externally owned render target.
type Canvas interface {
	Image() image.Image
}

// FrameStream is an externally owned or device-backed video stream exposing
// its most recent decoded frame. LatestFrame returns nil until the first
// frame has arrived.
type FrameStream interface {
	LatestFrame() image.Image
}

// Source is what the compositor draws each tick.
type Source interface {
	Kind() SourceKind
	// Frame returns the current frame. A nil or zero-area image means the
	// source is not ready yet.
	Frame() image.Image
}

type blankSource struct{}

// Blank returns the source that draws an opaque black frame every tick.
func Blank() Source {
	return blankSource{}
}

func (blankSource) Kind() SourceKind   { return SourceBlank }
func (blankSource) Frame() image.Image { return nil }

type canvasSource struct {
	canvas Canvas
}

func FromCanvas(c Canvas) Source {
	return &canvasSource{canvas: c}
}

func (s *canvasSource) Kind() SourceKind { return SourceCanvas }

func (s *canvasSource) Frame() image.Image {
	if s.canvas == nil {
		return nil
	}

	return s.canvas.Image()
}

type streamSource struct {
	stream FrameStream
}

func FromStream(stream FrameStream) Source {
	return &streamSource{stream: stream}
}

func (s *streamSource) Kind() SourceKind { return SourceStream }

func (s *streamSource) Frame() image.Image {
	if s.stream == nil {
		return nil
	}

	return s.stream.LatestFrame()
}

// CameraSource is a live camera selected by facing mode.
type CameraSource struct {
	Facing FacingMode
	stream FrameStream
}

func FromCamera(facing FacingMode, stream FrameStream) *CameraSource {
	return &CameraSource{Facing: facing, stream: stream}
}

func (s *CameraSource) Kind() SourceKind { return SourceCamera }

func (s *CameraSource) Frame() image.Image {
	if s.stream == nil {
		return nil
	}

	return s.stream.LatestFrame()
}

// ImageCanvas adapts a fixed image into a Canvas.
type ImageCanvas struct {
	Img image.Image
}

func (c ImageCanvas) Image() image.Image {
	return c.Img
}
