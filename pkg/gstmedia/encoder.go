package gstmedia

import (
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/livepeer/brewdream"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// VideoEncoder encodes RGBA frames and writes each encoded frame to out.
type VideoEncoder struct {
	mu       sync.Mutex
	pipeline *gst.Pipeline
	src      *app.Source
	encoder  *gst.Element
	codec    string
	size     int
	frameDur time.Duration
	out      brewdream.SampleWriter
	closed   bool
	log      logging.LeveledLogger
}

// NewVideoEncoder builds appsrc -> videoconvert -> encoder -> appsink for
// square size x size frames.
func (d *Devices) NewVideoEncoder(codec webrtc.RTPCodecCapability, size int, fps float64, bitrate int, out brewdream.SampleWriter) (brewdream.VideoEncoder, error) {
	if fps <= 0 {
		fps = float64(d.options.FPS)
	}

	enc, err := newEncoderElements(codec.MimeType, bitrate, int(fps))
	if err != nil {
		return nil, err
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("gstmedia: create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(rawCaps(size, int(fps))))
	src.SetProperty("is-live", true)
	src.SetProperty("do-timestamp", true)

	convert, err := element("videoconvert")
	if err != nil {
		return nil, err
	}

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstmedia: create appsink: %w", err)
	}
	sink.SetProperty("sync", false)

	chain := append([]*gst.Element{src.Element, convert}, enc.chain...)
	chain = append(chain, sink.Element)

	pipeline, err := link(chain...)
	if err != nil {
		return nil, err
	}

	v := &VideoEncoder{
		pipeline: pipeline,
		src:      src,
		encoder:  enc.encoder,
		codec:    codec.MimeType,
		size:     size,
		frameDur: time.Duration(float64(time.Second) / fps),
		out:      out,
		log:      d.log,
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: v.onSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("gstmedia: start encoder: %w", err)
	}

	d.log.Infof("gstmedia: %s encoder %dx%d@%.0f at %d bps", codec.MimeType, size, size, fps, bitrate)

	return v, nil
}

type encoderElements struct {
	encoder *gst.Element
	chain   []*gst.Element
}

func newEncoderElements(mime string, bitrate, fps int) (encoderElements, error) {
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		enc, err := element("vp8enc",
			"deadline", int64(1),
			"cpu-used", 8,
			"keyframe-max-dist", fps*2,
			"target-bitrate", bitrate,
		)
		if err != nil {
			return encoderElements{}, err
		}

		return encoderElements{encoder: enc, chain: []*gst.Element{enc}}, nil
	case strings.EqualFold(mime, webrtc.MimeTypeH264):
		enc, err := element("x264enc",
			"key-int-max", uint(fps*2),
			"bitrate", uint(kbps(bitrate)),
		)
		if err != nil {
			return encoderElements{}, err
		}

		filter, err := capsFilter("video/x-h264,stream-format=byte-stream,alignment=au,profile=constrained-baseline")
		if err != nil {
			return encoderElements{}, err
		}

		return encoderElements{encoder: enc, chain: []*gst.Element{enc, filter}}, nil
	default:
		return encoderElements{}, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mime)
	}
}

func rawCaps(size, fps int) string {
	return fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1", size, size, fps)
}

func kbps(bps int) int {
	return max(1, (bps+500)/1000)
}

func (v *VideoEncoder) Encode(frame *image.RGBA, _ time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	data, err := packRGBA(frame, v.size)
	if err != nil {
		return err
	}

	if ret := v.src.PushBuffer(gst.NewBufferFromBytes(data)); ret != gst.FlowOK {
		return fmt.Errorf("gstmedia: push frame: flow %v", ret)
	}

	return nil
}

// SetBitrate retunes the running encoder.
func (v *VideoEncoder) SetBitrate(bps int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	if strings.EqualFold(v.codec, webrtc.MimeTypeH264) {
		return v.encoder.SetProperty("bitrate", uint(kbps(bps)))
	}

	return v.encoder.SetProperty("target-bitrate", bps)
}

func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	v.src.EndStream()

	return v.pipeline.SetState(gst.StateNull)
}

func (v *VideoEncoder) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := make([]byte, len(mapInfo.Bytes()))
	copy(data, mapInfo.Bytes())
	buffer.Unmap()

	if err := v.out.WriteSample(media.Sample{Data: data, Duration: v.frameDur}); err != nil {
		v.log.Tracef("gstmedia: encoder write: %s", err.Error())
	}

	return gst.FlowOK
}

// packRGBA returns the frame pixels as a tightly packed size x size buffer.
func packRGBA(frame *image.RGBA, size int) ([]byte, error) {
	b := frame.Bounds()
	if b.Dx() != size || b.Dy() != size {
		return nil, fmt.Errorf("gstmedia: frame is %dx%d, encoder expects %dx%d", b.Dx(), b.Dy(), size, size)
	}

	rowLen := size * 4
	if frame.Stride == rowLen && b.Min == (image.Point{}) {
		out := make([]byte, rowLen*size)
		copy(out, frame.Pix)
		return out, nil
	}

	out := make([]byte, 0, rowLen*size)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		out = append(out, frame.Pix[off:off+rowLen]...)
	}

	return out, nil
}
