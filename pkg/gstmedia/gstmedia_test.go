package gstmedia

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/livepeer/brewdream"
	"github.com/livepeer/brewdream/pkg/compositor"
	"github.com/pion/webrtc/v4"
)

func TestRGBAFrame(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 255}, 4*2)

	img, err := rgbaFrame(data, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 2 {
		t.Errorf("bounds = %v", img.Bounds())
	}
	if got := img.RGBAAt(3, 1); got != (color.RGBA{1, 2, 3, 255}) {
		t.Errorf("pixel = %v", got)
	}

	data[0] = 9
	if img.Pix[0] == 9 {
		t.Error("frame aliases the gstreamer buffer")
	}

	if _, err := rgbaFrame(data[:10], 4, 2); err == nil {
		t.Error("short buffer accepted")
	}
}

func TestPackRGBA(t *testing.T) {
	full := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range full.Pix {
		full.Pix[i] = byte(i)
	}

	packed, err := packRGBA(full, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(packed, full.Pix) {
		t.Error("contiguous frame not copied as is")
	}

	sub := full.SubImage(image.Rect(2, 2, 4, 4)).(*image.RGBA)
	packed, err = packRGBA(sub, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) != 2*2*4 {
		t.Fatalf("packed %d bytes, want 16", len(packed))
	}
	if packed[0] != full.Pix[full.PixOffset(2, 2)] || packed[8] != full.Pix[full.PixOffset(2, 3)] {
		t.Error("sub image rows packed from the wrong offsets")
	}

	if _, err := packRGBA(full, 8); err == nil {
		t.Error("size mismatch accepted")
	}
}

func TestEncoderCaps(t *testing.T) {
	if got := rawCaps(512, 30); got != "video/x-raw,format=RGBA,width=512,height=512,framerate=30/1" {
		t.Errorf("rawCaps = %s", got)
	}

	cfg := cameraConfig{Width: 1280, Height: 720, FPS: 30}
	if got := cfg.caps(); got != "video/x-raw,format=RGBA,width=1280,height=720,framerate=30/1" {
		t.Errorf("camera caps = %s", got)
	}

	for _, tc := range []struct{ bps, want int }{
		{1_000_000, 1000},
		{150_000, 150},
		{1_499, 1},
		{0, 1},
	} {
		if got := kbps(tc.bps); got != tc.want {
			t.Errorf("kbps(%d) = %d, want %d", tc.bps, got, tc.want)
		}
	}
}

func TestDSPProperties(t *testing.T) {
	props := dspProperties(brewdream.DefaultMicrophoneConstraints())

	want := map[string]bool{"echo-cancel": true, "noise-suppression": true, "gain-control": false}
	for i := 0; i < len(props); i += 2 {
		name := props[i].(string)
		if props[i+1].(bool) != want[name] {
			t.Errorf("%s = %v, want %v", name, props[i+1], want[name])
		}
	}
}

func TestOpenCamera_unknownFacing(t *testing.T) {
	d := &Devices{options: Options{Cameras: map[compositor.FacingMode]string{compositor.FacingUser: "/dev/video0"}}}

	if _, err := d.OpenCamera(context.Background(), compositor.FacingEnvironment); !errors.Is(err, ErrNoCamera) {
		t.Errorf("OpenCamera() = %v, want ErrNoCamera", err)
	}
}

func TestNewEncoderElements_unsupported(t *testing.T) {
	if _, err := newEncoderElements(webrtc.MimeTypeAV1, 1_000_000, 30); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("AV1 encoder = %v, want ErrUnsupportedCodec", err)
	}
}
