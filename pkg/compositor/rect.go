package compositor

// Rect is the destination rectangle a source is drawn into. Offsets may be
// negative when the source is cropped.
type Rect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

type ScaleMode int

const (
	// ScaleCover fills the square, cropping the longer source axis.
	ScaleCover ScaleMode = iota
	// ScaleContain fits the whole source, letterboxing the shorter axis.
	ScaleContain
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleContain:
		return "contain"
	default:
		return "cover"
	}
}

// CoverRect returns the rectangle that fills a size x size square with a
// srcW x srcH source while preserving its aspect ratio. The shorter source
// axis maps exactly onto size and the crop is centered.
func CoverRect(srcW, srcH, size int) Rect {
	if srcW <= 0 || srcH <= 0 || size <= 0 {
		return Rect{}
	}

	dest := float64(size)
	w, h := float64(srcW), float64(srcH)

	var drawW, drawH float64
	if w/h > 1 {
		drawH = dest
		drawW = w / h * dest
	} else {
		drawW = dest
		drawH = h / w * dest
	}

	return Rect{
		X:      (dest - drawW) / 2,
		Y:      (dest - drawH) / 2,
		Width:  drawW,
		Height: drawH,
	}
}

// ContainRect returns the rectangle that fits a srcW x srcH source entirely
// inside a size x size square, centered.
func ContainRect(srcW, srcH, size int) Rect {
	if srcW <= 0 || srcH <= 0 || size <= 0 {
		return Rect{}
	}

	dest := float64(size)
	w, h := float64(srcW), float64(srcH)

	scale := dest / w
	if s := dest / h; s < scale {
		scale = s
	}

	drawW, drawH := w*scale, h*scale

	return Rect{
		X:      (dest - drawW) / 2,
		Y:      (dest - drawH) / 2,
		Width:  drawW,
		Height: drawH,
	}
}

func drawRect(mode ScaleMode, srcW, srcH, size int) Rect {
	if mode == ScaleContain {
		return ContainRect(srcW, srcH, size)
	}

	return CoverRect(srcW, srcH, size)
}
