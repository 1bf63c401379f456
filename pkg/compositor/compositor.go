package compositor

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	DefaultSize        = 512
	DefaultFPS         = 24
	DefaultRepaintRate = 60
)

type Options struct {
	Size int     `json:"size"`
	FPS  float64 `json:"fps"`
	Mode ScaleMode
	// Mirror flips front-facing camera frames horizontally.
	Mirror bool `json:"mirror"`
	Log    logging.LeveledLogger
}

func DefaultOptions() Options {
	return Options{
		Size:   DefaultSize,
		FPS:    DefaultFPS,
		Mode:   ScaleCover,
		Mirror: true,
		Log:    logging.NewDefaultLoggerFactory().NewLogger("compositor"),
	}
}

type Stats struct {
	Drawn   uint64
	Skipped uint64
	Errors  uint64
}

// FrameFunc receives the canvas after every successful draw. No other draw
// touches the canvas until FrameFunc returns, but it is reused afterwards and
// must not be retained.
type FrameFunc func(canvas *image.RGBA, duration time.Duration)

type Compositor struct {
	// frameMu is held from draw through onFrame so Tick and Push never
	// write the canvas while a frame is being consumed.
	frameMu  sync.Mutex
	mu       sync.Mutex
	canvas   *image.RGBA
	source   Source
	options  Options
	interval time.Duration
	lastTick time.Time
	onFrame  FrameFunc
	onError  func(error)

	drawn   atomic.Uint64
	skipped atomic.Uint64
	errors  atomic.Uint64
	log     logging.LeveledLogger
}

func New(opts Options) *Compositor {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}

	if opts.FPS <= 0 {
		opts.FPS = DefaultFPS
	}

	if opts.Log == nil {
		opts.Log = logging.NewDefaultLoggerFactory().NewLogger("compositor")
	}

	c := &Compositor{
		canvas:   image.NewRGBA(image.Rect(0, 0, opts.Size, opts.Size)),
		source:   Blank(),
		options:  opts,
		interval: time.Duration(float64(time.Second) / opts.FPS),
		log:      opts.Log,
	}

	c.fillBlack()

	return c
}

func (c *Compositor) Size() int {
	return c.options.Size
}

func (c *Compositor) FPS() float64 {
	return c.options.FPS
}

func (c *Compositor) FrameInterval() time.Duration {
	return c.interval
}

func (c *Compositor) SetSource(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if src == nil {
		src = Blank()
	}

	c.source = src
}

func (c *Compositor) Source() Source {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.source
}

func (c *Compositor) OnFrame(f FrameFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onFrame = f
}

func (c *Compositor) OnError(f func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onError = f
}

// Reset restarts frame pacing at now.
func (c *Compositor) Reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastTick = now
}

// Tick handles one repaint signal. It draws at most one frame, and only when
// a full frame interval has elapsed since the previous draw. The remainder of
// the elapsed time carries over so the long-run rate does not drift.
func (c *Compositor) Tick(now time.Time) bool {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	c.mu.Lock()

	if !c.lastTick.IsZero() {
		elapsed := now.Sub(c.lastTick)
		if elapsed < c.interval {
			c.mu.Unlock()
			return false
		}
		c.lastTick = now.Add(-(elapsed % c.interval))
	} else {
		c.lastTick = now
	}

	drew, err := c.draw(c.source)
	onFrame, onError := c.onFrame, c.onError
	c.mu.Unlock()

	if err != nil {
		c.errors.Add(1)
		c.log.Warnf("compositor: frame skipped after draw error: %s", err.Error())
		if onError != nil {
			onError(err)
		}
		return false
	}

	if !drew {
		c.skipped.Add(1)
		return false
	}

	c.drawn.Add(1)
	if onFrame != nil {
		onFrame(c.canvas, c.interval)
	}

	return true
}

// Push draws img immediately, outside frame pacing.
func (c *Compositor) Push(img image.Image) error {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	c.mu.Lock()
	drew, err := c.draw(FromCanvas(ImageCanvas{Img: img}))
	onFrame := c.onFrame
	c.mu.Unlock()

	if err != nil {
		c.errors.Add(1)
		return err
	}

	if !drew {
		c.skipped.Add(1)
		return nil
	}

	c.drawn.Add(1)
	if onFrame != nil {
		onFrame(c.canvas, c.interval)
	}

	return nil
}

// Run drives Tick from the repaint channel until ctx is done or the channel
// is closed.
func (c *Compositor) Run(ctx context.Context, repaint <-chan time.Time) {
	c.Reset(time.Time{})

	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-repaint:
			if !ok {
				return
			}
			c.Tick(now)
		}
	}
}

// Snapshot returns a copy of the current canvas.
func (c *Compositor) Snapshot() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := image.NewRGBA(c.canvas.Rect)
	copy(out.Pix, c.canvas.Pix)

	return out
}

func (c *Compositor) Stats() Stats {
	return Stats{
		Drawn:   c.drawn.Load(),
		Skipped: c.skipped.Load(),
		Errors:  c.errors.Load(),
	}
}

func (c *Compositor) draw(src Source) (drew bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			drew = false
			err = fmt.Errorf("compositor: draw panic: %v", r)
		}
	}()

	if src == nil || src.Kind() == SourceBlank {
		c.fillBlack()
		return true, nil
	}

	frame := src.Frame()
	if frame == nil {
		return false, nil
	}

	bounds := frame.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return false, nil
	}

	size := c.options.Size
	rect := drawRect(c.options.Mode, bounds.Dx(), bounds.Dy(), size)

	if c.options.Mode == ScaleContain {
		c.fillBlack()
	}

	draw.ApproxBiLinear.Transform(c.canvas, c.transform(src, bounds, rect), frame, bounds, draw.Src, nil)

	return true, nil
}

// transform maps source pixels onto the destination rect, flipping the
// horizontal axis for mirrored front cameras.
func (c *Compositor) transform(src Source, bounds image.Rectangle, rect Rect) f64.Aff3 {
	sx := rect.Width / float64(bounds.Dx())
	sy := rect.Height / float64(bounds.Dy())
	minX, minY := float64(bounds.Min.X), float64(bounds.Min.Y)
	ty := rect.Y - minY*sy

	if c.mirrored(src) {
		size := float64(c.options.Size)
		return f64.Aff3{-sx, 0, size - rect.X + minX*sx, 0, sy, ty}
	}

	return f64.Aff3{sx, 0, rect.X - minX*sx, 0, sy, ty}
}

func (c *Compositor) mirrored(src Source) bool {
	if !c.options.Mirror {
		return false
	}

	cam, ok := src.(*CameraSource)

	return ok && cam.Facing == FacingUser
}

func (c *Compositor) fillBlack() {
	draw.Draw(c.canvas, c.canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
}

// NewRepaintTicker emulates a display refresh signal at hz ticks per second.
func NewRepaintTicker(hz int) (<-chan time.Time, func()) {
	if hz <= 0 {
		hz = DefaultRepaintRate
	}

	ticker := time.NewTicker(time.Second / time.Duration(hz))

	return ticker.C, ticker.Stop
}
