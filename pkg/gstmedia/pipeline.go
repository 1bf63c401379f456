package gstmedia

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/tinyzimmer/go-gst/gst"
)

// element creates a GStreamer element and applies properties in order.
func element(factory string, props ...any) (*gst.Element, error) {
	elem, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("gstmedia: create %s: %w", factory, err)
	}

	for i := 0; i+1 < len(props); i += 2 {
		name, _ := props[i].(string)
		if err := elem.SetProperty(name, props[i+1]); err != nil {
			return nil, fmt.Errorf("gstmedia: %s.%s: %w", factory, name, err)
		}
	}

	return elem, nil
}

func capsFilter(caps string) (*gst.Element, error) {
	return element("capsfilter", "caps", gst.NewCapsFromString(caps))
}

// link adds the elements to a new pipeline and links them in order.
func link(elements ...*gst.Element) (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstmedia: create pipeline: %w", err)
	}

	if err := pipeline.AddMany(elements...); err != nil {
		return nil, fmt.Errorf("gstmedia: add elements: %w", err)
	}

	if err := gst.ElementLinkMany(elements...); err != nil {
		return nil, fmt.Errorf("gstmedia: link elements: %w", err)
	}

	return pipeline, nil
}

// play starts the pipeline and waits until it is PLAYING or reports an error.
func play(ctx context.Context, pipeline *gst.Pipeline, timeout time.Duration) error {
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstmedia: start pipeline: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			_ = pipeline.SetState(gst.StateNull)
			return err
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			_ = pipeline.SetState(gst.StateNull)
			return fmt.Errorf("gstmedia: pipeline error: %s", gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, state := msg.ParseStateChanged(); state == gst.StatePlaying {
				return nil
			}
		}
	}

	_ = pipeline.SetState(gst.StateNull)

	return fmt.Errorf("gstmedia: pipeline not playing after %s", timeout)
}

// watch logs bus errors until ctx is done or the stream ends. onEnd runs
// once when the pipeline stops producing data on its own.
func watch(ctx context.Context, pipeline *gst.Pipeline, name string, log logging.LeveledLogger, onEnd func(error)) {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg := bus.TimedPop(50 * time.Millisecond)
			if msg == nil {
				continue
			}

			switch msg.Type() {
			case gst.MessageEOS:
				log.Infof("gstmedia: %s end of stream", name)
				onEnd(nil)
				return
			case gst.MessageError:
				gerr := msg.ParseError()
				log.Errorf("gstmedia: %s pipeline error: %s (%s)", name, gerr.Error(), gerr.DebugString())
				onEnd(fmt.Errorf("gstmedia: %s: %s", name, gerr.Error()))
				return
			}
		}
	}
}
