package brewdream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// bandwidthEstimator is implemented by connections that run congestion
// control.
type bandwidthEstimator interface {
	TargetBitrate() int
}

type bitrateSetter interface {
	SetBitrate(bps int) error
}

// bitrateController follows the congestion controller's estimate with the
// encoder target, within the configured bounds.
type bitrateController struct {
	estimator bandwidthEstimator
	encoder   bitrateSetter
	configs   BitrateConfigs
	current   atomic.Uint32
	interval  time.Duration
	log       logging.LeveledLogger
}

func newBitrateController(estimator bandwidthEstimator, encoder bitrateSetter, configs BitrateConfigs, log logging.LeveledLogger) *bitrateController {
	bc := &bitrateController{
		estimator: estimator,
		encoder:   encoder,
		configs:   configs,
		interval:  time.Second,
		log:       log,
	}

	bc.current.Store(configs.Initial)

	return bc
}

func (bc *bitrateController) loopMonitor(ctx context.Context) {
	ticker := time.NewTicker(bc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bc.adjust()
		}
	}
}

// adjust applies the current estimate. Changes under 10% are ignored so the
// encoder is not reconfigured on every estimate jitter.
func (bc *bitrateController) adjust() bool {
	bw := bc.estimator.TargetBitrate()
	if bw <= 0 {
		return false
	}

	target := uint32(bw)
	if target < bc.configs.Min {
		target = bc.configs.Min
	}

	if bc.configs.Max > 0 && target > bc.configs.Max {
		target = bc.configs.Max
	}

	current := bc.current.Load()
	diff := int64(target) - int64(current)
	if diff < 0 {
		diff = -diff
	}

	if current > 0 && diff*10 < int64(current) {
		return false
	}

	if err := bc.encoder.SetBitrate(int(target)); err != nil {
		bc.log.Warnf("bitratecontroller: failed to set encoder bitrate %d: %s", target, err.Error())
		return false
	}

	bc.current.Store(target)
	bc.log.Debugf("bitratecontroller: encoder bitrate %d -> %d (estimate %d)", current, target, bw)

	return true
}

func (bc *bitrateController) Bitrate() uint32 {
	return bc.current.Load()
}
