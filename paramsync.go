package brewdream

import (
	"context"
	"sync"
	"time"

	"github.com/livepeer/brewdream/pkg/clock"
	"github.com/pion/logging"
)

const (
	DefaultParamGrace   = 3 * time.Second
	DefaultParamTimeout = 10 * time.Second
)

// ParamSender delivers one complete parameter snapshot to the remote stream.
type ParamSender func(ctx context.Context, streamID string, params DiffusionParameters) error

type ParamSyncOptions struct {
	// Grace holds all sends until this long after Arm.
	Grace   time.Duration
	Timeout time.Duration
	Clock   clock.Clock
	Log     logging.LeveledLogger
}

func DefaultParamSyncOptions() ParamSyncOptions {
	return ParamSyncOptions{
		Grace:   DefaultParamGrace,
		Timeout: DefaultParamTimeout,
		Clock:   clock.New(),
		Log:     logging.NewDefaultLoggerFactory().NewLogger("paramsync"),
	}
}

type syncState int

const (
	syncIdle syncState = iota
	syncSending
)

type ParamSyncStats struct {
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Coalesced uint64 `json:"coalesced"`
	InFlight  bool   `json:"in_flight"`
	Pending   bool   `json:"pending"`
	GateOpen  bool   `json:"gate_open"`
}

// ParamSyncQueue delivers parameter snapshots to one remote stream with at
// most one request in flight. Updates arriving while a request is in flight
// collapse into the latest snapshot. Nothing is sent until the grace window
// after Arm has elapsed. A failed snapshot is reported and never retried.
type ParamSyncQueue struct {
	mu         sync.Mutex
	send       ParamSender
	options    ParamSyncOptions
	state      syncState
	streamID   string
	gateOpen   bool
	gate       clock.Timer
	generation uint64
	latest     *DiffusionParameters
	pending    bool
	stats      ParamSyncStats

	onErrorCallbacks []func(error)
	onSentCallbacks  []func(DiffusionParameters)
	log              logging.LeveledLogger
}

func NewParamSyncQueue(send ParamSender, opts ParamSyncOptions) *ParamSyncQueue {
	if opts.Grace < 0 {
		opts.Grace = 0
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultParamTimeout
	}

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	if opts.Log == nil {
		opts.Log = logging.NewDefaultLoggerFactory().NewLogger("paramsync")
	}

	return &ParamSyncQueue{
		send:             send,
		options:          opts,
		onErrorCallbacks: make([]func(error), 0),
		onSentCallbacks:  make([]func(DiffusionParameters), 0),
		log:              opts.Log,
	}
}

func (q *ParamSyncQueue) OnError(f func(error)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onErrorCallbacks = append(q.onErrorCallbacks, f)
}

func (q *ParamSyncQueue) OnSent(f func(DiffusionParameters)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onSentCallbacks = append(q.onSentCallbacks, f)
}

// Arm binds the queue to a newly created stream and starts the grace window.
// When the window opens the latest known snapshot is sent.
func (q *ParamSyncQueue) Arm(streamID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopGateLocked()
	q.generation++
	q.streamID = streamID
	q.gateOpen = false

	gen := q.generation
	q.gate = q.options.Clock.AfterFunc(q.options.Grace, func() {
		q.openGate(gen)
	})
}

// Disarm detaches the queue from its stream. An in-flight request is left to
// finish but nothing further is sent until the next Arm.
func (q *ParamSyncQueue) Disarm() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopGateLocked()
	q.generation++
	q.streamID = ""
	q.gateOpen = false
	q.pending = false
}

// Enqueue records p as the latest snapshot and sends it as soon as the gate
// is open and no request is in flight.
func (q *ParamSyncQueue) Enqueue(p DiffusionParameters) {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := p.Clone()
	q.latest = &snapshot

	if q.pending {
		q.stats.Coalesced++
	}
	q.pending = true

	q.trySendLocked()
}

func (q *ParamSyncQueue) Latest() (DiffusionParameters, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.latest == nil {
		return DiffusionParameters{}, false
	}

	return q.latest.Clone(), true
}

func (q *ParamSyncQueue) Stats() ParamSyncStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.InFlight = q.state == syncSending
	stats.Pending = q.pending
	stats.GateOpen = q.gateOpen

	return stats
}

func (q *ParamSyncQueue) openGate(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if gen != q.generation {
		return
	}

	q.gate = nil
	q.gateOpen = true

	if q.latest != nil {
		q.pending = true
	}

	q.log.Debugf("paramsync: gate open for stream %s", q.streamID)

	q.trySendLocked()
}

func (q *ParamSyncQueue) trySendLocked() {
	if q.state == syncSending || !q.gateOpen || q.streamID == "" || !q.pending || q.latest == nil {
		return
	}

	q.state = syncSending
	q.pending = false

	snapshot := q.latest.WithDefaults()

	go q.deliver(q.generation, q.streamID, snapshot)
}

func (q *ParamSyncQueue) deliver(gen uint64, streamID string, snapshot DiffusionParameters) {
	ctx, cancel := context.WithTimeout(context.Background(), q.options.Timeout)
	err := q.send(ctx, streamID, snapshot)
	cancel()

	q.mu.Lock()
	q.state = syncIdle

	var onError []func(error)
	var onSent []func(DiffusionParameters)
	if err != nil {
		q.stats.Failed++
		onError = q.onErrorCallbacks
		q.log.Warnf("paramsync: update for stream %s failed: %s", streamID, err.Error())
	} else {
		q.stats.Sent++
		onSent = q.onSentCallbacks
	}

	if gen == q.generation {
		q.trySendLocked()
	}
	q.mu.Unlock()

	for _, f := range onError {
		f(err)
	}

	for _, f := range onSent {
		f(snapshot)
	}
}

func (q *ParamSyncQueue) stopGateLocked() {
	if q.gate != nil {
		q.gate.Stop()
		q.gate = nil
	}
}
