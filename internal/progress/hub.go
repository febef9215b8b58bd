package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the event channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush a partial batch after this long (default 500ms).
//   - SinkTimeout: per-sink deadline while flushing (default 10s).
//
// A RUN_DONE event always flushes the pending batch at once.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats are cumulative Hub counters.
type Stats struct {
	Accepted   int64
	Dropped    int64
	Batches    int64
	SinkErrors int64
}

// Hub batches progress events from workers and the orchestrator and fans them
// out to sinks on a single goroutine. Emit never blocks; when the buffer is
// full the event is dropped and counted.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	accepted    atomic.Int64
	dropped     atomic.Int64
	batches     atomic.Int64
	sinkErrors  atomic.Int64
	unreported  atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool
	closeOnce   sync.Once
	closeCtx    context.Context
}

// NewHub starts the batching goroutine for sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit enqueues evt. Invalid events and events emitted after Close are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("run_id", evt.RunID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
	default:
		h.noteDrop()
	}
}

// Stats returns a snapshot of the counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Accepted:   h.accepted.Load(),
		Dropped:    h.dropped.Load(),
		Batches:    h.batches.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// noteDrop counts a dropped event and warns at most once per dropLogInterval
// with the number dropped since the previous warning.
func (h *Hub) noteDrop() {
	h.dropped.Add(1)
	n := h.unreported.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogInterval.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.unreported.Add(-n)
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", n))
}

// Close stops accepting events, flushes what is buffered, closes every sink and
// waits for the background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var timer *time.Timer
	var deadline <-chan time.Time
	reset := func() {
		batch = batch[:0]
		if timer != nil {
			timer.Stop()
		}
		deadline = nil
	}
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			switch {
			case evt.Kind == KindRunDone || len(batch) >= h.cfg.MaxBatchEvents:
				h.flush(batch)
				reset()
			case deadline == nil:
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				deadline = timer.C
			}
		case <-deadline:
			h.flush(batch)
			reset()
		case <-h.stop:
			if timer != nil {
				timer.Stop()
			}
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			ctx := h.closeCtx
			if ctx == nil {
				ctx = context.Background()
			}
			for _, s := range h.sinks {
				if err := s.Close(ctx); err != nil {
					h.logger.Warn("progress sink close failed", sinkField(s), zap.Error(err))
				}
			}
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	h.batches.Add(1)
	out := append([]Event(nil), batch...)
	for _, s := range h.sinks {
		if err := h.consume(s, out); err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed",
				sinkField(s),
				zap.Int("events", len(out)),
				zap.Strings("run_ids", runIDs(out)),
				zap.Error(err),
			)
		}
	}
}

// consume shields the loop from a panicking sink so the other sinks still see
// the batch.
func (h *Hub) consume(s Sink, batch []Event) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return s.Consume(ctx, batch)
}

func sinkField(s Sink) zap.Field {
	return zap.String("sink", fmt.Sprintf("%T", s))
}

func runIDs(batch []Event) []string {
	seen := make(map[string]struct{}, 4)
	for _, evt := range batch {
		seen[evt.RunID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
