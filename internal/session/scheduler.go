package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callscribe/internal/buffer"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/types"
)

// defaultFlushInterval is the period between two flushes of every queue.
const defaultFlushInterval = 100 * time.Millisecond

// Scheduler periodically moves buffered audio from each stream's queue into
// its session. Only streams whose session is Active are flushed; the queues
// of all other streams keep accumulating until their session is configured
// or their ceiling clears them. Audio a session cannot take right now goes
// back to the head of its queue, so the ceiling stays the only place where
// buffered audio is discarded.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	registry *Registry
	notifier DropNotifier
	metrics  *observe.Metrics

	mu       sync.Mutex // serialises flush passes
	interval time.Duration
	reset    chan time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

// SchedulerConfig configures a [Scheduler].
type SchedulerConfig struct {
	Registry *Registry

	// Interval is the flush period. Defaults to 100ms if zero.
	Interval time.Duration

	// Notifier is told when requeued audio hits the queue ceiling. May be nil.
	Notifier DropNotifier

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// DropNotifier receives an advisory whenever a queue ceiling clears audio.
type DropNotifier interface {
	NotifyDropped(callID string, channel types.Channel, droppedMs float64)
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultFlushInterval
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Scheduler{
		registry: cfg.Registry,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		interval: cfg.Interval,
		reset:    make(chan time.Duration, 1),
		done:     make(chan struct{}),
	}
}

// Start runs the flush loop in a background goroutine until [Scheduler.Stop]
// is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the flush loop. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// SetInterval changes the flush period of a running scheduler.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-s.reset:
	default:
	}
	s.reset <- d
}

// FlushNow runs one flush pass over every stream and returns the number of
// chunks handed to sessions. Chunks a session could not take are requeued
// and not counted.
func (s *Scheduler) FlushNow(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case d := <-s.reset:
			s.interval = d
			ticker.Reset(d)
			slog.Info("session: flush interval changed", "interval", d)
		case <-ticker.C:
			s.FlushNow(ctx)
		}
	}
}

// flush must be called with s.mu held.
func (s *Scheduler) flush(ctx context.Context) int {
	sent := 0
	for _, st := range s.registry.Streams() {
		if !st.Session.Active() {
			continue
		}
		pcm := st.Queue.Flush()
		if len(pcm) == 0 {
			continue
		}
		ch := string(st.Key.Channel)
		err := st.Session.SendAudio(pcm)
		switch {
		case err == nil:
			s.metrics.RecordFlush(ctx, ch, len(pcm), "")
			sent++
		case errors.Is(err, ErrOutboxFull), errors.Is(err, ErrNotActive):
			s.metrics.RecordFlush(ctx, ch, len(pcm), dropReason(err))
			s.requeue(ctx, st, pcm, err)
		default:
			// The session is gone and its queue with it.
			s.metrics.RecordFlush(ctx, ch, len(pcm), dropReason(err))
			slog.Debug("session: flush after close discarded",
				"call_id", st.Key.CallID,
				"channel", ch,
				"bytes", len(pcm),
				"err", err,
			)
		}
	}
	return sent
}

// requeue returns audio the session refused to the head of its queue.
func (s *Scheduler) requeue(ctx context.Context, st *Stream, pcm []byte, cause error) {
	ch := string(st.Key.Channel)
	res, err := st.Queue.Requeue(pcm)
	switch {
	case err != nil:
		slog.Debug("session: requeue after close discarded",
			"call_id", st.Key.CallID,
			"channel", ch,
			"bytes", len(pcm),
		)
	case res == buffer.Overflowed:
		dropped := st.Queue.Stats().LastDroppedMs
		s.metrics.RecordOverflow(ctx, ch, dropped)
		slog.Info("session: queue ceiling reached, buffered audio discarded",
			"call_id", st.Key.CallID,
			"channel", ch,
			"dropped_ms", dropped,
			"cause", cause,
		)
		if s.notifier != nil {
			s.notifier.NotifyDropped(st.Key.CallID, st.Key.Channel, dropped)
		}
	default:
		slog.Debug("session: flush deferred",
			"call_id", st.Key.CallID,
			"channel", ch,
			"bytes", len(pcm),
			"err", cause,
		)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrOutboxFull):
		return "outbox_full"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	default:
		return "error"
	}
}
