package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/transcript"
)

const (
	defaultSinkBuffer   = 256
	defaultWriteTimeout = 5 * time.Second
)

// Writer persists one transcript event. [*Store] satisfies it.
type Writer interface {
	Write(ctx context.Context, evt transcript.Event) error
}

// SinkConfig configures a [Sink].
type SinkConfig struct {
	Writer Writer

	// Buffer bounds the events waiting to be written. Defaults to 256.
	Buffer int

	// WriteTimeout bounds each insert. Defaults to 5s.
	WriteTimeout time.Duration

	Metrics *observe.Metrics
}

// Sink is a [transcript.Subscriber] that archives final events in the
// background. Router callbacks only enqueue; when the queue is full the
// event is dropped and logged so a slow database never stalls delivery.
type Sink struct {
	w       Writer
	timeout time.Duration
	metrics *observe.Metrics
	events  chan transcript.Event

	mu      sync.RWMutex // guards closed against sends on a closed channel
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

var _ transcript.Subscriber = (*Sink)(nil)

// NewSink creates a sink and starts its writer goroutine.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultSinkBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Sink{
		w:       cfg.Writer,
		timeout: cfg.WriteTimeout,
		metrics: cfg.Metrics,
		events:  make(chan transcript.Event, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

// OnTranscript implements [transcript.Subscriber]. Partial events are not
// archived.
func (s *Sink) OnTranscript(evt transcript.Event) {
	if evt.IsPartial {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		n := s.dropped.Add(1)
		slog.Warn("archive: queue full, dropping transcript",
			"call_id", evt.CallID,
			"channel", string(evt.AudioType),
			"dropped_total", n,
		)
	}
}

// OnFailure implements [transcript.Subscriber].
func (s *Sink) OnFailure(transcript.Failure) {}

// Dropped returns how many events were discarded because the queue was full.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits until the queued ones are written
// or ctx expires.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) loop() {
	defer close(s.done)
	for evt := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.w.Write(ctx, evt)
		cancel()
		s.metrics.RecordArchiveWrite(context.Background(), err)
		if err != nil {
			slog.Error("archive: write failed",
				"call_id", evt.CallID,
				"channel", string(evt.AudioType),
				"err", err,
			)
		}
	}
}
