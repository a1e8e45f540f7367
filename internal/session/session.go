// Package session owns the upstream side of the pipeline: one transcription
// session per (call, channel) with its connect, configure, reconnect and
// teardown lifecycle, the registry that maps streams to sessions and their
// buffers, and the scheduler that periodically flushes those buffers into
// active sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/provider/realtime"
	"github.com/MrWong99/callscribe/pkg/types"
)

const defaultOutboxSize = 32

var (
	// ErrSessionClosed is returned when sending into a session that has been
	// stopped or has failed.
	ErrSessionClosed = errors.New("session: closed")

	// ErrNotActive is returned by [Session.SendAudio] while the provider has
	// not acknowledged the configuration.
	ErrNotActive = errors.New("session: not active")

	// ErrOutboxFull is returned by [Session.SendAudio] when the writer has
	// fallen behind. The chunk is not queued.
	ErrOutboxFull = errors.New("session: outbox full")

	// ErrReconnectBudgetExhausted wraps the last failure when a session gave
	// up after its maximum number of reconnects.
	ErrReconnectBudgetExhausted = errors.New("session: reconnect budget exhausted")

	// ErrConfigTimeout is the failure recorded when the provider does not
	// acknowledge the configuration in time. It is recoverable.
	ErrConfigTimeout = errors.New("session: configuration not acknowledged")
)

// Publisher receives what a session produces. [transcript.Router] is the
// production implementation.
type Publisher interface {
	Publish(callID string, channel types.Channel, evt transcript.Event) int
	Fail(callID string, channel types.Channel, err error)
}

// Config configures a [Session].
type Config struct {
	// Key identifies the stream the session serves.
	Key types.StreamKey

	// Provider dials the upstream connection.
	Provider realtime.Provider

	// ProviderName labels metrics and logs. Defaults to "realtime".
	ProviderName string

	// Params is sent as the configuration message on every connection.
	Params realtime.SessionParams

	// Policy decides about reconnects. Defaults to [NewReconnectPolicy] with
	// zero config.
	Policy *ReconnectPolicy

	// Publisher receives transcripts and terminal failures. May be nil.
	Publisher Publisher

	// OutboxSize bounds the chunks waiting for the writer. Defaults to 32.
	OutboxSize int

	// AckTimeout bounds the wait for the configuration acknowledgement. Zero
	// waits indefinitely.
	AckTimeout time.Duration

	// Metrics records session instruments. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Defaults to [slog.Default].
	Logger *slog.Logger

	// Sleep waits out a reconnect delay. Defaults to a timer that honours ctx.
	// Tests replace it to run backoff without real time passing.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnTerminal is called once from the session goroutine after a terminal
	// failure, before the failure is published. It must not call Stop.
	OnTerminal func(s *Session, err error)
}

// Status is the diagnostic snapshot returned by [Session.Status].
type Status struct {
	Connected         bool   `json:"connected"`
	Configured        bool   `json:"configured"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	State             string `json:"state"`
	SessionID         string `json:"sessionId"`
}

// Session is one upstream transcription session. It survives reconnects:
// each reconnect replaces the connection but keeps the outbox, so audio is
// forwarded in the order it was handed over.
//
// All exported methods are safe for concurrent use.
type Session struct {
	id      string
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger
	outbox  chan []byte

	mu       sync.Mutex
	state    State
	attempts int
	err      error
	pending  []byte // chunk a failed writer could not deliver
	unknown  map[realtime.EventType]bool
	started  bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an idle session. Call [Session.Start] to connect.
func New(cfg Config) *Session {
	if cfg.Policy == nil {
		cfg.Policy = NewReconnectPolicy(ReconnectConfig{})
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "realtime"
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		cfg:     cfg,
		metrics: m,
		log: base.With(
			"call_id", cfg.Key.CallID,
			"channel", string(cfg.Key.Channel),
			"session_id", id,
		),
		outbox:  make(chan []byte, cfg.OutboxSize),
		state:   StateIdle,
		unknown: make(map[realtime.EventType]bool),
		done:    make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Key returns the stream the session serves.
func (s *Session) Key() types.StreamKey { return s.cfg.Key }

// Start launches the session goroutine. The session moves from Idle to
// Connecting immediately. Calling Start more than once has no effect.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	go s.run(ctx)
}

// Stop tears the session down: it cancels any pending dial or backoff,
// closes the connection and waits for the session goroutine to exit.
// Idempotent. Must not be called from OnTerminal.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = true
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		if !started {
			s.setState(StateClosed)
			close(s.done)
			return
		}
		s.cancel()
	})
	<-s.done
}

// Done is closed once the session has reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal failure, or nil if the session is running or was
// stopped explicitly.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session currently forwards audio.
func (s *Session) Active() bool { return s.State() == StateActive }

// Status returns a diagnostic snapshot.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:         s.state.Connected(),
		Configured:        s.state == StateActive,
		ReconnectAttempts: s.attempts,
		State:             s.state.String(),
		SessionID:         s.id,
	}
}

// SendAudio hands pcm to the writer without blocking. It fails with
// [ErrNotActive] before the configuration is acknowledged, [ErrOutboxFull]
// when the writer has fallen behind and [ErrSessionClosed] after teardown.
func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return ErrSessionClosed
	case s.state != StateActive:
		return ErrNotActive
	}
	select {
	case s.outbox <- pcm:
		return nil
	default:
		return ErrOutboxFull
	}
}

// ── lifecycle ──────────────────────────────────────────────────────────────────

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			s.finish(nil)
			return
		}

		class := Classify(err)
		s.mu.Lock()
		attempt := s.attempts
		s.mu.Unlock()

		if class == Terminal {
			s.log.Warn("session: terminal failure", "err", err)
			s.finish(err)
			return
		}
		if attempt >= s.cfg.Policy.MaxAttempts() {
			s.log.Error("session: reconnect budget exhausted",
				"max_attempts", s.cfg.Policy.MaxAttempts(),
				"err", err,
			)
			s.finish(fmt.Errorf("%w after %d attempts: %w", ErrReconnectBudgetExhausted, attempt, err))
			return
		}

		delay := s.cfg.Policy.NextDelay(attempt)
		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()
		s.setState(StateReconnecting)
		s.metrics.ReconnectAttempts.Add(ctx, 1)
		s.log.Info("session: reconnecting",
			"attempt", attempt+1,
			"max_attempts", s.cfg.Policy.MaxAttempts(),
			"backoff", delay,
			"err", err,
		)

		if err := s.cfg.Sleep(ctx, delay); err != nil {
			s.finish(nil)
			return
		}
	}
}

// connectAndServe runs one connection from dial until it fails. It only
// returns once the connection's writer has exited.
func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)
	start := time.Now()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	var writer sync.WaitGroup
	defer writer.Wait()
	defer cancel()

	s.setState(StateAwaitingConfig)
	if err := conn.Configure(connCtx, s.cfg.Params); err != nil {
		return err
	}

	var ackTimedOut bool
	if s.cfg.AckTimeout > 0 {
		timer := time.AfterFunc(s.cfg.AckTimeout, func() {
			if s.State() == StateAwaitingConfig {
				s.mu.Lock()
				ackTimedOut = true
				s.mu.Unlock()
				cancel()
			}
		})
		defer timer.Stop()
	}

	writeErr := make(chan error, 1)
	for {
		evt, err := conn.Next(connCtx)
		if err != nil {
			select {
			case werr := <-writeErr:
				return werr
			default:
			}
			s.mu.Lock()
			timedOut := ackTimedOut
			s.mu.Unlock()
			if timedOut && ctx.Err() == nil {
				return fmt.Errorf("%w within %s", ErrConfigTimeout, s.cfg.AckTimeout)
			}
			return err
		}

		if evt.Type == realtime.EventSessionUpdated && s.State() == StateAwaitingConfig {
			s.activate(connCtx, start)
			writer.Add(1)
			go func() {
				defer writer.Done()
				s.writeLoop(connCtx, conn, writeErr, cancel)
			}()
			continue
		}
		s.handleEvent(ctx, evt)
	}
}

func (s *Session) dial(ctx context.Context) (conn realtime.Conn, err error) {
	ctx, span := observe.StartStreamSpan(ctx, "session.dial", s.cfg.Key.CallID, string(s.cfg.Key.Channel))
	defer func() { observe.EndSpan(span, err) }()

	conn, err = s.cfg.Provider.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}
	return conn, nil
}

func (s *Session) activate(ctx context.Context, start time.Time) {
	s.mu.Lock()
	prev := s.attempts
	s.attempts = 0
	s.mu.Unlock()
	s.setState(StateActive)
	s.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	s.log.Info("session: configured", "reconnects", prev)
}

// writeLoop drains the outbox into conn. On a send failure it parks the
// undelivered chunk for the next connection and cancels this one.
func (s *Session) writeLoop(ctx context.Context, conn realtime.Conn, errc chan<- error, cancel context.CancelFunc) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for {
		chunk := pending
		pending = nil
		if chunk == nil {
			select {
			case <-ctx.Done():
				return
			case chunk = <-s.outbox:
			}
		}
		if err := conn.SendAudio(ctx, chunk); err != nil {
			s.mu.Lock()
			s.pending = chunk
			s.mu.Unlock()
			if ctx.Err() == nil {
				select {
				case errc <- fmt.Errorf("session: send: %w", err):
				default:
				}
				cancel()
			}
			return
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, evt realtime.Event) {
	switch evt.Type {
	case realtime.EventTranscriptDelta, realtime.EventTranscriptCompleted:
		partial := evt.Type == realtime.EventTranscriptDelta
		s.metrics.RecordTranscript(ctx, string(s.cfg.Key.Channel), partial)
		if evt.Text == "" || s.cfg.Publisher == nil {
			return
		}
		s.cfg.Publisher.Publish(s.cfg.Key.CallID, s.cfg.Key.Channel, transcript.Event{
			Text:      evt.Text,
			IsPartial: partial,
			Timestamp: evt.Received,
			ItemID:    evt.ItemID,
		})

	case realtime.EventSpeechStarted:
		s.log.Debug("session: speech started", "audio_start_ms", evt.AudioStartMs, "item_id", evt.ItemID)

	case realtime.EventSpeechStopped:
		s.log.Debug("session: speech stopped", "audio_end_ms", evt.AudioEndMs, "item_id", evt.ItemID)

	case realtime.EventError, realtime.EventTranscriptFailed:
		kind := "unknown"
		var msg string
		if evt.Error != nil {
			kind = evt.Error.Type
			msg = evt.Error.Message
		}
		s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, kind)
		s.log.Warn("session: provider error", "event", string(evt.Type), "kind", kind, "message", msg)

	case realtime.EventSessionCreated, realtime.EventSessionUpdated, realtime.EventCommitted:
		s.log.Debug("session: provider event", "event", string(evt.Type))

	default:
		s.mu.Lock()
		seen := s.unknown[evt.Type]
		s.unknown[evt.Type] = true
		s.mu.Unlock()
		if !seen {
			s.log.Info("session: ignoring unknown provider event", "event", string(evt.Type))
		}
	}
}

// finish moves the session through Closing to Closed. A non-nil err is a
// terminal failure and is reported through OnTerminal and the publisher.
func (s *Session) finish(err error) {
	s.setState(StateClosing)
	s.mu.Lock()
	s.err = err
	s.pending = nil
	s.mu.Unlock()
	drain(s.outbox)
	s.setState(StateClosed)

	if err == nil {
		s.log.Info("session: stopped")
		return
	}
	reason := "terminal"
	if errors.Is(err, ErrReconnectBudgetExhausted) {
		reason = "reconnect_budget_exhausted"
	}
	s.metrics.RecordSessionFailure(context.Background(), reason)
	if s.cfg.OnTerminal != nil {
		s.cfg.OnTerminal(s, err)
	}
	if s.cfg.Publisher != nil {
		s.cfg.Publisher.Fail(s.cfg.Key.CallID, s.cfg.Key.Channel, err)
	}
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.metrics.RecordTransition(context.Background(), next.String())
	s.log.Debug("session: state", "from", prev.String(), "to", next.String())
}
