package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/provider/realtime"
	"github.com/MrWong99/callscribe/pkg/provider/realtime/mock"
	"github.com/MrWong99/callscribe/pkg/types"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// fakePublisher records what a session publishes.
type fakePublisher struct {
	mu       sync.Mutex
	events   []transcript.Event
	failures []error
}

func (p *fakePublisher) Publish(callID string, channel types.Channel, evt transcript.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt.CallID = callID
	evt.AudioType = channel
	p.events = append(p.events, evt)
	return 1
}

func (p *fakePublisher) Fail(_ string, _ types.Channel, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

func (p *fakePublisher) Events() []transcript.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]transcript.Event(nil), p.events...)
}

func (p *fakePublisher) Failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failures...)
}

// sleepRecorder replaces the backoff wait and records every requested delay.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

var testKey = types.StreamKey{CallID: "C1", Channel: types.ChannelSpeaker}

func startSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Key == (types.StreamKey{}) {
		cfg.Key = testKey
	}
	s := New(cfg)
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return s.State() == want })
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close, state %s", s.State())
	}
}

func ackedConn() *mock.Conn {
	c := mock.NewConn()
	c.AutoAck = true
	return c
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestSession_NoAudioBeforeActive(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	s := startSession(t, Config{
		Provider: &mock.Provider{Conns: []*mock.Conn{conn}},
		Params:   realtime.SessionParams{Model: "gpt-4o-transcribe", Language: "en"},
	})

	waitState(t, s, StateAwaitingConfig)
	if err := s.SendAudio([]byte{1, 2}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("SendAudio before ack = %v, want ErrNotActive", err)
	}
	if got := conn.Configured(); len(got) != 1 || got[0].Model != "gpt-4o-transcribe" {
		t.Fatalf("Configured = %+v", got)
	}
	st := s.Status()
	if !st.Connected || st.Configured || st.State != "awaiting_config" {
		t.Errorf("Status before ack = %+v", st)
	}

	conn.Push(realtime.Event{Type: realtime.EventSessionUpdated})
	waitState(t, s, StateActive)

	if err := s.SendAudio([]byte{3, 4}); err != nil {
		t.Fatalf("SendAudio after ack: %v", err)
	}
	waitFor(t, "audio sent", func() bool { return conn.SentBytes() == 2 })
	if sent := conn.Sent(); !bytes.Equal(sent[0], []byte{3, 4}) {
		t.Errorf("sent %v, want [3 4]", sent[0])
	}
	if st := s.Status(); !st.Configured || st.State != "active" {
		t.Errorf("Status after ack = %+v", st)
	}
}

func TestSession_PreservesChunkOrder(t *testing.T) {
	t.Parallel()

	conn := ackedConn()
	s := startSession(t, Config{
		Provider:   &mock.Provider{Conns: []*mock.Conn{conn}},
		OutboxSize: 16,
	})
	waitState(t, s, StateActive)

	for i := range 10 {
		if err := s.SendAudio([]byte{byte(i)}); err != nil {
			t.Fatalf("SendAudio(%d): %v", i, err)
		}
	}
	waitFor(t, "10 chunks", func() bool { return len(conn.Sent()) == 10 })
	for i, chunk := range conn.Sent() {
		if chunk[0] != byte(i) {
			t.Fatalf("chunk %d = %d, out of order", i, chunk[0])
		}
	}
}

func TestSession_ReconnectBudgetExhausted(t *testing.T) {
	t.Parallel()

	reset := syscall.ECONNRESET
	p := &mock.Provider{DialErrs: []error{reset, reset, reset, reset}}
	pub := &fakePublisher{}
	sleeps := &sleepRecorder{}
	var terminal error
	s := startSession(t, Config{
		Provider:   p,
		Publisher:  pub,
		Sleep:      sleeps.Sleep,
		OnTerminal: func(_ *Session, err error) { terminal = err },
	})

	waitDone(t, s)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := sleeps.Delays()
	if len(got) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
	if p.DialCount() != 4 {
		t.Errorf("DialCount = %d, want 4", p.DialCount())
	}
	if s.State() != StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}

	err := s.Err()
	if !errors.Is(err, ErrReconnectBudgetExhausted) || !errors.Is(err, syscall.ECONNRESET) {
		t.Errorf("Err = %v, want budget exhausted wrapping ECONNRESET", err)
	}
	if !errors.Is(terminal, ErrReconnectBudgetExhausted) {
		t.Errorf("OnTerminal got %v", terminal)
	}
	if f := pub.Failures(); len(f) != 1 || !errors.Is(f[0], ErrReconnectBudgetExhausted) {
		t.Errorf("published failures = %v", f)
	}
	if err := s.SendAudio([]byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendAudio after failure = %v, want ErrSessionClosed", err)
	}
}

func TestSession_AttemptsResetOnActive(t *testing.T) {
	t.Parallel()

	first, second := ackedConn(), ackedConn()
	reset := syscall.ECONNRESET
	p := &mock.Provider{
		DialErrs: []error{reset, reset},
		Conns:    []*mock.Conn{first, second},
	}
	sleeps := &sleepRecorder{}
	s := startSession(t, Config{Provider: p, Sleep: sleeps.Sleep})

	waitState(t, s, StateActive)
	if n := s.Status().ReconnectAttempts; n != 0 {
		t.Fatalf("ReconnectAttempts after configure = %d, want 0", n)
	}

	first.Fail(websocket.CloseError{Code: websocket.StatusTryAgainLater})
	waitFor(t, "second connection", func() bool { return len(second.Configured()) == 1 })
	waitState(t, s, StateActive)

	want := []time.Duration{time.Second, 2 * time.Second, time.Second}
	got := sleeps.Delays()
	if len(got) != len(want) {
		t.Fatalf("backoff delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
	if !first.Closed() {
		t.Error("failed connection was not closed")
	}
}

func TestSession_TerminalFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fail func(p *mock.Provider)
	}{
		{
			name: "handshake rejected",
			fail: func(p *mock.Provider) {
				p.DialErrs = []error{&realtime.HandshakeError{StatusCode: 401, Err: errors.New("unauthorized")}}
			},
		},
		{
			name: "normal closure",
			fail: func(p *mock.Provider) {
				c := ackedConn()
				c.Fail(websocket.CloseError{Code: websocket.StatusNormalClosure})
				p.Conns = []*mock.Conn{c}
			},
		},
		{
			name: "configure rejected",
			fail: func(p *mock.Provider) {
				c := mock.NewConn()
				c.ConfigureErr = realtime.ErrUnexpectedMessage
				p.Conns = []*mock.Conn{c}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := &mock.Provider{}
			tt.fail(p)
			pub := &fakePublisher{}
			sleeps := &sleepRecorder{}
			s := startSession(t, Config{Provider: p, Publisher: pub, Sleep: sleeps.Sleep})

			waitDone(t, s)
			if d := sleeps.Delays(); len(d) != 0 {
				t.Errorf("terminal failure triggered backoff %v", d)
			}
			if p.DialCount() != 1 {
				t.Errorf("DialCount = %d, want 1", p.DialCount())
			}
			if s.Err() == nil {
				t.Error("Err = nil, want terminal failure")
			}
			if len(pub.Failures()) != 1 {
				t.Errorf("published %d failures, want 1", len(pub.Failures()))
			}
		})
	}
}

func TestSession_ConfigAckTimeout(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{}
	sleeps := &sleepRecorder{}
	s := startSession(t, Config{
		Provider:   p,
		Policy:     NewReconnectPolicy(ReconnectConfig{MaxAttempts: 1}),
		AckTimeout: 20 * time.Millisecond,
		Sleep:      sleeps.Sleep,
	})

	waitDone(t, s)
	if !errors.Is(s.Err(), ErrConfigTimeout) {
		t.Errorf("Err = %v, want ErrConfigTimeout", s.Err())
	}
	if p.DialCount() != 2 {
		t.Errorf("DialCount = %d, want 2", p.DialCount())
	}
	if len(sleeps.Delays()) != 1 {
		t.Errorf("delays = %v, want one backoff", sleeps.Delays())
	}
}

func TestSession_StopDuringBackoff(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{DialErrs: []error{syscall.ECONNREFUSED}}
	pub := &fakePublisher{}
	s := startSession(t, Config{Provider: p, Publisher: pub})

	waitState(t, s, StateReconnecting)
	s.Stop()

	if s.State() != StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}
	if s.Err() != nil {
		t.Errorf("Err = %v, want nil after explicit stop", s.Err())
	}
	if len(pub.Failures()) != 0 {
		t.Errorf("explicit stop published failures %v", pub.Failures())
	}
}

func TestSession_StopClosesConnection(t *testing.T) {
	t.Parallel()

	conn := ackedConn()
	s := startSession(t, Config{Provider: &mock.Provider{Conns: []*mock.Conn{conn}}})
	waitState(t, s, StateActive)

	s.Stop()
	s.Stop()
	if !conn.Closed() {
		t.Error("connection still open after Stop")
	}
	if err := s.SendAudio([]byte{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SendAudio after Stop = %v, want ErrSessionClosed", err)
	}
}

func TestSession_StopWithoutStart(t *testing.T) {
	t.Parallel()

	s := New(Config{Key: testKey, Provider: &mock.Provider{}})
	s.Stop()
	if s.State() != StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}
	s.Start(context.Background())
	if s.State() != StateClosed {
		t.Error("Start after Stop revived the session")
	}
}

// ─── provider events ──────────────────────────────────────────────────────────

func TestSession_PublishesTranscripts(t *testing.T) {
	t.Parallel()

	conn := ackedConn()
	pub := &fakePublisher{}
	s := startSession(t, Config{
		Provider:  &mock.Provider{Conns: []*mock.Conn{conn}},
		Publisher: pub,
	})
	waitState(t, s, StateActive)

	conn.Push(realtime.Event{Type: realtime.EventSpeechStarted, ItemID: "item_1"})
	conn.Push(realtime.Event{Type: realtime.EventTranscriptDelta, ItemID: "item_1", Text: "hel"})
	conn.Push(realtime.Event{Type: realtime.EventTranscriptDelta, ItemID: "item_1", Text: ""})
	conn.Push(realtime.Event{Type: realtime.EventError, Error: &realtime.ProviderError{Type: "invalid_request_error"}})
	conn.Push(realtime.Event{Type: "response.something_new"})
	conn.Push(realtime.Event{Type: realtime.EventTranscriptCompleted, ItemID: "item_1", Text: "hello"})

	waitFor(t, "two transcripts", func() bool { return len(pub.Events()) == 2 })
	evts := pub.Events()
	if evts[0].Text != "hel" || !evts[0].IsPartial {
		t.Errorf("first event = %+v, want partial 'hel'", evts[0])
	}
	if evts[1].Text != "hello" || evts[1].IsPartial || evts[1].ItemID != "item_1" {
		t.Errorf("second event = %+v, want final 'hello'", evts[1])
	}
	if evts[1].AudioType != types.ChannelSpeaker {
		t.Errorf("AudioType = %q", evts[1].AudioType)
	}

	// Provider error events are not fatal.
	if s.State() != StateActive {
		t.Errorf("State = %s after provider error event, want active", s.State())
	}
}

// gatedConn blocks SendAudio until the test opens the gate.
type gatedConn struct {
	*mock.Conn
	entered chan struct{}
	gate    chan struct{}
}

func (c *gatedConn) SendAudio(ctx context.Context, pcm []byte) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	select {
	case <-c.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.Conn.SendAudio(ctx, pcm)
}

type singleConnProvider struct{ conn realtime.Conn }

func (p singleConnProvider) Dial(context.Context) (realtime.Conn, error) { return p.conn, nil }

func TestSession_OutboxFull(t *testing.T) {
	t.Parallel()

	conn := &gatedConn{
		Conn:    ackedConn(),
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	s := startSession(t, Config{Provider: singleConnProvider{conn}, OutboxSize: 1})
	waitState(t, s, StateActive)

	if err := s.SendAudio([]byte{1}); err != nil {
		t.Fatalf("first SendAudio: %v", err)
	}
	<-conn.entered // the writer holds chunk 1

	if err := s.SendAudio([]byte{2}); err != nil {
		t.Fatalf("second SendAudio: %v", err)
	}
	if err := s.SendAudio([]byte{3}); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("third SendAudio = %v, want ErrOutboxFull", err)
	}

	close(conn.gate)
	waitFor(t, "two chunks", func() bool { return len(conn.Sent()) == 2 })
}

// brokenPipeConn holds the first chunk it is given until the gate opens and
// then fails it as a dropped transport.
type brokenPipeConn struct {
	*mock.Conn
	entered chan struct{}
	gate    chan struct{}
}

func (c *brokenPipeConn) SendAudio(ctx context.Context, _ []byte) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	select {
	case <-c.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return syscall.EPIPE
}

// connSequence hands out its conns in order.
type connSequence struct {
	mu    sync.Mutex
	conns []realtime.Conn
}

func (p *connSequence) Dial(context.Context) (realtime.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil, errors.New("no more conns")
	}
	c := p.conns[0]
	p.conns = p.conns[1:]
	return c, nil
}

func TestSession_ReplaysUndeliveredChunkAfterReconnect(t *testing.T) {
	t.Parallel()

	first := &brokenPipeConn{
		Conn:    ackedConn(),
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	second := mock.NewConn()
	sleeps := &sleepRecorder{}
	s := startSession(t, Config{
		Provider: &connSequence{conns: []realtime.Conn{first, second}},
		Sleep:    sleeps.Sleep,
	})
	waitState(t, s, StateActive)

	chunkA, chunkB := []byte{0xA}, []byte{0xB}
	if err := s.SendAudio(chunkA); err != nil {
		t.Fatalf("SendAudio(A): %v", err)
	}
	<-first.entered // the writer holds A
	if err := s.SendAudio(chunkB); err != nil {
		t.Fatalf("SendAudio(B): %v", err)
	}
	close(first.gate)

	waitFor(t, "second connection configured", func() bool { return len(second.Configured()) == 1 })
	if s.State() != StateAwaitingConfig {
		t.Fatalf("State = %s, want awaiting_config", s.State())
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(second.Sent()); n != 0 {
		t.Fatalf("second connection got %d chunks before its ack", n)
	}

	second.Push(realtime.Event{Type: realtime.EventSessionUpdated})
	waitFor(t, "replayed chunks", func() bool { return len(second.Sent()) == 2 })

	sent := second.Sent()
	if !bytes.Equal(sent[0], chunkA) || !bytes.Equal(sent[1], chunkB) {
		t.Errorf("second connection got %v, want [A B]", sent)
	}
	if len(first.Sent()) != 0 {
		t.Errorf("failed connection recorded %v", first.Sent())
	}
	if d := sleeps.Delays(); len(d) != 1 || d[0] != time.Second {
		t.Errorf("backoff delays = %v, want [1s]", d)
	}
}

// recordHandler keeps every record it handles. Handlers derived through
// WithAttrs or WithGroup share the parent's records.
type recordHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
}

func newRecordHandler() *recordHandler {
	return &recordHandler{mu: &sync.Mutex{}, records: &[]slog.Record{}}
}

func (h *recordHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.records = append(*h.records, r.Clone())
	return nil
}

func (h *recordHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordHandler) WithGroup(string) slog.Handler { return h }

func (h *recordHandler) count(level slog.Level, msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range *h.records {
		if r.Level == level && r.Message == msg {
			n++
		}
	}
	return n
}

func TestSession_LogsUnknownEventTypeOnce(t *testing.T) {
	t.Parallel()

	conn := ackedConn()
	pub := &fakePublisher{}
	logs := newRecordHandler()
	startSession(t, Config{
		Provider:  &mock.Provider{Conns: []*mock.Conn{conn}},
		Publisher: pub,
		Logger:    slog.New(logs),
	})

	conn.Push(realtime.Event{Type: "response.something_new"})
	conn.Push(realtime.Event{Type: "response.something_new"})
	conn.Push(realtime.Event{Type: "rate_limits.updated"})
	// Events are handled in order, so the transcript marks the end.
	conn.Push(realtime.Event{Type: realtime.EventTranscriptCompleted, Text: "done"})
	waitFor(t, "transcript", func() bool { return len(pub.Events()) == 1 })

	if n := logs.count(slog.LevelInfo, "session: ignoring unknown provider event"); n != 2 {
		t.Errorf("unknown event logged %d times, want once per type (2)", n)
	}
}
