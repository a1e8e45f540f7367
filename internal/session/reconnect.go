package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callscribe/internal/resilience"
	"github.com/MrWong99/callscribe/pkg/provider/realtime"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 1 * time.Second
	defaultMaxDelay    = 10 * time.Second
)

// ReconnectConfig configures a [ReconnectPolicy].
type ReconnectConfig struct {
	// MaxAttempts is the number of reconnects allowed between two successful
	// configurations. Defaults to 3 if zero.
	MaxAttempts int

	// BaseDelay is the delay before the first reconnect. Doubles each attempt
	// up to MaxDelay. Defaults to 1s if zero.
	BaseDelay time.Duration

	// MaxDelay is the upper limit on the delay. Defaults to 10s if zero.
	MaxDelay time.Duration
}

// ReconnectPolicy decides whether a failed session may reconnect and how
// long it waits first. It is stateless; the attempt counter lives on the
// session. Safe for concurrent use.
type ReconnectPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewReconnectPolicy creates a [ReconnectPolicy] with the given configuration.
func NewReconnectPolicy(cfg ReconnectConfig) *ReconnectPolicy {
	p := &ReconnectPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.baseDelay <= 0 {
		p.baseDelay = defaultBaseDelay
	}
	if p.maxDelay <= 0 {
		p.maxDelay = defaultMaxDelay
	}
	return p
}

// MaxAttempts returns the reconnect budget.
func (p *ReconnectPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldReconnect reports whether err is a recoverable transport failure.
func (p *ReconnectPolicy) ShouldReconnect(err error) bool {
	return Classify(err) == Recoverable
}

// NextDelay returns min(base * 2^attempt, max) for the zero-based attempt.
func (p *ReconnectPolicy) NextDelay(attempt int) time.Duration {
	d := p.baseDelay
	for range attempt {
		d *= 2
		if d >= p.maxDelay {
			return p.maxDelay
		}
	}
	return min(d, p.maxDelay)
}

// FailureClass separates failures worth a reconnect from terminal ones.
type FailureClass int

const (
	Terminal FailureClass = iota
	Recoverable
)

// String returns the class label used in logs.
func (c FailureClass) String() string {
	if c == Recoverable {
		return "recoverable"
	}
	return "terminal"
}

// recoverableCloseCodes are the WebSocket close codes after which the
// provider is expected to accept a new connection.
var recoverableCloseCodes = map[websocket.StatusCode]bool{
	websocket.StatusAbnormalClosure: true, // 1006
	websocket.StatusInternalError:   true, // 1011
	websocket.StatusServiceRestart:  true, // 1012
	websocket.StatusTryAgainLater:   true, // 1013
	websocket.StatusBadGateway:      true, // 1014
}

// Classify sorts a session failure into [Recoverable] or [Terminal].
//
// Recoverable: connection reset, broken pipe, connection refused, DNS
// failure, timeouts, a stream that ended without a close frame, an open
// dial circuit breaker, an unacknowledged configuration, and close codes
// 1006, 1011, 1012, 1013 and 1014. Everything else is terminal, including
// rejected handshakes (401/403), protocol violations and normal closure.
func Classify(err error) FailureClass {
	if err == nil {
		return Terminal
	}

	// Explicit cancellation and protocol violations win over anything they wrap.
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, realtime.ErrUnexpectedMessage):
		return Terminal
	}

	var hs *realtime.HandshakeError
	if errors.As(err, &hs) {
		return Terminal
	}

	if code := websocket.CloseStatus(err); code != -1 {
		if recoverableCloseCodes[code] {
			return Recoverable
		}
		return Terminal
	}

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, ErrConfigTimeout),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return Recoverable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Recoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Recoverable
	}
	return Terminal
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
