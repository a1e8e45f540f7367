// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to hand out scripted connections and count dials. Use Conn to
// push provider events into a session under test and inspect what it sent.
//
// Example:
//
//	conn := mock.NewConn()
//	p := &mock.Provider{Conns: []*mock.Conn{conn}}
//	// ... start the session, then:
//	conn.Push(realtime.Event{Type: realtime.EventSessionUpdated})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/callscribe/pkg/provider/realtime"
)

var (
	_ realtime.Provider = (*Provider)(nil)
	_ realtime.Conn     = (*Conn)(nil)
)

// ErrClosed is returned by Conn methods after Close.
var ErrClosed = errors.New("mock: conn closed")

// Provider is a mock implementation of realtime.Provider.
//
// Each Dial pops the next entry of DialErrs (if any remain) and returns that
// error; otherwise it returns the next Conn from Conns, or a fresh Conn when
// Conns is exhausted.
type Provider struct {
	mu sync.Mutex

	// Conns are returned in order by successful dials.
	Conns []*Conn

	// DialErrs are returned in order before any Conn is handed out.
	DialErrs []error

	// OnDial, if set, is called at the start of every Dial.
	OnDial func(attempt int)

	dials   int
	dialled []*Conn
}

// Dial implements realtime.Provider.
func (p *Provider) Dial(ctx context.Context) (realtime.Conn, error) {
	p.mu.Lock()
	attempt := p.dials
	p.dials++
	hook := p.OnDial
	p.mu.Unlock()

	if hook != nil {
		hook(attempt)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.DialErrs) > 0 {
		err := p.DialErrs[0]
		p.DialErrs = p.DialErrs[1:]
		return nil, err
	}
	var c *Conn
	if len(p.Conns) > 0 {
		c = p.Conns[0]
		p.Conns = p.Conns[1:]
	} else {
		c = NewConn()
	}
	p.dialled = append(p.dialled, c)
	return c, nil
}

// DialCount returns how many times Dial has been called.
func (p *Provider) DialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dials
}

// Dialled returns every Conn handed out so far, in order.
func (p *Provider) Dialled() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.dialled...)
}

// Conn is a mock implementation of realtime.Conn driven by Push and Fail.
type Conn struct {
	mu sync.Mutex

	// ConfigureErr, if non-nil, is returned by Configure.
	ConfigureErr error

	// AutoAck makes Configure push an EventSessionUpdated immediately.
	AutoAck bool

	configured []realtime.SessionParams
	sent       [][]byte
	closed     bool

	events chan realtime.Event
	errs   chan error
	done   chan struct{}

	// sentCh is signalled (non-blocking) after every SendAudio.
	sentCh chan struct{}
}

// NewConn returns a ready Conn.
func NewConn() *Conn {
	return &Conn{
		events: make(chan realtime.Event, 64),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		sentCh: make(chan struct{}, 1),
	}
}

// Configure records params.
func (c *Conn) Configure(_ context.Context, params realtime.SessionParams) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.configured = append(c.configured, params)
	err := c.ConfigureErr
	ack := c.AutoAck
	c.mu.Unlock()

	if err == nil && ack {
		c.Push(realtime.Event{Type: realtime.EventSessionUpdated})
	}
	return err
}

// SendAudio records a copy of pcm.
func (c *Conn) SendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.sent = append(c.sent, append([]byte(nil), pcm...))
	c.mu.Unlock()

	select {
	case c.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// Next returns pushed events in order, the error passed to Fail, or
// ErrClosed once closed.
func (c *Conn) Next(ctx context.Context) (realtime.Event, error) {
	select {
	case evt := <-c.events:
		return evt, nil
	case err := <-c.errs:
		return realtime.Event{}, err
	case <-c.done:
		return realtime.Event{}, ErrClosed
	case <-ctx.Done():
		return realtime.Event{}, ctx.Err()
	}
}

// Close implements realtime.Conn. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Push queues evt for Next.
func (c *Conn) Push(evt realtime.Event) {
	c.events <- evt
}

// Fail makes the next Next return err. Only the first call has effect.
func (c *Conn) Fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Configured returns every SessionParams passed to Configure.
func (c *Conn) Configured() []realtime.SessionParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.SessionParams(nil), c.configured...)
}

// Sent returns copies of every chunk passed to SendAudio, in order.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// SentBytes returns the total number of audio bytes sent.
func (c *Conn) SentBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.sent {
		n += len(b)
	}
	return n
}

// SentSignal is signalled after SendAudio calls. Signals coalesce.
func (c *Conn) SentSignal() <-chan struct{} { return c.sentCh }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
