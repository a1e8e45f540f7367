package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/callscribe/internal/transcript"
)

// Message types sent on a transcript WebSocket.
const (
	MessageTranscript   = "transcript"
	MessageFailure      = "failure"
	MessageAudioDropped = "audio_dropped"
)

var errTooSlow = errors.New("api: subscriber too slow")

// Message is one outbound transcript WebSocket message. Data holds a
// [transcript.Event], [transcript.Failure] or [transcript.DropNotice]
// depending on Type.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsSubscriber queues router callbacks for the connection's write loop. The
// router calls it synchronously from session goroutines, so it never blocks:
// when the queue is full the subscriber is marked slow and the connection is
// dropped.
type wsSubscriber struct {
	out  chan Message
	slow chan struct{}
	once sync.Once
}

var (
	_ transcript.Subscriber   = (*wsSubscriber)(nil)
	_ transcript.DropObserver = (*wsSubscriber)(nil)
)

func newWSSubscriber(size int) *wsSubscriber {
	return &wsSubscriber{
		out:  make(chan Message, size),
		slow: make(chan struct{}),
	}
}

func (s *wsSubscriber) push(m Message) {
	select {
	case s.out <- m:
	default:
		s.once.Do(func() { close(s.slow) })
	}
}

func (s *wsSubscriber) OnTranscript(e transcript.Event) {
	s.push(Message{Type: MessageTranscript, Data: e})
}

func (s *wsSubscriber) OnFailure(f transcript.Failure) {
	s.push(Message{Type: MessageFailure, Data: f})
}

func (s *wsSubscriber) OnAudioDropped(n transcript.DropNotice) {
	s.push(Message{Type: MessageAudioDropped, Data: n})
}

// handleTranscripts handles GET /v1/calls/{callID}/transcripts. The client
// receives every event of the call from the moment it subscribes until it
// disconnects. Nothing is replayed.
func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")

	c, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		slog.Debug("api: transcript websocket rejected", "call_id", callID, "err", err)
		return
	}
	defer c.CloseNow()

	ctx, cancel := s.connContext(r.Context())
	defer cancel()
	// Client messages are not expected; CloseRead answers pings and ends ctx
	// when the client goes away.
	ctx = c.CloseRead(ctx)

	sub := newWSSubscriber(s.cfg.SubscriberBuffer)
	unsubscribe := s.cfg.Router.Subscribe(callID, sub)
	defer unsubscribe()

	slog.Debug("api: transcript subscriber connected", "call_id", callID)
	err = s.writeLoop(ctx, c, sub)
	s.closeAfter(ctx, c, err)
	slog.Debug("api: transcript subscriber disconnected", "call_id", callID, "err", err)
}

func (s *Server) writeLoop(ctx context.Context, c *websocket.Conn, sub *wsSubscriber) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.slow:
			return errTooSlow
		case m := <-sub.out:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := wsjson.Write(wctx, c, m)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
