// Package api exposes the pipeline over HTTP and WebSocket.
//
// Routes:
//
//	GET    /v1/audio                                  audio frames in (WebSocket)
//	POST   /v1/frames                                 one audio frame in
//	GET    /v1/calls                                  live streams with status
//	DELETE /v1/calls/{callID}                         end a call
//	GET    /v1/calls/{callID}/transcripts             transcript stream out (WebSocket)
//	GET    /v1/calls/{callID}/history                 archived final transcripts
//	GET    /v1/calls/{callID}/channels/{channel}/status
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callscribe/internal/ingest"
	"github.com/MrWong99/callscribe/internal/session"
	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/types"
)

const (
	defaultMaxFrameBytes    = 1 << 20
	defaultSubscriberBuffer = 256
	defaultWriteTimeout     = 5 * time.Second
	defaultHistoryLimit     = 500
)

// History lists archived transcripts. *archive.Store satisfies it.
type History interface {
	List(ctx context.Context, callID string, limit int) ([]transcript.Event, error)
}

// Config wires a [Server] to the pipeline.
type Config struct {
	Ingestor *ingest.Ingestor
	Registry *session.Registry
	Router   *transcript.Router

	// History serves /history. Nil answers 501.
	History History

	// MaxFrameBytes bounds one inbound frame message. Defaults to 1 MiB.
	MaxFrameBytes int64

	// SubscriberBuffer bounds the messages queued for one transcript
	// WebSocket. A client that falls this far behind is disconnected.
	SubscriberBuffer int

	// WriteTimeout bounds every WebSocket write. Defaults to 5s.
	WriteTimeout time.Duration

	// OriginPatterns is passed to the WebSocket handshake. Empty allows
	// same-origin requests and non-browser clients only.
	OriginPatterns []string
}

// Server serves the pipeline's HTTP API.
type Server struct {
	cfg Config

	// ctx is cancelled by Close to end every open WebSocket.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/audio", s.handleAudio)
	mux.HandleFunc("POST /v1/frames", s.handleFrame)
	mux.HandleFunc("GET /v1/calls", s.handleListCalls)
	mux.HandleFunc("DELETE /v1/calls/{callID}", s.handleEndCall)
	mux.HandleFunc("GET /v1/calls/{callID}/transcripts", s.handleTranscripts)
	mux.HandleFunc("GET /v1/calls/{callID}/history", s.handleHistory)
	mux.HandleFunc("GET /v1/calls/{callID}/channels/{channel}/status", s.handleStatus)
}

// Close ends every open WebSocket with a going-away status. HTTP shutdown
// does not reach hijacked connections, so call it alongside
// [http.Server.Shutdown].
func (s *Server) Close() {
	s.cancel()
}

// connContext returns a context that ends with the request or with Close.
func (s *Server) connContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns}
}

type frameResponse struct {
	Outcome ingest.Outcome `json:"outcome"`
	Error   string         `json:"error,omitempty"`
}

// handleFrame handles POST /v1/frames.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFrameBytes)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, frameResponse{Outcome: ingest.OutcomeRejected, Error: err.Error()})
		return
	}
	f, err := ingest.ParseFrame(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, frameResponse{Outcome: ingest.OutcomeRejected, Error: err.Error()})
		return
	}

	outcome, err := s.cfg.Ingestor.Ingest(r.Context(), f)
	res := frameResponse{Outcome: outcome}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, outcomeStatus(outcome), res)
}

func outcomeStatus(o ingest.Outcome) int {
	switch o {
	case ingest.OutcomeQueued, ingest.OutcomeSilence, ingest.OutcomeOverflow:
		return http.StatusAccepted
	case ingest.OutcomeDecodeFailed:
		return http.StatusUnprocessableEntity
	case ingest.OutcomeClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// handleListCalls handles GET /v1/calls.
func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	streams := s.cfg.Registry.Streams()
	out := make([]session.StreamStatus, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEndCall handles DELETE /v1/calls/{callID}. Ending an unknown call is
// not an error.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")
	n, err := s.cfg.Registry.RemoveCall(r.Context(), callID)
	if err != nil {
		slog.Warn("api: end call incomplete", "call_id", callID, "err", err)
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	slog.Info("api: call ended", "call_id", callID, "streams", n)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// handleStatus handles GET /v1/calls/{callID}/channels/{channel}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ch := types.Channel(r.PathValue("channel"))
	if !ch.IsValid() {
		writeError(w, http.StatusBadRequest, "channel must be mic or speaker")
		return
	}
	st, ok := s.cfg.Registry.Get(types.StreamKey{CallID: r.PathValue("callID"), Channel: ch})
	if !ok {
		writeError(w, http.StatusNotFound, "no live stream for this call and channel")
		return
	}
	writeJSON(w, http.StatusOK, st.Status())
}

// handleHistory handles GET /v1/calls/{callID}/history?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeError(w, http.StatusNotImplemented, "transcript archive is not configured")
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.cfg.History.List(r.Context(), r.PathValue("callID"), limit)
	if err != nil {
		slog.Error("api: history query failed", "call_id", r.PathValue("callID"), "err", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if events == nil {
		events = []transcript.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleAudio handles GET /v1/audio. Every text message is one JSON frame.
// Rejected frames are logged and skipped; the connection stays open.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("api: audio websocket rejected", "err", err)
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(s.cfg.MaxFrameBytes)

	ctx, cancel := s.connContext(r.Context())
	defer cancel()

	var frames int
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			s.closeAfter(ctx, c, err)
			slog.Debug("api: audio websocket closed", "frames", frames, "err", err)
			return
		}
		if typ != websocket.MessageText {
			slog.Warn("api: ignoring binary audio message", "bytes", len(data))
			continue
		}
		frames++

		f, err := ingest.ParseFrame(data)
		if err != nil {
			slog.Warn("api: rejected audio frame", "err", err)
			continue
		}
		outcome, err := s.cfg.Ingestor.Ingest(ctx, f)
		if err != nil && outcome != ingest.OutcomeDecodeFailed {
			// Decode failures are already logged by the ingestor.
			slog.Warn("api: audio frame not ingested",
				"call_id", f.CallID,
				"channel", string(f.AudioType),
				"outcome", outcome.String(),
				"err", err,
			)
		}
	}
}

// closeAfter picks the close status for a connection whose loop ended with
// err.
func (s *Server) closeAfter(ctx context.Context, c *websocket.Conn, err error) {
	switch {
	case websocket.CloseStatus(err) != -1:
		// Peer initiated; the library already answered.
	case s.ctx.Err() != nil:
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	case ctx.Err() != nil:
		_ = c.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errTooSlow):
		_ = c.Close(websocket.StatusPolicyViolation, "subscriber too slow")
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
