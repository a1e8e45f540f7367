package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callscribe/internal/buffer"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/audio/codec"
	"github.com/MrWong99/callscribe/pkg/provider/realtime"
	"github.com/MrWong99/callscribe/pkg/types"
)

// defaultMaxBufferMs is the queue ceiling used when RegistryConfig leaves it
// unset.
const defaultMaxBufferMs = 5000

// ErrRegistryClosed is returned by [Registry.GetOrCreate] after [Registry.Close].
var ErrRegistryClosed = errors.New("session: registry closed")

// RegistryConfig holds the dependencies shared by every stream the registry
// creates.
type RegistryConfig struct {
	Provider     realtime.Provider
	ProviderName string
	Params       realtime.SessionParams
	Reconnect    ReconnectConfig
	Publisher    Publisher

	// Codec names the frame decoder created per stream. Empty means pcm16.
	// Ignored when NewDecoder is set.
	Codec string

	// NewDecoder, when set, builds the per-stream decoder instead of Codec.
	NewDecoder codec.Factory

	// Format is the PCM layout queued and sent upstream. Defaults to
	// [audio.ProviderFormat].
	Format audio.Format

	// MaxBufferMs is the per-stream queue ceiling. Defaults to 5000.
	MaxBufferMs float64

	OutboxSize int
	AckTimeout time.Duration
	Metrics    *observe.Metrics

	// Sleep overrides the reconnect backoff wait. Used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Stream is everything the pipeline keeps for one (call, channel): the frame
// decoder, the pending-audio queue and the upstream session.
type Stream struct {
	Key     types.StreamKey
	Session *Session
	Queue   *buffer.Queue
	Created time.Time

	mu      sync.Mutex // orders decode+append across concurrent frames
	decoder codec.Decoder
	evicted atomic.Bool
}

// Evicted reports whether the stream was dropped because its session failed
// terminally, as opposed to being removed when its call ended.
func (st *Stream) Evicted() bool { return st.evicted.Load() }

// Push decodes f and appends the PCM to the stream's queue. Frames pushed
// concurrently on the same stream are decoded and queued one at a time.
//
// It returns the number of PCM bytes produced. Zero bytes with a nil error
// means the frame decoded to silence and nothing was queued.
func (st *Stream) Push(f codec.Frame) (int, buffer.AppendResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	pcm, err := st.decoder.Decode(f)
	if err != nil {
		return 0, buffer.Queued, err
	}
	if len(pcm) == 0 {
		return 0, buffer.Queued, nil
	}
	res, err := st.Queue.Append(pcm)
	return len(pcm), res, err
}

// StreamStatus is the diagnostic view of one stream.
type StreamStatus struct {
	CallID  string        `json:"callId"`
	Channel types.Channel `json:"audioType"`
	Status
	BufferedMs float64 `json:"bufferedMs"`
	Overflows  int     `json:"overflows"`
	DroppedMs  float64 `json:"droppedMs"`
}

// Status returns the stream's session status and queue counters.
func (st *Stream) Status() StreamStatus {
	qs := st.Queue.Stats()
	return StreamStatus{
		CallID:     st.Key.CallID,
		Channel:    st.Key.Channel,
		Status:     st.Session.Status(),
		BufferedMs: qs.BufferedMs,
		Overflows:  qs.Overflows,
		DroppedMs:  qs.DroppedMs,
	}
}

// Registry maps stream keys to live streams. A stream is created lazily on
// the first frame for its key and removed when its call ends or its session
// fails terminally. All methods are safe for concurrent use.
type Registry struct {
	cfg    RegistryConfig
	policy *ReconnectPolicy
	// ctx parents every session; it outlives the request that created one.
	ctx context.Context

	mu      sync.Mutex
	streams map[types.StreamKey]*Stream
	maxMs   float64
	closed  bool
}

// NewRegistry creates an empty registry. ctx bounds the lifetime of every
// session the registry starts.
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: registry requires a provider")
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = audio.ProviderFormat
	}
	if cfg.Format.Channels <= 0 {
		cfg.Format.Channels = 1
	}
	if cfg.NewDecoder == nil {
		name := cfg.Codec
		cfg.NewDecoder = func(target audio.Format) (codec.Decoder, error) {
			return codec.New(name, target)
		}
	}
	if _, err := cfg.NewDecoder(cfg.Format); err != nil {
		return nil, err
	}
	if cfg.MaxBufferMs <= 0 {
		cfg.MaxBufferMs = defaultMaxBufferMs
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Registry{
		cfg:     cfg,
		policy:  NewReconnectPolicy(cfg.Reconnect),
		ctx:     ctx,
		streams: make(map[types.StreamKey]*Stream),
		maxMs:   cfg.MaxBufferMs,
	}, nil
}

// GetOrCreate returns the stream for key, creating and starting it if none
// exists. Concurrent calls for the same key return the same stream.
func (r *Registry) GetOrCreate(key types.StreamKey) (*Stream, error) {
	if !key.Channel.IsValid() {
		return nil, fmt.Errorf("session: invalid channel %q", key.Channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	if st, ok := r.streams[key]; ok {
		return st, nil
	}

	dec, err := r.cfg.NewDecoder(r.cfg.Format)
	if err != nil {
		return nil, err
	}
	st := &Stream{
		Key:     key,
		Queue:   buffer.New(r.cfg.Format, r.maxMs),
		Created: time.Now(),
		decoder: dec,
	}
	st.Session = New(Config{
		Key:          key,
		Provider:     r.cfg.Provider,
		ProviderName: r.cfg.ProviderName,
		Params:       r.cfg.Params,
		Policy:       r.policy,
		Publisher:    r.cfg.Publisher,
		OutboxSize:   r.cfg.OutboxSize,
		AckTimeout:   r.cfg.AckTimeout,
		Metrics:      r.cfg.Metrics,
		Sleep:        r.cfg.Sleep,
		OnTerminal: func(s *Session, err error) {
			r.evict(key, s)
		},
	})
	r.streams[key] = st
	st.Session.Start(r.ctx)

	slog.Info("session: stream created",
		"call_id", key.CallID,
		"channel", string(key.Channel),
		"session_id", st.Session.ID(),
	)
	return st, nil
}

// CheckFrame decodes f with a throwaway decoder. It lets callers refuse an
// undecodable first frame before [Registry.GetOrCreate] dials the provider.
func (r *Registry) CheckFrame(f codec.Frame) error {
	dec, err := r.cfg.NewDecoder(r.cfg.Format)
	if err != nil {
		return err
	}
	_, err = dec.Decode(f)
	return err
}

// Get returns the stream for key, if any.
func (r *Registry) Get(key types.StreamKey) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.streams[key]
	return st, ok
}

// Remove stops and forgets the stream for key. It reports whether a stream
// was removed.
func (r *Registry) Remove(key types.StreamKey) bool {
	r.mu.Lock()
	st, ok := r.streams[key]
	delete(r.streams, key)
	r.mu.Unlock()

	if !ok {
		return false
	}
	closeStream(st)
	return true
}

// RemoveCall stops every stream of callID concurrently and returns how many
// were removed.
func (r *Registry) RemoveCall(ctx context.Context, callID string) (int, error) {
	r.mu.Lock()
	var victims []*Stream
	for key, st := range r.streams {
		if key.CallID == callID {
			victims = append(victims, st)
			delete(r.streams, key)
		}
	}
	r.mu.Unlock()

	return len(victims), stopAll(ctx, victims)
}

// Streams returns a snapshot of all live streams, ordered by call and channel.
func (r *Registry) Streams() []*Stream {
	r.mu.Lock()
	out := make([]*Stream, 0, len(r.streams))
	for _, st := range r.streams {
		out = append(out, st)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b *Stream) int {
		if a.Key.CallID != b.Key.CallID {
			if a.Key.CallID < b.Key.CallID {
				return -1
			}
			return 1
		}
		if a.Key.Channel < b.Key.Channel {
			return -1
		}
		if a.Key.Channel > b.Key.Channel {
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Closed reports whether [Registry.Close] has been called.
func (r *Registry) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// SetMaxBufferMs changes the queue ceiling of every live and future stream.
func (r *Registry) SetMaxBufferMs(ms float64) {
	if ms <= 0 {
		return
	}
	r.mu.Lock()
	r.maxMs = ms
	streams := make([]*Stream, 0, len(r.streams))
	for _, st := range r.streams {
		streams = append(streams, st)
	}
	r.mu.Unlock()

	for _, st := range streams {
		st.Queue.SetMaxDurationMs(ms)
	}
}

// Close stops every stream and rejects further creation. Idempotent.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	victims := make([]*Stream, 0, len(r.streams))
	for key, st := range r.streams {
		victims = append(victims, st)
		delete(r.streams, key)
	}
	r.mu.Unlock()

	return stopAll(ctx, victims)
}

// evict drops key after its session failed terminally. A stream created
// since then under the same key is left alone. The session goroutine is
// still running here, so only the queue is closed.
func (r *Registry) evict(key types.StreamKey, s *Session) {
	r.mu.Lock()
	st, ok := r.streams[key]
	if ok && st.Session == s {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok && st.Session == s {
		st.evicted.Store(true)
		st.Queue.Close()
		slog.Warn("session: stream evicted after terminal failure",
			"call_id", key.CallID,
			"channel", string(key.Channel),
			"session_id", s.ID(),
		)
	}
}

func closeStream(st *Stream) {
	st.Queue.Close()
	st.Session.Stop()
}

func stopAll(ctx context.Context, streams []*Stream) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, st := range streams {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				closeStream(st)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session: stop %s: %w", st.Key, ctx.Err())
			}
		})
	}
	return g.Wait()
}
