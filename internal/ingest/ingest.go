package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/callscribe/internal/buffer"
	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/internal/session"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Outcome is what happened to one ingested frame.
type Outcome int

const (
	// OutcomeQueued means the decoded audio was appended to the stream's queue.
	OutcomeQueued Outcome = iota

	// OutcomeSilence means the frame carried no signal and was dropped.
	OutcomeSilence

	// OutcomeOverflow means the append reached the queue ceiling and the
	// queue was cleared. This is the overload policy, not a failure.
	OutcomeOverflow

	// OutcomeDecodeFailed means the payload could not be decoded. The frame
	// is dropped and the stream continues.
	OutcomeDecodeFailed

	// OutcomeClosed means the pipeline is shutting down.
	OutcomeClosed

	// OutcomeRejected means the frame failed validation.
	OutcomeRejected
)

// String returns the outcome label used in metrics and API responses.
func (o Outcome) String() string {
	switch o {
	case OutcomeQueued:
		return "queued"
	case OutcomeSilence:
		return "silence"
	case OutcomeOverflow:
		return "overflow"
	case OutcomeDecodeFailed:
		return "decode_failed"
	case OutcomeClosed:
		return "closed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalText makes outcomes render as their label in JSON.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// DropNotifier receives an advisory whenever an overflow clears a queue.
// [transcript.Router] satisfies it.
type DropNotifier interface {
	NotifyDropped(callID string, channel types.Channel, droppedMs float64)
}

// Ingestor feeds validated frames into the session registry.
// All methods are safe for concurrent use.
type Ingestor struct {
	registry *session.Registry
	notifier DropNotifier
	metrics  *observe.Metrics
}

// New creates an Ingestor. notifier and m may be nil.
func New(registry *session.Registry, notifier DropNotifier, m *observe.Metrics) *Ingestor {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Ingestor{registry: registry, notifier: notifier, metrics: m}
}

// Ingest routes f to its stream, creating the stream and starting its
// session on the first frame of a (call, channel). Decode failures are
// returned for logging only; the stream is unaffected.
func (in *Ingestor) Ingest(ctx context.Context, f Frame) (Outcome, error) {
	outcome, err := in.ingest(ctx, f)
	in.metrics.RecordFrame(ctx, outcome.String())
	return outcome, err
}

func (in *Ingestor) ingest(ctx context.Context, f Frame) (Outcome, error) {
	if err := f.Validate(); err != nil {
		return OutcomeRejected, err
	}

	if _, ok := in.registry.Get(f.Key()); !ok {
		// The first frame of a stream must decode before a session dials.
		if err := in.registry.CheckFrame(f.Codec()); err != nil {
			return in.decodeFailed(ctx, f, err)
		}
	}

	st, err := in.registry.GetOrCreate(f.Key())
	if err != nil {
		if errors.Is(err, session.ErrRegistryClosed) {
			return OutcomeClosed, err
		}
		return OutcomeRejected, fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}

	return in.push(ctx, st, f)
}

// push decodes f into st. st may have been torn down since it was looked up.
func (in *Ingestor) push(ctx context.Context, st *session.Stream, f Frame) (Outcome, error) {
	log := observe.StreamLogger(ctx, f.CallID, string(f.AudioType))

	n, res, err := st.Push(f.Codec())
	if errors.Is(err, buffer.ErrClosed) && st.Evicted() {
		// A terminal failure ended the old session; a new frame starts a
		// fresh one. A stream removed with its call stays closed.
		if st, err = in.registry.GetOrCreate(f.Key()); err != nil {
			return OutcomeClosed, err
		}
		n, res, err = st.Push(f.Codec())
	}
	switch {
	case errors.Is(err, buffer.ErrClosed):
		return OutcomeClosed, err
	case err != nil:
		return in.decodeFailed(ctx, f, err)
	case n == 0:
		return OutcomeSilence, nil
	case res == buffer.Overflowed:
		dropped := st.Queue.Stats().LastDroppedMs
		in.metrics.RecordOverflow(ctx, string(f.AudioType), dropped)
		log.Info("ingest: queue ceiling reached, buffered audio discarded", "dropped_ms", dropped)
		if in.notifier != nil {
			in.notifier.NotifyDropped(f.CallID, f.AudioType, dropped)
		}
		return OutcomeOverflow, nil
	default:
		return OutcomeQueued, nil
	}
}

func (in *Ingestor) decodeFailed(ctx context.Context, f Frame, err error) (Outcome, error) {
	in.metrics.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", string(f.AudioType))))
	observe.StreamLogger(ctx, f.CallID, string(f.AudioType)).Warn("ingest: dropping undecodable frame",
		"bytes", len(f.AudioData),
		"sample_rate", f.SampleRate,
		"err", err,
	)
	return OutcomeDecodeFailed, err
}
