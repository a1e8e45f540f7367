// Package buffer holds decoded PCM for one (call, channel) stream between
// ingestion and the periodic flush to the transcription provider.
//
// A Queue never grows past its duration ceiling: when an append brings the
// buffered duration to the ceiling or beyond, the whole queue is discarded.
// Dropping stale audio is the defined overload policy and is reported as an
// [Overflowed] result, not an error.
package buffer

import (
	"errors"
	"sync"

	"github.com/MrWong99/callscribe/pkg/audio"
)

// ErrClosed is returned by [Queue.Append] and [Queue.Requeue] after [Queue.Close].
var ErrClosed = errors.New("buffer: queue closed")

// AppendResult tells the caller what happened to an appended chunk.
type AppendResult int

const (
	// Queued means the chunk is buffered and will be forwarded on a later flush.
	Queued AppendResult = iota

	// Overflowed means the append reached the duration ceiling and the entire
	// queue, including this chunk, was discarded.
	Overflowed
)

// String returns the result's label for logs and metrics.
func (r AppendResult) String() string {
	switch r {
	case Queued:
		return "queued"
	case Overflowed:
		return "overflow"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of a queue's counters.
type Stats struct {
	BufferedMs    float64
	Overflows     int
	DroppedMs     float64
	LastDroppedMs float64
	FlushedBytes  int64
	FlushedChunks int64
}

// Queue is an ordered, duration-bounded PCM buffer. All methods are safe for
// concurrent use; append, flush and clear are mutually exclusive.
type Queue struct {
	format audio.Format

	mu     sync.Mutex
	maxMs  float64
	chunks [][]byte
	size   int
	closed bool
	stats  Stats
}

// New returns an empty queue for PCM in format whose contents are discarded
// once they reach maxDurationMs.
func New(format audio.Format, maxDurationMs float64) *Queue {
	return &Queue{format: format, maxMs: maxDurationMs}
}

// Format returns the PCM format the queue holds.
func (q *Queue) Format() audio.Format { return q.format }

// Append adds pcm to the tail of the queue and then enforces the ceiling.
// Empty chunks are ignored and reported as [Queued].
func (q *Queue) Append(pcm []byte) (AppendResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Queued, ErrClosed
	}
	if len(pcm) == 0 {
		return Queued, nil
	}
	q.chunks = append(q.chunks, pcm)
	q.size += len(pcm)

	if d := q.durationLocked(); q.maxMs > 0 && d >= q.maxMs {
		q.clearLocked()
		q.stats.Overflows++
		q.stats.DroppedMs += d
		q.stats.LastDroppedMs = d
		return Overflowed, nil
	}
	return Queued, nil
}

// Flush removes and returns the queued PCM concatenated in append order.
// It returns nil when the queue is empty.
func (q *Queue) Flush() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	out := make([]byte, 0, q.size)
	for _, c := range q.chunks {
		out = append(out, c...)
	}
	q.stats.FlushedBytes += int64(len(out))
	q.stats.FlushedChunks += int64(len(q.chunks))
	q.clearLocked()
	return out
}

// Requeue puts pcm, typically the result of a [Queue.Flush] that could not
// be forwarded, back at the head of the queue ahead of anything appended
// since. The ceiling applies as for [Queue.Append].
func (q *Queue) Requeue(pcm []byte) (AppendResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Queued, ErrClosed
	}
	if len(pcm) == 0 {
		return Queued, nil
	}
	q.chunks = append([][]byte{pcm}, q.chunks...)
	q.size += len(pcm)
	q.stats.FlushedBytes -= int64(len(pcm))
	q.stats.FlushedChunks--

	if d := q.durationLocked(); q.maxMs > 0 && d >= q.maxMs {
		q.clearLocked()
		q.stats.Overflows++
		q.stats.DroppedMs += d
		q.stats.LastDroppedMs = d
		return Overflowed, nil
	}
	return Queued, nil
}

// DurationMs returns the playback duration of everything queued.
func (q *Queue) DurationMs() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.durationLocked()
}

// Len returns the number of queued bytes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Clear discards everything queued and returns the duration dropped.
func (q *Queue) Clear() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.durationLocked()
	q.clearLocked()
	return d
}

// SetMaxDurationMs changes the ceiling. It applies from the next append.
func (q *Queue) SetMaxDurationMs(ms float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxMs = ms
}

// Close discards the contents and rejects further appends. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.clearLocked()
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.BufferedMs = q.durationLocked()
	return s
}

func (q *Queue) durationLocked() float64 {
	return q.format.DurationMs(q.size)
}

func (q *Queue) clearLocked() {
	q.chunks = nil
	q.size = 0
}
