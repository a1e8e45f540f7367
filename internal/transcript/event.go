// Package transcript routes transcription results from upstream sessions to
// the subscribers of each call.
//
// Delivery is push-based and synchronous: the session that received a result
// calls [Router.Publish] from its read goroutine, so a subscriber sees the
// events of one (call, channel) in the order the provider sent them.
// Subscribers must therefore return quickly; anything slow belongs behind a
// buffered channel owned by the subscriber.
//
// Events published for a call nobody subscribes to are dropped. Nothing is
// buffered for late subscribers.
package transcript

import (
	"time"

	"github.com/MrWong99/callscribe/pkg/types"
)

// Event is one transcript result attributed to a speaker. Events are
// immutable once published.
type Event struct {
	CallID    string        `json:"callId"`
	Speaker   types.Speaker `json:"speaker"`
	Text      string        `json:"text"`
	IsPartial bool          `json:"isPartial"`
	Timestamp time.Time     `json:"timestamp"`
	AudioType types.Channel `json:"audioType"`

	// ItemID groups partial deltas with the final event of the same utterance.
	ItemID string `json:"itemId,omitempty"`
}

// Failure tells subscribers that one channel of a call stopped producing
// transcripts for good. The other channel is unaffected.
type Failure struct {
	CallID    string        `json:"callId"`
	AudioType types.Channel `json:"audioType"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`

	Err error `json:"-"`
}

// DropNotice is an advisory that buffered audio was discarded because the
// channel's queue hit its duration ceiling. Transcripts for that span of
// audio will never arrive.
type DropNotice struct {
	CallID    string        `json:"callId"`
	AudioType types.Channel `json:"audioType"`
	DroppedMs float64       `json:"droppedMs"`
	Timestamp time.Time     `json:"timestamp"`
}

// Subscriber receives the transcript stream of a call.
type Subscriber interface {
	OnTranscript(Event)
	OnFailure(Failure)
}

// DropObserver is implemented by subscribers that also want overflow
// advisories. It is optional.
type DropObserver interface {
	OnAudioDropped(DropNotice)
}

// Funcs adapts plain functions to [Subscriber] and [DropObserver]. Nil
// fields are skipped.
type Funcs struct {
	Transcript func(Event)
	Failure    func(Failure)
	Dropped    func(DropNotice)
}

var (
	_ Subscriber   = Funcs{}
	_ DropObserver = Funcs{}
)

// OnTranscript implements [Subscriber].
func (f Funcs) OnTranscript(e Event) {
	if f.Transcript != nil {
		f.Transcript(e)
	}
}

// OnFailure implements [Subscriber].
func (f Funcs) OnFailure(fl Failure) {
	if f.Failure != nil {
		f.Failure(fl)
	}
}

// OnAudioDropped implements [DropObserver].
func (f Funcs) OnAudioDropped(n DropNotice) {
	if f.Dropped != nil {
		f.Dropped(n)
	}
}
