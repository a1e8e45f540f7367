package transcript

import (
	"sync"
	"time"

	"github.com/MrWong99/callscribe/pkg/types"
)

// Router fans transcript events out to per-call subscribers. It is safe for
// concurrent use. The zero value is not usable; create one with [NewRouter].
type Router struct {
	mu     sync.RWMutex
	calls  map[string]map[uint64]Subscriber
	global map[uint64]Subscriber
	nextID uint64

	now func() time.Time
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		calls:  make(map[string]map[uint64]Subscriber),
		global: make(map[uint64]Subscriber),
		now:    time.Now,
	}
}

// Subscribe registers s for every event of callID and returns a function that
// removes the registration. The returned function is idempotent.
func (r *Router) Subscribe(callID string, s Subscriber) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	subs, ok := r.calls[callID]
	if !ok {
		subs = make(map[uint64]Subscriber)
		r.calls[callID] = subs
	}
	subs[id] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.calls[callID], id)
			if len(r.calls[callID]) == 0 {
				delete(r.calls, callID)
			}
		})
	}
}

// SubscribeAll registers s for the events of every call, such as an archive
// sink. It returns an idempotent unsubscribe function.
func (r *Router) SubscribeAll(s Subscriber) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.global[id] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.global, id)
		})
	}
}

// Subscribers returns how many call-specific subscribers callID has.
func (r *Router) Subscribers(callID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls[callID])
}

// Publish attributes evt to the speaker of channel and delivers it to every
// subscriber of callID and every global subscriber. It returns the number of
// subscribers reached; zero means the event was dropped.
func (r *Router) Publish(callID string, channel types.Channel, evt Event) int {
	evt.CallID = callID
	evt.AudioType = channel
	evt.Speaker = channel.Speaker()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now()
	}

	subs := r.snapshot(callID)
	for _, s := range subs {
		s.OnTranscript(evt)
	}
	return len(subs)
}

// Fail notifies the subscribers of callID that channel terminated.
func (r *Router) Fail(callID string, channel types.Channel, err error) {
	f := Failure{
		CallID:    callID,
		AudioType: channel,
		Timestamp: r.now(),
		Err:       err,
	}
	if err != nil {
		f.Reason = err.Error()
	}
	for _, s := range r.snapshot(callID) {
		s.OnFailure(f)
	}
}

// NotifyDropped delivers an overflow advisory to subscribers of callID that
// implement [DropObserver].
func (r *Router) NotifyDropped(callID string, channel types.Channel, droppedMs float64) {
	n := DropNotice{
		CallID:    callID,
		AudioType: channel,
		DroppedMs: droppedMs,
		Timestamp: r.now(),
	}
	for _, s := range r.snapshot(callID) {
		if o, ok := s.(DropObserver); ok {
			o.OnAudioDropped(n)
		}
	}
}

// snapshot copies the subscribers for callID so callbacks run without the
// lock held and may unsubscribe themselves.
func (r *Router) snapshot(callID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.calls[callID]
	out := make([]Subscriber, 0, len(subs)+len(r.global))
	for _, s := range subs {
		out = append(out, s)
	}
	for _, s := range r.global {
		out = append(out, s)
	}
	return out
}
