package resilience

import (
	"context"

	"github.com/MrWong99/callscribe/pkg/provider/realtime"
)

var _ realtime.Provider = (*RealtimeFallback)(nil)

// RealtimeFallback is a [realtime.Provider] that dials through a
// [FallbackGroup]. Every session shares it, so each endpoint's breaker sees
// the dial failures of all sessions together.
type RealtimeFallback struct {
	group *FallbackGroup[realtime.Provider]
}

// NewRealtimeFallback creates a RealtimeFallback with primary as the first
// endpoint.
func NewRealtimeFallback(primary realtime.Provider, name string, cfg FallbackConfig) *RealtimeFallback {
	return &RealtimeFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another endpoint, tried after the ones before it.
func (f *RealtimeFallback) AddFallback(name string, p realtime.Provider) {
	f.group.AddFallback(name, p)
}

// Dial implements [realtime.Provider]. When every endpoint is open the error
// wraps [ErrCircuitOpen].
func (f *RealtimeFallback) Dial(ctx context.Context) (realtime.Conn, error) {
	return ExecuteWithResult(f.group, func(p realtime.Provider) (realtime.Conn, error) {
		return p.Dial(ctx)
	})
}

// Names returns the endpoint names in dial order.
func (f *RealtimeFallback) Names() []string { return f.group.Names() }

// Check fails when no endpoint can currently be dialled.
func (f *RealtimeFallback) Check(ctx context.Context) error { return f.group.Check(ctx) }
