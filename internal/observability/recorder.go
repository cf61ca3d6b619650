package observability

import (
	"context"
	"time"
)

// Result labels shared by all recorders.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultDeferred = "deferred"
	ResultHit      = "hit"
	ResultMiss     = "miss"
)

// Cache layers a percentile field can be found in.
const (
	LayerMemory   = "memory"
	LayerDatabase = "database"
	LayerComputed = "computed"
)

// Recorder receives resolution telemetry. Implementations must not block the
// caller on backend failures.
type Recorder interface {
	// ThresholdResolved counts one threshold resolution by value kind and
	// outcome.
	ThresholdResolved(ctx context.Context, kind, result string)
	// ResolutionLatency records the time spent resolving one threshold.
	ResolutionLatency(ctx context.Context, kind string, d time.Duration)
	// CacheLookup counts a percentile field lookup in a layer.
	CacheLookup(ctx context.Context, layer string, hit bool)
	// JobDispatched counts a percentile job hand-off.
	JobDispatched(ctx context.Context, result string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ThresholdResolved(context.Context, string, string)        {}
func (NopRecorder) ResolutionLatency(context.Context, string, time.Duration) {}
func (NopRecorder) CacheLookup(context.Context, string, bool)                {}
func (NopRecorder) JobDispatched(context.Context, string)                    {}

// Multi fans every call out to all recorders.
type Multi []Recorder

func (m Multi) ThresholdResolved(ctx context.Context, kind, result string) {
	for _, r := range m {
		r.ThresholdResolved(ctx, kind, result)
	}
}

func (m Multi) ResolutionLatency(ctx context.Context, kind string, d time.Duration) {
	for _, r := range m {
		r.ResolutionLatency(ctx, kind, d)
	}
}

func (m Multi) CacheLookup(ctx context.Context, layer string, hit bool) {
	for _, r := range m {
		r.CacheLookup(ctx, layer, hit)
	}
}

func (m Multi) JobDispatched(ctx context.Context, result string) {
	for _, r := range m {
		r.JobDispatched(ctx, result)
	}
}

func hitLabel(hit bool) string {
	if hit {
		return ResultHit
	}
	return ResultMiss
}
