package engine

import (
	"context"
)

// Health is the advisory health of an engine. A Healthy engine's fetch may
// still fail at runtime; that is a scheduling event, not a contract
// violation.
type Health int

const (
	Unavailable Health = iota
	Disabled
	Unhealthy
	Initializing
	Degraded
	Healthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Initializing:
		return "Initializing"
	case Unhealthy:
		return "Unhealthy"
	case Disabled:
		return "Disabled"
	default:
		return "Unavailable"
	}
}

// ParseHealth maps a health name back to its value. The zero value is
// returned with ok=false for unknown names.
func ParseHealth(s string) (Health, bool) {
	for h := Unavailable; h <= Healthy; h++ {
		if h.String() == s {
			return h, true
		}
	}
	return Unavailable, false
}

// Selectable reports whether the selector may hand work to an engine in
// this health state.
func (h Health) Selectable() bool {
	return h == Healthy || h == Degraded || h == Initializing
}

// Capability declares what a registered engine can do. The selector and
// planner read it; health checks update the Health field via the registry.
type Capability struct {
	Protocols     []string
	ContentTypes  []string // empty means any
	MaxSegments   int
	PartialResume bool
	// Weight is the engine's static rank among engines matching the same
	// protocol: specialized engines register a higher weight for their
	// native domain than generic ones.
	Weight int
	Health Health
}

// Supports reports whether the capability covers the protocol and content
// type hints. Protocol match is exact and required; an empty content-type
// list accepts anything.
func (c Capability) Supports(protocol, contentType string) bool {
	found := false
	for _, p := range c.Protocols {
		if p == protocol {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if contentType == "" || len(c.ContentTypes) == 0 {
		return true
	}
	for _, ct := range c.ContentTypes {
		if ct == contentType {
			return true
		}
	}
	return false
}

// ResourceInfo is the result of probing a locator before planning.
type ResourceInfo struct {
	Size      int64 // -1 when unknown
	Resumable bool
	ETag      string
}

// FetchRequest describes one segment fetch. The engine writes the byte
// range [Start, End) of the resource at URL into TempPath, appending from
// Offset when resuming a partial temp file. End < 0 means fetch to
// end-of-stream. Progress, when non-nil, receives byte deltas.
type FetchRequest struct {
	URL      string
	Start    int64
	End      int64
	TempPath string
	Offset   int64
	Progress func(n int64)
}

// Engine is a pluggable fetch backend. Fetch reports terminal success or
// failure exactly once per call via its return value and must honor
// context cancellation promptly.
type Engine interface {
	ID() string
	CanHandle(protocol string) bool
	Capability() Capability
	Probe(ctx context.Context, url string) (ResourceInfo, error)
	Fetch(ctx context.Context, req FetchRequest) error
}

// Planner is implemented by engines with their own segmentation heuristics,
// consulted by the EngineOptimized strategy.
type Planner interface {
	PlanHint(size int64) []int64 // segment lengths, summing to size
}
