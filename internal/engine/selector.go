package engine

import (
	"sort"

	"github.com/tern-dl/tern/internal/data"
)

func healthRank(h Health) int {
	switch h {
	case Healthy:
		return 3
	case Degraded:
		return 2
	case Initializing:
		return 1
	default:
		return 0
	}
}

// Selector scores registry engines against a request. Selection is
// re-evaluated on every call, including failover; it is never cached as a
// hard assignment beyond one download's lifetime.
type Selector struct {
	reg *Registry
}

func NewSelector(reg *Registry) *Selector { return &Selector{reg: reg} }

// Select picks the best healthy capable engine for the request, or
// data.ErrNoCapableEngine when none match.
func (s *Selector) Select(req data.DownloadRequest) (string, error) {
	return s.selectExcluding(req, "")
}

// Failover picks the next-best engine for the request, excluding the one a
// segment is currently assigned to.
func (s *Selector) Failover(req data.DownloadRequest, excludeID string) (string, error) {
	return s.selectExcluding(req, excludeID)
}

func (s *Selector) selectExcluding(req data.DownloadRequest, exclude string) (string, error) {
	protocol := req.Protocol
	ids := s.reg.ListHealthy(protocol, req.ContentType)

	type scored struct {
		id    string
		score int
		pos   int
	}
	var candidates []scored
	for pos, id := range ids {
		if id == exclude {
			continue
		}
		_, cap, err := s.reg.Get(id)
		if err != nil {
			continue
		}
		score := healthRank(cap.Health) * 1000
		score += cap.Weight * 10
		if cap.PartialResume {
			score++ // tie-break on declared resumability
		}
		candidates = append(candidates, scored{id: id, score: score, pos: pos})
	}
	if len(candidates) == 0 {
		return "", data.ErrNoCapableEngine
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].pos < candidates[j].pos
	})
	return candidates[0].id, nil
}
