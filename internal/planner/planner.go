// Package planner decides whether and how a download is split into
// byte-range segments before scheduling begins.
package planner

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tern-dl/tern/internal/data"
	"github.com/tern-dl/tern/internal/engine"
)

// ErrNotContiguous indicates a plan whose ranges do not tile [0, size).
// It is a planning bug, never retried.
var ErrNotContiguous = errors.New("segment ranges are not contiguous")

// Config carries the planning knobs.
type Config struct {
	Strategy     data.SplitStrategy
	MaxSegments  int
	MinSplitSize int64
	ChunkSize    int64 // RoundRobin fixed range size
	TempDir      string
}

// Candidate is an engine eligible for segment assignment, with its
// recently observed throughput in bytes/sec (0 when unobserved).
type Candidate struct {
	ID   string
	Rate float64
}

// Plan produces the ordered segment list for a download. A single spanning
// segment is produced when the size is unknown, the resource is below the
// split threshold, or the engine cannot resume partial ranges. The returned
// strategy is the one actually used.
func Plan(dl *data.Download, cap engine.Capability, candidates []Candidate, hint []int64, cfg Config) (data.Segments, data.SplitStrategy) {
	size := dl.TotalSize
	maxSegs := cfg.MaxSegments
	if cap.MaxSegments > 0 && cap.MaxSegments < maxSegs {
		maxSegs = cap.MaxSegments
	}
	if size <= 0 || size < cfg.MinSplitSize || !cap.PartialResume || maxSegs <= 1 {
		return data.Segments{spanning(dl, cfg)}, data.SplitNone
	}

	var lengths []int64
	strategy := cfg.Strategy
	switch strategy {
	case data.SplitRoundRobin:
		lengths = roundRobinLengths(size, cfg.ChunkSize)
	case data.SplitAdaptiveSizing:
		lengths = adaptiveLengths(size, candidates, maxSegs)
	case data.SplitEngineOptimized:
		if sum(hint) == size {
			lengths = hint
		} else {
			lengths = equalLengths(size, maxSegs)
			strategy = data.SplitEqualSize
		}
	default:
		lengths = equalLengths(size, maxSegs)
		strategy = data.SplitEqualSize
	}
	if len(lengths) <= 1 || hasNonPositive(lengths) {
		return data.Segments{spanning(dl, cfg)}, data.SplitNone
	}

	segs := make(data.Segments, 0, len(lengths))
	var offset int64
	for i, length := range lengths {
		seg := newSegment(dl, i, offset, offset+length, cfg)
		switch i {
		case 0:
			seg.Class = data.ClassInitialChunk
		case len(lengths) - 1:
			seg.Class = data.ClassFinal
		}
		if strategy == data.SplitAdaptiveSizing && len(candidates) > 0 {
			seg.EngineID = candidates[i%len(candidates)].ID
		}
		segs = append(segs, seg)
		offset += length
	}
	return segs, strategy
}

// Validate checks the contiguity invariant: ranges must be in index order,
// non-overlapping, and tile [0, total) exactly. An open-ended final range
// is accepted while total is unknown.
func Validate(segs data.Segments, total int64) error {
	if len(segs) == 0 {
		return ErrNotContiguous
	}
	var next int64
	for i, s := range segs {
		if s.Index != i || s.Start != next {
			return ErrNotContiguous
		}
		if s.End < 0 {
			if i != len(segs)-1 {
				return ErrNotContiguous
			}
			return nil
		}
		if s.End <= s.Start {
			return ErrNotContiguous
		}
		next = s.End
	}
	if total >= 0 && next != total {
		return ErrNotContiguous
	}
	return nil
}

func spanning(dl *data.Download, cfg Config) *data.Segment {
	end := dl.TotalSize
	if end <= 0 {
		end = -1
	}
	return newSegment(dl, 0, 0, end, cfg)
}

func newSegment(dl *data.Download, index int, start, end int64, cfg Config) *data.Segment {
	id := uuid.NewString()
	return &data.Segment{
		ID:           id,
		DownloadID:   dl.ID,
		Index:        index,
		Start:        start,
		End:          end,
		Status:       data.SegmentQueued,
		TempPath:     filepath.Join(cfg.TempDir, fmt.Sprintf("%s.part%d", dl.ID, index)),
		RetryAllowed: true,
		Priority:     dl.Priority,
		Class:        data.ClassStandard,
	}
}

func equalLengths(size int64, n int) []int64 {
	if int64(n) > size {
		n = int(size)
	}
	base := size / int64(n)
	lengths := make([]int64, n)
	for i := range lengths {
		lengths[i] = base
	}
	lengths[n-1] += size - base*int64(n) // last range takes the remainder
	return lengths
}

func roundRobinLengths(size, chunk int64) []int64 {
	if chunk <= 0 {
		chunk = 4 * 1024 * 1024
	}
	var lengths []int64
	for remaining := size; remaining > 0; remaining -= chunk {
		if remaining < chunk {
			lengths = append(lengths, remaining)
		} else {
			lengths = append(lengths, chunk)
		}
	}
	return lengths
}

// adaptiveLengths sizes one range per candidate engine, weighted by its
// observed throughput so faster engines get larger ranges. Candidates
// without observations share the mean weight.
func adaptiveLengths(size int64, candidates []Candidate, maxSegs int) []int64 {
	n := len(candidates)
	if n == 0 || n == 1 {
		return equalLengths(size, min(maxSegs, 4))
	}
	if n > maxSegs {
		n = maxSegs
		candidates = candidates[:n]
	}
	weights := make([]float64, n)
	var known float64
	var knownCount int
	for i, c := range candidates {
		weights[i] = c.Rate
		if c.Rate > 0 {
			known += c.Rate
			knownCount++
		}
	}
	mean := 1.0
	if knownCount > 0 {
		mean = known / float64(knownCount)
	}
	var totalWeight float64
	for i := range weights {
		if weights[i] <= 0 {
			weights[i] = mean
		}
		totalWeight += weights[i]
	}
	lengths := make([]int64, n)
	var allocated int64
	for i := range lengths {
		lengths[i] = int64(float64(size) * weights[i] / totalWeight)
		allocated += lengths[i]
	}
	lengths[n-1] += size - allocated
	return lengths
}

func hasNonPositive(xs []int64) bool {
	for _, x := range xs {
		if x <= 0 {
			return true
		}
	}
	return false
}

func sum(xs []int64) int64 {
	var t int64
	for _, x := range xs {
		t += x
	}
	return t
}
