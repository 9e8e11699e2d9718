// Package queue implements the admission queue: FIFO within a priority
// tier, Critical > High > Normal > Low across tiers. Capacity gating is the
// caller's concern; the queue only orders waiting downloads.
package queue

import (
	"sync"

	"github.com/tern-dl/tern/internal/data"
)

type Queue struct {
	mu    sync.Mutex
	tiers [4][]*data.Download
}

func New() *Queue { return &Queue{} }

func tier(p data.Priority) int {
	switch p {
	case data.PriorityCritical:
		return 0
	case data.PriorityHigh:
		return 1
	case data.PriorityNormal:
		return 2
	default:
		return 3
	}
}

// Enqueue appends the download to its priority tier. A waiting download
// never overtakes one already admitted; it can only be ordered ahead of
// other waiting ones.
func (q *Queue) Enqueue(d *data.Download) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := tier(d.Priority)
	q.tiers[t] = append(q.tiers[t], d)
}

// DequeueNext pops the oldest download from the highest non-empty tier, or
// nil when the queue is empty.
func (q *Queue) DequeueNext() *data.Download {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := range q.tiers {
		if len(q.tiers[t]) == 0 {
			continue
		}
		d := q.tiers[t][0]
		q.tiers[t] = q.tiers[t][1:]
		return d
	}
	return nil
}

// Remove drops a waiting download by id, for cancellation before
// admission. It reports whether the download was found.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for t := range q.tiers {
		for i, d := range q.tiers[t] {
			if d.ID == id {
				q.tiers[t] = append(q.tiers[t][:i], q.tiers[t][i+1:]...)
				return true
			}
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for t := range q.tiers {
		n += len(q.tiers[t])
	}
	return n
}
