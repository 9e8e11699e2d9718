package events

import "sync"

const subscriberBuffer = 32

// Hub fans events out to per-download subscribers. A subscriber stream is
// finite: it ends when the download reaches a terminal status. Slow
// subscribers lose events rather than blocking the core; re-subscribing
// starts a fresh stream, history is never replayed.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for the download and a cancel
// function. The channel is closed on terminal status or cancel.
func (h *Hub) Subscribe(downloadID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.subs[downloadID] == nil {
		h.subs[downloadID] = make(map[chan Event]struct{})
	}
	h.subs[downloadID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[downloadID]; ok {
				if _, ok := set[ch]; ok {
					delete(set, ch)
					close(ch)
				}
				if len(set) == 0 {
					delete(h.subs, downloadID)
				}
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its download. Terminal
// events close all subscriber channels afterwards.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[e.DownloadID]
	for ch := range set {
		select {
		case ch <- e:
		default:
		}
	}
	if e.Type.Terminal() && set != nil {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, e.DownloadID)
	}
}
