// Package events defines the event stream flowing out of the orchestration
// core: the reconciler consumes it to update repository state, and
// subscribers receive a finite per-download copy via the Hub.
package events

// Event represents a state change or progress update for a download.
//
// Terminal events (Completed, Failed, Canceled) end every subscriber
// stream for the download. Progress events carry transient information and
// do not mutate repository state.
type Event struct {
	DownloadID string
	SegmentID  string
	Type       EventType
	Progress   *Progress
	Err        string
}

// EventType defines the set of events the core emits.
type EventType string

const (
	EventQueued           EventType = "Queued"
	EventStarted          EventType = "Started"
	EventProgress         EventType = "Progress"
	EventSegmentFailed    EventType = "SegmentFailed"
	EventSegmentFailover  EventType = "SegmentFailover"
	EventSegmentCompleted EventType = "SegmentCompleted"
	EventPaused           EventType = "Paused"
	EventResumed          EventType = "Resumed"
	EventRepairing        EventType = "Repairing"
	EventCompleted        EventType = "Completed"
	EventFailed           EventType = "Failed"
	EventCanceled         EventType = "Canceled"
)

// Terminal reports whether the event ends the download's stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed || t == EventCanceled
}

// Progress provides optional details about an in-flight download.
type Progress struct {
	Completed int64
	Total     int64
	// Speed is the current transfer speed in bytes/sec, 0 when unknown.
	Speed int64
}

// Reporter publishes core events.
type Reporter interface {
	Report(Event)
}

// ChanReporter writes events to a channel.
type ChanReporter struct {
	ch chan<- Event
}

func NewChanReporter(ch chan<- Event) *ChanReporter { return &ChanReporter{ch: ch} }

func (r *ChanReporter) Report(e Event) {
	if r == nil {
		return
	}
	r.ch <- e
}
