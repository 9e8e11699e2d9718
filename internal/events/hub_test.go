package events

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestHubPublishToSubscribers(t *testing.T) {
	h := NewHub()
	ch1, cancel1 := h.Subscribe("d1")
	ch2, cancel2 := h.Subscribe("d1")
	other, cancelOther := h.Subscribe("d2")
	defer cancel1()
	defer cancel2()
	defer cancelOther()

	h.Publish(Event{DownloadID: "d1", Type: EventStarted})

	if e := recv(t, ch1); e.Type != EventStarted {
		t.Fatalf("ch1 got %s", e.Type)
	}
	if e := recv(t, ch2); e.Type != EventStarted {
		t.Fatalf("ch2 got %s", e.Type)
	}
	select {
	case e := <-other:
		t.Fatalf("d2 subscriber received foreign event %v", e)
	default:
	}
}

func TestHubTerminalClosesStreams(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("d1")
	defer cancel()

	h.Publish(Event{DownloadID: "d1", Type: EventCompleted})

	if e := recv(t, ch); e.Type != EventCompleted {
		t.Fatalf("got %s", e.Type)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel after terminal event")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after terminal event")
	}
}

func TestHubCancelIsIdempotent(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe("d1")
	cancel()
	cancel() // second cancel must not panic

	// publishing after cancel is a no-op
	h.Publish(Event{DownloadID: "d1", Type: EventProgress})
}

func TestHubSlowSubscriberLosesEvents(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("d1")
	defer cancel()

	// overflow the buffer; Publish must never block
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(Event{DownloadID: "d1", Type: EventProgress})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	if drained != subscriberBuffer {
		t.Fatalf("drained %d, want buffer size %d", drained, subscriberBuffer)
	}
}

func TestChanReporter(t *testing.T) {
	ch := make(chan Event, 1)
	r := NewChanReporter(ch)
	r.Report(Event{DownloadID: "d1", Type: EventQueued})
	e := <-ch
	if e.DownloadID != "d1" || e.Type != EventQueued {
		t.Fatalf("unexpected event %v", e)
	}
}

func TestEventTypeTerminal(t *testing.T) {
	for _, tt := range []EventType{EventCompleted, EventFailed, EventCanceled} {
		if !tt.Terminal() {
			t.Fatalf("%s should be terminal", tt)
		}
	}
	for _, tt := range []EventType{EventQueued, EventStarted, EventProgress, EventPaused, EventRepairing} {
		if tt.Terminal() {
			t.Fatalf("%s should not be terminal", tt)
		}
	}
}
