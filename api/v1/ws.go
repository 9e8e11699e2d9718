package v1

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"nhooyr.io/websocket"

	"github.com/tern-dl/tern/internal/events"
)

// eventView is the wire form of one event frame.
type eventView struct {
	DownloadID string           `json:"downloadId"`
	SegmentID  string           `json:"segmentId,omitempty"`
	Type       string           `json:"type"`
	Progress   *events.Progress `json:"progress,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// StreamEvents upgrades to a WebSocket and streams the download's events
// until it reaches a terminal status, the subscriber falls away, or the
// client disconnects. Streams never replay history.
func (dh *DownloadHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ch, cancel, err := dh.svc.Subscribe(r.Context(), id)
	if err != nil {
		markErr(w, err)
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		markErr(w, err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(eventView{
				DownloadID: e.DownloadID,
				SegmentID:  e.SegmentID,
				Type:       string(e.Type),
				Progress:   e.Progress,
				Error:      e.Err,
			})
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}
