// Package reconciler consumes core events and projects them outwards:
// metrics, the subscriber hub, and notifications. All repository writes,
// lifecycle status and segment progress alike, stay with the service,
// which owns the state machine and the authoritative segment list.
package reconciler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tern-dl/tern/internal/events"
	"github.com/tern-dl/tern/internal/metrics"
	"github.com/tern-dl/tern/internal/repo"
)

// Reconciler fans core events out to observers.
type Reconciler struct {
	repo     repo.DownloadRepo
	events   <-chan events.Event
	hub      *events.Hub
	notifier events.Notifier
	log      *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(log *slog.Logger, r repo.DownloadRepo, ch <-chan events.Event, hub *events.Hub, notifier events.Notifier) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Reconciler{repo: r, events: ch, hub: hub, notifier: notifier, log: log, ctx: context.Background()}
}

// Run starts the reconciliation loop.
func (r *Reconciler) Run() {
	r.stop = make(chan struct{})
	r.ctx, r.cancel = context.WithCancel(r.ctx)
	// Tag this run with a stable operation_id for easier correlation.
	opID := uuid.NewString()
	r.log = r.log.With("operation_id", opID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.stop:
				return
			case e, ok := <-r.events:
				if !ok {
					return
				}
				r.handle(e)
			}
		}
	}()
}

// Stop terminates the reconciliation loop.
func (r *Reconciler) Stop() {
	if r.stop != nil {
		close(r.stop)
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	}
}

func (r *Reconciler) handle(e events.Event) {
	metrics.DownloadEvents.WithLabelValues(strings.ToLower(string(e.Type))).Inc()

	switch e.Type {
	case events.EventSegmentCompleted:
		// The service persists segment progress from its segment list;
		// counting events here would double-apply on late delivery.
		r.log.Debug("segment completed", "id", e.DownloadID, "segment", e.SegmentID)
	case events.EventProgress:
		if e.Progress != nil {
			r.log.Debug("progress", "id", e.DownloadID, "completed", e.Progress.Completed, "total", e.Progress.Total, "speed", e.Progress.Speed)
		}
	case events.EventSegmentFailed, events.EventSegmentFailover:
		r.log.Warn("segment event", "id", e.DownloadID, "segment", e.SegmentID, "type", e.Type, "err", e.Err)
	default:
		r.log.Info("event", "id", e.DownloadID, "type", e.Type)
	}

	if r.hub != nil {
		r.hub.Publish(e)
	}

	if e.Type.Terminal() {
		dl, err := r.repo.Get(r.ctx, e.DownloadID)
		if err != nil {
			r.log.Error("get", "id", e.DownloadID, "err", err)
			return
		}
		r.notifier.Notify(e.Type, dl)
	}
}
