package events

import (
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/tern-dl/tern/internal/data"
)

// Notifier is the fire-and-forget notification seam. Implementations must
// never let a delivery failure affect orchestration; errors are swallowed.
type Notifier interface {
	Notify(kind EventType, d *data.Download)
}

// LogNotifier writes notifications to the application log. It stands in
// for desktop/email/chat delivery, which lives outside the core.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(kind EventType, d *data.Download) {
	if d == nil {
		return
	}
	attrs := []any{"id", d.ID, "url", d.URL, "status", d.Status}
	if d.TotalSize > 0 {
		attrs = append(attrs, "size", humanize.Bytes(uint64(d.TotalSize)))
	}
	if d.Error != "" {
		attrs = append(attrs, "cause", d.Error)
	}
	n.log.Info("notify: "+string(kind), attrs...)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(EventType, *data.Download) {}
