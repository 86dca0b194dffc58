// Package notify publishes workflow events to the notification feed.
// Delivery is best effort: a failed notification is logged and forgotten,
// never surfaced to the workflow.
package notify

import (
	"context"
	"log/slog"

	"github.com/jfellner/distill/internal/models"
)

// EventStore persists feed entries. *db.Client implements it.
type EventStore interface {
	CreateEvent(ctx context.Context, kind models.EventKind, jobID string, detail *string) error
}

// Feed writes events to the store and mirrors them to the log.
type Feed struct {
	store EventStore
}

// NewFeed creates a notification feed.
func NewFeed(store EventStore) *Feed {
	return &Feed{store: store}
}

// Notify records one event. Errors are swallowed after logging.
func (f *Feed) Notify(ctx context.Context, kind models.EventKind, jobID string, detail string) {
	slog.Info("workflow event", "kind", kind, "job", jobID, "detail", detail)

	var d *string
	if detail != "" {
		d = &detail
	}
	if err := f.store.CreateEvent(ctx, kind, jobID, d); err != nil {
		slog.Warn("event not recorded", "kind", kind, "job", jobID, "error", err)
	}
}
