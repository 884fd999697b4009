package worker

import (
	"context"
	"log/slog"

	"praondefoi/internal/amqp"
	"praondefoi/internal/cache"
)

// EventHandler applies ledger events from other processes to the local
// version store, so values cached here are recomputed after a remote write.
type EventHandler struct {
	versions cache.VersionStore
	onChange func(ctx context.Context, accountID int64)
}

// NewEventHandler creates a handler bumping versions. onChange, when not nil,
// runs after every bump with the account that changed.
func NewEventHandler(versions cache.VersionStore, onChange func(ctx context.Context, accountID int64)) *EventHandler {
	return &EventHandler{versions: versions, onChange: onChange}
}

// HandleDelivery processes one consumed event. Undecodable and unknown
// messages are acknowledged and dropped; requeueing them would loop forever.
func (h *EventHandler) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	switch d.Type {
	case amqp.EventEntriesMaterialized:
		msg, err := amqp.EntriesMaterializedMessageFromJSON(d.Body)
		if err != nil {
			slog.ErrorContext(ctx, "Dropping malformed event", "type", d.Type, "message_id", d.MessageID, "error", err)
			return nil
		}
		version := h.versions.Bump(cache.AccountKey(msg.AccountID))
		slog.InfoContext(ctx, "Entries materialized",
			"event_id", msg.EventID,
			"run_id", msg.RunID,
			"account_id", msg.AccountID,
			"template_id", msg.TemplateID,
			"class", msg.Class,
			"inserted", msg.Inserted,
			"first_date", msg.FirstDate,
			"last_date", msg.LastDate,
			"next_due", msg.NextDue,
			"local_version", version)
		h.changed(ctx, msg.AccountID)

	case amqp.EventAccountChanged:
		msg, err := amqp.AccountChangedMessageFromJSON(d.Body)
		if err != nil {
			slog.ErrorContext(ctx, "Dropping malformed event", "type", d.Type, "message_id", d.MessageID, "error", err)
			return nil
		}
		version := h.versions.Bump(cache.AccountKey(msg.AccountID))
		slog.InfoContext(ctx, "Account changed",
			"event_id", msg.EventID,
			"account_id", msg.AccountID,
			"reason", msg.Reason,
			"local_version", version)
		h.changed(ctx, msg.AccountID)

	default:
		slog.WarnContext(ctx, "Ignoring unknown event type", "type", d.Type, "message_id", d.MessageID)
	}
	return nil
}

func (h *EventHandler) changed(ctx context.Context, accountID int64) {
	if h.onChange != nil {
		h.onChange(ctx, accountID)
	}
}
