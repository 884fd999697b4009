package services

import (
	"context"

	"praondefoi/internal/amqp"
)

// EventPublisher announces ledger changes to other processes. *amqp.Client
// implements it; a nil publisher disables events.
type EventPublisher interface {
	PublishEntriesMaterialized(ctx context.Context, msg *amqp.EntriesMaterializedMessage) error
	PublishAccountChanged(ctx context.Context, msg *amqp.AccountChangedMessage) error
}
