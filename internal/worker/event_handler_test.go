package worker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praondefoi/internal/amqp"
	"praondefoi/internal/cache"
	"praondefoi/internal/core"
	"praondefoi/internal/services"
	"praondefoi/internal/storage/memory"
)

func TestEventHandler_BumpsAccountVersion(t *testing.T) {
	versions := cache.NewMemoryVersionStore(time.Hour)
	var notified []int64
	h := NewEventHandler(versions, func(_ context.Context, accountID int64) {
		notified = append(notified, accountID)
	})
	ctx := context.Background()

	changed, err := amqp.NewAccountChangedMessage(7, 3, "entry.created").ToJSON()
	require.NoError(t, err)
	require.NoError(t, h.HandleDelivery(ctx, amqp.Delivery{Type: amqp.EventAccountChanged, Body: changed}))
	assert.Equal(t, int64(1), versions.GetVersion(cache.AccountKey(7)))

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	materialized, err := amqp.NewEntriesMaterializedMessage("run", 7, 1, "recurrence", 1, day, day, day.AddDate(0, 1, 0), 4).ToJSON()
	require.NoError(t, err)
	require.NoError(t, h.HandleDelivery(ctx, amqp.Delivery{Type: amqp.EventEntriesMaterialized, Body: materialized}))
	assert.Equal(t, int64(2), versions.GetVersion(cache.AccountKey(7)))
	assert.Equal(t, []int64{7, 7}, notified)
}

func TestEventHandler_DropsBadMessages(t *testing.T) {
	versions := cache.NewMemoryVersionStore(time.Hour)
	h := NewEventHandler(versions, func(context.Context, int64) {
		t.Error("bad messages must not notify")
	})
	ctx := context.Background()

	tests := []struct {
		name     string
		delivery amqp.Delivery
	}{
		{"malformed account changed", amqp.Delivery{Type: amqp.EventAccountChanged, Body: []byte("{")}},
		{"malformed materialized", amqp.Delivery{Type: amqp.EventEntriesMaterialized, Body: []byte(`{"account_id":"x"}`)}},
		{"unknown type", amqp.Delivery{Type: "expense.sync", Body: []byte(`{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, h.HandleDelivery(ctx, tt.delivery))
		})
	}
	assert.Equal(t, 0, versions.Size())
}

func TestEventHandler_RemoteWriteRefreshesProjection(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	versions := cache.NewMemoryVersionStore(time.Hour)
	projector := services.NewMonthlyProjector(store, versions, 64, time.Hour)

	acct, err := store.CreateAccount(ctx, core.Account{Name: "Checking", InitialBalance: decimal.Zero})
	require.NoError(t, err)
	insert := func(amount string, day int) {
		_, err := store.Insert(ctx, core.Entry{
			AccountID:  acct.ID,
			Amount:     decimal.RequireFromString(amount),
			Flow:       core.Outflow,
			Currency:   "BRL",
			CategoryID: 1,
			OccurredOn: core.NewDate(2024, 5, day),
		})
		require.NoError(t, err)
	}
	insert("10", 2)

	before, err := projector.ComputeSummary(ctx, acct.ID, 5, 2024)
	require.NoError(t, err)
	assert.Equal(t, "10.00", before.TotalOut.StringFixed(2))
	keyBefore := cache.Key(cache.PurposeSummary, acct.ID, versions.GetVersion(cache.AccountKey(acct.ID)), 5, 2024)

	// another process writes to the same database; this one still serves
	// its cached summary
	insert("25", 9)
	stale, err := projector.ComputeSummary(ctx, acct.ID, 5, 2024)
	require.NoError(t, err)
	assert.Equal(t, "10.00", stale.TotalOut.StringFixed(2))

	var refreshed core.MonthlySummary
	h := NewEventHandler(versions, func(ctx context.Context, accountID int64) {
		s, err := projector.ComputeSummary(ctx, accountID, 5, 2024)
		require.NoError(t, err)
		refreshed = s
	})
	body, err := amqp.NewAccountChangedMessage(acct.ID, 1, "entry.created").ToJSON()
	require.NoError(t, err)
	require.NoError(t, h.HandleDelivery(ctx, amqp.Delivery{Type: amqp.EventAccountChanged, Body: body}))

	keyAfter := cache.Key(cache.PurposeSummary, acct.ID, versions.GetVersion(cache.AccountKey(acct.ID)), 5, 2024)
	assert.NotEqual(t, keyBefore, keyAfter)
	assert.Equal(t, "35.00", refreshed.TotalOut.StringFixed(2))
}
