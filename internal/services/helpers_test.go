package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"praondefoi/internal/amqp"
	"praondefoi/internal/cache"
	"praondefoi/internal/core"
	"praondefoi/internal/storage/memory"
)

type recordingPublisher struct {
	mu           sync.Mutex
	materialized []*amqp.EntriesMaterializedMessage
	changed      []*amqp.AccountChangedMessage
	err          error
}

func (p *recordingPublisher) PublishEntriesMaterialized(_ context.Context, msg *amqp.EntriesMaterializedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.materialized = append(p.materialized, msg)
	return p.err
}

func (p *recordingPublisher) PublishAccountChanged(_ context.Context, msg *amqp.AccountChangedMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, msg)
	return p.err
}

// faultyStore fails ApplyCatchUp for selected templates.
type faultyStore struct {
	*memory.Store
	failures map[int64]error
}

func (s *faultyStore) ApplyCatchUp(ctx context.Context, batch core.CatchUpBatch) (int, error) {
	if err, ok := s.failures[batch.TemplateID]; ok {
		return 0, err
	}
	return s.Store.ApplyCatchUp(ctx, batch)
}

// leaseStore counts lease acquisitions and refuses every one after the
// first grants, as if another process had taken the lease.
type leaseStore struct {
	*memory.Store
	grants   int
	acquires int
}

func (s *leaseStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	s.acquires++
	if s.grants > 0 && s.acquires > s.grants {
		return false, nil
	}
	return s.Store.AcquireLease(ctx, name, holder, ttl, now)
}

// countingStore counts month queries to observe cache hits.
type countingStore struct {
	*memory.Store
	monthQueries atomic.Int64
}

func (s *countingStore) QueryByAccountAndMonth(ctx context.Context, accountID int64, month, year int) ([]core.Entry, error) {
	s.monthQueries.Add(1)
	return s.Store.QueryByAccountAndMonth(ctx, accountID, month, year)
}

// steppingClock returns a clock that moves forward by step on every read.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertAmount(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2), msgAndArgs...)
}

func date(y, m, d int) time.Time {
	return core.NewDate(y, m, d)
}

func newAccount(t *testing.T, store *memory.Store, initial string) core.Account {
	t.Helper()
	a, err := store.CreateAccount(context.Background(), core.Account{Name: "Main", InitialBalance: amount(initial)})
	require.NoError(t, err)
	return a
}

func newTemplate(t *testing.T, store *memory.Store, tpl core.RecurringTemplate) core.RecurringTemplate {
	t.Helper()
	if tpl.Currency == "" {
		tpl.Currency = "BRL"
	}
	if tpl.Class == "" {
		tpl.Class = core.ClassRecurrence
	}
	tpl.Active = true
	created, err := store.CreateTemplate(context.Background(), tpl)
	require.NoError(t, err)
	return created
}

func newEntry(t *testing.T, store *memory.Store, accountID int64, flow core.Flow, amt string, categoryID int64, day time.Time) core.Entry {
	t.Helper()
	e, err := store.Insert(context.Background(), core.Entry{
		AccountID:  accountID,
		Amount:     amount(amt),
		Flow:       flow,
		Currency:   "BRL",
		CategoryID: categoryID,
		OccurredOn: day,
	})
	require.NoError(t, err)
	return e
}

func monthly(q int) core.Interval {
	return core.Interval{Quantity: q, Unit: core.UnitMonth}
}

func daily(q int) core.Interval {
	return core.Interval{Quantity: q, Unit: core.UnitDay}
}

func newVersions() *cache.MemoryVersionStore {
	return cache.NewMemoryVersionStore(time.Hour)
}
