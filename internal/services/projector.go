package services

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"praondefoi/internal/cache"
	"praondefoi/internal/core"
	"praondefoi/internal/interval"
	"praondefoi/internal/log"
)

// ProjectorStore is the read side used by the projector.
type ProjectorStore interface {
	Exists(ctx context.Context, accountID int64) (bool, error)
	GetAccount(ctx context.Context, accountID int64) (core.Account, error)
	QueryByAccountAndMonth(ctx context.Context, accountID int64, month, year int) ([]core.Entry, error)
	QueryByAccount(ctx context.Context, accountID int64) ([]core.Entry, error)
	QueryActiveByAccount(ctx context.Context, accountID int64) ([]core.RecurringTemplate, error)
	QueryBudgets(ctx context.Context, accountID int64, month, year int) ([]core.Budget, error)
}

// MonthlyProjector computes account summaries, budget status and balances.
// Values are cached under the account's current version, so a bump makes
// every older value unreachable.
type MonthlyProjector struct {
	store    ProjectorStore
	versions cache.VersionStore

	summaries *cache.LRUCache[core.MonthlySummary]
	budgets   *cache.LRUCache[[]core.BudgetStatus]
	balances  *cache.LRUCache[decimal.Decimal]

	group singleflight.Group
}

func NewMonthlyProjector(store ProjectorStore, versions cache.VersionStore, maxEntries int, ttl time.Duration) *MonthlyProjector {
	return &MonthlyProjector{
		store:     store,
		versions:  versions,
		summaries: cache.NewLRUCache[core.MonthlySummary](maxEntries, ttl),
		budgets:   cache.NewLRUCache[[]core.BudgetStatus](maxEntries, ttl),
		balances:  cache.NewLRUCache[decimal.Decimal](maxEntries, ttl),
	}
}

// RegisterCaches hands the value caches to m for periodic expiry.
func (p *MonthlyProjector) RegisterCaches(m *cache.Manager) {
	m.Register("summaries", p.summaries)
	m.Register("budget_status", p.budgets)
	m.Register("balances", p.balances)
}

// ComputeSummary returns realized totals and the recurring projection for one
// account and month.
func (p *MonthlyProjector) ComputeSummary(ctx context.Context, accountID int64, month, year int) (core.MonthlySummary, error) {
	if err := core.ValidatePeriod(month, year); err != nil {
		return core.MonthlySummary{}, err
	}

	key := cache.Key(cache.PurposeSummary, accountID, p.version(accountID), month, year)
	if s, ok := p.summaries.Get(key); ok {
		return s, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if s, ok := p.summaries.Get(key); ok {
			return s, nil
		}
		// Callers that join this flight share its result, so the load must
		// not end when the first caller goes away.
		ctx := context.WithoutCancel(ctx)
		if err := p.ensureAccount(ctx, accountID); err != nil {
			return nil, err
		}

		entries, err := p.store.QueryByAccountAndMonth(ctx, accountID, month, year)
		if err != nil {
			return nil, fmt.Errorf("query entries: %w", err)
		}
		templates, err := p.store.QueryActiveByAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("query templates: %w", err)
		}

		s := Summarize(accountID, month, year, entries, templates)
		p.summaries.Set(key, s)
		log.FromContext(ctx).WithComponent(log.ComponentProjector).DebugContext(ctx, "Summary computed",
			log.FieldCacheKey, key,
			"entries", len(entries),
			"templates", len(templates))
		return s, nil
	})
	if err != nil {
		return core.MonthlySummary{}, err
	}
	return v.(core.MonthlySummary), nil
}

// ComputeBudgetStatus returns limit, realized spend and availability for
// every budget of one account and month.
func (p *MonthlyProjector) ComputeBudgetStatus(ctx context.Context, accountID int64, month, year int) ([]core.BudgetStatus, error) {
	if err := core.ValidatePeriod(month, year); err != nil {
		return nil, err
	}

	key := cache.Key(cache.PurposeBudget, accountID, p.version(accountID), month, year)
	if s, ok := p.budgets.Get(key); ok {
		return cloneStatuses(s), nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if s, ok := p.budgets.Get(key); ok {
			return s, nil
		}
		ctx := context.WithoutCancel(ctx)
		if err := p.ensureAccount(ctx, accountID); err != nil {
			return nil, err
		}

		budgets, err := p.store.QueryBudgets(ctx, accountID, month, year)
		if err != nil {
			return nil, fmt.Errorf("query budgets: %w", err)
		}
		entries, err := p.store.QueryByAccountAndMonth(ctx, accountID, month, year)
		if err != nil {
			return nil, fmt.Errorf("query entries: %w", err)
		}

		statuses := BudgetStatuses(budgets, entries)
		p.budgets.Set(key, statuses)
		return statuses, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneStatuses(v.([]core.BudgetStatus)), nil
}

// ComputeBalance returns the initial balance plus every realized inflow minus
// every realized outflow.
func (p *MonthlyProjector) ComputeBalance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	key := cache.Key(cache.PurposeBalance, accountID, p.version(accountID))
	if b, ok := p.balances.Get(key); ok {
		return b, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if b, ok := p.balances.Get(key); ok {
			return b, nil
		}
		ctx := context.WithoutCancel(ctx)
		account, err := p.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("get account %d: %w", accountID, err)
		}
		entries, err := p.store.QueryByAccount(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("query entries: %w", err)
		}

		balance := account.InitialBalance
		for _, e := range entries {
			balance = balance.Add(signed(e))
		}
		p.balances.Set(key, balance)
		return balance, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}

func (p *MonthlyProjector) version(accountID int64) int64 {
	return p.versions.GetVersion(cache.AccountKey(accountID))
}

func (p *MonthlyProjector) ensureAccount(ctx context.Context, accountID int64) error {
	ok, err := p.store.Exists(ctx, accountID)
	if err != nil {
		return fmt.Errorf("check account %d: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, core.ErrNotFound)
	}
	return nil
}

// Summarize computes a monthly summary from the month's realized entries and
// the account's templates. Inactive templates are ignored.
func Summarize(accountID int64, month, year int, entries []core.Entry, templates []core.RecurringTemplate) core.MonthlySummary {
	s := core.MonthlySummary{
		AccountID:                 accountID,
		Month:                     month,
		Year:                      year,
		TotalIn:                   decimal.Zero,
		TotalOut:                  decimal.Zero,
		ProjectedRecurringIn:      decimal.Zero,
		ProjectedRecurringOut:     decimal.Zero,
		ProjectedSubscriptionsOut: decimal.Zero,
	}

	for _, e := range entries {
		switch e.Flow {
		case core.Inflow:
			s.TotalIn = s.TotalIn.Add(e.Amount)
		case core.Outflow:
			s.TotalOut = s.TotalOut.Add(e.Amount)
		}
	}
	s.NetRealized = s.TotalIn.Sub(s.TotalOut)

	for _, t := range templates {
		if !t.Active {
			continue
		}
		n := interval.CountForTemplate(t, month, year)
		if n == 0 {
			continue
		}
		projected := t.Amount.Mul(decimal.NewFromInt(int64(n)))
		switch {
		case t.Class == core.ClassSubscription:
			s.ProjectedSubscriptionsOut = s.ProjectedSubscriptionsOut.Add(projected)
		case t.Flow == core.Inflow:
			s.ProjectedRecurringIn = s.ProjectedRecurringIn.Add(projected)
		default:
			s.ProjectedRecurringOut = s.ProjectedRecurringOut.Add(projected)
		}
	}

	s.NetProjected = s.NetRealized.
		Add(s.ProjectedRecurringIn).
		Sub(s.ProjectedRecurringOut).
		Sub(s.ProjectedSubscriptionsOut)
	return s
}

// BudgetStatuses pairs each budget with the outflows of its category.
// Available goes negative when spend exceeds the limit.
func BudgetStatuses(budgets []core.Budget, entries []core.Entry) []core.BudgetStatus {
	spent := make(map[int64]decimal.Decimal)
	for _, e := range entries {
		if e.Flow != core.Outflow {
			continue
		}
		spent[e.CategoryID] = spent[e.CategoryID].Add(e.Amount)
	}

	statuses := make([]core.BudgetStatus, 0, len(budgets))
	for _, b := range budgets {
		s := spent[b.CategoryID]
		statuses = append(statuses, core.BudgetStatus{
			CategoryID: b.CategoryID,
			Month:      b.Month,
			Year:       b.Year,
			Limit:      b.Limit,
			Spent:      s,
			Available:  b.Limit.Sub(s),
		})
	}
	return statuses
}

func signed(e core.Entry) decimal.Decimal {
	if e.Flow == core.Outflow {
		return e.Amount.Neg()
	}
	return e.Amount
}

// cloneStatuses keeps callers from mutating a cached slice.
func cloneStatuses(s []core.BudgetStatus) []core.BudgetStatus {
	return append([]core.BudgetStatus(nil), s...)
}
