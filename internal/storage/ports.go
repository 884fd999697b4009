package storage

import (
	"context"
	"errors"
	"time"

	"praondefoi/internal/core"
)

// ErrAlreadyMaterialized is returned by Insert when an entry with the same
// idempotency key already exists.
var ErrAlreadyMaterialized = errors.New("entry already materialized")

// Ports implemented by every backend.
type (
	TransactionStore interface {
		// QueryByAccountAndMonth returns the entries of one calendar month
		// ordered by date.
		QueryByAccountAndMonth(ctx context.Context, accountID int64, month, year int) ([]core.Entry, error)
		QueryByAccount(ctx context.Context, accountID int64) ([]core.Entry, error)
		Insert(ctx context.Context, e core.Entry) (core.Entry, error)
		GetEntry(ctx context.Context, id int64) (core.Entry, error)
		DeleteEntry(ctx context.Context, id int64) error
	}

	TemplateStore interface {
		// QueryActiveDue returns active templates whose next due date is on or
		// before now, plus never-processed ones whose anchor is.
		QueryActiveDue(ctx context.Context, now time.Time) ([]core.RecurringTemplate, error)
		QueryActiveByAccount(ctx context.Context, accountID int64) ([]core.RecurringTemplate, error)
		GetTemplate(ctx context.Context, id int64) (core.RecurringTemplate, error)
		CreateTemplate(ctx context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error)
		// UpdateTemplate replaces the mutable fields when t.Version matches
		// the stored version and returns the template with its new version.
		UpdateTemplate(ctx context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error)
		DeleteTemplate(ctx context.Context, id int64) error
		// UpdateNextDue moves the schedule pointer forward when the stored
		// version equals expectedVersion.
		UpdateNextDue(ctx context.Context, id, expectedVersion int64, nextDue time.Time) error
		// ApplyCatchUp commits the batch entries and the new next due date as
		// one unit and returns how many entries were actually inserted.
		// Entries whose idempotency key already exists are skipped.
		ApplyCatchUp(ctx context.Context, batch core.CatchUpBatch) (int, error)
	}

	AccountStore interface {
		Exists(ctx context.Context, accountID int64) (bool, error)
		GetAccount(ctx context.Context, accountID int64) (core.Account, error)
		CreateAccount(ctx context.Context, a core.Account) (core.Account, error)
	}

	BudgetStore interface {
		QueryBudgets(ctx context.Context, accountID int64, month, year int) ([]core.Budget, error)
		GetBudget(ctx context.Context, id int64) (core.Budget, error)
		// UpsertBudget creates or replaces the limit for the budget's
		// (account, month, year, category).
		UpsertBudget(ctx context.Context, b core.Budget) (core.Budget, error)
		DeleteBudget(ctx context.Context, id int64) error
	}

	// LeaseStore provides a named mutual-exclusion lease shared by every
	// process using the same database.
	LeaseStore interface {
		// AcquireLease takes or renews the lease for holder. It reports false
		// when another holder owns an unexpired lease.
		AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
		ReleaseLease(ctx context.Context, name, holder string) error
	}

	// Store is the full persistence surface used by the services.
	Store interface {
		TransactionStore
		TemplateStore
		AccountStore
		BudgetStore
		LeaseStore
		Close() error
	}
)
