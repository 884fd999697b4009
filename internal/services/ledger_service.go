package services

import (
	"context"
	"fmt"
	"strings"

	"praondefoi/internal/amqp"
	"praondefoi/internal/cache"
	"praondefoi/internal/core"
	"praondefoi/internal/log"
	"praondefoi/internal/storage"
)

// Reasons carried by account.changed events.
const (
	ReasonEntryCreated    = "entry.created"
	ReasonEntryDeleted    = "entry.deleted"
	ReasonTemplateCreated = "template.created"
	ReasonTemplateUpdated = "template.updated"
	ReasonTemplateDeleted = "template.deleted"
	ReasonBudgetSet       = "budget.set"
	ReasonBudgetDeleted   = "budget.deleted"
)

// LedgerStore is the write side used by the ledger service.
type LedgerStore interface {
	storage.TransactionStore
	storage.TemplateStore
	storage.AccountStore
	storage.BudgetStore
}

// LedgerService applies user mutations and invalidates the affected
// account's cached values after each successful write.
type LedgerService struct {
	store     LedgerStore
	versions  cache.VersionStore
	publisher EventPublisher
}

func NewLedgerService(store LedgerStore, versions cache.VersionStore, publisher EventPublisher) *LedgerService {
	return &LedgerService{
		store:     store,
		versions:  versions,
		publisher: publisher,
	}
}

func (s *LedgerService) CreateAccount(ctx context.Context, a core.Account) (core.Account, error) {
	a.Name = strings.TrimSpace(a.Name)
	if err := a.Validate(); err != nil {
		return core.Account{}, err
	}
	created, err := s.store.CreateAccount(ctx, a)
	if err != nil {
		return core.Account{}, fmt.Errorf("create account: %w", err)
	}
	s.logger(ctx).InfoContext(ctx, "Account created", log.FieldAccountID, created.ID)
	return created, nil
}

// CreateEntry records a user entry. User entries never carry an idempotency
// key; that namespace belongs to materialized occurrences.
func (s *LedgerService) CreateEntry(ctx context.Context, e core.Entry) (core.Entry, error) {
	e.OccurredOn = core.DateOnly(e.OccurredOn)
	e.Description = strings.TrimSpace(e.Description)
	e.IdempotencyKey = ""
	if err := e.Validate(); err != nil {
		return core.Entry{}, err
	}
	if err := s.ensureAccount(ctx, e.AccountID); err != nil {
		return core.Entry{}, err
	}

	created, err := s.store.Insert(ctx, e)
	if err != nil {
		return core.Entry{}, fmt.Errorf("save entry: %w", err)
	}

	s.invalidate(ctx, created.AccountID, ReasonEntryCreated)
	return created, nil
}

func (s *LedgerService) DeleteEntry(ctx context.Context, id int64) error {
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("get entry %d: %w", id, err)
	}
	if err := s.store.DeleteEntry(ctx, id); err != nil {
		return fmt.Errorf("delete entry %d: %w", id, err)
	}

	s.invalidate(ctx, e.AccountID, ReasonEntryDeleted)
	return nil
}

func (s *LedgerService) CreateTemplate(ctx context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error) {
	normalizeTemplate(&t)
	if err := t.Validate(); err != nil {
		return core.RecurringTemplate{}, err
	}
	if err := s.ensureAccount(ctx, t.AccountID); err != nil {
		return core.RecurringTemplate{}, err
	}

	created, err := s.store.CreateTemplate(ctx, t)
	if err != nil {
		return core.RecurringTemplate{}, fmt.Errorf("save template: %w", err)
	}

	s.invalidate(ctx, created.AccountID, ReasonTemplateCreated)
	return created, nil
}

// UpdateTemplate replaces a template when t.Version still matches the stored
// one. A stale version yields core.ErrConcurrencyConflict.
func (s *LedgerService) UpdateTemplate(ctx context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error) {
	normalizeTemplate(&t)
	if err := t.Validate(); err != nil {
		return core.RecurringTemplate{}, err
	}

	existing, err := s.store.GetTemplate(ctx, t.ID)
	if err != nil {
		return core.RecurringTemplate{}, fmt.Errorf("get template %d: %w", t.ID, err)
	}
	if existing.AccountID != t.AccountID {
		return core.RecurringTemplate{}, fmt.Errorf("%w: template cannot move to another account", core.ErrValidation)
	}
	if existing.Class != t.Class {
		return core.RecurringTemplate{}, fmt.Errorf("%w: template class cannot change", core.ErrValidation)
	}

	updated, err := s.store.UpdateTemplate(ctx, t)
	if err != nil {
		return core.RecurringTemplate{}, fmt.Errorf("update template %d: %w", t.ID, err)
	}

	s.invalidate(ctx, updated.AccountID, ReasonTemplateUpdated)
	return updated, nil
}

// DeleteTemplate removes a template. Entries it already materialized stay in
// the ledger.
func (s *LedgerService) DeleteTemplate(ctx context.Context, id int64) error {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return fmt.Errorf("get template %d: %w", id, err)
	}
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		return fmt.Errorf("delete template %d: %w", id, err)
	}

	s.invalidate(ctx, t.AccountID, ReasonTemplateDeleted)
	return nil
}

// SetBudget creates or replaces the limit of a category for one month.
func (s *LedgerService) SetBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	if err := s.ensureAccount(ctx, b.AccountID); err != nil {
		return core.Budget{}, err
	}

	saved, err := s.store.UpsertBudget(ctx, b)
	if err != nil {
		return core.Budget{}, fmt.Errorf("save budget: %w", err)
	}

	s.invalidate(ctx, saved.AccountID, ReasonBudgetSet)
	return saved, nil
}

func (s *LedgerService) DeleteBudget(ctx context.Context, id int64) error {
	b, err := s.store.GetBudget(ctx, id)
	if err != nil {
		return fmt.Errorf("get budget %d: %w", id, err)
	}
	if err := s.store.DeleteBudget(ctx, id); err != nil {
		return fmt.Errorf("delete budget %d: %w", id, err)
	}

	s.invalidate(ctx, b.AccountID, ReasonBudgetDeleted)
	return nil
}

func (s *LedgerService) ensureAccount(ctx context.Context, accountID int64) error {
	ok, err := s.store.Exists(ctx, accountID)
	if err != nil {
		return fmt.Errorf("check account %d: %w", accountID, err)
	}
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, core.ErrNotFound)
	}
	return nil
}

// invalidate bumps the account version and announces the change. The write
// has already succeeded, so a publish failure is only logged.
func (s *LedgerService) invalidate(ctx context.Context, accountID int64, reason string) {
	version := s.versions.Bump(cache.AccountKey(accountID))
	logger := s.logger(ctx)
	logger.DebugContext(ctx, "Account cache invalidated",
		log.FieldAccountID, accountID,
		log.FieldVersion, version,
		"reason", reason)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishAccountChanged(ctx, amqp.NewAccountChangedMessage(accountID, version, reason)); err != nil {
		logger.ErrorContext(ctx, "Failed to publish account changed event",
			log.FieldAccountID, accountID,
			log.FieldError, err)
	}
}

func (s *LedgerService) logger(ctx context.Context) *log.Logger {
	return log.FromContext(ctx).WithComponent(log.ComponentLedger)
}

func normalizeTemplate(t *core.RecurringTemplate) {
	t.Anchor = core.DateOnly(t.Anchor)
	t.Description = strings.TrimSpace(t.Description)
	if t.Class == core.ClassSubscription {
		t.Flow = core.Outflow
	}
	if t.NextDue != nil {
		d := core.DateOnly(*t.NextDue)
		t.NextDue = &d
	}
}
