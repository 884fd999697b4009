// Package memory is an in-process implementation of the storage ports. It
// mirrors the SQLite repository semantics and is used for local runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"praondefoi/internal/core"
	"praondefoi/internal/storage"
)

type lease struct {
	holder    string
	expiresAt time.Time
}

type Store struct {
	mu        sync.Mutex
	nextID    int64
	accounts  map[int64]core.Account
	templates map[int64]core.RecurringTemplate
	entries   map[int64]core.Entry
	keys      map[string]int64 // idempotency key -> entry id
	budgets   map[int64]core.Budget
	leases    map[string]lease
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:  make(map[int64]core.Account),
		templates: make(map[int64]core.RecurringTemplate),
		entries:   make(map[int64]core.Entry),
		keys:      make(map[string]int64),
		budgets:   make(map[int64]core.Budget),
		leases:    make(map[string]lease),
		now:       time.Now,
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// Accounts

func (s *Store) Exists(_ context.Context, accountID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.accounts[accountID]
	return ok, nil
}

func (s *Store) GetAccount(_ context.Context, accountID int64) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return core.Account{}, fmt.Errorf("get account %d: %w", accountID, core.ErrNotFound)
	}
	return a, nil
}

func (s *Store) CreateAccount(_ context.Context, a core.Account) (core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.id()
	a.CreatedAt = s.now().UTC()
	s.accounts[a.ID] = a
	return a, nil
}

// Entries

func (s *Store) QueryByAccountAndMonth(_ context.Context, accountID int64, month, year int) ([]core.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Entry
	for _, e := range s.entries {
		if e.AccountID == accountID && e.OccurredOn.Year() == year && int(e.OccurredOn.Month()) == month {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) QueryByAccount(_ context.Context, accountID int64) ([]core.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Entry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) Insert(_ context.Context, e core.Entry) (core.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[e.AccountID]; !ok {
		return core.Entry{}, fmt.Errorf("insert entry: account %d: %w", e.AccountID, core.ErrNotFound)
	}
	e, ok := s.insertLocked(e)
	if !ok {
		return core.Entry{}, fmt.Errorf("insert entry %q: %w", e.IdempotencyKey, storage.ErrAlreadyMaterialized)
	}
	return e, nil
}

func (s *Store) insertLocked(e core.Entry) (core.Entry, bool) {
	if e.IdempotencyKey != "" {
		if _, dup := s.keys[e.IdempotencyKey]; dup {
			return e, false
		}
	}
	e.ID = s.id()
	e.OccurredOn = core.DateOnly(e.OccurredOn)
	e.CreatedAt = s.now().UTC()
	s.entries[e.ID] = e
	if e.IdempotencyKey != "" {
		s.keys[e.IdempotencyKey] = e.ID
	}
	return e, true
}

func (s *Store) GetEntry(_ context.Context, id int64) (core.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return core.Entry{}, fmt.Errorf("get entry %d: %w", id, core.ErrNotFound)
	}
	return e, nil
}

func (s *Store) DeleteEntry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("delete entry %d: %w", id, core.ErrNotFound)
	}
	delete(s.entries, id)
	if e.IdempotencyKey != "" {
		delete(s.keys, e.IdempotencyKey)
	}
	return nil
}

// Templates

func (s *Store) QueryActiveDue(_ context.Context, now time.Time) ([]core.RecurringTemplate, error) {
	today := core.DateOnly(now)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.RecurringTemplate
	for _, t := range s.templates {
		if t.Active && !t.StartingPoint().After(today) {
			out = append(out, copyTemplate(t))
		}
	}
	sortTemplates(out)
	return out, nil
}

func (s *Store) QueryActiveByAccount(_ context.Context, accountID int64) ([]core.RecurringTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.RecurringTemplate
	for _, t := range s.templates {
		if t.Active && t.AccountID == accountID {
			out = append(out, copyTemplate(t))
		}
	}
	sortTemplates(out)
	return out, nil
}

func (s *Store) GetTemplate(_ context.Context, id int64) (core.RecurringTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return core.RecurringTemplate{}, fmt.Errorf("get template %d: %w", id, core.ErrNotFound)
	}
	return copyTemplate(t), nil
}

func (s *Store) CreateTemplate(_ context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[t.AccountID]; !ok {
		return core.RecurringTemplate{}, fmt.Errorf("create template: account %d: %w", t.AccountID, core.ErrNotFound)
	}
	now := s.now().UTC()
	t.ID = s.id()
	t.Version = 1
	t.Flow = t.EntryFlow()
	t.Anchor = core.DateOnly(t.Anchor)
	t.CreatedAt, t.UpdatedAt = now, now
	t = copyTemplate(t)
	s.templates[t.ID] = t
	return copyTemplate(t), nil
}

func (s *Store) UpdateTemplate(_ context.Context, t core.RecurringTemplate) (core.RecurringTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.checkVersionLocked(t.ID, t.Version)
	if err != nil {
		return core.RecurringTemplate{}, err
	}
	t.AccountID = current.AccountID
	t.CreatedAt = current.CreatedAt
	t.Flow = t.EntryFlow()
	t.Anchor = core.DateOnly(t.Anchor)
	t.Version = current.Version + 1
	t.UpdatedAt = s.now().UTC()
	t = copyTemplate(t)
	s.templates[t.ID] = t
	return copyTemplate(t), nil
}

func (s *Store) DeleteTemplate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return fmt.Errorf("delete template %d: %w", id, core.ErrNotFound)
	}
	delete(s.templates, id)
	return nil
}

func (s *Store) UpdateNextDue(_ context.Context, id, expectedVersion int64, nextDue time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.checkAdvanceLocked(id, expectedVersion, nextDue)
	if err != nil {
		return err
	}
	s.advanceLocked(t, nextDue)
	return nil
}

func (s *Store) ApplyCatchUp(_ context.Context, batch core.CatchUpBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.checkAdvanceLocked(batch.TemplateID, batch.ExpectedVersion, batch.NextDue)
	if err != nil {
		return 0, err
	}
	inserted := 0
	for _, e := range batch.Entries {
		if _, ok := s.insertLocked(e); ok {
			inserted++
		}
	}
	s.advanceLocked(t, batch.NextDue)
	return inserted, nil
}

func (s *Store) checkVersionLocked(id, expectedVersion int64) (core.RecurringTemplate, error) {
	t, ok := s.templates[id]
	if !ok {
		return core.RecurringTemplate{}, fmt.Errorf("template %d: %w", id, core.ErrNotFound)
	}
	if t.Version != expectedVersion {
		return core.RecurringTemplate{}, fmt.Errorf("template %d: expected version %d, found %d: %w",
			id, expectedVersion, t.Version, core.ErrConcurrencyConflict)
	}
	return t, nil
}

func (s *Store) checkAdvanceLocked(id, expectedVersion int64, nextDue time.Time) (core.RecurringTemplate, error) {
	t, err := s.checkVersionLocked(id, expectedVersion)
	if err != nil {
		return core.RecurringTemplate{}, err
	}
	if t.NextDue != nil && t.NextDue.After(core.DateOnly(nextDue)) {
		return core.RecurringTemplate{}, fmt.Errorf("template %d: next due would move backwards: %w",
			id, core.ErrConcurrencyConflict)
	}
	return t, nil
}

func (s *Store) advanceLocked(t core.RecurringTemplate, nextDue time.Time) {
	d := core.DateOnly(nextDue)
	t.NextDue = &d
	t.Version++
	t.UpdatedAt = s.now().UTC()
	s.templates[t.ID] = t
}

// Budgets

func (s *Store) QueryBudgets(_ context.Context, accountID int64, month, year int) ([]core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Budget
	for _, b := range s.budgets {
		if b.AccountID == accountID && b.Month == month && b.Year == year {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out, nil
}

func (s *Store) GetBudget(_ context.Context, id int64) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[id]
	if !ok {
		return core.Budget{}, fmt.Errorf("get budget %d: %w", id, core.ErrNotFound)
	}
	return b, nil
}

func (s *Store) UpsertBudget(_ context.Context, b core.Budget) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.budgets {
		if existing.AccountID == b.AccountID && existing.Month == b.Month &&
			existing.Year == b.Year && existing.CategoryID == b.CategoryID {
			b.ID = id
			s.budgets[id] = b
			return b, nil
		}
	}
	b.ID = s.id()
	s.budgets[b.ID] = b
	return b, nil
}

func (s *Store) DeleteBudget(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.budgets[id]; !ok {
		return fmt.Errorf("delete budget %d: %w", id, core.ErrNotFound)
	}
	delete(s.budgets, id)
	return nil
}

// Leases

func (s *Store) AcquireLease(_ context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.holder != holder && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[name] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[name]; ok && l.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

func copyTemplate(t core.RecurringTemplate) core.RecurringTemplate {
	if t.NextDue != nil {
		d := *t.NextDue
		t.NextDue = &d
	}
	if t.DayOfMonth != nil {
		d := *t.DayOfMonth
		t.DayOfMonth = &d
	}
	return t
}

func sortEntries(es []core.Entry) {
	sort.Slice(es, func(i, j int) bool {
		if !es[i].OccurredOn.Equal(es[j].OccurredOn) {
			return es[i].OccurredOn.Before(es[j].OccurredOn)
		}
		return es[i].ID < es[j].ID
	})
}

func sortTemplates(ts []core.RecurringTemplate) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
