package core

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func validTemplate() RecurringTemplate {
	return RecurringTemplate{
		ID:         7,
		AccountID:  1,
		Class:      ClassRecurrence,
		Flow:       Inflow,
		Amount:     decimal.RequireFromString("1500.00"),
		Currency:   "BRL",
		CategoryID: 3,
		Interval:   Interval{Quantity: 1, Unit: UnitMonth},
		Anchor:     NewDate(2025, 1, 5),
		Active:     true,
	}
}

func TestIntervalValidate(t *testing.T) {
	cases := []struct {
		iv Interval
		ok bool
	}{
		{Interval{1, UnitDay}, true},
		{Interval{3, UnitMonth}, true},
		{Interval{0, UnitDay}, false},
		{Interval{-2, UnitMonth}, false},
		{Interval{1, "week"}, false},
	}
	for i, tc := range cases {
		err := tc.iv.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if !tc.ok && !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d expected validation error, got %v", i, err)
		}
	}
}

func TestTemplateValidate(t *testing.T) {
	if err := validTemplate().Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	nextDueBeforeAnchor := NewDate(2024, 12, 1)
	badDay := 32
	mutations := []func(*RecurringTemplate){
		func(t *RecurringTemplate) { t.AccountID = 0 },
		func(t *RecurringTemplate) { t.Class = "other" },
		func(t *RecurringTemplate) { t.Flow = "" },
		func(t *RecurringTemplate) { t.Amount = decimal.Zero },
		func(t *RecurringTemplate) { t.Currency = "brl" },
		func(t *RecurringTemplate) { t.Interval.Quantity = 0 },
		func(t *RecurringTemplate) { t.Anchor = time.Time{} },
		func(t *RecurringTemplate) { t.DayOfMonth = &badDay },
		func(t *RecurringTemplate) { t.NextDue = &nextDueBeforeAnchor },
		func(t *RecurringTemplate) { t.Class = ClassSubscription; t.Description = " " },
	}
	for i, mutate := range mutations {
		tpl := validTemplate()
		mutate(&tpl)
		if err := tpl.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d expected validation error, got %v", i, err)
		}
	}
}

func TestStartingPoint(t *testing.T) {
	tpl := validTemplate()
	if got := tpl.StartingPoint(); !got.Equal(NewDate(2025, 1, 5)) {
		t.Fatalf("expected anchor, got %v", got)
	}
	next := time.Date(2025, 3, 5, 15, 30, 0, 0, time.UTC)
	tpl.NextDue = &next
	if got := tpl.StartingPoint(); !got.Equal(NewDate(2025, 3, 5)) {
		t.Fatalf("expected next due date, got %v", got)
	}
}

func TestMaterialize(t *testing.T) {
	tpl := validTemplate()
	e := tpl.Materialize(NewDate(2025, 2, 5))
	if e.Description != RecurrenceFallbackDescription {
		t.Fatalf("expected fallback description, got %q", e.Description)
	}
	if e.Flow != Inflow {
		t.Fatalf("expected inflow, got %s", e.Flow)
	}
	if e.IdempotencyKey != "tpl:recurrence:7:1:2025-02-05" {
		t.Fatalf("unexpected key %q", e.IdempotencyKey)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("materialized entry should be valid: %v", err)
	}

	tpl.Class = ClassSubscription
	tpl.Flow = Inflow
	tpl.Description = "Streaming"
	e = tpl.Materialize(NewDate(2025, 2, 5))
	if e.Flow != Outflow {
		t.Fatalf("subscriptions must be outflows, got %s", e.Flow)
	}
	if e.Description != "Subscription: Streaming" {
		t.Fatalf("unexpected description %q", e.Description)
	}
	if e.IdempotencyKey != "tpl:subscription:7:1:2025-02-05" {
		t.Fatalf("unexpected key %q", e.IdempotencyKey)
	}
}

func TestBudgetValidate(t *testing.T) {
	good := Budget{AccountID: 1, CategoryID: 2, Month: 3, Year: 2025, Limit: decimal.NewFromInt(100)}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	bads := []Budget{
		{AccountID: 0, Month: 3, Year: 2025, Limit: decimal.NewFromInt(1)},
		{AccountID: 1, Month: 13, Year: 2025, Limit: decimal.NewFromInt(1)},
		{AccountID: 1, Month: 3, Year: 0, Limit: decimal.NewFromInt(1)},
		{AccountID: 1, Month: 3, Year: 2025, Limit: decimal.Zero},
	}
	for i, b := range bads {
		if err := b.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(ErrConcurrencyConflict) || !IsRetryable(ErrTransientStorage) {
		t.Fatalf("conflicts and transient errors should be retryable")
	}
	if IsRetryable(ErrValidation) || IsRetryable(ErrNotFound) {
		t.Fatalf("validation and not found should not be retryable")
	}
}
