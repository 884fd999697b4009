package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	UnitDay   IntervalUnit = "day"
	UnitMonth IntervalUnit = "month"
)

const (
	Inflow  Flow = "inflow"
	Outflow Flow = "outflow"
)

const (
	ClassRecurrence   TemplateClass = "recurrence"
	ClassSubscription TemplateClass = "subscription"
)

// Fallback labels for materialized entries.
const (
	RecurrenceFallbackDescription = "Recurrence"
	SubscriptionDescriptionPrefix = "Subscription: "
)

const maxDescriptionLength = 200

type (
	IntervalUnit  string
	Flow          string
	TemplateClass string

	// Interval is the firing period of a template, e.g. every 2 months.
	Interval struct {
		Quantity int
		Unit     IntervalUnit
	}

	Account struct {
		ID             int64
		Name           string
		InitialBalance decimal.Decimal
		CreatedAt      time.Time
	}

	// RecurringTemplate is the single shape behind both recurrences and
	// subscriptions; Class tells them apart.
	RecurringTemplate struct {
		ID          int64
		AccountID   int64
		Class       TemplateClass
		Flow        Flow
		Amount      decimal.Decimal
		Currency    string
		CategoryID  int64
		Description string // subscription name when Class is ClassSubscription
		Interval    Interval
		Anchor      time.Time  // date-only, UTC
		DayOfMonth  *int       // optional hint, not used for stepping
		NextDue     *time.Time // nil until the first catch-up pass
		Active      bool
		Version     int64 // optimistic concurrency token
		CreatedAt   time.Time
		UpdatedAt   time.Time
	}

	// Entry is an immutable ledger transaction. Materialized entries carry an
	// idempotency key instead of a reference to their template.
	Entry struct {
		ID             int64
		AccountID      int64
		Amount         decimal.Decimal
		Flow           Flow
		Currency       string
		CategoryID     int64
		OccurredOn     time.Time
		Description    string
		IdempotencyKey string
		CreatedAt      time.Time
	}

	// Budget is a spending limit for one category in one month.
	Budget struct {
		ID         int64
		AccountID  int64
		CategoryID int64
		Month      int
		Year       int
		Limit      decimal.Decimal
	}

	// CatchUpBatch is the unit of work committed for one template by a
	// catch-up pass: its entries and the new schedule pointer.
	CatchUpBatch struct {
		TemplateID      int64
		ExpectedVersion int64
		Entries         []Entry
		NextDue         time.Time
	}
)

// NewDate creates a date-only UTC time from year, month, day.
func NewDate(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// DateOnly strips the time of day, keeping the UTC calendar date.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func (u IntervalUnit) Valid() bool {
	return u == UnitDay || u == UnitMonth
}

func (f Flow) Valid() bool {
	return f == Inflow || f == Outflow
}

func (c TemplateClass) Valid() bool {
	return c == ClassRecurrence || c == ClassSubscription
}

func (i Interval) Validate() error {
	if i.Quantity <= 0 {
		return fmt.Errorf("%w: interval quantity must be positive", ErrValidation)
	}
	if !i.Unit.Valid() {
		return fmt.Errorf("%w: invalid interval unit %q", ErrValidation, i.Unit)
	}
	return nil
}

func (i Interval) String() string {
	return fmt.Sprintf("%d %s", i.Quantity, i.Unit)
}

// StartingPoint is where the next catch-up pass begins: the stored next due
// date, or the anchor for a template that has never been processed.
func (t RecurringTemplate) StartingPoint() time.Time {
	if t.NextDue != nil {
		return DateOnly(*t.NextDue)
	}
	return DateOnly(t.Anchor)
}

// EntryFlow is the flow of entries produced by the template. Subscriptions
// are always outflows.
func (t RecurringTemplate) EntryFlow() Flow {
	if t.Class == ClassSubscription {
		return Outflow
	}
	return t.Flow
}

// EntryDescription is the description given to materialized entries.
func (t RecurringTemplate) EntryDescription() string {
	if t.Class == ClassSubscription {
		return SubscriptionDescriptionPrefix + strings.TrimSpace(t.Description)
	}
	if strings.TrimSpace(t.Description) == "" {
		return RecurrenceFallbackDescription
	}
	return t.Description
}

// Materialize builds the ledger entry for one occurrence of the template.
func (t RecurringTemplate) Materialize(occurrence time.Time) Entry {
	day := DateOnly(occurrence)
	return Entry{
		AccountID:      t.AccountID,
		Amount:         t.Amount,
		Flow:           t.EntryFlow(),
		Currency:       t.Currency,
		CategoryID:     t.CategoryID,
		OccurredOn:     day,
		Description:    t.EntryDescription(),
		IdempotencyKey: OccurrenceKey(t.Class, t.ID, t.AccountID, day),
	}
}

// OccurrenceKey identifies one occurrence of one template across restarts.
func OccurrenceKey(class TemplateClass, templateID, accountID int64, day time.Time) string {
	return fmt.Sprintf("tpl:%s:%d:%d:%s", class, templateID, accountID, DateOnly(day).Format(time.DateOnly))
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: account name is required", ErrValidation)
	}
	if a.InitialBalance.IsNegative() {
		return fmt.Errorf("%w: initial balance cannot be negative", ErrValidation)
	}
	return nil
}

func (t RecurringTemplate) Validate() error {
	if t.AccountID <= 0 {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if !t.Class.Valid() {
		return fmt.Errorf("%w: invalid template class %q", ErrValidation, t.Class)
	}
	if t.Class == ClassRecurrence && !t.Flow.Valid() {
		return fmt.Errorf("%w: invalid flow %q", ErrValidation, t.Flow)
	}
	if t.Class == ClassSubscription && strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("%w: subscription name is required", ErrValidation)
	}
	if err := validateAmount(t.Amount); err != nil {
		return err
	}
	if err := validateCurrency(t.Currency); err != nil {
		return err
	}
	if len(t.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description too long (max %d characters)", ErrValidation, maxDescriptionLength)
	}
	if err := t.Interval.Validate(); err != nil {
		return err
	}
	if t.Anchor.IsZero() {
		return fmt.Errorf("%w: anchor date is required", ErrValidation)
	}
	if t.DayOfMonth != nil && (*t.DayOfMonth < 1 || *t.DayOfMonth > 31) {
		return fmt.Errorf("%w: day of month must be between 1 and 31", ErrValidation)
	}
	if t.NextDue != nil && DateOnly(*t.NextDue).Before(DateOnly(t.Anchor)) {
		return fmt.Errorf("%w: next due date cannot precede the anchor date", ErrValidation)
	}
	return nil
}

func (e Entry) Validate() error {
	if e.AccountID <= 0 {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if err := validateAmount(e.Amount); err != nil {
		return err
	}
	if !e.Flow.Valid() {
		return fmt.Errorf("%w: invalid flow %q", ErrValidation, e.Flow)
	}
	if err := validateCurrency(e.Currency); err != nil {
		return err
	}
	if e.OccurredOn.IsZero() {
		return fmt.Errorf("%w: occurrence date is required", ErrValidation)
	}
	if len(e.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description too long (max %d characters)", ErrValidation, maxDescriptionLength)
	}
	return nil
}

func (b Budget) Validate() error {
	if b.AccountID <= 0 {
		return fmt.Errorf("%w: account id is required", ErrValidation)
	}
	if err := ValidatePeriod(b.Month, b.Year); err != nil {
		return err
	}
	return validateAmount(b.Limit)
}

// ValidatePeriod checks a month/year pair.
func ValidatePeriod(month, year int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("%w: month must be between 1 and 12", ErrValidation)
	}
	if year < 1 || year > 9999 {
		return fmt.Errorf("%w: year must be between 1 and 9999", ErrValidation)
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	}
	return nil
}

func validateCurrency(code string) error {
	if len(code) != 3 || strings.ToUpper(code) != code {
		return fmt.Errorf("%w: currency must be a 3-letter upper-case code", ErrValidation)
	}
	return nil
}
