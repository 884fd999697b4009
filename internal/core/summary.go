package core

import "github.com/shopspring/decimal"

// MonthlySummary combines realized entries with the recurring projection for
// one account and month.
type MonthlySummary struct {
	AccountID int64
	Month     int // 1-12
	Year      int

	TotalIn     decimal.Decimal
	TotalOut    decimal.Decimal
	NetRealized decimal.Decimal

	ProjectedRecurringIn      decimal.Decimal
	ProjectedRecurringOut     decimal.Decimal
	ProjectedSubscriptionsOut decimal.Decimal
	NetProjected              decimal.Decimal
}

// BudgetStatus compares realized category spend with its monthly limit.
// Available is negative when the limit is exceeded.
type BudgetStatus struct {
	CategoryID int64
	Month      int
	Year       int
	Limit      decimal.Decimal
	Spent      decimal.Decimal
	Available  decimal.Decimal
}
