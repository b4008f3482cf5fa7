package usage

// BudgetReader exposes the token budget windows. Limits of 0 and remaining
// values of -1 mean unlimited.
type BudgetReader interface {
	DailyUsed() int64
	DailyLimit() int64
	RemainingDaily() int64

	MonthlyUsed() int64
	MonthlyLimit() int64
	RemainingMonthly() int64
}
