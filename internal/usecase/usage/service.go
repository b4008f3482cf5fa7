package usage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Period selects the budget window a report covers.
type Period string

// Supported periods.
const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
	PeriodTotal Period = "total"
)

// ErrInvalidPeriod is returned by ParsePeriod for unknown values.
var ErrInvalidPeriod = errors.New("invalid period")

// ParsePeriod maps a query value to a Period. Empty means day.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodMonth, PeriodTotal:
		return Period(s), nil
	default:
		return "", fmt.Errorf("%w: %q (want day, month or total)", ErrInvalidPeriod, s)
	}
}

// Report is the token usage of the embedding provider over one period.
// Timestamps are unix milliseconds; zero for the total period.
type Report struct {
	Period          Period `json:"period"`
	Provider        string `json:"provider,omitempty"`
	PeriodStart     int64  `json:"period_start"`
	PeriodEnd       int64  `json:"period_end"`
	TokensUsed      int64  `json:"tokens_used"`
	TokensLimit     int64  `json:"tokens_limit"`
	TokensRemaining int64  `json:"tokens_remaining"`
	Exhausted       bool   `json:"exhausted"`
	ResetsAt        int64  `json:"resets_at,omitempty"`
}

// Service handles usage reporting.
type Service struct {
	br       BudgetReader
	provider string
	now      func() time.Time
}

// New creates a Service. br can be nil (unlimited mode).
func New(br BudgetReader, provider string) *Service {
	return &Service{
		br:       br,
		provider: provider,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetReport builds a usage report for the given period.
func (s *Service) GetReport(_ context.Context, period Period) Report {
	now := s.now()
	r := Report{Period: period, Provider: s.provider}

	var limit, used, remaining int64
	switch period {
	case PeriodDay:
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		r.PeriodStart = dayStart.UnixMilli()
		r.PeriodEnd = dayStart.Add(24 * time.Hour).UnixMilli()
		if s.br != nil {
			limit, used, remaining = s.br.DailyLimit(), s.br.DailyUsed(), s.br.RemainingDaily()
		}
	case PeriodMonth:
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		r.PeriodStart = monthStart.UnixMilli()
		r.PeriodEnd = monthStart.AddDate(0, 1, 0).UnixMilli()
		if s.br != nil {
			limit, used, remaining = s.br.MonthlyLimit(), s.br.MonthlyUsed(), s.br.RemainingMonthly()
		}
	default:
		// total: no period boundaries, the monthly window is the widest one tracked
		if s.br != nil {
			limit, used, remaining = s.br.MonthlyLimit(), s.br.MonthlyUsed(), s.br.RemainingMonthly()
		}
	}

	// -1 from the tracker means unlimited.
	if remaining < 0 {
		remaining = 0
	}
	r.TokensUsed = used
	r.TokensLimit = limit
	r.TokensRemaining = remaining
	r.Exhausted = limit > 0 && remaining <= 0
	r.ResetsAt = r.PeriodEnd
	return r
}
