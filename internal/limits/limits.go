// Package limits enforces withdrawal limits
//
// Two limits are configured per currency, both in major units:
//   - a cap on a single withdrawal
//   - a cap on the total withdrawn over a rolling 24 hours
//
// Currencies without a configured limit are unrestricted.
package limits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexbotov/tegro/internal/config"
	"github.com/alexbotov/tegro/internal/domain"
)

var (
	ErrLimitExceeded = errors.New("withdrawal limit exceeded")
	ErrInvalidAmount = errors.New("invalid withdrawal amount")
)

// DailyWindow is the rolling period covered by the daily limit
const DailyWindow = 24 * time.Hour

// Totals reports how much has already been withdrawn
type Totals interface {
	WithdrawnSince(ctx context.Context, currency string, since time.Time) (int64, error)
}

// ExceededError describes which limit a withdrawal would break
type ExceededError struct {
	Kind      string
	Currency  string
	Limit     int64
	Requested int64
	Used      int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s withdrawal limit exceeded for %s: limit %d, used %d, requested %d",
		e.Kind, e.Currency, e.Limit, e.Used, e.Requested)
}

func (e *ExceededError) Unwrap() error {
	return ErrLimitExceeded
}

// Service checks withdrawals against configured limits
type Service struct {
	totals        Totals
	perWithdrawal map[string]int64
	daily         map[string]int64
	now           func() time.Time
}

// New creates a limits service from configuration
func New(cfg config.LimitsConfig, totals Totals) *Service {
	return &Service{
		totals:        totals,
		perWithdrawal: toMinorUnits(cfg.PerWithdrawal),
		daily:         toMinorUnits(cfg.Daily),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CheckWithdrawal returns an error if amount would break a limit
func (s *Service) CheckWithdrawal(ctx context.Context, amount domain.Money) error {
	if amount.Amount <= 0 {
		return ErrInvalidAmount
	}
	currency := strings.ToUpper(amount.Currency)

	if limit, ok := s.perWithdrawal[currency]; ok && amount.Amount > limit {
		return &ExceededError{Kind: "single", Currency: currency, Limit: limit, Requested: amount.Amount}
	}

	limit, ok := s.daily[currency]
	if !ok {
		return nil
	}

	used, err := s.withdrawn(ctx, currency)
	if err != nil {
		return fmt.Errorf("failed to get withdrawal total: %w", err)
	}
	if used.Add(amount).Amount > limit {
		return &ExceededError{Kind: "daily", Currency: currency, Limit: limit, Requested: amount.Amount, Used: used.Amount}
	}

	return nil
}

// Remaining reports how much can still be withdrawn today, or false when unlimited
func (s *Service) Remaining(ctx context.Context, currency string) (domain.Money, bool, error) {
	currency = strings.ToUpper(currency)
	limit, ok := s.daily[currency]
	if !ok {
		return domain.Money{}, false, nil
	}

	used, err := s.withdrawn(ctx, currency)
	if err != nil {
		return domain.Money{}, false, err
	}

	remaining := domain.Money{Amount: limit, Currency: currency}.Sub(used)
	if remaining.Amount < 0 {
		remaining.Amount = 0
	}
	return remaining, true, nil
}

func (s *Service) withdrawn(ctx context.Context, currency string) (domain.Money, error) {
	used, err := s.totals.WithdrawnSince(ctx, currency, s.now().Add(-DailyWindow))
	if err != nil {
		return domain.Money{}, err
	}
	return domain.Money{Amount: used, Currency: currency}, nil
}

func toMinorUnits(amounts map[string]float64) map[string]int64 {
	out := make(map[string]int64, len(amounts))
	for currency, amount := range amounts {
		out[strings.ToUpper(currency)] = domain.NewMoney(amount, currency).Amount
	}
	return out
}

// DBTotals sums withdrawals stored in the withdrawals table
type DBTotals struct {
	db *sql.DB
}

// NewDBTotals creates a Totals backed by the database
func NewDBTotals(db *sql.DB) *DBTotals {
	return &DBTotals{db: db}
}

// WithdrawnSince sums accepted withdrawals created after since
func (t *DBTotals) WithdrawnSince(ctx context.Context, currency string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := t.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawals
		WHERE currency = $1 AND created_at >= $2 AND status = $3
	`, currency, since, domain.WithdrawalStatusRequested).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}
