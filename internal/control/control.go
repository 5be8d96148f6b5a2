// Package control provides the payout kill-switch.
//
// Operators can stop all withdrawals on demand (suspected key leak,
// reconciliation mismatch) or only those routed to a single payment
// system. Every change is persisted and audited.
package control

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/domain"
)

var (
	ErrPayoutsDisabled       = errors.New("payouts are currently disabled")
	ErrPaymentSystemDisabled = errors.New("payouts to this payment system are disabled")
)

const (
	keyPayoutsEnabled      = "payouts_enabled"
	paymentSystemKeyPrefix = "payment_system_disabled:"
)

// Service provides payout control functionality
type Service struct {
	db    *sql.DB
	audit *audit.Service

	mu                     sync.RWMutex
	payoutsEnabled         bool
	disabledPaymentSystems map[int]bool
	disabledAt             *time.Time
	disabledBy             string
	disabledReason         string
	lastStateChange        time.Time
}

// New creates a new control service
func New(db *sql.DB, auditSvc *audit.Service) *Service {
	return &Service{
		db:                     db,
		audit:                  auditSvc,
		payoutsEnabled:         true,
		disabledPaymentSystems: make(map[int]bool),
		lastStateChange:        time.Now().UTC(),
	}
}

// DisablePayouts stops all withdrawals
func (s *Service) DisablePayouts(ctx context.Context, reason, authorizedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.persist(ctx, keyPayoutsEnabled, "false", reason, authorizedBy, now); err != nil {
		return err
	}

	s.payoutsEnabled = false
	s.disabledAt = &now
	s.disabledBy = authorizedBy
	s.disabledReason = reason
	s.lastStateChange = now

	s.audit.Log(ctx, audit.EventPayoutsDisabled, domain.SeverityCritical,
		fmt.Sprintf("All payouts disabled: %s", reason),
		map[string]any{
			"authorized_by": authorizedBy,
			"reason":        reason,
		},
		audit.WithComponent("control"))

	return nil
}

// EnablePayouts resumes withdrawals
func (s *Service) EnablePayouts(ctx context.Context, authorizedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if err := s.persist(ctx, keyPayoutsEnabled, "true", "", authorizedBy, now); err != nil {
		return err
	}

	s.payoutsEnabled = true
	s.disabledAt = nil
	s.disabledBy = ""
	s.disabledReason = ""
	s.lastStateChange = now

	s.audit.Log(ctx, audit.EventPayoutsEnabled, domain.SeverityInfo,
		"All payouts enabled",
		map[string]any{"authorized_by": authorizedBy},
		audit.WithComponent("control"))

	return nil
}

// DisablePaymentSystem stops withdrawals routed to one payment system
func (s *Service) DisablePaymentSystem(ctx context.Context, paymentSystem int, reason, authorizedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := paymentSystemKeyPrefix + strconv.Itoa(paymentSystem)
	if err := s.persist(ctx, key, "true", reason, authorizedBy, now); err != nil {
		return err
	}
	s.disabledPaymentSystems[paymentSystem] = true
	s.lastStateChange = now

	s.audit.Log(ctx, audit.EventPayoutsDisabled, domain.SeverityWarning,
		fmt.Sprintf("Payouts disabled for payment system %d: %s", paymentSystem, reason),
		map[string]any{
			"payment_system": paymentSystem,
			"reason":         reason,
			"authorized_by":  authorizedBy,
		},
		audit.WithComponent("control"))

	return nil
}

// EnablePaymentSystem resumes withdrawals routed to one payment system
func (s *Service) EnablePaymentSystem(ctx context.Context, paymentSystem int, authorizedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := paymentSystemKeyPrefix + strconv.Itoa(paymentSystem)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM system_state WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to persist payment system state: %w", err)
	}
	delete(s.disabledPaymentSystems, paymentSystem)
	s.lastStateChange = time.Now().UTC()

	s.audit.Log(ctx, audit.EventPayoutsEnabled, domain.SeverityInfo,
		fmt.Sprintf("Payouts enabled for payment system %d", paymentSystem),
		map[string]any{
			"payment_system": paymentSystem,
			"authorized_by":  authorizedBy,
		},
		audit.WithComponent("control"))

	return nil
}

// CheckPayout reports whether a withdrawal to paymentSystem may proceed
func (s *Service) CheckPayout(paymentSystem int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.payoutsEnabled {
		return ErrPayoutsDisabled
	}
	if s.disabledPaymentSystems[paymentSystem] {
		return ErrPaymentSystemDisabled
	}
	return nil
}

// Status returns the current payout state
func (s *Service) Status() *domain.PayoutStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &domain.PayoutStatus{
		PayoutsEnabled:  s.payoutsEnabled,
		DisabledAt:      s.disabledAt,
		DisabledBy:      s.disabledBy,
		DisabledReason:  s.disabledReason,
		LastStateChange: s.lastStateChange,
	}
}

// DisabledPaymentSystems lists payment systems with payouts disabled
func (s *Service) DisabledPaymentSystems() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	systems := make([]int, 0, len(s.disabledPaymentSystems))
	for ps := range s.disabledPaymentSystems {
		systems = append(systems, ps)
	}
	return systems
}

// LoadState loads persisted state from database on startup
func (s *Service) LoadState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, value, reason, updated_at, updated_by FROM system_state`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value, updatedBy string
		var reason sql.NullString
		var updatedAt time.Time
		if err := rows.Scan(&key, &value, &reason, &updatedAt, &updatedBy); err != nil {
			return err
		}

		switch {
		case key == keyPayoutsEnabled:
			s.payoutsEnabled = value != "false"
			if !s.payoutsEnabled {
				at := updatedAt
				s.disabledAt = &at
				s.disabledBy = updatedBy
				s.disabledReason = reason.String
			}
			s.lastStateChange = updatedAt
		case strings.HasPrefix(key, paymentSystemKeyPrefix):
			ps, err := strconv.Atoi(strings.TrimPrefix(key, paymentSystemKeyPrefix))
			if err != nil {
				continue
			}
			s.disabledPaymentSystems[ps] = true
		}
	}

	return rows.Err()
}

func (s *Service) persist(ctx context.Context, key, value, reason, by string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_state (key, value, reason, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET value = $2, reason = $3, updated_at = $4, updated_by = $5
	`, key, value, reason, at, by)
	if err != nil {
		return fmt.Errorf("failed to persist payout state: %w", err)
	}
	return nil
}
