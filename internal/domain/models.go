// Package domain contains the core models of the payment service.
//
// Orders are payments a customer makes to the shop through Tegro;
// withdrawals are payouts the shop requests from its Tegro balance.
// Operators are back-office users and services allowed to call the API.
package domain

import (
	"encoding/json"
	"math"
	"time"
)

// Money represents monetary values in minor units (kopecks, cents)
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// NewMoney creates a new Money value from a major-unit amount
func NewMoney(amount float64, currency string) Money {
	return Money{
		Amount:   int64(math.Round(amount * 100)),
		Currency: currency,
	}
}

// Float64 returns the monetary value in major units
func (m Money) Float64() float64 {
	return float64(m.Amount) / 100.0
}

// Add adds two money values
func (m Money) Add(other Money) Money {
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}
}

// Sub subtracts money value
func (m Money) Sub(other Money) Money {
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}
}

// OrderStatus represents the state of a payment order
type OrderStatus string

const (
	OrderStatusCreated OrderStatus = "created"
	OrderStatusPaid    OrderStatus = "paid"
	OrderStatusFailed  OrderStatus = "failed"
)

// Order is a payment the shop asked Tegro to collect
type Order struct {
	ID            string          `json:"id" db:"id"`
	ShopOrderID   string          `json:"shop_order_id" db:"shop_order_id"`
	TegroOrderID  int64           `json:"tegro_order_id,omitempty" db:"tegro_order_id"`
	Amount        Money           `json:"amount" db:"amount"`
	PaymentSystem int             `json:"payment_system" db:"payment_system"`
	Status        OrderStatus     `json:"status" db:"status"`
	Test          bool            `json:"test" db:"test"`
	PaymentURL    string          `json:"payment_url,omitempty" db:"payment_url"`
	Fields        json.RawMessage `json:"fields,omitempty" db:"fields"`
	CreatedBy     string          `json:"created_by" db:"created_by"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty" db:"paid_at"`
}

// WithdrawalStatus represents the state of a payout request
type WithdrawalStatus string

const (
	WithdrawalStatusRequested WithdrawalStatus = "requested"
	WithdrawalStatusRejected  WithdrawalStatus = "rejected"
	WithdrawalStatusFailed    WithdrawalStatus = "failed"
)

// Withdrawal is a payout requested from the shop balance
type Withdrawal struct {
	ID                string           `json:"id" db:"id"`
	PaymentID         string           `json:"payment_id" db:"payment_id"`
	TegroWithdrawalID int64            `json:"tegro_withdrawal_id,omitempty" db:"tegro_withdrawal_id"`
	Account           string           `json:"account" db:"account"`
	Amount            Money            `json:"amount" db:"amount"`
	PaymentSystem     int              `json:"payment_system" db:"payment_system"`
	Status            WithdrawalStatus `json:"status" db:"status"`
	GatewayResponse   json.RawMessage  `json:"gateway_response,omitempty" db:"gateway_response"`
	CreatedBy         string           `json:"created_by" db:"created_by"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
}

// OperatorStatus represents the status of an operator account
type OperatorStatus string

const (
	OperatorStatusActive   OperatorStatus = "active"
	OperatorStatusDisabled OperatorStatus = "disabled"
)

// Operator is a back-office user or service account
type Operator struct {
	ID           string         `json:"id" db:"id"`
	Username     string         `json:"username" db:"username"`
	PasswordHash string         `json:"-" db:"password_hash"`
	Status       OperatorStatus `json:"status" db:"status"`
	LastLoginAt  *time.Time     `json:"last_login_at" db:"last_login_at"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// SessionStatus represents session state
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusExpired   SessionStatus = "expired"
	SessionStatusLoggedOut SessionStatus = "logged_out"
)

// Session represents an operator session
type Session struct {
	ID             string        `json:"id" db:"id"`
	OperatorID     string        `json:"operator_id" db:"operator_id"`
	Token          string        `json:"-" db:"token"`
	IPAddress      string        `json:"ip_address" db:"ip_address"`
	UserAgent      string        `json:"user_agent" db:"user_agent"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at" db:"last_activity_at"`
	ExpiresAt      time.Time     `json:"expires_at" db:"expires_at"`
	Status         SessionStatus `json:"status" db:"status"`
}

// EventSeverity represents audit event severity
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// AuditEvent represents a significant event
type AuditEvent struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"type"`
	Severity    EventSeverity   `json:"severity" db:"severity"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	OperatorID  *string         `json:"operator_id,omitempty" db:"operator_id"`
	Reference   *string         `json:"reference,omitempty" db:"reference"`
	Description string          `json:"description" db:"description"`
	Data        json.RawMessage `json:"data,omitempty" db:"data"`
	IPAddress   string          `json:"ip_address" db:"ip_address"`
	Component   string          `json:"component" db:"component"`
}

// PayoutStatus is the state of the payout kill-switch
type PayoutStatus struct {
	PayoutsEnabled  bool       `json:"payouts_enabled"`
	DisabledAt      *time.Time `json:"disabled_at,omitempty"`
	DisabledBy      string     `json:"disabled_by,omitempty"`
	DisabledReason  string     `json:"disabled_reason,omitempty"`
	LastStateChange time.Time  `json:"last_state_change"`
}

// Event is pushed to websocket subscribers when an order or withdrawal changes
type Event struct {
	Type      string    `json:"type"`
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	Amount    float64   `json:"amount,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types
const (
	EventOrderCreated      = "order.created"
	EventOrderPaid         = "order.paid"
	EventWithdrawalCreated = "withdrawal.created"
	EventPayoutsDisabled   = "payouts.disabled"
	EventPayoutsEnabled    = "payouts.enabled"
)
