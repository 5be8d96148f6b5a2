// Package payments runs orders and withdrawals through the Tegro gateway.
//
// Every order and withdrawal is recorded locally before the gateway is
// called, so a lost answer still leaves a trace. Withdrawals must pass
// the payout kill-switch and the configured limits first. Payment
// notifications are verified against the shop secret and mark the
// matching order as paid exactly once.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/domain"
	"github.com/alexbotov/tegro/pkg/tegro"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrShopMismatch   = errors.New("notification is for another shop")
	ErrAmountMismatch = errors.New("notification amount does not match order")
)

// DefaultListLimit is used when a local listing asks for no limit
const DefaultListLimit = 50

// Gateway is the subset of the Tegro client used by the service
type Gateway interface {
	ShopID() string
	CreateOrder(ctx context.Context, req *tegro.CreateOrderRequest) (*tegro.Response, error)
	GetShops(ctx context.Context) (*tegro.Response, error)
	GetBalance(ctx context.Context) (*tegro.Response, error)
	GetOrder(ctx context.Context, lookup tegro.Lookup) (*tegro.Response, error)
	ListOrders(ctx context.Context, page int) (*tegro.Response, error)
	CreateWithdrawal(ctx context.Context, req *tegro.CreateWithdrawalRequest) (*tegro.Response, error)
	ListWithdrawals(ctx context.Context, page int) (*tegro.Response, error)
	GetWithdrawal(ctx context.Context, lookup tegro.Lookup) (*tegro.Response, error)
	PaymentURL(p tegro.PaymentParams) string
	VerifyNotification(form url.Values) (*tegro.Notification, error)
}

// PayoutGuard decides whether withdrawals may proceed
type PayoutGuard interface {
	CheckPayout(paymentSystem int) error
}

// Limiter checks withdrawals against limits
type Limiter interface {
	CheckWithdrawal(ctx context.Context, amount domain.Money) error
	Remaining(ctx context.Context, currency string) (domain.Money, bool, error)
}

// Auditor records audit events
type Auditor interface {
	Log(ctx context.Context, eventType string, severity domain.EventSeverity, description string, data any, opts ...audit.EventOption) error
}

// Publisher fans events out to live subscribers
type Publisher interface {
	Publish(event domain.Event)
}

// Service coordinates gateway calls with local bookkeeping
type Service struct {
	gateway   Gateway
	repo      Repository
	guard     PayoutGuard
	limiter   Limiter
	audit     Auditor
	publisher Publisher
	logger    *zap.Logger
	testMode  bool
	now       func() time.Time

	// payoutLocks serializes the limit check and insert per currency
	payoutLocks keyedMutex
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Option configures a Service
type Option func(*Service)

// WithPublisher sets the event publisher
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the service logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTestMode marks orders as test orders unless a request says otherwise
func WithTestMode(test bool) Option {
	return func(s *Service) { s.testMode = test }
}

// New creates a payments service
func New(gateway Gateway, repo Repository, guard PayoutGuard, limiter Limiter, auditor Auditor, opts ...Option) *Service {
	s := &Service{
		gateway: gateway,
		repo:    repo,
		guard:   guard,
		limiter: limiter,
		audit:   auditor,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrderRequest is an order as submitted by an operator
type CreateOrderRequest struct {
	Currency      string         `json:"currency" validate:"required,len=3"`
	Amount        float64        `json:"amount" validate:"gt=0"`
	PaymentSystem int            `json:"payment_system" validate:"gte=0"`
	OrderID       string         `json:"order_id" validate:"omitempty,max=255"`
	Test          *bool          `json:"test,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
	Receipt       *tegro.Receipt `json:"receipt,omitempty"`
}

// OrderResult is a stored order with the gateway answer
type OrderResult struct {
	Order    *domain.Order   `json:"order"`
	Response *tegro.Response `json:"response"`
}

// CreateOrder records an order and registers it with Tegro
func (s *Service) CreateOrder(ctx context.Context, req *CreateOrderRequest, operatorID string) (*OrderResult, error) {
	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.New().String()
	}
	test := s.testMode
	if req.Test != nil {
		test = *req.Test
	}

	now := s.now()
	order := &domain.Order{
		ID:            uuid.New().String(),
		ShopOrderID:   orderID,
		Amount:        domain.NewMoney(req.Amount, strings.ToUpper(req.Currency)),
		PaymentSystem: req.PaymentSystem,
		Status:        domain.OrderStatusCreated,
		Test:          test,
		CreatedBy:     operatorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(req.Fields) > 0 {
		fields, err := json.Marshal(req.Fields)
		if err != nil {
			return nil, fmt.Errorf("invalid order fields: %w", err)
		}
		order.Fields = fields
	}

	if err := s.repo.InsertOrder(ctx, order); err != nil {
		return nil, err
	}

	resp, err := s.gateway.CreateOrder(ctx, &tegro.CreateOrderRequest{
		Currency:      order.Amount.Currency,
		Amount:        req.Amount,
		PaymentSystem: req.PaymentSystem,
		OrderID:       orderID,
		Test:          test,
		Fields:        req.Fields,
		Receipt:       req.Receipt,
	})
	if err != nil || !resp.OK() {
		s.failOrder(ctx, order, resp, err, operatorID)
		return &OrderResult{Order: order, Response: resp}, gatewayErr(resp, err)
	}

	var created tegro.CreatedOrder
	if err := resp.Decode(&created); err != nil {
		s.logger.Warn("unexpected createOrder data", zap.String("order_id", orderID), zap.Error(err))
	}
	order.TegroOrderID = created.ID
	order.PaymentURL = created.URL
	order.UpdatedAt = s.now()
	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventOrderCreated, domain.SeverityInfo,
		fmt.Sprintf("Order %s created for %.2f %s", orderID, order.Amount.Float64(), order.Amount.Currency),
		map[string]any{
			"tegro_order_id": created.ID,
			"payment_system": req.PaymentSystem,
			"test":           test,
		},
		audit.WithOperator(operatorID), audit.WithReference(orderID))

	s.publish(domain.EventOrderCreated, orderID, string(order.Status), order.Amount)
	s.logger.Info("order created",
		zap.String("order_id", orderID),
		zap.Int64("tegro_order_id", created.ID),
		zap.Int64("amount", order.Amount.Amount),
		zap.String("currency", order.Amount.Currency))

	return &OrderResult{Order: order, Response: resp}, nil
}

func (s *Service) failOrder(ctx context.Context, order *domain.Order, resp *tegro.Response, callErr error, operatorID string) {
	order.Status = domain.OrderStatusFailed
	order.UpdatedAt = s.now()
	if err := s.repo.UpdateOrder(ctx, order); err != nil {
		s.logger.Error("failed to mark order failed", zap.String("order_id", order.ShopOrderID), zap.Error(err))
	}

	desc := gatewayErr(resp, callErr).Error()
	s.audit.Log(ctx, audit.EventGatewayError, domain.SeverityError,
		fmt.Sprintf("createOrder failed for %s: %s", order.ShopOrderID, desc),
		map[string]any{"error": desc},
		audit.WithOperator(operatorID), audit.WithReference(order.ShopOrderID))
	s.logger.Warn("order rejected by gateway", zap.String("order_id", order.ShopOrderID), zap.String("error", desc))
}

// GetOrder looks an order up at Tegro and syncs the local status
func (s *Service) GetOrder(ctx context.Context, lookup tegro.Lookup, operatorID string) (*tegro.Response, error) {
	resp, err := s.gateway.GetOrder(ctx, lookup)
	if err != nil {
		return nil, err
	}

	s.audit.Log(ctx, audit.EventOrderLookup, domain.SeverityInfo,
		"Order looked up", map[string]any{"order_id": lookup.OrderID, "payment_id": lookup.PaymentID, "type": resp.Type},
		audit.WithOperator(operatorID))

	if !resp.OK() {
		return resp, nil
	}

	var info tegro.OrderInfo
	if err := resp.Decode(&info); err != nil || info.OrderID == "" {
		return resp, nil
	}
	if info.Status == tegro.OrderStatusPaid {
		if _, err := s.markPaid(ctx, info.OrderID, ""); err != nil && !errors.Is(err, ErrOrderNotFound) {
			s.logger.Warn("failed to sync order status", zap.String("order_id", info.OrderID), zap.Error(err))
		}
	}
	return resp, nil
}

// ListOrders returns a page of orders from Tegro
func (s *Service) ListOrders(ctx context.Context, page int) (*tegro.Response, error) {
	return s.gateway.ListOrders(ctx, page)
}

// LocalOrders returns recently created orders from storage
func (s *Service) LocalOrders(ctx context.Context, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.repo.ListOrders(ctx, limit)
}

// GetShops returns the merchant's shops
func (s *Service) GetShops(ctx context.Context) (*tegro.Response, error) {
	return s.gateway.GetShops(ctx)
}

// GetBalance returns the merchant's balances
func (s *Service) GetBalance(ctx context.Context) (*tegro.Response, error) {
	return s.gateway.GetBalance(ctx)
}

// CreateWithdrawalRequest is a payout as submitted by an operator
type CreateWithdrawalRequest struct {
	Currency      string  `json:"currency" validate:"required,len=3"`
	Account       string  `json:"account" validate:"required,max=255"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	PaymentID     string  `json:"payment_id" validate:"omitempty,max=255"`
	PaymentSystem int     `json:"payment_system" validate:"gt=0"`
}

// WithdrawalResult is a stored withdrawal with the gateway answer
type WithdrawalResult struct {
	Withdrawal *domain.Withdrawal `json:"withdrawal"`
	Response   *tegro.Response    `json:"response"`
}

// CreateWithdrawal checks payout controls and limits, then requests the payout
func (s *Service) CreateWithdrawal(ctx context.Context, req *CreateWithdrawalRequest, operatorID string) (*WithdrawalResult, error) {
	paymentID := req.PaymentID
	if paymentID == "" {
		paymentID = uuid.New().String()
	}
	amount := domain.NewMoney(req.Amount, strings.ToUpper(req.Currency))

	unlock := s.payoutLocks.lock(amount.Currency)
	if err := s.checkPayout(ctx, req.PaymentSystem, amount); err != nil {
		unlock()
		s.audit.Log(ctx, audit.EventWithdrawalBlocked, domain.SeverityWarning,
			fmt.Sprintf("Withdrawal %s blocked: %v", paymentID, err),
			map[string]any{
				"amount":         amount.Float64(),
				"currency":       amount.Currency,
				"payment_system": req.PaymentSystem,
			},
			audit.WithOperator(operatorID), audit.WithReference(paymentID))
		return nil, err
	}

	w := &domain.Withdrawal{
		ID:            uuid.New().String(),
		PaymentID:     paymentID,
		Account:       req.Account,
		Amount:        amount,
		PaymentSystem: req.PaymentSystem,
		Status:        domain.WithdrawalStatusRequested,
		CreatedBy:     operatorID,
		CreatedAt:     s.now(),
	}
	err := s.repo.InsertWithdrawal(ctx, w)
	unlock()
	if err != nil {
		return nil, err
	}

	resp, err := s.gateway.CreateWithdrawal(ctx, &tegro.CreateWithdrawalRequest{
		Currency:      amount.Currency,
		Account:       req.Account,
		Amount:        req.Amount,
		PaymentID:     paymentID,
		PaymentSystem: req.PaymentSystem,
	})
	if resp != nil {
		w.GatewayResponse = resp.Raw
	}

	switch {
	case err != nil:
		w.Status = domain.WithdrawalStatusFailed
	case !resp.OK():
		w.Status = domain.WithdrawalStatusRejected
	default:
		var created tegro.CreatedWithdrawal
		if decodeErr := resp.Decode(&created); decodeErr == nil {
			w.TegroWithdrawalID = created.ID
		}
	}

	if updateErr := s.repo.UpdateWithdrawal(ctx, w); updateErr != nil {
		s.logger.Error("failed to update withdrawal", zap.String("payment_id", paymentID), zap.Error(updateErr))
	}

	if w.Status != domain.WithdrawalStatusRequested {
		desc := gatewayErr(resp, err).Error()
		s.audit.Log(ctx, audit.EventGatewayError, domain.SeverityError,
			fmt.Sprintf("createWithdrawal failed for %s: %s", paymentID, desc),
			map[string]any{"error": desc},
			audit.WithOperator(operatorID), audit.WithReference(paymentID))
		return &WithdrawalResult{Withdrawal: w, Response: resp}, gatewayErr(resp, err)
	}

	s.audit.Log(ctx, audit.EventWithdrawalCreated, domain.SeverityInfo,
		fmt.Sprintf("Withdrawal %s of %.2f %s requested", paymentID, amount.Float64(), amount.Currency),
		map[string]any{
			"tegro_withdrawal_id": w.TegroWithdrawalID,
			"payment_system":      req.PaymentSystem,
		},
		audit.WithOperator(operatorID), audit.WithReference(paymentID))

	s.publish(domain.EventWithdrawalCreated, paymentID, string(w.Status), amount)
	s.logger.Info("withdrawal requested",
		zap.String("payment_id", paymentID),
		zap.Int64("amount", amount.Amount),
		zap.String("currency", amount.Currency))

	return &WithdrawalResult{Withdrawal: w, Response: resp}, nil
}

func (s *Service) checkPayout(ctx context.Context, paymentSystem int, amount domain.Money) error {
	if err := s.guard.CheckPayout(paymentSystem); err != nil {
		return err
	}
	return s.limiter.CheckWithdrawal(ctx, amount)
}

// RemainingLimit reports how much of currency can still be withdrawn
// today, or false when the currency has no daily limit
func (s *Service) RemainingLimit(ctx context.Context, currency string) (domain.Money, bool, error) {
	return s.limiter.Remaining(ctx, strings.ToUpper(currency))
}

// ListWithdrawals returns a page of withdrawals from Tegro
func (s *Service) ListWithdrawals(ctx context.Context, page int) (*tegro.Response, error) {
	return s.gateway.ListWithdrawals(ctx, page)
}

// GetWithdrawal looks a withdrawal up at Tegro
func (s *Service) GetWithdrawal(ctx context.Context, lookup tegro.Lookup) (*tegro.Response, error) {
	return s.gateway.GetWithdrawal(ctx, lookup)
}

// LocalWithdrawals returns recently requested withdrawals from storage
func (s *Service) LocalWithdrawals(ctx context.Context, limit int) ([]*domain.Withdrawal, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.repo.ListWithdrawals(ctx, limit)
}

// PaymentLinkRequest describes a payment-form link. Test overrides the
// service test mode when set.
type PaymentLinkRequest struct {
	Currency      string            `json:"currency" validate:"required,len=3"`
	Amount        float64           `json:"amount" validate:"gt=0"`
	OrderID       string            `json:"order_id" validate:"required,max=255"`
	PaymentSystem int               `json:"payment_system" validate:"gte=0"`
	Test          *bool             `json:"test,omitempty"`
	Lang          string            `json:"lang" validate:"omitempty,oneof=ru en"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// PaymentLink builds a signed payment-form link for a customer
func (s *Service) PaymentLink(req *PaymentLinkRequest) string {
	test := s.testMode
	if req.Test != nil {
		test = *req.Test
	}
	return s.gateway.PaymentURL(tegro.PaymentParams{
		Currency:      strings.ToUpper(req.Currency),
		Amount:        req.Amount,
		OrderID:       req.OrderID,
		PaymentSystem: req.PaymentSystem,
		Test:          test,
		Lang:          req.Lang,
		Extra:         req.Extra,
	})
}

// HandleNotification verifies a payment callback and marks the order paid.
// Repeated notifications for a paid order succeed without side effects.
func (s *Service) HandleNotification(ctx context.Context, form url.Values, ip string) (*domain.Order, error) {
	n, err := s.gateway.VerifyNotification(form)
	if err != nil {
		s.rejectNotification(ctx, form.Get("order_id"), ip, err)
		return nil, err
	}
	if n.ShopID != s.gateway.ShopID() {
		s.rejectNotification(ctx, n.OrderID, ip, ErrShopMismatch)
		return nil, ErrShopMismatch
	}

	order, err := s.repo.GetOrder(ctx, n.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.rejectNotification(ctx, n.OrderID, ip, err)
		}
		return nil, err
	}

	amount, err := strconv.ParseFloat(n.Amount, 64)
	if err != nil || domain.NewMoney(amount, order.Amount.Currency).Amount != order.Amount.Amount {
		s.rejectNotification(ctx, n.OrderID, ip, ErrAmountMismatch)
		return nil, ErrAmountMismatch
	}

	if order.Status == domain.OrderStatusFailed {
		// createOrder may have reached Tegro even though its answer was lost
		s.logger.Warn("payment received for failed order", zap.String("order_id", n.OrderID))
	}
	return s.markPaid(ctx, n.OrderID, ip)
}

func (s *Service) markPaid(ctx context.Context, shopOrderID, ip string) (*domain.Order, error) {
	changed, err := s.repo.MarkOrderPaid(ctx, shopOrderID, s.now())
	if err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, shopOrderID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return order, nil
	}

	s.audit.Log(ctx, audit.EventOrderPaid, domain.SeverityInfo,
		fmt.Sprintf("Order %s paid", shopOrderID),
		map[string]any{
			"amount":   order.Amount.Float64(),
			"currency": order.Amount.Currency,
		},
		audit.WithReference(shopOrderID), audit.WithIP(ip))

	s.publish(domain.EventOrderPaid, shopOrderID, string(order.Status), order.Amount)
	s.logger.Info("order paid", zap.String("order_id", shopOrderID))

	return order, nil
}

func (s *Service) rejectNotification(ctx context.Context, orderID, ip string, reason error) {
	s.audit.Log(ctx, audit.EventNotificationRejected, domain.SeverityWarning,
		fmt.Sprintf("Notification rejected: %v", reason),
		map[string]any{"order_id": orderID},
		audit.WithIP(ip))
	s.logger.Warn("notification rejected", zap.String("order_id", orderID), zap.String("ip", ip), zap.Error(reason))
}

func (s *Service) publish(eventType, reference, status string, amount domain.Money) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(domain.Event{
		Type:      eventType,
		Reference: reference,
		Status:    status,
		Amount:    amount.Float64(),
		Currency:  amount.Currency,
		Timestamp: s.now(),
	})
}

// gatewayErr returns the transport error, or the gateway error carried by resp
func gatewayErr(resp *tegro.Response, err error) error {
	if err != nil {
		return err
	}
	if apiErr := resp.Err(); apiErr != nil {
		return apiErr
	}
	return fmt.Errorf("tegro: unexpected response type %q", resp.Type)
}
