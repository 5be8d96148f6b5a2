// Package api provides the HTTP API of the payment service
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/auth"
	"github.com/alexbotov/tegro/internal/control"
	"github.com/alexbotov/tegro/internal/domain"
	"github.com/alexbotov/tegro/internal/limits"
	"github.com/alexbotov/tegro/internal/payments"
	"github.com/alexbotov/tegro/pkg/tegro"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Version is reported by GET /
const Version = "1.0.0"

// Authenticator validates operators
type Authenticator interface {
	Login(ctx context.Context, req *auth.LoginRequest, ip, userAgent string) (*auth.LoginResponse, error)
	ValidateToken(ctx context.Context, token string) (*domain.Session, *domain.Operator, error)
	Logout(ctx context.Context, session *domain.Session) error
}

// PaymentService runs orders and withdrawals
type PaymentService interface {
	CreateOrder(ctx context.Context, req *payments.CreateOrderRequest, operatorID string) (*payments.OrderResult, error)
	GetOrder(ctx context.Context, lookup tegro.Lookup, operatorID string) (*tegro.Response, error)
	ListOrders(ctx context.Context, page int) (*tegro.Response, error)
	LocalOrders(ctx context.Context, limit int) ([]*domain.Order, error)
	GetShops(ctx context.Context) (*tegro.Response, error)
	GetBalance(ctx context.Context) (*tegro.Response, error)
	CreateWithdrawal(ctx context.Context, req *payments.CreateWithdrawalRequest, operatorID string) (*payments.WithdrawalResult, error)
	GetWithdrawal(ctx context.Context, lookup tegro.Lookup) (*tegro.Response, error)
	ListWithdrawals(ctx context.Context, page int) (*tegro.Response, error)
	LocalWithdrawals(ctx context.Context, limit int) ([]*domain.Withdrawal, error)
	PaymentLink(req *payments.PaymentLinkRequest) string
	RemainingLimit(ctx context.Context, currency string) (domain.Money, bool, error)
	HandleNotification(ctx context.Context, form url.Values, ip string) (*domain.Order, error)
}

// PayoutControl is the payout kill-switch
type PayoutControl interface {
	Status() *domain.PayoutStatus
	DisabledPaymentSystems() []int
	DisablePayouts(ctx context.Context, reason, authorizedBy string) error
	EnablePayouts(ctx context.Context, authorizedBy string) error
	DisablePaymentSystem(ctx context.Context, paymentSystem int, reason, authorizedBy string) error
	EnablePaymentSystem(ctx context.Context, paymentSystem int, authorizedBy string) error
}

// AuditLog reads audit events
type AuditLog interface {
	GetEvents(ctx context.Context, filter *audit.EventFilter) ([]*domain.AuditEvent, error)
}

// Pinger reports database health
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Handler contains all HTTP handlers
type Handler struct {
	auth     Authenticator
	payments PaymentService
	control  PayoutControl
	audit    AuditLog
	hub      *Hub
	db       Pinger
	logger   *zap.Logger
	validate *validator.Validate
}

// New creates a new API handler
func New(authSvc Authenticator, paymentSvc PaymentService, controlSvc PayoutControl, auditLog AuditLog, hub *Hub, db Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Handler{
		auth:     authSvc,
		payments: paymentSvc,
		control:  controlSvc,
		audit:    auditLog,
		hub:      hub,
		db:       db,
		logger:   logger,
		validate: validator.New(),
	}
}

// Response helpers

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
	})
}

// respondGatewayError maps errors from the Tegro gateway and the payment service
func (h *Handler) respondGatewayError(w http.ResponseWriter, err error) {
	var apiErr *tegro.APIError
	var httpErr *tegro.HTTPError
	var exceeded *limits.ExceededError

	switch {
	case errors.Is(err, tegro.ErrMissingIdentifier):
		respondError(w, http.StatusBadRequest, "MISSING_IDENTIFIER", err.Error())
	case errors.As(err, &apiErr):
		respondError(w, http.StatusUnprocessableEntity, "GATEWAY_REJECTED", apiErr.Desc)
	case errors.As(err, &httpErr):
		h.logger.Error("gateway http error", zap.Int("status", httpErr.StatusCode), zap.String("body", httpErr.Body))
		respondError(w, http.StatusBadGateway, "GATEWAY_HTTP_ERROR", fmt.Sprintf("Gateway answered with status %d", httpErr.StatusCode))
	case errors.Is(err, control.ErrPayoutsDisabled), errors.Is(err, control.ErrPaymentSystemDisabled):
		respondError(w, http.StatusServiceUnavailable, "PAYOUTS_DISABLED", err.Error())
	case errors.As(err, &exceeded):
		respondError(w, http.StatusForbidden, "LIMIT_EXCEEDED", err.Error())
	case errors.Is(err, limits.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "INVALID_AMOUNT", err.Error())
	case errors.Is(err, payments.ErrDuplicateReference):
		respondError(w, http.StatusConflict, "DUPLICATE_REFERENCE", err.Error())
	default:
		h.logger.Error("gateway call failed", zap.Error(err))
		respondError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", "Payment gateway unavailable")
	}
}

// decodeAndValidate reads a JSON body into v and validates it
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_FAILED", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// getClientIP extracts client IP from request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

func queryInt(r *http.Request, name string, def, upper int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && (upper == 0 || n <= upper) {
			return n
		}
	}
	return def
}

// parseLookup reads order_id / payment_id query parameters
func parseLookup(r *http.Request) (tegro.Lookup, error) {
	var lookup tegro.Lookup
	if v := r.URL.Query().Get("order_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return lookup, fmt.Errorf("invalid order_id %q", v)
		}
		lookup.OrderID = id
	}
	lookup.PaymentID = r.URL.Query().Get("payment_id")
	return lookup, nil
}

// === Health & Info ===

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":          "healthy",
		"payouts_enabled": h.control.Status().PayoutsEnabled,
		"subscribers":     h.hub.Subscribers(),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}

	respondJSON(w, http.StatusOK, status)
}

// ServerInfo handles GET /
func (h *Handler) ServerInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"name":        "tegro",
		"version":     Version,
		"description": "Tegro.money payment gateway service",
	})
}

// === Authentication ===

// Login handles POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.auth.Login(r.Context(), &req, getClientIP(r), r.UserAgent())
	if err != nil {
		switch err {
		case auth.ErrInvalidCredentials:
			respondError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		case auth.ErrAccountLocked:
			respondError(w, http.StatusForbidden, "ACCOUNT_LOCKED", "Account is temporarily locked")
		case auth.ErrAccountNotActive:
			respondError(w, http.StatusForbidden, "ACCOUNT_INACTIVE", "Account is not active")
		default:
			h.logger.Error("login failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"token":      result.Token,
		"session_id": result.Session.ID,
		"operator": map[string]any{
			"id":       result.Operator.ID,
			"username": result.Operator.Username,
		},
		"expires_at": result.Session.ExpiresAt,
	})
}

// Logout handles POST /api/v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())

	if err := h.auth.Logout(r.Context(), session); err != nil {
		respondError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "Logout failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

// GetSession handles GET /api/v1/auth/session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	operator := operatorFromContext(r.Context())

	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":       session.ID,
		"operator":         operator,
		"created_at":       session.CreatedAt,
		"last_activity_at": session.LastActivityAt,
		"expires_at":       session.ExpiresAt,
	})
}

// === Orders ===

// CreateOrder handles POST /api/v1/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req payments.CreateOrderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.payments.CreateOrder(r.Context(), &req, operatorFromContext(r.Context()).ID)
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// ListOrders handles GET /api/v1/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "local" {
		orders, err := h.payments.LocalOrders(r.Context(), queryInt(r, "limit", payments.DefaultListLimit, 500))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "ORDERS_ERROR", "Failed to list orders")
			return
		}
		respondJSON(w, http.StatusOK, orders)
		return
	}

	resp, err := h.payments.ListOrders(r.Context(), queryInt(r, "page", 1, 0))
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetOrder handles GET /api/v1/orders/lookup
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	lookup, err := parseLookup(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	resp, err := h.payments.GetOrder(r.Context(), lookup, operatorFromContext(r.Context()).ID)
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// === Withdrawals ===

// CreateWithdrawal handles POST /api/v1/withdrawals
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req payments.CreateWithdrawalRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.payments.CreateWithdrawal(r.Context(), &req, operatorFromContext(r.Context()).ID)
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// ListWithdrawals handles GET /api/v1/withdrawals
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "local" {
		withdrawals, err := h.payments.LocalWithdrawals(r.Context(), queryInt(r, "limit", payments.DefaultListLimit, 500))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "WITHDRAWALS_ERROR", "Failed to list withdrawals")
			return
		}
		respondJSON(w, http.StatusOK, withdrawals)
		return
	}

	resp, err := h.payments.ListWithdrawals(r.Context(), queryInt(r, "page", 1, 0))
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetWithdrawal handles GET /api/v1/withdrawals/lookup
func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	lookup, err := parseLookup(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	resp, err := h.payments.GetWithdrawal(r.Context(), lookup)
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// === Account ===

// GetShops handles GET /api/v1/shops
func (h *Handler) GetShops(w http.ResponseWriter, r *http.Request) {
	resp, err := h.payments.GetShops(r.Context())
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetBalance handles GET /api/v1/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	resp, err := h.payments.GetBalance(r.Context())
	if err != nil {
		h.respondGatewayError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// PaymentLink handles POST /api/v1/payment-link
func (h *Handler) PaymentLink(w http.ResponseWriter, r *http.Request) {
	var req payments.PaymentLinkRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": h.payments.PaymentLink(&req)})
}

// === Notifications ===

// Notification handles POST /api/v1/notifications/tegro
func (h *Handler) Notification(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	_, err := h.payments.HandleNotification(r.Context(), r.PostForm, getClientIP(r))
	if err != nil {
		switch {
		case errors.Is(err, tegro.ErrInvalidSignature), errors.Is(err, payments.ErrShopMismatch):
			http.Error(w, "invalid signature", http.StatusForbidden)
		case errors.Is(err, payments.ErrOrderNotFound):
			http.Error(w, "order not found", http.StatusNotFound)
		case errors.Is(err, payments.ErrAmountMismatch):
			http.Error(w, "amount mismatch", http.StatusBadRequest)
		default:
			h.logger.Error("notification failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// === Payout controls ===

type disableRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// GetPayoutStatus handles GET /api/v1/control/payouts
func (h *Handler) GetPayoutStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":                   h.control.Status(),
		"disabled_payment_systems": h.control.DisabledPaymentSystems(),
	})
}

// DisablePayouts handles DELETE /api/v1/control/payouts
func (h *Handler) DisablePayouts(w http.ResponseWriter, r *http.Request) {
	var req disableRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	operator := operatorFromContext(r.Context())
	if err := h.control.DisablePayouts(r.Context(), req.Reason, operator.Username); err != nil {
		h.logger.Error("failed to disable payouts", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "CONTROL_ERROR", "Failed to disable payouts")
		return
	}

	h.publishControl(domain.EventPayoutsDisabled, "all", "disabled")
	h.logger.Warn("payouts disabled", zap.String("by", operator.Username), zap.String("reason", req.Reason))
	respondJSON(w, http.StatusOK, h.control.Status())
}

// EnablePayouts handles POST /api/v1/control/payouts
func (h *Handler) EnablePayouts(w http.ResponseWriter, r *http.Request) {
	operator := operatorFromContext(r.Context())
	if err := h.control.EnablePayouts(r.Context(), operator.Username); err != nil {
		h.logger.Error("failed to enable payouts", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "CONTROL_ERROR", "Failed to enable payouts")
		return
	}

	h.publishControl(domain.EventPayoutsEnabled, "all", "enabled")
	h.logger.Info("payouts enabled", zap.String("by", operator.Username))
	respondJSON(w, http.StatusOK, h.control.Status())
}

// DisablePaymentSystem handles DELETE /api/v1/control/payment-systems/{id}
func (h *Handler) DisablePaymentSystem(w http.ResponseWriter, r *http.Request) {
	ps, err := paymentSystemVar(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var req disableRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	operator := operatorFromContext(r.Context())
	if err := h.control.DisablePaymentSystem(r.Context(), ps, req.Reason, operator.Username); err != nil {
		h.logger.Error("failed to disable payment system", zap.Int("payment_system", ps), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "CONTROL_ERROR", "Failed to disable payment system")
		return
	}

	h.publishControl(domain.EventPayoutsDisabled, strconv.Itoa(ps), "disabled")
	respondJSON(w, http.StatusOK, map[string]any{"disabled_payment_systems": h.control.DisabledPaymentSystems()})
}

// EnablePaymentSystem handles POST /api/v1/control/payment-systems/{id}
func (h *Handler) EnablePaymentSystem(w http.ResponseWriter, r *http.Request) {
	ps, err := paymentSystemVar(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	operator := operatorFromContext(r.Context())
	if err := h.control.EnablePaymentSystem(r.Context(), ps, operator.Username); err != nil {
		h.logger.Error("failed to enable payment system", zap.Int("payment_system", ps), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "CONTROL_ERROR", "Failed to enable payment system")
		return
	}

	h.publishControl(domain.EventPayoutsEnabled, strconv.Itoa(ps), "enabled")
	respondJSON(w, http.StatusOK, map[string]any{"disabled_payment_systems": h.control.DisabledPaymentSystems()})
}

// paymentSystemVar reads the {id} route variable
func paymentSystemVar(r *http.Request) (int, error) {
	v := mux.Vars(r)["id"]
	ps, err := strconv.Atoi(v)
	if err != nil || ps <= 0 {
		return 0, fmt.Errorf("invalid payment system %q", v)
	}
	return ps, nil
}

// GetLimit handles GET /api/v1/limits/{currency}
func (h *Handler) GetLimit(w http.ResponseWriter, r *http.Request) {
	currency := strings.ToUpper(mux.Vars(r)["currency"])

	remaining, limited, err := h.payments.RemainingLimit(r.Context(), currency)
	if err != nil {
		h.logger.Error("failed to read withdrawal limit", zap.String("currency", currency), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "LIMITS_ERROR", "Failed to read withdrawal limit")
		return
	}

	result := map[string]any{
		"currency": currency,
		"limited":  limited,
	}
	if limited {
		result["remaining"] = remaining.Float64()
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handler) publishControl(eventType, reference, status string) {
	h.hub.Publish(domain.Event{
		Type:      eventType,
		Reference: reference,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

// === Audit ===

// GetAuditEvents handles GET /api/v1/audit
func (h *Handler) GetAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &audit.EventFilter{
		OperatorID: q.Get("operator_id"),
		Reference:  q.Get("reference"),
		Type:       q.Get("type"),
		Limit:      queryInt(r, "limit", 100, 1000),
	}
	if v := q.Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "from must be RFC 3339")
			return
		}
		filter.From = from.UTC()
	}
	if v := q.Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "to must be RFC 3339")
			return
		}
		filter.To = to.UTC()
	}

	events, err := h.audit.GetEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to read audit events", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Failed to read audit events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}
