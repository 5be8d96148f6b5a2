package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexbotov/tegro/internal/audit"
	"github.com/alexbotov/tegro/internal/auth"
	"github.com/alexbotov/tegro/internal/control"
	"github.com/alexbotov/tegro/internal/domain"
	"github.com/alexbotov/tegro/internal/limits"
	"github.com/alexbotov/tegro/internal/payments"
	"github.com/alexbotov/tegro/pkg/tegro"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validToken = "valid-token"

type fakeAuth struct{}

func (fakeAuth) Login(_ context.Context, req *auth.LoginRequest, _, _ string) (*auth.LoginResponse, error) {
	if req.Password != "secret-password" {
		return nil, auth.ErrInvalidCredentials
	}
	return &auth.LoginResponse{
		Operator: &domain.Operator{ID: "op-1", Username: req.Username},
		Session:  &domain.Session{ID: "sess-1", ExpiresAt: time.Now().Add(time.Hour)},
		Token:    validToken,
	}, nil
}

func (fakeAuth) ValidateToken(_ context.Context, token string) (*domain.Session, *domain.Operator, error) {
	if token != validToken {
		return nil, nil, auth.ErrSessionExpired
	}
	return &domain.Session{ID: "sess-1"}, &domain.Operator{ID: "op-1", Username: "ops"}, nil
}

func (fakeAuth) Logout(context.Context, *domain.Session) error { return nil }

type fakePayments struct {
	mu           sync.Mutex
	err          error
	response     *tegro.Response
	lookups      []tegro.Lookup
	orderReqs    []*payments.CreateOrderRequest
	linkReqs     []*payments.PaymentLinkRequest
	notification url.Values
}

func (p *fakePayments) CreateOrder(_ context.Context, req *payments.CreateOrderRequest, operatorID string) (*payments.OrderResult, error) {
	p.mu.Lock()
	p.orderReqs = append(p.orderReqs, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &payments.OrderResult{
		Order:    &domain.Order{ShopOrderID: req.OrderID, CreatedBy: operatorID, Status: domain.OrderStatusCreated},
		Response: p.response,
	}, nil
}

func (p *fakePayments) GetOrder(_ context.Context, lookup tegro.Lookup, _ string) (*tegro.Response, error) {
	p.mu.Lock()
	p.lookups = append(p.lookups, lookup)
	p.mu.Unlock()
	if lookup.OrderID == 0 && lookup.PaymentID == "" {
		return nil, tegro.ErrMissingIdentifier
	}
	return p.response, p.err
}

func (p *fakePayments) ListOrders(context.Context, int) (*tegro.Response, error) {
	return p.response, p.err
}

func (p *fakePayments) LocalOrders(context.Context, int) ([]*domain.Order, error) {
	return []*domain.Order{{ShopOrderID: "local-1"}}, nil
}

func (p *fakePayments) GetShops(context.Context) (*tegro.Response, error) {
	return p.response, p.err
}

func (p *fakePayments) GetBalance(context.Context) (*tegro.Response, error) {
	return p.response, p.err
}

func (p *fakePayments) CreateWithdrawal(_ context.Context, req *payments.CreateWithdrawalRequest, _ string) (*payments.WithdrawalResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &payments.WithdrawalResult{
		Withdrawal: &domain.Withdrawal{PaymentID: req.PaymentID, Status: domain.WithdrawalStatusRequested},
		Response:   p.response,
	}, nil
}

func (p *fakePayments) GetWithdrawal(_ context.Context, lookup tegro.Lookup) (*tegro.Response, error) {
	if lookup.OrderID == 0 && lookup.PaymentID == "" {
		return nil, tegro.ErrMissingIdentifier
	}
	return p.response, p.err
}

func (p *fakePayments) ListWithdrawals(context.Context, int) (*tegro.Response, error) {
	return p.response, p.err
}

func (p *fakePayments) LocalWithdrawals(context.Context, int) ([]*domain.Withdrawal, error) {
	return nil, nil
}

func (p *fakePayments) PaymentLink(req *payments.PaymentLinkRequest) string {
	p.mu.Lock()
	p.linkReqs = append(p.linkReqs, req)
	p.mu.Unlock()
	return "https://tegro.money/pay/?order_id=" + req.OrderID
}

func (p *fakePayments) RemainingLimit(_ context.Context, currency string) (domain.Money, bool, error) {
	if p.err != nil {
		return domain.Money{}, false, p.err
	}
	if currency != "RUB" {
		return domain.Money{}, false, nil
	}
	return domain.Money{Amount: 42050, Currency: currency}, true, nil
}

func (p *fakePayments) HandleNotification(_ context.Context, form url.Values, _ string) (*domain.Order, error) {
	p.mu.Lock()
	p.notification = form
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &domain.Order{ShopOrderID: form.Get("order_id"), Status: domain.OrderStatusPaid}, nil
}

type fakeControl struct {
	mu       sync.Mutex
	enabled  bool
	reason   string
	disabled map[int]bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{enabled: true, disabled: make(map[int]bool)}
}

func (c *fakeControl) Status() *domain.PayoutStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &domain.PayoutStatus{PayoutsEnabled: c.enabled, DisabledReason: c.reason}
}

func (c *fakeControl) DisabledPaymentSystems() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for ps := range c.disabled {
		out = append(out, ps)
	}
	return out
}

func (c *fakeControl) DisablePayouts(_ context.Context, reason, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled, c.reason = false, reason
	return nil
}

func (c *fakeControl) EnablePayouts(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled, c.reason = true, ""
	return nil
}

func (c *fakeControl) DisablePaymentSystem(_ context.Context, ps int, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled[ps] = true
	return nil
}

func (c *fakeControl) EnablePaymentSystem(_ context.Context, ps int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disabled, ps)
	return nil
}

type fakeAudit struct {
	filter *audit.EventFilter
}

func (a *fakeAudit) GetEvents(_ context.Context, filter *audit.EventFilter) ([]*domain.AuditEvent, error) {
	a.filter = filter
	return []*domain.AuditEvent{{ID: "evt-1", Type: audit.EventOrderCreated}}, nil
}

type testEnv struct {
	handler  *Handler
	router   http.Handler
	payments *fakePayments
	control  *fakeControl
	audit    *fakeAudit
	hub      *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		payments: &fakePayments{response: &tegro.Response{Type: tegro.ResponseSuccess, Data: json.RawMessage(`{"ok":1}`)}},
		control:  newFakeControl(),
		audit:    &fakeAudit{},
		hub:      NewHub(nil),
	}
	env.handler = New(fakeAuth{}, env.payments, env.control, env.audit, env.hub, nil, nil)
	env.router = env.handler.SetupRouter()
	t.Cleanup(env.hub.Close)
	return env
}

func (env *testEnv) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestServerInfoAndHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"tegro"`)

	rec = env.do("GET", "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"payouts_enabled":true`)
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeEnvelope(t, rec).Error.Code)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/v1/balance", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "NO_TOKEN", decodeEnvelope(t, rec).Error.Code)

	req := httptest.NewRequest("GET", "/api/v1/balance", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, "INVALID_TOKEN_FORMAT", decodeEnvelope(t, rec).Error.Code)

	rec = env.do("GET", "/api/v1/balance", nil, "expired")
	assert.Equal(t, "SESSION_EXPIRED", decodeEnvelope(t, rec).Error.Code)

	rec = env.do("GET", "/api/v1/balance", nil, validToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/api/v1/auth/login", map[string]string{"username": "ops"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", decodeEnvelope(t, rec).Error.Code)

	rec = env.do("POST", "/api/v1/auth/login", map[string]string{"username": "ops", "password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do("POST", "/api/v1/auth/login", map[string]string{"username": "ops", "password": "secret-password"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), validToken)
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/api/v1/orders", map[string]any{"currency": "RUB", "amount": 0}, validToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Error.Message, "amount failed on gt")
	assert.Empty(t, env.payments.orderReqs)

	rec = env.do("POST", "/api/v1/orders", map[string]any{
		"currency": "RUB", "amount": 1200, "order_id": "order-1", "payment_system": 5,
	}, validToken)
	require.Equal(t, http.StatusCreated, rec.Code)

	var result payments.OrderResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &result))
	assert.Equal(t, "order-1", result.Order.ShopOrderID)
	assert.Equal(t, "op-1", result.Order.CreatedBy)
	assert.Equal(t, tegro.ResponseSuccess, result.Response.Type)
}

func TestCreateOrder_GatewayErrors(t *testing.T) {
	body := map[string]any{"currency": "RUB", "amount": 10}

	t.Run("Rejected", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = &tegro.APIError{Desc: "Wrong currency"}

		rec := env.do("POST", "/api/v1/orders", body, validToken)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		e := decodeEnvelope(t, rec).Error
		assert.Equal(t, "GATEWAY_REJECTED", e.Code)
		assert.Equal(t, "Wrong currency", e.Message)
	})

	t.Run("HTTPError", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = &tegro.HTTPError{StatusCode: 500, Body: "oops"}

		rec := env.do("POST", "/api/v1/orders", body, validToken)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "GATEWAY_HTTP_ERROR", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("Duplicate", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = payments.ErrDuplicateReference

		rec := env.do("POST", "/api/v1/orders", body, validToken)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Transport", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = errors.New("dial tcp: refused")

		rec := env.do("POST", "/api/v1/orders", body, validToken)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "GATEWAY_UNAVAILABLE", decodeEnvelope(t, rec).Error.Code)
	})
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/v1/orders/lookup", nil, validToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	e := decodeEnvelope(t, rec).Error
	assert.Equal(t, "MISSING_IDENTIFIER", e.Code)
	assert.Equal(t, tegro.MissingIdentifierMessage, e.Message)

	rec = env.do("GET", "/api/v1/orders/lookup?order_id=abc", nil, validToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do("GET", "/api/v1/orders/lookup?order_id=42&payment_id=p-1", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tegro.Lookup{OrderID: 42, PaymentID: "p-1"}, env.payments.lookups[len(env.payments.lookups)-1])

	var resp tegro.Response
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
	assert.JSONEq(t, `{"ok":1}`, string(resp.Data))
}

func TestRemoteErrorPassedThrough(t *testing.T) {
	env := newTestEnv(t)
	env.payments.response = &tegro.Response{Type: tegro.ResponseError, Desc: "Shop not found"}

	rec := env.do("GET", "/api/v1/shops", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp tegro.Response
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &resp))
	assert.Equal(t, tegro.ResponseError, resp.Type)
	assert.Equal(t, "Shop not found", resp.Desc)
}

func TestListOrders_Local(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/v1/orders?source=local", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "local-1")
}

func TestCreateWithdrawal(t *testing.T) {
	body := map[string]any{"currency": "RUB", "account": "4100", "amount": 100, "payment_system": 36, "payment_id": "pay-1"}

	t.Run("Created", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do("POST", "/api/v1/withdrawals", body, validToken)
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Contains(t, rec.Body.String(), "pay-1")
	})

	t.Run("PayoutsDisabled", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = control.ErrPayoutsDisabled
		rec := env.do("POST", "/api/v1/withdrawals", body, validToken)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "PAYOUTS_DISABLED", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("LimitExceeded", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = &limits.ExceededError{Kind: "daily", Currency: "RUB"}
		rec := env.do("POST", "/api/v1/withdrawals", body, validToken)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "LIMIT_EXCEEDED", decodeEnvelope(t, rec).Error.Code)
	})

	t.Run("MissingAccount", func(t *testing.T) {
		env := newTestEnv(t)
		rec := env.do("POST", "/api/v1/withdrawals", map[string]any{"currency": "RUB", "amount": 1, "payment_system": 36}, validToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestPaymentLink(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("POST", "/api/v1/payment-link", map[string]any{"currency": "RUB", "amount": 10, "order_id": "o-1"}, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "order_id=o-1")

	rec = env.do("POST", "/api/v1/payment-link", map[string]any{"currency": "RUB", "amount": 10, "order_id": "o-1", "lang": "de"}, validToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do("POST", "/api/v1/payment-link", map[string]any{"currency": "RUB", "amount": 10, "order_id": "o-2", "test": false}, validToken)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.payments.linkReqs, 2)
	assert.Nil(t, env.payments.linkReqs[0].Test)
	require.NotNil(t, env.payments.linkReqs[1].Test)
	assert.False(t, *env.payments.linkReqs[1].Test)
}

func TestGetLimit(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/v1/limits/rub", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data struct {
			Currency  string  `json:"currency"`
			Limited   bool    `json:"limited"`
			Remaining float64 `json:"remaining"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RUB", body.Data.Currency)
	assert.True(t, body.Data.Limited)
	assert.Equal(t, 420.5, body.Data.Remaining)

	rec = env.do("GET", "/api/v1/limits/USD", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"limited":false`)
	assert.NotContains(t, rec.Body.String(), "remaining")

	rec = env.do("GET", "/api/v1/limits/RUBLE", nil, validToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do("GET", "/api/v1/limits/RUB", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	env.payments.err = errors.New("db down")
	rec = env.do("GET", "/api/v1/limits/RUB", nil, validToken)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func postForm(env *testEnv, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/notifications/tegro", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestNotification(t *testing.T) {
	form := url.Values{"order_id": {"order-1"}, "amount": {"10"}, "sign": {"abc"}}

	t.Run("Accepted", func(t *testing.T) {
		env := newTestEnv(t)
		rec := postForm(env, form)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
		assert.Equal(t, "order-1", env.payments.notification.Get("order_id"))
	})

	t.Run("InvalidSignature", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = tegro.ErrInvalidSignature
		assert.Equal(t, http.StatusForbidden, postForm(env, form).Code)
	})

	t.Run("AmountMismatch", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = payments.ErrAmountMismatch
		assert.Equal(t, http.StatusBadRequest, postForm(env, form).Code)
	})

	t.Run("UnknownOrder", func(t *testing.T) {
		env := newTestEnv(t)
		env.payments.err = payments.ErrOrderNotFound
		assert.Equal(t, http.StatusNotFound, postForm(env, form).Code)
	})
}

func TestPayoutControls(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("DELETE", "/api/v1/control/payouts", map[string]string{}, validToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = env.do("DELETE", "/api/v1/control/payouts", map[string]string{"reason": "Key rotation"}, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.control.Status().PayoutsEnabled)

	rec = env.do("GET", "/api/v1/control/payouts", nil, validToken)
	assert.Contains(t, rec.Body.String(), "Key rotation")

	rec = env.do("POST", "/api/v1/control/payouts", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.control.Status().PayoutsEnabled)

	rec = env.do("DELETE", "/api/v1/control/payment-systems/36", map[string]string{"reason": "outage"}, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{36}, env.control.DisabledPaymentSystems())

	rec = env.do("POST", "/api/v1/control/payment-systems/36", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.control.DisabledPaymentSystems())

	rec = env.do("POST", "/api/v1/control/payment-systems/abc", nil, validToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentSystemControls_RejectInvalidID(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{"99999999999999999999", "0"} {
		rec := env.do("DELETE", "/api/v1/control/payment-systems/"+id, map[string]string{"reason": "outage"}, validToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
		assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")

		rec = env.do("POST", "/api/v1/control/payment-systems/"+id, nil, validToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
	}
	assert.Empty(t, env.control.DisabledPaymentSystems())
}

func TestAuditEvents(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do("GET", "/api/v1/audit?reference=order-1&type=order_created&limit=5&from=2024-03-01T00:00:00Z", nil, validToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evt-1")
	assert.Equal(t, "order-1", env.audit.filter.Reference)
	assert.Equal(t, 5, env.audit.filter.Limit)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), env.audit.filter.From)

	rec = env.do("GET", "/api/v1/audit?from=yesterday", nil, validToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
