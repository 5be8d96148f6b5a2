package tegro

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Default endpoints
const (
	DefaultBaseURL = "https://tegro.money/api"
	DefaultPayURL  = "https://tegro.money/pay/"
)

// API operation paths, relative to BaseURL
const (
	PathCreateOrder      = "/createOrder/"
	PathShops            = "/shops/"
	PathBalance          = "/balance/"
	PathOrder            = "/order/"
	PathOrders           = "/orders/"
	PathCreateWithdrawal = "/createWithdrawal/"
	PathWithdrawals      = "/withdrawals/"
	PathWithdrawal       = "/withdrawal/"
)

// Response types returned in the "type" field
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// MissingIdentifierMessage is reported when an order or withdrawal lookup
// has neither a Tegro order number nor a shop payment number.
const MissingIdentifierMessage = "Должен быть указан номер платежа tegro.money или номер оплаты магазина"

var (
	// ErrMissingIdentifier is returned by GetOrder and GetWithdrawal when the
	// lookup carries no identifier. No request is sent in that case.
	ErrMissingIdentifier = errors.New(MissingIdentifierMessage)

	// ErrNilRequest is returned by CreateOrder and CreateWithdrawal for a nil request.
	ErrNilRequest = errors.New("tegro: nil request")

	// ErrInvalidSignature is returned when a notification's sign does not match.
	ErrInvalidSignature = errors.New("tegro: invalid notification signature")
)

// HTTPDoer is the transport used by the client. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds the configuration for the Tegro client
type ClientConfig struct {
	BaseURL   string
	PayURL    string
	ShopID    string
	APIKey    string
	SecretKey string
	Timeout   time.Duration

	// Now is used once, at construction, to derive the nonce.
	// Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a default client configuration
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL: DefaultBaseURL,
		PayURL:  DefaultPayURL,
		Timeout: 30 * time.Second,
	}
}

// APIError is a gateway answer with type "error"
type APIError struct {
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e *APIError) Error() string {
	if e.Desc == "" {
		return "tegro: api error"
	}
	return "tegro: " + e.Desc
}

// HTTPError is returned when the gateway answers with a non-2xx status and
// a body that is not JSON.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("tegro: http %d: %s", e.StatusCode, e.Body)
}

// Response is the parsed JSON body of a gateway answer. It is returned
// as-is; remote errors are not turned into Go errors by the client.
type Response struct {
	Type string          `json:"type"`
	Desc string          `json:"desc,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`

	// StatusCode and Raw describe the HTTP answer the response was parsed from.
	StatusCode int             `json:"-"`
	Raw        json.RawMessage `json:"-"`
}

// OK reports whether the gateway answered with type "success"
func (r *Response) OK() bool {
	return r != nil && r.Type == ResponseSuccess
}

// Err returns the gateway error carried by the response, if any
func (r *Response) Err() error {
	if r == nil || r.Type != ResponseError {
		return nil
	}
	return &APIError{Desc: r.Desc, Data: r.Data}
}

// Decode unmarshals the response data into v
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("tegro: response has no data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("tegro: decode data: %w", err)
	}
	return nil
}

// ReceiptItem is a single line of a fiscal receipt
type ReceiptItem struct {
	Name  string  `json:"name"`
	Count int     `json:"count"`
	Price float64 `json:"price"`
}

// Receipt is the optional fiscal receipt attached to an order
type Receipt struct {
	Items []ReceiptItem `json:"items"`
}

// CreateOrderRequest holds the order-specific fields for /createOrder/
type CreateOrderRequest struct {
	Currency      string
	Amount        float64
	PaymentSystem int
	OrderID       string
	Test          bool

	// Fields and Receipt are sent only when non-empty.
	Fields  map[string]any
	Receipt *Receipt
}

// Lookup selects an order or withdrawal. OrderID is the Tegro number,
// PaymentID the shop's own number; OrderID wins when both are set.
type Lookup struct {
	OrderID   int64
	PaymentID string
}

// CreateWithdrawalRequest holds the fields for /createWithdrawal/
type CreateWithdrawalRequest struct {
	Currency      string
	Account       string
	Amount        float64
	PaymentID     string
	PaymentSystem int
}

// CreatedOrder is the data of a successful /createOrder/ answer
type CreatedOrder struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
}

// Order statuses reported in OrderInfo.Status
const (
	OrderStatusCreated = 0
	OrderStatusPaid    = 1
	OrderStatusFailed  = 2
)

// OrderInfo is the data of an /order/ answer
type OrderInfo struct {
	ID            int64       `json:"id"`
	OrderID       string      `json:"order_id"`
	Status        int         `json:"status"`
	Amount        json.Number `json:"amount"`
	Fee           json.Number `json:"fee,omitempty"`
	Currency      string      `json:"currency,omitempty"`
	PaymentSystem int         `json:"payment_system_id,omitempty"`
	Test          int         `json:"test_order,omitempty"`
	DateCreated   string      `json:"date_created,omitempty"`
	DatePaid      string      `json:"date_payed,omitempty"`
}

// CreatedWithdrawal is the data of a successful /createWithdrawal/ answer
type CreatedWithdrawal struct {
	ID        int64  `json:"id"`
	PaymentID string `json:"payment_id,omitempty"`
}

// PaymentParams are the parameters of a payment-form link
type PaymentParams struct {
	Currency      string
	Amount        float64
	OrderID       string
	PaymentSystem int
	Test          bool
	Lang          string
	Extra         map[string]string
}

// Notification is a payment callback sent by Tegro to the shop
type Notification struct {
	ShopID        string
	Amount        string
	OrderID       string
	PaymentSystem string
	Currency      string
	Test          bool
}
