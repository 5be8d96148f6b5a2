// Package tegro provides a client for the Tegro.money merchant API.
//
// The API is used by shops to create payment orders, query balances and
// shops, look up orders and request withdrawals. Every call is a JSON
// POST carrying the shop identifier and a nonce.
//
// # Authentication
//
// Requests are authenticated with an HMAC-SHA256 signature of the exact
// request body, keyed by the API key and sent as
//
//	Authorization: Bearer <hex signature>
//
// The shop secret key is used separately to sign payment-form links and
// to verify payment notifications (see PaymentURL and VerifyNotification).
//
// # Basic Usage
//
//	client := tegro.NewClient(&tegro.ClientConfig{
//	    ShopID:    "your-shop-id",
//	    APIKey:    "your-api-key",
//	    SecretKey: "your-secret-key",
//	})
//
//	resp, err := client.CreateOrder(ctx, &tegro.CreateOrderRequest{
//	    Currency:      "RUB",
//	    Amount:        1200,
//	    PaymentSystem: 5,
//	    OrderID:       "order-42",
//	})
//
// # Error Handling
//
// Lookups without an identifier fail with ErrMissingIdentifier before any
// request is made. Remote errors are not interpreted: the parsed body is
// returned and callers can inspect it with Response.Err:
//
//	resp, err := client.GetOrder(ctx, tegro.Lookup{PaymentID: "order-42"})
//	if errors.Is(err, tegro.ErrMissingIdentifier) {
//	    // no identifier given
//	}
//	if apiErr := resp.Err(); apiErr != nil {
//	    // gateway answered with type "error"
//	}
package tegro
