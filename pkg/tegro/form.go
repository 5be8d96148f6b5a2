package tegro

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"strconv"
)

// FormSign computes the signature Tegro expects on payment-form and
// notification parameters: md5 of the key-sorted, url-encoded parameters
// (without "sign") followed by the shop secret key.
func FormSign(params url.Values, secret string) string {
	v := make(url.Values, len(params))
	for k, vals := range params {
		if k == "sign" {
			continue
		}
		v[k] = vals
	}

	sum := md5.Sum([]byte(v.Encode() + secret))
	return hex.EncodeToString(sum[:])
}

// PaymentURL builds a signed payment-form link for the customer
func (c *Client) PaymentURL(p PaymentParams) string {
	v := url.Values{}
	v.Set("shop_id", c.base.shopID)
	v.Set("amount", strconv.FormatFloat(p.Amount, 'f', -1, 64))
	v.Set("currency", p.Currency)
	v.Set("order_id", p.OrderID)
	if p.PaymentSystem != 0 {
		v.Set("payment_system", strconv.Itoa(p.PaymentSystem))
	}
	if p.Test {
		v.Set("test", "1")
	}
	if p.Lang != "" {
		v.Set("lang", p.Lang)
	}
	for k, val := range p.Extra {
		v.Set(k, val)
	}

	v.Set("sign", FormSign(v, c.config.SecretKey))
	return c.config.PayURL + "?" + v.Encode()
}

// VerifyNotification checks the sign of a payment notification and
// returns its parsed fields.
func (c *Client) VerifyNotification(form url.Values) (*Notification, error) {
	return VerifyNotification(form, c.config.SecretKey)
}

// VerifyNotification checks the sign of a payment notification against secret
func VerifyNotification(form url.Values, secret string) (*Notification, error) {
	got := form.Get("sign")
	if got == "" {
		return nil, ErrInvalidSignature
	}

	want := FormSign(form, secret)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return nil, ErrInvalidSignature
	}

	return &Notification{
		ShopID:        form.Get("shop_id"),
		Amount:        form.Get("amount"),
		OrderID:       form.Get("order_id"),
		PaymentSystem: form.Get("payment_system"),
		Currency:      form.Get("currency"),
		Test:          form.Get("test") == "1",
	}, nil
}
