package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConvertSameCurrencyIdentity(t *testing.T) {
	got, err := Convert(123.456, "USD", "USD")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got != 123.456 {
		t.Errorf("same-currency conversion must not touch the amount: %v", got)
	}
}

func TestConvertUSDPivot(t *testing.T) {
	cases := []struct {
		amount   float64
		from, to string
		want     float64
	}{
		{100, "USD", "EUR", 85.0},
		{100, "EUR", "USD", 117.65},
		{100, "USD", "JPY", 11000.0},
		{50, "GBP", "CAD", 85.62},
		{0, "USD", "EUR", 0},
	}
	for _, tc := range cases {
		got, err := Convert(tc.amount, tc.from, tc.to)
		if err != nil {
			t.Errorf("%v %s->%s: %v", tc.amount, tc.from, tc.to, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%v %s->%s = %v, want %v", tc.amount, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestConvertNegativeRejected(t *testing.T) {
	if _, err := Convert(-1, "USD", "EUR"); err != ErrNegativeAmount {
		t.Errorf("err = %v, want ErrNegativeAmount", err)
	}
}

func TestConvertUnknownCurrency(t *testing.T) {
	if _, err := Convert(1, "USD", "XYZ"); err != ErrUnknownCurrency {
		t.Errorf("err = %v, want ErrUnknownCurrency", err)
	}
	if _, err := Convert(1, "BTC", "USD"); err != ErrUnknownCurrency {
		t.Errorf("err = %v, want ErrUnknownCurrency", err)
	}
}

func TestRateRounding(t *testing.T) {
	rate, err := Rate("EUR", "GBP")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate != 0.8588 {
		t.Errorf("EUR->GBP rate = %v, want 0.8588", rate)
	}
}

func postConvert(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/convert", strings.NewReader(body))
	rec := httptest.NewRecorder()
	Handler(rec, req)
	return rec
}

func TestHandlerConvert(t *testing.T) {
	rec := postConvert(t, `{"amount": 100, "from_currency": "usd", "to_currency": "eur"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%q", rec.Code, rec.Body.String())
	}
	var resp convertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConvertedAmount != 85.0 {
		t.Errorf("converted = %v, want 85", resp.ConvertedAmount)
	}
	if resp.FromCurrency != "USD" || resp.ToCurrency != "EUR" {
		t.Errorf("codes not normalized: %+v", resp)
	}
	if resp.ExchangeRate != 0.85 {
		t.Errorf("rate = %v, want 0.85", resp.ExchangeRate)
	}
}

func TestHandlerRejections(t *testing.T) {
	cases := map[string]string{
		"negative amount":  `{"amount": -5, "from_currency": "USD", "to_currency": "EUR"}`,
		"unknown currency": `{"amount": 5, "from_currency": "USD", "to_currency": "XXX"}`,
		"malformed json":   `{"amount": `,
	}
	for name, body := range cases {
		rec := postConvert(t, body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status=%d, want 400", name, rec.Code)
		}
	}
}
