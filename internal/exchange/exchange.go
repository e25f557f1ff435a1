// Package exchange provides currency conversion against a fixed rate
// table. Rates are USD-pivoted placeholders; a live rate feed would slot
// in behind Convert without changing the HTTP surface.
package exchange

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// rates maps currency codes to their value relative to one USD.
var rates = map[string]float64{
	"USD": 1.0,
	"EUR": 0.85,
	"GBP": 0.73,
	"JPY": 110.0,
	"CAD": 1.25,
	"AUD": 1.35,
	"CHF": 0.92,
	"CNY": 6.45,
}

// ErrNegativeAmount rejects conversions of negative amounts.
var ErrNegativeAmount = fmt.Errorf("amount cannot be negative")

// ErrUnknownCurrency marks a currency code outside the rate table.
var ErrUnknownCurrency = fmt.Errorf("invalid currency code")

// Convert converts amount between two currencies via the USD pivot,
// rounded to 2 decimal places. Same-currency conversion returns the
// amount unchanged, without rounding.
func Convert(amount float64, from, to string) (float64, error) {
	if amount < 0 {
		return 0, ErrNegativeAmount
	}
	fromRate, ok := rates[from]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	toRate, ok := rates[to]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	if from == to {
		return amount, nil
	}
	return round2(amount / fromRate * toRate), nil
}

// Rate returns the from→to exchange rate rounded to 4 decimal places.
func Rate(from, to string) (float64, error) {
	fromRate, ok := rates[from]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	toRate, ok := rates[to]
	if !ok {
		return 0, ErrUnknownCurrency
	}
	return math.Round(toRate/fromRate*10000) / 10000, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type convertRequest struct {
	Amount       float64 `json:"amount"`
	FromCurrency string  `json:"from_currency"`
	ToCurrency   string  `json:"to_currency"`
}

type convertResponse struct {
	ConvertedAmount float64 `json:"converted_amount"`
	FromCurrency    string  `json:"from_currency"`
	ToCurrency      string  `json:"to_currency"`
	ExchangeRate    float64 `json:"exchange_rate"`
}

// Handler serves POST /api/convert.
func Handler(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	from := strings.ToUpper(strings.TrimSpace(req.FromCurrency))
	to := strings.ToUpper(strings.TrimSpace(req.ToCurrency))

	converted, err := Convert(req.Amount, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rate, err := Rate(from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(convertResponse{
		ConvertedAmount: converted,
		FromCurrency:    from,
		ToCurrency:      to,
		ExchangeRate:    rate,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to encode conversion response")
	}
}
