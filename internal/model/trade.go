package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single executed trade handed to the anomaly detector by the
// simulation engine.
type Trade struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"` // "BASE/QUOTE"
	Base      string          `json:"base,omitempty"`
	Quote     string          `json:"quote,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Principal string          `json:"principal"`
	Side      string          `json:"side,omitempty"` // BUY or SELL
	Timestamp time.Time       `json:"timestamp"`
}

// NormalizedSymbol resolves the symbol from either the combined form or
// the (base, quote) pair, uppercased.
func (t Trade) NormalizedSymbol() string {
	sym := t.Symbol
	if sym == "" && t.Base != "" && t.Quote != "" {
		sym = t.Base + "/" + t.Quote
	}
	return strings.ToUpper(strings.TrimSpace(sym))
}
