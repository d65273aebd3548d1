// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trader — pairs, order sides,
// tickers, balances, and order book rows. It depends only on the decimal
// library, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"gridtrader/pkg/money"
)

// Side represents the direction of a grid or an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Direction returns the sign of price offsets for the side: sell ladders
// climb away from the market (+1), buy ladders descend (−1). This is the
// only per-side behavior in grid geometry.
func (s Side) Direction() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Sell {
		return Buy
	}
	return Sell
}

// OrderID identifies a resting order on the venue.
type OrderID string

// Pair is an ordered market symbol with canonical form "BTC-ETH":
// the first token is the quoting asset (prices are denominated in it), the
// second is the counter asset actually bought and sold. Grid sizing reads
// core positions keyed by the counter asset.
type Pair struct {
	Quote   string // pricing asset, e.g. BTC
	Counter string // traded asset, e.g. ETH
}

// ParsePair parses the canonical "QUOTE-COUNTER" form.
func ParsePair(s string) (Pair, error) {
	quote, counter, ok := strings.Cut(s, "-")
	if !ok || quote == "" || counter == "" {
		return Pair{}, fmt.Errorf("malformed pair %q: want QUOTE-COUNTER", s)
	}
	return Pair{Quote: strings.ToUpper(quote), Counter: strings.ToUpper(counter)}, nil
}

// String returns the canonical form, e.g. "BTC-ETH".
func (p Pair) String() string {
	return p.Quote + "-" + p.Counter
}

// MarshalText lets a Pair serve as a JSON object key in snapshots.
func (p Pair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses the canonical form.
func (p *Pair) UnmarshalText(b []byte) error {
	parsed, err := ParsePair(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Ticker is a top-of-book snapshot for one pair.
type Ticker struct {
	LowestAsk  decimal.Decimal `json:"lowestAsk"`
	HighestBid decimal.Decimal `json:"highestBid"`
}

// Midpoint returns the arithmetic mean of the best ask and best bid.
func (t Ticker) Midpoint() decimal.Decimal {
	return money.DivRound(t.LowestAsk.Add(t.HighestBid), decimal.NewFromInt(2))
}

// Balance describes one coin's holdings on the account.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	OnOrders  decimal.Decimal `json:"onOrders"`
	Total     decimal.Decimal `json:"total"`
}

// BookEntry is one row of an order book: quantity resting at a rate.
type BookEntry struct {
	Rate     decimal.Decimal `json:"rate"`
	Quantity decimal.Decimal `json:"quantity"`
}
