// Package exchangetest provides a settable in-memory Exchange for tests.
//
// Orders placed through the mock start open; tests close them with Close or
// CloseAll to simulate fills, and inspect Placed/Cancelled to assert on the
// state machine's side effects.
package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridtrader/pkg/types"
)

// Order is one order the mock has accepted.
type Order struct {
	ID     types.OrderID
	Pair   types.Pair
	Side   types.Side
	Rate   decimal.Decimal
	Amount decimal.Decimal
	Open   bool
}

// Mock implements exchange.Exchange in memory.
type Mock struct {
	mu        sync.Mutex
	tickers   map[string]types.Ticker
	balances  map[string]types.Balance
	sellBooks map[string][]types.BookEntry
	orders    map[types.OrderID]*Order
	placed    []types.OrderID // placement order
	cancelled []types.OrderID
	seq       int

	// BuyErr / SellErr, when set, fail every placement on that side.
	BuyErr  error
	SellErr error

	CancelAllCalls int
}

// New returns an empty mock exchange.
func New() *Mock {
	return &Mock{
		tickers:   make(map[string]types.Ticker),
		balances:  make(map[string]types.Balance),
		sellBooks: make(map[string][]types.BookEntry),
		orders:    make(map[types.OrderID]*Order),
		seq:       1000,
	}
}

// SetTicker installs the top of book for a pair.
func (m *Mock) SetTicker(pair types.Pair, ask, bid decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[pair.String()] = types.Ticker{LowestAsk: ask, HighestBid: bid}
}

// SetBalance installs a balance for a coin.
func (m *Mock) SetBalance(coin string, total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[coin] = types.Balance{Available: total, Total: total}
}

// SetSellOrderBook installs the ask side of the book for a pair.
func (m *Mock) SetSellOrderBook(pair types.Pair, entries []types.BookEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sellBooks[pair.String()] = entries
}

// Close marks an order as filled.
func (m *Mock) Close(id types.OrderID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		o.Open = false
	}
}

// Order returns a copy of an accepted order.
func (m *Mock) Order(id types.OrderID) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Placed returns every accepted order in placement order.
func (m *Mock) Placed() []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Order, 0, len(m.placed))
	for _, id := range m.placed {
		out = append(out, *m.orders[id])
	}
	return out
}

// PlacedOn returns accepted orders for one pair and side, in placement order.
func (m *Mock) PlacedOn(pair types.Pair, side types.Side) []Order {
	var out []Order
	for _, o := range m.Placed() {
		if o.Pair == pair && o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// Cancelled returns the ids passed to CancelOrders, in call order.
func (m *Mock) Cancelled() []types.OrderID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.OrderID(nil), m.cancelled...)
}

func (m *Mock) TickerFor(_ context.Context, pair types.Pair) (types.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tk, ok := m.tickers[pair.String()]
	if !ok {
		return types.Ticker{}, fmt.Errorf("mock: no ticker for %s", pair)
	}
	return tk, nil
}

func (m *Mock) ReturnBalances(_ context.Context) (map[string]types.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Balance, len(m.balances))
	for coin, b := range m.balances {
		out[coin] = b
	}
	return out, nil
}

func (m *Mock) ReturnPositiveBalances(ctx context.Context) (map[string]types.Balance, error) {
	balances, err := m.ReturnBalances(ctx)
	if err != nil {
		return nil, err
	}
	for coin, b := range balances {
		if !b.Total.IsPositive() {
			delete(balances, coin)
		}
	}
	return balances, nil
}

func (m *Mock) ReturnBalanceFromMarket(ctx context.Context, pair types.Pair) (types.Balance, error) {
	balances, err := m.ReturnBalances(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	return balances[m.BaseOf(pair)], nil
}

func (m *Mock) ReturnSellOrderBook(_ context.Context, pair types.Pair) ([]types.BookEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.BookEntry(nil), m.sellBooks[pair.String()]...), nil
}

func (m *Mock) Buy(_ context.Context, pair types.Pair, rate, amount decimal.Decimal) (types.OrderID, error) {
	if m.BuyErr != nil {
		return "", m.BuyErr
	}
	return m.accept(pair, types.Buy, rate, amount), nil
}

func (m *Mock) Sell(_ context.Context, pair types.Pair, rate, amount decimal.Decimal) (types.OrderID, error) {
	if m.SellErr != nil {
		return "", m.SellErr
	}
	return m.accept(pair, types.Sell, rate, amount), nil
}

func (m *Mock) accept(pair types.Pair, side types.Side, rate, amount decimal.Decimal) types.OrderID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := types.OrderID(fmt.Sprintf("%d", m.seq))
	m.orders[id] = &Order{ID: id, Pair: pair, Side: side, Rate: rate, Amount: amount, Open: true}
	m.placed = append(m.placed, id)
	return id
}

func (m *Mock) IsOpen(_ context.Context, id types.OrderID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return ok && o.Open, nil
}

func (m *Mock) CancelOrders(_ context.Context, ids []types.OrderID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.cancelled = append(m.cancelled, id)
		if o, ok := m.orders[id]; ok {
			o.Open = false
		}
	}
	return nil
}

func (m *Mock) CancelAllOpen(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelAllCalls++
	for _, o := range m.orders {
		o.Open = false
	}
	return nil
}

// BaseOf returns the counter asset unchanged; the mock has no venue aliases.
func (m *Mock) BaseOf(pair types.Pair) string {
	return pair.Counter
}
