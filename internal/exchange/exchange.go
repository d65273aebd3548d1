// Package exchange defines the port the grid state machine trades through,
// the error taxonomy for venue failures, and the concrete REST adapters.
//
// The port is the only mutable outside world the core touches. Everything is
// request/response over REST — the agent is episodic, so there are no
// streams, subscriptions, or background goroutines here.
package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"gridtrader/pkg/types"
)

// Recoverable order placement failures. A rung that hits one of these is
// logged and skipped; the ladder proceeds partial.
var (
	// ErrNotEnoughCoin means the account balance cannot cover the order.
	ErrNotEnoughCoin = errors.New("not enough coin")

	// ErrDustTrade means amount·rate is below the venue minimum.
	ErrDustTrade = errors.New("dust trade below venue minimum")
)

// TransportError wraps network, HTTP, and decoding failures from a venue.
// It is fatal to the current invocation; the next scheduled run is the retry.
type TransportError struct {
	Op  string // venue command, e.g. "returnTicker"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("exchange transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Exchange is the contract the core consumes. Implementations apply their
// own per-request timeouts; the core treats a timeout as a transport error
// and aborts the invocation.
type Exchange interface {
	// TickerFor returns the current top of book for a pair.
	TickerFor(ctx context.Context, pair types.Pair) (types.Ticker, error)

	// ReturnBalances returns holdings for every coin on the account.
	ReturnBalances(ctx context.Context) (map[string]types.Balance, error)

	// ReturnPositiveBalances returns the subset of balances with Total > 0.
	ReturnPositiveBalances(ctx context.Context) (map[string]types.Balance, error)

	// ReturnBalanceFromMarket returns the balance of the pair's counter asset.
	ReturnBalanceFromMarket(ctx context.Context, pair types.Pair) (types.Balance, error)

	// ReturnSellOrderBook returns the ask side of the book, ascending by rate.
	ReturnSellOrderBook(ctx context.Context, pair types.Pair) ([]types.BookEntry, error)

	// Buy places a limit buy. Fails with ErrNotEnoughCoin on insufficient
	// quote balance and ErrDustTrade below the venue minimum.
	Buy(ctx context.Context, pair types.Pair, rate, amount decimal.Decimal) (types.OrderID, error)

	// Sell places a limit sell. Same failure modes as Buy.
	Sell(ctx context.Context, pair types.Pair, rate, amount decimal.Decimal) (types.OrderID, error)

	// IsOpen reports whether the order still has unfilled remainder above
	// the dust threshold.
	IsOpen(ctx context.Context, id types.OrderID) (bool, error)

	// CancelOrders cancels each id best-effort; missing or already-closed
	// IDs are ignored silently.
	CancelOrders(ctx context.Context, ids []types.OrderID) error

	// CancelAllOpen cancels every open order on the account.
	CancelAllOpen(ctx context.Context) error

	// BaseOf returns the venue-specific name of the pair's counter asset.
	BaseOf(pair types.Pair) string
}
