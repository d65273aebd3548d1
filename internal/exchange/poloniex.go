// poloniex.go implements the Exchange port against the Poloniex legacy REST
// API (the command-style /public and /tradingApi endpoints).
//
//   - Public reads:  GET  /public?command=returnTicker | returnOrderBook
//   - Signed calls:  POST /tradingApi — form-encoded command + nonce, with
//     Key/Sign headers where Sign is HMAC-SHA512 of the body.
//
// Every request is rate-limited by endpoint class, retried on 5xx, and runs
// under a per-request timeout. Venue rejections that the grid logic recovers
// from (insufficient balance, below-minimum totals) are mapped onto the
// sentinel errors in exchange.go; everything else surfaces as a fatal error.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

// venueCoins maps canonical coin symbols to Poloniex's legacy naming.
var venueCoins = map[string]string{
	"XLM": "STR",
}

// Poloniex is the legacy Poloniex REST adapter.
type Poloniex struct {
	http   *resty.Client
	key    string
	secret string
	rl     *RateLimiter
	logger *slog.Logger
	nonce  atomic.Int64
}

// NewPoloniex creates an adapter for the given API credentials. baseURL is
// overridable for tests; pass "" for the production endpoint.
func NewPoloniex(baseURL, key, secret string, logger *slog.Logger) *Poloniex {
	if baseURL == "" {
		baseURL = "https://poloniex.com"
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	p := &Poloniex{
		http:   httpClient,
		key:    key,
		secret: secret,
		rl:     NewRateLimiter(),
		logger: logger,
	}
	p.nonce.Store(time.Now().UnixMicro())
	return p
}

// BaseOf returns Poloniex's name for the pair's counter asset.
func (p *Poloniex) BaseOf(pair types.Pair) string {
	if venue, ok := venueCoins[pair.Counter]; ok {
		return venue
	}
	return pair.Counter
}

// currencyPair renders a pair in venue form, e.g. "BTC_ETH".
func (p *Poloniex) currencyPair(pair types.Pair) string {
	return pair.Quote + "_" + p.BaseOf(pair)
}

type polTicker struct {
	LowestAsk  decimal.Decimal `json:"lowestAsk"`
	HighestBid decimal.Decimal `json:"highestBid"`
}

// TickerFor returns the current top of book for a pair.
func (p *Poloniex) TickerFor(ctx context.Context, pair types.Pair) (types.Ticker, error) {
	body, err := p.publicCall(ctx, "returnTicker", nil)
	if err != nil {
		return types.Ticker{}, err
	}

	var tickers map[string]polTicker
	if err := json.Unmarshal(body, &tickers); err != nil {
		return types.Ticker{}, &TransportError{Op: "returnTicker", Err: err}
	}

	tk, ok := tickers[p.currencyPair(pair)]
	if !ok {
		return types.Ticker{}, fmt.Errorf("returnTicker: venue does not list %s", pair)
	}
	return types.Ticker{LowestAsk: tk.LowestAsk, HighestBid: tk.HighestBid}, nil
}

type polBalance struct {
	Available decimal.Decimal `json:"available"`
	OnOrders  decimal.Decimal `json:"onOrders"`
}

// ReturnBalances returns holdings for every coin on the account.
func (p *Poloniex) ReturnBalances(ctx context.Context) (map[string]types.Balance, error) {
	body, err := p.tradingCall(ctx, "returnCompleteBalances", nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]polBalance
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &TransportError{Op: "returnCompleteBalances", Err: err}
	}

	balances := make(map[string]types.Balance, len(raw))
	for coin, b := range raw {
		balances[coin] = types.Balance{
			Available: b.Available,
			OnOrders:  b.OnOrders,
			Total:     b.Available.Add(b.OnOrders),
		}
	}
	return balances, nil
}

// ReturnPositiveBalances returns the subset of balances with Total > 0.
func (p *Poloniex) ReturnPositiveBalances(ctx context.Context) (map[string]types.Balance, error) {
	balances, err := p.ReturnBalances(ctx)
	if err != nil {
		return nil, err
	}
	positive := make(map[string]types.Balance)
	for coin, b := range balances {
		if b.Total.IsPositive() {
			positive[coin] = b
		}
	}
	return positive, nil
}

// ReturnBalanceFromMarket returns the balance of the pair's counter asset.
func (p *Poloniex) ReturnBalanceFromMarket(ctx context.Context, pair types.Pair) (types.Balance, error) {
	balances, err := p.ReturnBalances(ctx)
	if err != nil {
		return types.Balance{}, err
	}
	return balances[p.BaseOf(pair)], nil
}

// ReturnSellOrderBook returns the ask side of the book, ascending by rate.
func (p *Poloniex) ReturnSellOrderBook(ctx context.Context, pair types.Pair) ([]types.BookEntry, error) {
	body, err := p.publicCall(ctx, "returnOrderBook", map[string]string{
		"currencyPair": p.currencyPair(pair),
		"depth":        "100",
	})
	if err != nil {
		return nil, err
	}

	// Rows arrive as two-element arrays mixing quoted rates and bare
	// quantities; decimal accepts both forms.
	var book struct {
		Asks [][]decimal.Decimal `json:"asks"`
	}
	if err := json.Unmarshal(body, &book); err != nil {
		return nil, &TransportError{Op: "returnOrderBook", Err: err}
	}

	entries := make([]types.BookEntry, 0, len(book.Asks))
	for _, row := range book.Asks {
		if len(row) != 2 {
			return nil, &TransportError{Op: "returnOrderBook", Err: fmt.Errorf("malformed ask row of %d elements", len(row))}
		}
		entries = append(entries, types.BookEntry{Rate: row[0], Quantity: row[1]})
	}
	return entries, nil
}

// Buy places a limit buy for amount of the counter asset at rate.
func (p *Poloniex) Buy(ctx context.Context, pair types.Pair, rate, amount decimal.Decimal) (types.OrderID, error) {
	return p.placeOrder(ctx, "buy", pair, rate, amount)
}

// Sell places a limit sell for amount of the counter asset at rate.
func (p *Poloniex) Sell(ctx context.Context, pair types.Pair, rate, amount decimal.Decimal) (types.OrderID, error) {
	return p.placeOrder(ctx, "sell", pair, rate, amount)
}

func (p *Poloniex) placeOrder(ctx context.Context, command string, pair types.Pair, rate, amount decimal.Decimal) (types.OrderID, error) {
	body, err := p.tradingCall(ctx, command, map[string]string{
		"currencyPair": p.currencyPair(pair),
		"rate":         rate.String(),
		"amount":       amount.String(),
	})
	if err != nil {
		return "", err
	}

	var result struct {
		OrderNumber string `json:"orderNumber"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &TransportError{Op: command, Err: err}
	}
	if result.OrderNumber == "" {
		return "", &TransportError{Op: command, Err: fmt.Errorf("no order number in response")}
	}

	p.logger.Debug("order placed",
		"command", command, "pair", pair.String(),
		"rate", rate.String(), "amount", amount.String(),
		"order_id", result.OrderNumber)
	return types.OrderID(result.OrderNumber), nil
}

type polOrderStatus struct {
	Status string          `json:"status"`
	Amount decimal.Decimal `json:"amount"` // remaining unfilled amount
}

// IsOpen reports whether the order still has unfilled remainder above the
// dust threshold. An order the venue no longer knows is closed.
func (p *Poloniex) IsOpen(ctx context.Context, id types.OrderID) (bool, error) {
	body, err := p.tradingCall(ctx, "returnOrderStatus", map[string]string{
		"orderNumber": string(id),
	})
	if err != nil {
		if isOrderGone(err) {
			return false, nil
		}
		return false, err
	}

	// On success=0 the result field carries an error string instead of the
	// order map, so it is only decoded once success is known.
	var envelope struct {
		Success int             `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return false, &TransportError{Op: "returnOrderStatus", Err: err}
	}
	if envelope.Success == 0 {
		return false, nil
	}

	var orders map[string]polOrderStatus
	if err := json.Unmarshal(envelope.Result, &orders); err != nil {
		return false, &TransportError{Op: "returnOrderStatus", Err: err}
	}
	st, ok := orders[string(id)]
	if !ok {
		return false, nil
	}
	return !money.IsDust(st.Amount), nil
}

// CancelOrders cancels each id best-effort. Missing or already-closed IDs
// are ignored silently.
func (p *Poloniex) CancelOrders(ctx context.Context, ids []types.OrderID) error {
	for _, id := range ids {
		_, err := p.tradingCall(ctx, "cancelOrder", map[string]string{
			"orderNumber": string(id),
		})
		if err != nil {
			if isOrderGone(err) {
				p.logger.Debug("cancel skipped, order already gone", "order_id", string(id))
				continue
			}
			return err
		}
	}
	return nil
}

// CancelAllOpen cancels every open order on the account.
func (p *Poloniex) CancelAllOpen(ctx context.Context) error {
	body, err := p.tradingCall(ctx, "returnOpenOrders", map[string]string{
		"currencyPair": "all",
	})
	if err != nil {
		return err
	}

	var open map[string][]struct {
		OrderNumber string `json:"orderNumber"`
	}
	if err := json.Unmarshal(body, &open); err != nil {
		return &TransportError{Op: "returnOpenOrders", Err: err}
	}

	var ids []types.OrderID
	for _, orders := range open {
		for _, o := range orders {
			ids = append(ids, types.OrderID(o.OrderNumber))
		}
	}
	p.logger.Debug("cancelling all open orders", "count", len(ids))
	return p.CancelOrders(ctx, ids)
}

func (p *Poloniex) publicCall(ctx context.Context, command string, params map[string]string) ([]byte, error) {
	if err := p.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	req := p.http.R().SetContext(ctx).SetQueryParam("command", command)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}
	resp, err := req.Get("/public")
	if err != nil {
		return nil, &TransportError{Op: command, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &TransportError{Op: command, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	if msg, ok := venueError(resp.Body()); ok {
		return nil, mapVenueError(command, msg)
	}
	return resp.Body(), nil
}

func (p *Poloniex) tradingCall(ctx context.Context, command string, params map[string]string) ([]byte, error) {
	if err := p.rl.Trading.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("command", command)
	form.Set("nonce", strconv.FormatInt(p.nonce.Add(1), 10))
	for k, v := range params {
		form.Set(k, v)
	}
	body := form.Encode()

	mac := hmac.New(sha512.New, []byte(p.secret))
	mac.Write([]byte(body))
	sign := hex.EncodeToString(mac.Sum(nil))

	resp, err := p.http.R().
		SetContext(ctx).
		SetHeader("Key", p.key).
		SetHeader("Sign", sign).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		Post("/tradingApi")
	if err != nil {
		return nil, &TransportError{Op: command, Err: err}
	}

	// The legacy API reports rejections as {"error": "..."} with a 200 or
	// 422 status; treat the body as authoritative.
	if msg, ok := venueError(resp.Body()); ok {
		return nil, mapVenueError(command, msg)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &TransportError{Op: command, Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	return resp.Body(), nil
}

// venueError extracts the error message from a {"error": "..."} body.
func venueError(body []byte) (string, bool) {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return "", false
	}
	return e.Error, true
}

// mapVenueError maps venue rejection messages onto the error taxonomy.
func mapVenueError(command, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not enough"):
		return fmt.Errorf("%s: %w: %s", command, ErrNotEnoughCoin, msg)
	case strings.Contains(lower, "total must be at least"):
		return fmt.Errorf("%s: %w: %s", command, ErrDustTrade, msg)
	default:
		return fmt.Errorf("%s: venue rejected: %s", command, msg)
	}
}

// isOrderGone matches the venue messages for querying or cancelling an order
// that no longer exists.
func isOrderGone(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "invalid order number") ||
		strings.Contains(lower, "order not found") ||
		strings.Contains(lower, "is either completed or does not exist")
}
