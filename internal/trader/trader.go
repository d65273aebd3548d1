// Package trader owns the per-pair buy/sell ladders and runs the build /
// issue / poll state machine over the exchange port.
//
// A Trader is created on every invocation. Build derives fresh grids from
// config and live tickers, IssueAll rests their orders, and Poll reacts to
// fills observed since the last run. The serialisable part of the trader
// lives in State; the store persists it between invocations and the caller
// re-attaches the live collaborators with FromState.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gridtrader/internal/config"
	"gridtrader/internal/exchange"
	"gridtrader/internal/grid"
	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

// takeProfitTTL bounds the issued take-profit ledger. A filled buy order ID
// never recurs, so entries only matter across the crash window and can be
// dropped once stale.
const takeProfitTTL = 7 * 24 * time.Hour

// PairGrids holds the two ladders for one pair.
type PairGrids struct {
	Sell *grid.Grid `json:"sell"`
	Buy  *grid.Grid `json:"buy"`
}

// MarketSnapshot is the top of book captured at issuance time. Diagnostics
// only; no trading decision reads it back.
type MarketSnapshot struct {
	LowestAsk  decimal.Decimal `json:"lowestAsk"`
	HighestBid decimal.Decimal `json:"highestBid"`
}

// TakeProfit records a free-standing profit-taking sell issued in response
// to a filled buy rung. Keyed by the buy order's ID so a crashed run cannot
// re-issue the same sell.
type TakeProfit struct {
	Pair        string          `json:"pair"`
	BuyOrderID  types.OrderID   `json:"buyOrderId"`
	SellOrderID types.OrderID   `json:"sellOrderId"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      decimal.Decimal `json:"amount"`
	IssuedAt    time.Time       `json:"issuedAt"`
}

// Journal receives each take-profit at placement time, before the end-of-run
// snapshot is written. The store appends them to a side file it folds back
// into the snapshot on the next load.
type Journal interface {
	Record(tp TakeProfit) error
}

// State is the durable part of a Trader.
type State struct {
	Account     string                       `json:"account"`
	Grids       map[string]*PairGrids        `json:"grids"`
	Market      map[string]MarketSnapshot    `json:"market"`
	TakeProfits map[types.OrderID]TakeProfit `json:"takeProfits"`
}

// Trader runs the grid state machine for one account.
type Trader struct {
	State

	exch    exchange.Exchange
	cfg     *config.Config
	journal Journal
	logger  *slog.Logger
}

// New creates a trader with empty state.
func New(cfg *config.Config, exch exchange.Exchange, journal Journal, logger *slog.Logger) *Trader {
	return &Trader{
		State: State{
			Account:     cfg.Account,
			Grids:       make(map[string]*PairGrids),
			Market:      make(map[string]MarketSnapshot),
			TakeProfits: make(map[types.OrderID]TakeProfit),
		},
		exch:    exch,
		cfg:     cfg,
		journal: journal,
		logger:  logger,
	}
}

// FromState re-attaches live collaborators to a retrieved snapshot.
func FromState(st *State, cfg *config.Config, exch exchange.Exchange, journal Journal, logger *slog.Logger) *Trader {
	t := &Trader{State: *st, exch: exch, cfg: cfg, journal: journal, logger: logger}
	if t.Grids == nil {
		t.Grids = make(map[string]*PairGrids)
	}
	if t.Market == nil {
		t.Market = make(map[string]MarketSnapshot)
	}
	if t.TakeProfits == nil {
		t.TakeProfits = make(map[types.OrderID]TakeProfit)
	}
	return t
}

// Build derives fresh sell and buy grids for every configured pair from the
// current midpoint. No orders are placed.
func (t *Trader) Build(ctx context.Context) error {
	t.Grids = make(map[string]*PairGrids, len(t.cfg.Pairs))

	for _, pair := range t.cfg.Pairs {
		tk, err := t.exch.TickerFor(ctx, pair)
		if err != nil {
			return err
		}
		mid := tk.Midpoint()

		core, err := t.corePosition(pair)
		if err != nil {
			return err
		}

		t.logger.Debug("building grids",
			"pair", pair.String(), "midpoint", mid.String(), "core_position", core.String())
		t.Grids[pair.String()] = &PairGrids{
			Sell: grid.New(types.Sell, pair, mid, t.cfg.SellGrid, core),
			Buy:  grid.New(types.Buy, pair, mid, t.cfg.BuyGrid, core),
		}
	}
	return nil
}

// IssueAll rests the orders of every grid, buy side then sell side per pair,
// and snapshots the top of book for diagnostics. Per-rung NotEnoughCoin and
// DustTrade are absorbed inside PlaceOrders; anything else aborts.
func (t *Trader) IssueAll(ctx context.Context) error {
	for _, key := range t.orderedPairKeys() {
		pair, err := types.ParsePair(key)
		if err != nil {
			return fmt.Errorf("%w: bad pair key %q in state", grid.ErrInvariantViolation, key)
		}
		pg := t.Grids[key]

		tk, err := t.exch.TickerFor(ctx, pair)
		if err != nil {
			return err
		}
		t.Market[key] = MarketSnapshot{LowestAsk: tk.LowestAsk, HighestBid: tk.HighestBid}

		for _, g := range []*grid.Grid{pg.Buy, pg.Sell} {
			if err := g.PlaceOrders(ctx, t.exch, t.logger); err != nil {
				return err
			}
		}
		t.logger.Debug("issued trades on created grids", "pair", key)
	}
	return nil
}

// Poll inspects every ladder for fills since the last invocation and reacts:
// filled buy rungs spawn take-profit sells and may rebuild an exhausted buy
// grid; filled sell rungs elevate the buy grid; an exhausted sell grid is
// rebuilt from the current ask. Buy-side processing completes before the
// sell side for each pair, so the freshly elevated buy ladder is never
// scanned for activity it just created.
func (t *Trader) Poll(ctx context.Context) error {
	t.pruneTakeProfits(time.Now())

	for _, key := range t.orderedPairKeys() {
		pair, err := types.ParsePair(key)
		if err != nil {
			return fmt.Errorf("%w: bad pair key %q in state", grid.ErrInvariantViolation, key)
		}
		pg := t.Grids[key]

		if err := t.pollBuySide(ctx, pair, pg); err != nil {
			return err
		}
		if err := t.pollSellSide(ctx, pair, pg); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trader) pollBuySide(ctx context.Context, pair types.Pair, pg *PairGrids) error {
	g := pg.Buy
	deepest, found, err := g.TradeActivity(ctx, t.exch)
	if err != nil {
		return err
	}
	if !found {
		t.logger.Debug("no buy trade activity", "pair", pair.String(), "open_orders", len(g.OrderIDs))
		return nil
	}
	t.logger.Debug("buy trade activity detected",
		"pair", pair.String(), "deepest", deepest, "ladder", len(g.OrderIDs))

	for i := deepest; i >= 0; i-- {
		fillRate := g.Rungs[i]
		buyID := g.OrderIDs[i]

		if !g.ProfitTarget.IsPositive() {
			t.logger.Debug("accumulating purchase instead of selling for profit",
				"pair", pair.String(), "rate", fillRate.String())
			continue
		}
		if prev, ok := t.TakeProfits[buyID]; ok {
			t.logger.Debug("take-profit already issued for this fill",
				"pair", pair.String(), "buy_order_id", string(buyID), "sell_order_id", string(prev.SellOrderID))
			continue
		}

		sellRate := money.ApplyPercent(fillRate, g.ProfitTarget)
		sellID, err := t.exch.Sell(ctx, pair, sellRate, g.RungSize)
		if err != nil {
			if errors.Is(err, exchange.ErrNotEnoughCoin) || errors.Is(err, exchange.ErrDustTrade) {
				t.logger.Warn("take-profit sell not placed",
					"pair", pair.String(), "rate", sellRate.String(), "error", err)
				continue
			}
			return fmt.Errorf("take-profit sell on %s: %w", pair, err)
		}

		tp := TakeProfit{
			Pair:        pair.String(),
			BuyOrderID:  buyID,
			SellOrderID: sellID,
			Rate:        sellRate,
			Amount:      g.RungSize,
			IssuedAt:    time.Now().UTC(),
		}
		t.TakeProfits[buyID] = tp
		if t.journal != nil {
			if err := t.journal.Record(tp); err != nil {
				return fmt.Errorf("journal take-profit: %w", err)
			}
		}
		t.logger.Debug("take-profit sell issued",
			"pair", pair.String(), "fill_rate", fillRate.String(),
			"sell_rate", sellRate.String(), "amount", g.RungSize.String(),
			"sell_order_id", string(sellID))
	}

	g.PurgeClosedTrades(deepest)

	if g.Exhausted() {
		tk, err := t.exch.TickerFor(ctx, pair)
		if err != nil {
			return err
		}
		t.logger.Debug("buy grid exhausted, rebuilding",
			"pair", pair.String(), "highest_bid", tk.HighestBid.String(), "lowest_ask", tk.LowestAsk.String())
		rebuilt, err := t.buildAndPlace(ctx, types.Buy, pair, tk.HighestBid)
		if err != nil {
			return err
		}
		pg.Buy = rebuilt
	}
	return nil
}

func (t *Trader) pollSellSide(ctx context.Context, pair types.Pair, pg *PairGrids) error {
	g := pg.Sell
	deepest, found, err := g.TradeActivity(ctx, t.exch)
	if err != nil {
		return err
	}

	if found {
		deepestFilledRate := g.Rungs[deepest]
		t.logger.Debug("sell trade activity detected",
			"pair", pair.String(), "deepest", deepest, "deepest_filled_rate", deepestFilledRate.String())
		g.PurgeClosedTrades(deepest)

		// The market climbed through sell rungs; cancel the stale buy ladder
		// and rebuild it around the deepest filled rate so buys follow.
		if err := t.exch.CancelOrders(ctx, pg.Buy.OrderIDs); err != nil {
			return err
		}
		t.logger.Debug("elevating buy grid", "pair", pair.String(), "anchor", deepestFilledRate.String())
		elevated, err := t.buildAndPlace(ctx, types.Buy, pair, deepestFilledRate)
		if err != nil {
			return err
		}
		pg.Buy = elevated
	} else {
		t.logger.Debug("no sell trade activity", "pair", pair.String(), "open_orders", len(g.OrderIDs))
	}

	if pg.Sell.Exhausted() {
		tk, err := t.exch.TickerFor(ctx, pair)
		if err != nil {
			return err
		}
		t.logger.Debug("sell grid exhausted, rebuilding",
			"pair", pair.String(), "lowest_ask", tk.LowestAsk.String())
		rebuilt, err := t.buildAndPlace(ctx, types.Sell, pair, tk.LowestAsk)
		if err != nil {
			return err
		}
		pg.Sell = rebuilt
	}
	return nil
}

// buildAndPlace constructs a fresh ladder around an anchor price and rests
// its orders.
func (t *Trader) buildAndPlace(ctx context.Context, side types.Side, pair types.Pair, anchor decimal.Decimal) (*grid.Grid, error) {
	core, err := t.corePosition(pair)
	if err != nil {
		return nil, err
	}
	params := t.cfg.SellGrid
	if side == types.Buy {
		params = t.cfg.BuyGrid
	}
	g := grid.New(side, pair, anchor, params, core)
	if err := g.PlaceOrders(ctx, t.exch, t.logger); err != nil {
		return nil, err
	}
	return g, nil
}

func (t *Trader) corePosition(pair types.Pair) (decimal.Decimal, error) {
	return t.cfg.CorePosition(t.exch.BaseOf(pair))
}

// orderedPairKeys returns grid keys in config order, then any stragglers no
// longer configured, sorted. Deterministic across runs.
func (t *Trader) orderedPairKeys() []string {
	seen := make(map[string]bool, len(t.cfg.Pairs))
	keys := make([]string, 0, len(t.Grids))
	for _, pair := range t.cfg.Pairs {
		key := pair.String()
		if _, ok := t.Grids[key]; ok {
			keys = append(keys, key)
			seen[key] = true
		}
	}
	var rest []string
	for key := range t.Grids {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func (t *Trader) pruneTakeProfits(now time.Time) {
	for id, tp := range t.TakeProfits {
		if now.Sub(tp.IssuedAt) > takeProfitTTL {
			delete(t.TakeProfits, id)
		}
	}
}
