// Package grid models one ladder of resting limit orders on one side of a
// market: rung prices, the per-rung size, and the ids of the orders resting
// on those rungs.
//
// Rung zero is the rung nearest the market; the index grows away from it
// (upward for sells, downward for buys). Rungs and order ids stay aligned
// index-for-index; purging fills keeps the deeper tail of both.
package grid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"gridtrader/internal/exchange"
	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

// ErrInvariantViolation reports corrupted ladder state, e.g. more order ids
// than rungs. It is fatal and reported to the admin.
var ErrInvariantViolation = errors.New("grid invariant violation")

// Params are the per-side grid settings from the [sellgrid] or [buygrid]
// config section. Percent values follow the config convention: 1.0 == 1%.
type Params struct {
	MajorLevel     decimal.Decimal // percent offset of rung 0 from the anchor price
	NumberOfOrders int             // rung count
	Increments     decimal.Decimal // percent step between adjacent rungs
	Size           decimal.Decimal // percent of the core position the whole ladder consumes
	ProfitTarget   decimal.Decimal // buy side only: percent markup for paired sells
}

// Grid is a ladder for one side of one pair.
type Grid struct {
	Side          types.Side        `json:"side"`
	Pair          types.Pair        `json:"pair"`
	StartingPrice decimal.Decimal   `json:"startingPrice"`
	Rungs         []decimal.Decimal `json:"rungs"`
	RungSize      decimal.Decimal   `json:"rungSize"`
	OrderIDs      []types.OrderID   `json:"orderIds"`
	ProfitTarget  decimal.Decimal   `json:"profitTarget"`
}

// New derives a ladder from an anchor price and grid parameters.
//
// The starting price sits majorLevel percent away from the anchor in the
// side's direction, and each further rung steps increments percent from the
// previous one (a geometric progression). The per-rung size is the ladder's
// share of the core position split evenly across the rungs. No orders are
// placed here.
func New(side types.Side, pair types.Pair, anchorPrice decimal.Decimal, p Params, corePosition decimal.Decimal) *Grid {
	dir := side.Direction()

	rungs := make([]decimal.Decimal, 0, p.NumberOfOrders)
	price := money.ApplyPercent(anchorPrice, p.MajorLevel.Mul(dir))
	for i := 0; i < p.NumberOfOrders; i++ {
		rungs = append(rungs, price)
		price = money.ApplyPercent(price, p.Increments.Mul(dir))
	}

	ladderTotal := money.PercentToRatio(p.Size).Mul(corePosition)
	rungSize := money.DivRound(ladderTotal, decimal.NewFromInt(int64(p.NumberOfOrders)))

	return &Grid{
		Side:          side,
		Pair:          pair,
		StartingPrice: money.ApplyPercent(anchorPrice, p.MajorLevel.Mul(dir)),
		Rungs:         rungs,
		RungSize:      rungSize,
		OrderIDs:      make([]types.OrderID, 0, p.NumberOfOrders),
		ProfitTarget:  p.ProfitTarget,
	}
}

// PlaceOrders rests a limit order on every rung, recording ids as they come
// back. A rung that fails with NotEnoughCoin or DustTrade — or whose size is
// already dust locally — is logged and dropped from the ladder so rungs and
// ids stay aligned; the ladder proceeds partial. Any other error aborts.
func (g *Grid) PlaceOrders(ctx context.Context, ex exchange.Exchange, logger *slog.Logger) error {
	kept := g.Rungs[:0:0]

	for _, rate := range g.Rungs {
		if money.IsDust(g.RungSize) {
			logger.Warn("skipping dust rung",
				"pair", g.Pair.String(), "side", string(g.Side),
				"rate", rate.String(), "amount", g.RungSize.String(),
				"error", exchange.ErrDustTrade)
			continue
		}

		var (
			id  types.OrderID
			err error
		)
		if g.Side == types.Sell {
			id, err = ex.Sell(ctx, g.Pair, rate, g.RungSize)
		} else {
			id, err = ex.Buy(ctx, g.Pair, rate, g.RungSize)
		}
		if err != nil {
			if errors.Is(err, exchange.ErrNotEnoughCoin) || errors.Is(err, exchange.ErrDustTrade) {
				logger.Warn("rung not placed, ladder proceeds partial",
					"pair", g.Pair.String(), "side", string(g.Side),
					"rate", rate.String(), "error", err)
				continue
			}
			g.Rungs = kept
			return fmt.Errorf("place %s order on %s at %s: %w", g.Side, g.Pair, rate, err)
		}

		kept = append(kept, rate)
		g.OrderIDs = append(g.OrderIDs, id)
	}

	g.Rungs = kept
	return nil
}

// TradeActivity scans the resting orders from the deepest rung toward the
// market and returns the index of the first one that is no longer open.
// Rungs nearer the market fill first, so the deepest closed rung implies
// every shallower rung closed too; the scan stops at the first hit instead
// of querying the whole ladder. found is false when every order is open.
func (g *Grid) TradeActivity(ctx context.Context, ex exchange.Exchange) (deepest int, found bool, err error) {
	if len(g.OrderIDs) > len(g.Rungs) {
		return 0, false, fmt.Errorf("%w: %d order ids for %d rungs on %s %s",
			ErrInvariantViolation, len(g.OrderIDs), len(g.Rungs), g.Pair, g.Side)
	}

	for i := len(g.OrderIDs) - 1; i >= 0; i-- {
		open, err := ex.IsOpen(ctx, g.OrderIDs[i])
		if err != nil {
			return 0, false, fmt.Errorf("query order %s: %w", g.OrderIDs[i], err)
		}
		if !open {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// PurgeClosedTrades drops every rung at index <= deepest from the ladder,
// in both rungs and order ids. The surviving ladder represents only
// still-open resting orders, re-indexed from the shallowest survivor.
func (g *Grid) PurgeClosedTrades(deepest int) {
	if deepest+1 >= len(g.Rungs) {
		g.Rungs = g.Rungs[:0]
	} else {
		g.Rungs = append(g.Rungs[:0:0], g.Rungs[deepest+1:]...)
	}
	if deepest+1 >= len(g.OrderIDs) {
		g.OrderIDs = g.OrderIDs[:0]
	} else {
		g.OrderIDs = append(g.OrderIDs[:0:0], g.OrderIDs[deepest+1:]...)
	}
}

// Exhausted reports whether no resting orders remain on the ladder.
func (g *Grid) Exhausted() bool {
	return len(g.OrderIDs) == 0
}
