package trader

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/config"
	"gridtrader/internal/exchange/exchangetest"
	"gridtrader/internal/grid"
	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingJournal struct {
	records []TakeProfit
}

func (j *recordingJournal) Record(tp TakeProfit) error {
	j.records = append(j.records, tp)
	return nil
}

func btcEth(t *testing.T) types.Pair {
	t.Helper()
	p, err := types.ParsePair("BTC-ETH")
	require.NoError(t, err)
	return p
}

// 1% major level, 3 rungs, 1% increments, 30% of a 300 core position, 2%
// profit target on the buy side.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	one := money.MustFromString("1")
	return &config.Config{
		Exchange: "poloniex",
		Account:  "terrence",
		Pairs:    []types.Pair{btcEth(t)},
		CorePositions: map[string]decimal.Decimal{
			"ETH": money.MustFromString("300"),
		},
		SellGrid: grid.Params{
			MajorLevel: one, NumberOfOrders: 3, Increments: one,
			Size: money.MustFromString("30"),
		},
		BuyGrid: grid.Params{
			MajorLevel: one, NumberOfOrders: 3, Increments: one,
			Size: money.MustFromString("30"), ProfitTarget: money.MustFromString("2"),
		},
	}
}

// initTrader builds and issues grids around midpoint 100.
func initTrader(t *testing.T, cfg *config.Config, ex *exchangetest.Mock, journal Journal) *Trader {
	t.Helper()
	ex.SetTicker(btcEth(t), money.MustFromString("101"), money.MustFromString("99"))
	tr := New(cfg, ex, journal, testLogger())
	require.NoError(t, tr.Build(context.Background()))
	require.NoError(t, tr.IssueAll(context.Background()))
	return tr
}

func TestBuildAndIssueAll(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	tr := initTrader(t, testConfig(t), ex, nil)

	pg := tr.Grids["BTC-ETH"]
	require.NotNil(t, pg)

	buys := ex.PlacedOn(btcEth(t), types.Buy)
	sells := ex.PlacedOn(btcEth(t), types.Sell)
	require.Len(t, buys, 3)
	require.Len(t, sells, 3)

	wantBuys := []string{"99", "98.01", "97.0299"}
	wantSells := []string{"101", "102.01", "103.0301"}
	for i := range buys {
		assert.True(t, buys[i].Rate.Equal(money.MustFromString(wantBuys[i])),
			"buy rung %d at %s, want %s", i, buys[i].Rate, wantBuys[i])
		assert.True(t, sells[i].Rate.Equal(money.MustFromString(wantSells[i])),
			"sell rung %d at %s, want %s", i, sells[i].Rate, wantSells[i])
		assert.True(t, buys[i].Amount.Equal(money.MustFromString("30")))
	}

	snap, ok := tr.Market["BTC-ETH"]
	require.True(t, ok)
	assert.True(t, snap.LowestAsk.Equal(money.MustFromString("101")))
	assert.True(t, snap.HighestBid.Equal(money.MustFromString("99")))
}

func TestPollBuyFillsSpawnTakeProfits(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	journal := &recordingJournal{}
	tr := initTrader(t, testConfig(t), ex, journal)
	pg := tr.Grids["BTC-ETH"]

	// Rungs 0 and 1 fill (99 and 98.01).
	ex.Close(pg.Buy.OrderIDs[0])
	ex.Close(pg.Buy.OrderIDs[1])
	filledIDs := []types.OrderID{pg.Buy.OrderIDs[0], pg.Buy.OrderIDs[1]}

	sellsBefore := len(ex.PlacedOn(btcEth(t), types.Sell))
	require.NoError(t, tr.Poll(context.Background()))

	// Two take-profit sells: fill rate plus 2%.
	sells := ex.PlacedOn(btcEth(t), types.Sell)[sellsBefore:]
	require.Len(t, sells, 2)
	rates := map[string]bool{}
	for _, o := range sells {
		rates[o.Rate.String()] = true
		assert.True(t, o.Amount.Equal(money.MustFromString("30")))
	}
	assert.True(t, rates["100.98"], "take-profit for the 99 fill")
	assert.True(t, rates["99.9702"], "take-profit for the 98.01 fill")

	// Filled rungs purged; the ladder keeps only the deepest rung.
	require.Len(t, pg.Buy.Rungs, 1)
	assert.True(t, pg.Buy.Rungs[0].Equal(money.MustFromString("97.0299")))

	// Ledger and journal agree, keyed by the filled buy ids.
	require.Len(t, journal.records, 2)
	for _, id := range filledIDs {
		_, ok := tr.TakeProfits[id]
		assert.True(t, ok, "take-profit recorded for buy %s", id)
	}
}

func TestPollIsIdempotentWithoutNewFills(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	tr := initTrader(t, testConfig(t), ex, nil)
	pg := tr.Grids["BTC-ETH"]
	ex.Close(pg.Buy.OrderIDs[0])

	require.NoError(t, tr.Poll(context.Background()))
	placed := len(ex.Placed())

	require.NoError(t, tr.Poll(context.Background()))
	assert.Equal(t, placed, len(ex.Placed()), "a quiet poll places nothing")
}

func TestPollExhaustedBuyGridRebuilds(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	tr := initTrader(t, testConfig(t), ex, nil)
	pg := tr.Grids["BTC-ETH"]

	for _, id := range pg.Buy.OrderIDs {
		ex.Close(id)
	}
	// Market dropped; rebuild anchors on the current bid.
	ex.SetTicker(btcEth(t), money.MustFromString("97"), money.MustFromString("96"))

	require.NoError(t, tr.Poll(context.Background()))

	rebuilt := tr.Grids["BTC-ETH"].Buy
	require.Len(t, rebuilt.Rungs, 3)
	assert.True(t, rebuilt.Rungs[0].Equal(money.MustFromString("95.04")),
		"first rung 1%% under the 96 bid, got %s", rebuilt.Rungs[0])
	require.Len(t, rebuilt.OrderIDs, 3)
	for _, id := range rebuilt.OrderIDs {
		o, ok := ex.Order(id)
		require.True(t, ok)
		assert.True(t, o.Open)
	}
}

func TestPollSellFillElevatesBuyGrid(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	tr := initTrader(t, testConfig(t), ex, nil)
	pg := tr.Grids["BTC-ETH"]
	oldBuyIDs := append([]types.OrderID(nil), pg.Buy.OrderIDs...)

	// The 101 sell rung fills.
	ex.Close(pg.Sell.OrderIDs[0])

	require.NoError(t, tr.Poll(context.Background()))

	// Every stale buy was cancelled.
	cancelled := map[types.OrderID]bool{}
	for _, id := range ex.Cancelled() {
		cancelled[id] = true
	}
	for _, id := range oldBuyIDs {
		assert.True(t, cancelled[id], "stale buy %s cancelled", id)
	}

	// New buy ladder anchored on the filled sell rate, 101.
	elevated := tr.Grids["BTC-ETH"].Buy
	require.Len(t, elevated.Rungs, 3)
	assert.True(t, elevated.Rungs[0].Equal(money.MustFromString("99.99")),
		"first rung 1%% under 101, got %s", elevated.Rungs[0])

	// Sell ladder purged down to the two untouched rungs.
	require.Len(t, tr.Grids["BTC-ETH"].Sell.Rungs, 2)
	assert.True(t, tr.Grids["BTC-ETH"].Sell.Rungs[0].Equal(money.MustFromString("102.01")))
}

func TestPollExhaustedSellGridRebuilds(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	tr := initTrader(t, testConfig(t), ex, nil)
	pg := tr.Grids["BTC-ETH"]

	for _, id := range pg.Sell.OrderIDs {
		ex.Close(id)
	}
	ex.SetTicker(btcEth(t), money.MustFromString("105"), money.MustFromString("104"))

	require.NoError(t, tr.Poll(context.Background()))

	rebuilt := tr.Grids["BTC-ETH"].Sell
	require.Len(t, rebuilt.Rungs, 3)
	assert.True(t, rebuilt.Rungs[0].Equal(money.MustFromString("106.05")),
		"first rung 1%% over the 105 ask, got %s", rebuilt.Rungs[0])
}

// A crash after take-profit placement but before the snapshot write must not
// re-issue the sell: the journal entries are folded back into the reloaded
// state and the poll skips fills it already acted on.
func TestPollAfterCrashDoesNotDuplicateTakeProfits(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	cfg := testConfig(t)
	journal := &recordingJournal{}
	tr := initTrader(t, cfg, ex, journal)

	// Snapshot the pre-poll state, as the store would have it on disk.
	raw, err := json.Marshal(&tr.State)
	require.NoError(t, err)

	ex.Close(tr.Grids["BTC-ETH"].Buy.OrderIDs[0])
	require.NoError(t, tr.Poll(context.Background()))
	require.Len(t, journal.records, 1)
	placed := len(ex.Placed())

	// Crash: reload the stale snapshot, replay the journal into it.
	var st State
	require.NoError(t, json.Unmarshal(raw, &st))
	revived := FromState(&st, cfg, ex, journal, testLogger())
	for _, tp := range journal.records {
		revived.TakeProfits[tp.BuyOrderID] = tp
	}

	require.NoError(t, revived.Poll(context.Background()))
	assert.Equal(t, placed, len(ex.Placed()), "no duplicate take-profit after replay")
}

func TestPollAccumulatesWithoutProfitTarget(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	cfg := testConfig(t)
	cfg.BuyGrid.ProfitTarget = decimal.Zero
	tr := initTrader(t, cfg, ex, nil)
	pg := tr.Grids["BTC-ETH"]

	ex.Close(pg.Buy.OrderIDs[0])
	sellsBefore := len(ex.PlacedOn(btcEth(t), types.Sell))

	require.NoError(t, tr.Poll(context.Background()))

	assert.Equal(t, sellsBefore, len(ex.PlacedOn(btcEth(t), types.Sell)),
		"accumulation mode places no take-profit sells")
	require.Len(t, pg.Buy.Rungs, 2, "the fill is still purged")
	assert.Empty(t, tr.TakeProfits)
}

func TestPruneTakeProfits(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	tr := initTrader(t, testConfig(t), ex, nil)
	now := time.Now().UTC()

	tr.TakeProfits["stale"] = TakeProfit{BuyOrderID: "stale", IssuedAt: now.Add(-8 * 24 * time.Hour)}
	tr.TakeProfits["fresh"] = TakeProfit{BuyOrderID: "fresh", IssuedAt: now.Add(-time.Hour)}

	tr.pruneTakeProfits(now)

	_, stale := tr.TakeProfits["stale"]
	_, fresh := tr.TakeProfits["fresh"]
	assert.False(t, stale)
	assert.True(t, fresh)
}

func TestFromStateRestoresLadders(t *testing.T) {
	t.Parallel()

	ex := exchangetest.New()
	cfg := testConfig(t)
	tr := initTrader(t, cfg, ex, nil)

	raw, err := json.Marshal(&tr.State)
	require.NoError(t, err)

	var st State
	require.NoError(t, json.Unmarshal(raw, &st))
	revived := FromState(&st, cfg, ex, nil, testLogger())

	require.NotNil(t, revived.Grids["BTC-ETH"])
	assert.Equal(t, tr.Grids["BTC-ETH"].Buy.OrderIDs, revived.Grids["BTC-ETH"].Buy.OrderIDs)
	assert.True(t, revived.Grids["BTC-ETH"].Sell.Rungs[2].Equal(money.MustFromString("103.0301")))
}
