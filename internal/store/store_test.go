package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridtrader/internal/grid"
	"gridtrader/internal/trader"
	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

func testState(t *testing.T) *trader.State {
	t.Helper()
	pair, err := types.ParsePair("BTC-ETH")
	require.NoError(t, err)
	g := grid.New(types.Buy, pair, money.MustFromString("100"), grid.Params{
		MajorLevel:     money.MustFromString("1"),
		NumberOfOrders: 3,
		Increments:     money.MustFromString("1"),
		Size:           money.MustFromString("30"),
		ProfitTarget:   money.MustFromString("2"),
	}, money.MustFromString("300"))
	g.OrderIDs = []types.OrderID{"11", "12", "13"}

	return &trader.State{
		Account:     "terrence",
		Grids:       map[string]*trader.PairGrids{"BTC-ETH": {Buy: g}},
		TakeProfits: map[types.OrderID]trader.TakeProfit{},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save("terrence", testState(t)))

	_, err = os.Stat(filepath.Join(dir, "terrence.storage"))
	require.NoError(t, err, "the snapshot lives at <account>.storage")

	got, err := s.Load("terrence")
	require.NoError(t, err)
	assert.Equal(t, "terrence", got.Account)

	g := got.Grids["BTC-ETH"].Buy
	require.NotNil(t, g)
	require.Len(t, g.Rungs, 3)
	assert.True(t, g.Rungs[1].Equal(money.MustFromString("98.01")))
	assert.Equal(t, []types.OrderID{"11", "12", "13"}, g.OrderIDs)
}

func TestLoadMissingSnapshot(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load("nobody")
	require.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestLoadRejectsUnknownSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	raw := []byte(`{"schemaVersion": 99, "trader": {"account": "terrence"}}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "terrence.storage"), raw, 0o600))

	_, err = s.Load("terrence")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}

func TestJournalReplayAndTruncateOnSave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	st := testState(t)
	require.NoError(t, s.Save("terrence", st))

	// A take-profit lands in the journal but not in any snapshot.
	j, err := s.Journal("terrence")
	require.NoError(t, err)
	tp := trader.TakeProfit{
		Pair:        "BTC-ETH",
		BuyOrderID:  "11",
		SellOrderID: "901",
		Rate:        money.MustFromString("100.98"),
		Amount:      money.MustFromString("30"),
		IssuedAt:    time.Now().UTC(),
	}
	require.NoError(t, j.Record(tp))

	got, err := s.Load("terrence")
	require.NoError(t, err)
	replayed, ok := got.TakeProfits["11"]
	require.True(t, ok, "journalled take-profit folded into the snapshot")
	assert.Equal(t, types.OrderID("901"), replayed.SellOrderID)
	assert.True(t, replayed.Rate.Equal(money.MustFromString("100.98")))

	// Saving the folded state empties the journal; the next load sees only
	// the snapshot.
	require.NoError(t, s.Save("terrence", got))
	info, err := os.Stat(filepath.Join(dir, "terrence.journal"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	again, err := s.Load("terrence")
	require.NoError(t, err)
	_, ok = again.TakeProfits["11"]
	assert.True(t, ok)
	require.NoError(t, j.Close())
}

func TestLockExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	require.NoError(t, err)

	release, err := s.Lock("terrence")
	require.NoError(t, err)

	_, err = s.Lock("terrence")
	require.ErrorIs(t, err, ErrLocked)

	release()
	release2, err := s.Lock("terrence")
	require.NoError(t, err)
	release2()
}
