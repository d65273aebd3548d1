package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pairBTCETH(t *testing.T) types.Pair {
	t.Helper()
	p, err := types.ParsePair("BTC-ETH")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// fakeVenue serves canned legacy-API responses and records trading calls.
type fakeVenue struct {
	t        *testing.T
	public   map[string]string // command → body
	trading  map[string]string // command → body
	lastForm url.Values
}

func (f *fakeVenue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/public", func(w http.ResponseWriter, r *http.Request) {
		cmd := r.URL.Query().Get("command")
		body, ok := f.public[cmd]
		if !ok {
			f.t.Errorf("unexpected public command %q", cmd)
			http.Error(w, "{}", http.StatusNotFound)
			return
		}
		io.WriteString(w, body)
	})
	mux.HandleFunc("/tradingApi", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Key") == "" || r.Header.Get("Sign") == "" {
			f.t.Error("trading call missing Key/Sign headers")
		}
		if err := r.ParseForm(); err != nil {
			f.t.Errorf("parse form: %v", err)
		}
		f.lastForm = r.PostForm
		cmd := r.PostForm.Get("command")
		if r.PostForm.Get("nonce") == "" {
			f.t.Errorf("trading call %q missing nonce", cmd)
		}
		body, ok := f.trading[cmd]
		if !ok {
			f.t.Errorf("unexpected trading command %q", cmd)
			http.Error(w, "{}", http.StatusNotFound)
			return
		}
		io.WriteString(w, body)
	})
	return mux
}

func newTestPoloniex(t *testing.T, venue *fakeVenue) *Poloniex {
	t.Helper()
	srv := httptest.NewServer(venue.handler())
	t.Cleanup(srv.Close)
	return NewPoloniex(srv.URL, "test-key", "test-secret", discardLogger())
}

func TestTickerFor(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{t: t, public: map[string]string{
		"returnTicker": `{"BTC_ETH":{"lowestAsk":"0.031","highestBid":"0.029"},"BTC_XMR":{"lowestAsk":"0.01","highestBid":"0.009"}}`,
	}}
	p := newTestPoloniex(t, venue)

	tk, err := p.TickerFor(context.Background(), pairBTCETH(t))
	if err != nil {
		t.Fatalf("TickerFor: %v", err)
	}
	if !tk.LowestAsk.Equal(money.MustFromString("0.031")) || !tk.HighestBid.Equal(money.MustFromString("0.029")) {
		t.Errorf("ticker = %+v", tk)
	}
}

func TestTickerForUnlistedPair(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{t: t, public: map[string]string{"returnTicker": `{}`}}
	p := newTestPoloniex(t, venue)

	if _, err := p.TickerFor(context.Background(), pairBTCETH(t)); err == nil {
		t.Error("expected error for unlisted pair")
	}
}

func TestBuyMapsOrderNumber(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{t: t, trading: map[string]string{
		"buy": `{"orderNumber":"31226040","resultingTrades":[]}`,
	}}
	p := newTestPoloniex(t, venue)

	id, err := p.Buy(context.Background(), pairBTCETH(t), money.MustFromString("0.03"), money.MustFromString("5"))
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if id != types.OrderID("31226040") {
		t.Errorf("id = %q", id)
	}
	if got := venue.lastForm.Get("currencyPair"); got != "BTC_ETH" {
		t.Errorf("currencyPair = %q, want BTC_ETH", got)
	}
	if got := venue.lastForm.Get("rate"); got != "0.03" {
		t.Errorf("rate = %q, want 0.03", got)
	}
}

func TestPlaceOrderErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want error
	}{
		{"not enough coin", `{"error":"Not enough BTC."}`, ErrNotEnoughCoin},
		{"dust", `{"error":"Total must be at least 0.0001."}`, ErrDustTrade},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			venue := &fakeVenue{t: t, trading: map[string]string{"sell": tt.body}}
			p := newTestPoloniex(t, venue)

			_, err := p.Sell(context.Background(), pairBTCETH(t), money.MustFromString("0.03"), money.MustFromString("5"))
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIsOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"open with remainder", `{"result":{"777":{"status":"Open","amount":"2.5"}},"success":1}`, true},
		{"dust remainder counts as closed", `{"result":{"777":{"status":"Open","amount":"0.000000001"}},"success":1}`, false},
		{"not found", `{"result":{"error":"Order not found, or you are not the person who placed it."},"success":0}`, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			venue := &fakeVenue{t: t, trading: map[string]string{"returnOrderStatus": tt.body}}
			p := newTestPoloniex(t, venue)

			open, err := p.IsOpen(context.Background(), types.OrderID("777"))
			if err != nil {
				t.Fatalf("IsOpen: %v", err)
			}
			if open != tt.want {
				t.Errorf("open = %v, want %v", open, tt.want)
			}
		})
	}
}

func TestCancelOrdersIgnoresGone(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{t: t, trading: map[string]string{
		"cancelOrder": `{"error":"Invalid order number, or you are not the person who placed the order."}`,
	}}
	p := newTestPoloniex(t, venue)

	ids := []types.OrderID{"1", "2"}
	if err := p.CancelOrders(context.Background(), ids); err != nil {
		t.Errorf("CancelOrders should ignore gone orders, got %v", err)
	}
}

func TestReturnSellOrderBook(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{t: t, public: map[string]string{
		"returnOrderBook": `{"asks":[["0.031",2.5],["0.032",10]],"bids":[["0.029",1]]}`,
	}}
	p := newTestPoloniex(t, venue)

	book, err := p.ReturnSellOrderBook(context.Background(), pairBTCETH(t))
	if err != nil {
		t.Fatalf("ReturnSellOrderBook: %v", err)
	}
	if len(book) != 2 {
		t.Fatalf("len = %d, want 2", len(book))
	}
	if !book[0].Rate.Equal(money.MustFromString("0.031")) || !book[0].Quantity.Equal(money.MustFromString("2.5")) {
		t.Errorf("book[0] = %+v", book[0])
	}
}

func TestReturnPositiveBalances(t *testing.T) {
	t.Parallel()
	venue := &fakeVenue{t: t, trading: map[string]string{
		"returnCompleteBalances": `{"BTC":{"available":"1.5","onOrders":"0.5","btcValue":"2"},"ETH":{"available":"0","onOrders":"0","btcValue":"0"}}`,
	}}
	p := newTestPoloniex(t, venue)

	balances, err := p.ReturnPositiveBalances(context.Background())
	if err != nil {
		t.Fatalf("ReturnPositiveBalances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("len = %d, want 1 (zero balances filtered)", len(balances))
	}
	if !balances["BTC"].Total.Equal(money.MustFromString("2")) {
		t.Errorf("BTC total = %s, want 2", balances["BTC"].Total)
	}
}

func TestBaseOfVenueAlias(t *testing.T) {
	t.Parallel()
	p := NewPoloniex("http://unused", "k", "s", discardLogger())

	xlm, err := types.ParsePair("BTC-XLM")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.BaseOf(xlm); got != "STR" {
		t.Errorf("BaseOf(BTC-XLM) = %q, want STR", got)
	}
	eth, _ := types.ParsePair("BTC-ETH")
	if got := p.BaseOf(eth); got != "ETH" {
		t.Errorf("BaseOf(BTC-ETH) = %q, want ETH", got)
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()

	if _, err := New("poloniex", "k", "s", discardLogger()); err != nil {
		t.Errorf("New(poloniex): %v", err)
	}
	if _, err := New("polo", "k", "s", discardLogger()); err != nil {
		t.Errorf("New(polo): %v", err)
	}
	if _, err := New("mtgox", "k", "s", discardLogger()); err == nil {
		t.Error("New(mtgox) should fail")
	}
}
