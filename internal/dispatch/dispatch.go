// Package dispatch maps CLI verbs onto trading operations.
//
// One invocation runs the requested verbs in a fixed order, each against a
// fresh trader. Any error or panic aborts the run, is logged, and is pushed
// to the operator through the notifier; state is only persisted by verbs
// that completed.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"gridtrader/internal/config"
	"gridtrader/internal/exchange"
	"gridtrader/internal/grid"
	"gridtrader/internal/notify"
	"gridtrader/internal/store"
	"gridtrader/internal/trader"
	"gridtrader/pkg/types"
)

// Options selects the verbs for one invocation. Multiple verbs may be set;
// they run in the field order below.
type Options struct {
	CancelAll   bool
	Init        bool
	Monitor     bool
	Balances    bool
	SetBalances bool
	StatusOf    types.OrderID
}

// Dispatcher wires config, exchange, store, and notifier together for one
// account's invocation.
type Dispatcher struct {
	cfg      *config.Config
	exch     exchange.Exchange
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	out      io.Writer
}

// New builds a dispatcher. Reports and tables go to out.
func New(cfg *config.Config, exch exchange.Exchange, st *store.Store, notifier notify.Notifier, logger *slog.Logger, out io.Writer) *Dispatcher {
	return &Dispatcher{cfg: cfg, exch: exch, store: st, notifier: notifier, logger: logger, out: out}
}

// Run executes the selected verbs. A panic anywhere below is converted into
// an error; every error is logged and sent to the operator before Run
// returns it.
func (d *Dispatcher) Run(ctx context.Context, opts Options) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
		if err != nil {
			d.logger.Error("invocation failed", "error", err)
			subject := fmt.Sprintf("gridtrader %s/%s failed", d.cfg.Exchange, d.cfg.Account)
			if nerr := d.notifier.Notify(ctx, subject, err.Error()); nerr != nil {
				d.logger.Error("operator notification failed", "error", nerr)
			}
		}
	}()

	d.logSessionBalances(ctx)

	if opts.CancelAll {
		if err = d.cancelAll(ctx); err != nil {
			return err
		}
	}
	if opts.Init {
		if err = d.initGrids(ctx); err != nil {
			return err
		}
	}
	if opts.Monitor {
		if err = d.monitor(ctx); err != nil {
			return err
		}
	}
	if opts.Balances {
		if err = d.balances(ctx); err != nil {
			return err
		}
	}
	if opts.SetBalances {
		if err = d.setBalances(ctx); err != nil {
			return err
		}
	}
	if opts.StatusOf != "" {
		if err = d.statusOf(ctx, opts.StatusOf); err != nil {
			return err
		}
	}
	return nil
}

// logSessionBalances opens the session log with the account's positive
// balances. Best effort; a venue hiccup here must not abort the verbs.
func (d *Dispatcher) logSessionBalances(ctx context.Context) {
	balances, err := d.exch.ReturnPositiveBalances(ctx)
	if err != nil {
		d.logger.Warn("could not fetch balances for session banner", "error", err)
		return
	}

	coins := make([]string, 0, len(balances))
	for coin := range balances {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	holdings := make([]string, 0, len(coins))
	for _, coin := range coins {
		holdings = append(holdings, coin+"="+balances[coin].Total.String())
	}
	d.logger.Info("session balances",
		"account", d.cfg.Account, "holdings", strings.Join(holdings, " "))
}

func (d *Dispatcher) cancelAll(ctx context.Context) error {
	d.logger.Info("cancelling all open orders", "account", d.cfg.Account)
	return d.exch.CancelAllOpen(ctx)
}

// initGrids starts the account over: cancel everything resting, build fresh
// ladders around the current midpoints, rest their orders, persist.
func (d *Dispatcher) initGrids(ctx context.Context) error {
	d.logger.Info("initialising grids", "account", d.cfg.Account, "pairs", len(d.cfg.Pairs))

	if err := d.exch.CancelAllOpen(ctx); err != nil {
		return err
	}

	journal, err := d.store.Journal(d.cfg.Account)
	if err != nil {
		return err
	}
	defer journal.Close()

	tr := trader.New(d.cfg, d.exch, journal, d.logger)
	if err := tr.Build(ctx); err != nil {
		return err
	}
	if err := tr.IssueAll(ctx); err != nil {
		return err
	}
	d.renderGrids(tr)
	return d.store.Save(d.cfg.Account, &tr.State)
}

// monitor resumes the persisted ladders and reacts to fills since the last
// run. A missing snapshot is fatal; init is the verb that creates one.
func (d *Dispatcher) monitor(ctx context.Context) error {
	st, err := d.store.Load(d.cfg.Account)
	if err != nil {
		return err
	}

	journal, err := d.store.Journal(d.cfg.Account)
	if err != nil {
		return err
	}
	defer journal.Close()

	tr := trader.FromState(st, d.cfg, d.exch, journal, d.logger)
	if err := tr.Poll(ctx); err != nil {
		return err
	}
	d.renderGrids(tr)
	return d.store.Save(d.cfg.Account, &tr.State)
}

// balances prints every positive balance plus ready-to-paste [pairs] and
// [initialcorepositions] sections for the config file.
func (d *Dispatcher) balances(ctx context.Context) error {
	balances, err := d.exch.ReturnPositiveBalances(ctx)
	if err != nil {
		return err
	}

	coins := make([]string, 0, len(balances))
	for coin := range balances {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Coin", "Available", "On Orders", "Total"})
	for _, coin := range coins {
		b := balances[coin]
		t.AppendRow(table.Row{coin, b.Available.String(), b.OnOrders.String(), b.Total.String()})
	}
	t.SetStyle(table.StyleLight)
	fmt.Fprintln(d.out, t.Render())

	quote := "BTC"
	if len(d.cfg.Pairs) > 0 {
		quote = d.cfg.Pairs[0].Quote
	}
	var suggested []string
	for _, coin := range coins {
		if coin == quote {
			continue
		}
		suggested = append(suggested, quote+"-"+coin)
	}
	fmt.Fprintln(d.out, "\n[pairs]")
	fmt.Fprintf(d.out, "pairs = %s\n", strings.Join(suggested, " "))

	fmt.Fprintln(d.out, "\n[initialcorepositions]")
	for _, coin := range coins {
		fmt.Fprintf(d.out, "%s = %s\n", coin, balances[coin].Total.String())
	}
	return nil
}

// setBalances snapshots live totals into the config's core positions and
// re-initialises the grids against them.
func (d *Dispatcher) setBalances(ctx context.Context) error {
	balances, err := d.exch.ReturnPositiveBalances(ctx)
	if err != nil {
		return err
	}
	if err := config.SetCorePositions(d.cfg.Path, balances); err != nil {
		return err
	}
	d.logger.Info("core positions rewritten from live balances",
		"account", d.cfg.Account, "coins", len(balances))

	cfg, err := config.Load(d.cfg.Path, d.cfg.Exchange, d.cfg.Account)
	if err != nil {
		return err
	}
	d.cfg = cfg
	return d.initGrids(ctx)
}

func (d *Dispatcher) statusOf(ctx context.Context, id types.OrderID) error {
	open, err := d.exch.IsOpen(ctx, id)
	if err != nil {
		return err
	}
	status := "closed"
	if open {
		status = "open"
	}
	fmt.Fprintf(d.out, "order %s is %s\n", id, status)
	return nil
}

func (d *Dispatcher) renderGrids(tr *trader.Trader) {
	keys := make([]string, 0, len(tr.Grids))
	for key := range tr.Grids {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pg := tr.Grids[key]
		fmt.Fprintln(d.out, grid.Render(pg.Sell))
		fmt.Fprintln(d.out, grid.Render(pg.Buy))
	}
}
