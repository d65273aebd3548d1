// gridtrader — an automated grid-trading agent for crypto spot exchanges.
//
// The agent rests a ladder of sell orders above the market and a ladder of
// buy orders below it, then reacts to fills: filled buys spawn take-profit
// sells, filled sells pull the buy ladder up after the market. Each run is
// one short-lived invocation, typically from cron; all ladder state lives in
// a JSON snapshot between runs.
//
// Architecture:
//
//	main.go               — entry point: parses the CLI, builds the session log, runs the dispatcher
//	dispatch/dispatch.go  — maps CLI verbs (init, monitor, ...) onto trading operations
//	trader/trader.go      — the grid state machine: build ladders, issue orders, poll fills
//	grid/grid.go          — one ladder: rung prices, per-rung size, resting order ids
//	exchange/poloniex.go  — REST client for the Poloniex trading API
//	config/config.go      — per-account INI configuration
//	store/store.go        — JSON snapshot persistence, take-profit journal, run lock
//	notify/notify.go      — mails fatal errors to the operator
//
// Usage:
//
//	gridtrader <exchange> <account> [--init] [--monitor] [--cancel-all]
//	           [--balances] [--set-balances] [--status-of <order-id>]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridtrader/internal/config"
	"gridtrader/internal/dispatch"
	"gridtrader/internal/exchange"
	"gridtrader/internal/notify"
	"gridtrader/internal/store"
	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gridtrader <exchange> <account> [flags]")
		return 2
	}
	exchangeName, account := args[0], args[1]

	fs := flag.NewFlagSet("gridtrader", flag.ContinueOnError)
	var opts dispatch.Options
	var statusOf string
	fs.BoolVar(&opts.Init, "init", false, "cancel everything and build fresh grids")
	fs.BoolVar(&opts.Monitor, "monitor", false, "poll the persisted grids for fills")
	fs.BoolVar(&opts.CancelAll, "cancel-all", false, "cancel every open order")
	fs.BoolVar(&opts.Balances, "balances", false, "print positive balances and a core position block")
	fs.BoolVar(&opts.SetBalances, "set-balances", false, "snapshot live balances as core positions and re-init")
	fs.StringVar(&statusOf, "status-of", "", "report whether the given order is open")
	if err := fs.Parse(args[2:]); err != nil {
		return 2
	}
	opts.StatusOf = types.OrderID(statusOf)

	if !opts.Init && !opts.Monitor && !opts.CancelAll && !opts.Balances && !opts.SetBalances && opts.StatusOf == "" {
		fmt.Fprintln(os.Stderr, "gridtrader: no verb given, nothing to do")
		return 2
	}

	cfgPath := config.Path(exchangeName, account)
	cfg, err := config.Load(cfgPath, exchangeName, account)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	money.DustEpsilon = cfg.DustEpsilon

	logFile, err := openSessionLog(exchangeName, account, args)
	if err != nil {
		slog.Error("failed to open session log", "error", err)
		return 1
	}
	defer logFile.Close()

	logger := slog.New(slog.NewTextHandler(io.MultiWriter(os.Stdout, logFile),
		&slog.HandlerOptions{Level: cfg.LogLevel}))

	logger.Info("session started",
		"exchange", exchangeName, "account", account, "args", strings.Join(args, " "))

	st, err := store.Open("persistence")
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	release, err := st.Lock(account)
	if err != nil {
		logger.Error("another invocation is still running", "error", err)
		return 1
	}
	defer release()

	exch, err := exchange.New(exchangeName, cfg.Credentials.Key, cfg.Credentials.Secret, logger)
	if err != nil {
		logger.Error("failed to create exchange client", "error", err)
		return 1
	}

	notifier := notify.ForConfig(cfg, logger)
	d := dispatch.New(cfg, exch, st, notifier, logger, os.Stdout)

	err = d.Run(context.Background(), opts)
	logger.Info("session finished", "ok", err == nil)
	if err != nil {
		if errors.Is(err, store.ErrSnapshotMissing) {
			logger.Error("no grids to monitor, run --init first", "account", account)
		}
		return 1
	}
	return 0
}

// openSessionLog creates log/<exchange>/<account>/<timestamp>--<args>.log so
// every invocation leaves its own transcript.
func openSessionLog(exchangeName, account string, args []string) (*os.File, error) {
	dir := filepath.Join("log", exchangeName, account)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	slug := strings.Join(args[2:], "_")
	slug = strings.NewReplacer("/", "-", " ", "_").Replace(slug)
	if slug == "" {
		slug = "noop"
	}
	name := fmt.Sprintf("%s--%s.log", time.Now().UTC().Format("2006-01-02T15-04-05"), slug)
	return os.Create(filepath.Join(dir, name))
}
