// Package config loads and validates the per-account INI configuration.
//
// One file per exchange/account at config/<exchange>/<account>.ini with the
// sections [pairs], [initialcorepositions], [sellgrid], [buygrid], and
// [<exchange>] (API credentials, opaque to the core). Percent values follow
// the convention that 1.0 means one percent.
//
// The file is read-only during a run except for set-balances, which rewrites
// the [initialcorepositions] section atomically (temp file, then rename).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/ini.v1"

	"gridtrader/internal/grid"
	"gridtrader/pkg/money"
	"gridtrader/pkg/types"
)

// ErrInvalidConfig covers missing sections or keys, malformed decimals, and
// out-of-range values. Fatal.
var ErrInvalidConfig = errors.New("invalid config")

const corePositionsSection = "initialcorepositions"

// Credentials are the API credentials from the [<exchange>] section.
type Credentials struct {
	Key    string
	Secret string
}

// Email configures the admin mail notifier; nil when the [email] section is
// absent (errors are then only logged).
type Email struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Config is the parsed per-account configuration.
type Config struct {
	Exchange string
	Account  string
	Path     string

	Pairs         []types.Pair
	CorePositions map[string]decimal.Decimal
	SellGrid      grid.Params
	BuyGrid       grid.Params
	Credentials   Credentials
	Email         *Email
	LogLevel      slog.Level
	DustEpsilon   decimal.Decimal
}

// Path returns the canonical config file location for an account.
func Path(exchange, account string) string {
	return filepath.Join("config", exchange, account+".ini")
}

// Load reads and validates the config file for an exchange/account.
func Load(path, exchange, account string) (*Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}

	cfg := &Config{
		Exchange:      exchange,
		Account:       account,
		Path:          path,
		CorePositions: make(map[string]decimal.Decimal),
		LogLevel:      slog.LevelDebug,
		DustEpsilon:   money.DustEpsilon,
	}

	pairsSec, err := file.GetSection("pairs")
	if err != nil {
		return nil, fmt.Errorf("%w: missing [pairs] section", ErrInvalidConfig)
	}
	for _, raw := range pairsSec.Key("pairs").Strings(" ") {
		pair, err := types.ParsePair(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.Pairs = append(cfg.Pairs, pair)
	}
	if len(cfg.Pairs) == 0 {
		return nil, fmt.Errorf("%w: [pairs] pairs is empty", ErrInvalidConfig)
	}

	coreSec, err := file.GetSection(corePositionsSection)
	if err != nil {
		return nil, fmt.Errorf("%w: missing [%s] section", ErrInvalidConfig, corePositionsSection)
	}
	for _, key := range coreSec.Keys() {
		amount, err := money.FromString(key.Value())
		if err != nil {
			return nil, fmt.Errorf("%w: [%s] %s: %v", ErrInvalidConfig, corePositionsSection, key.Name(), err)
		}
		cfg.CorePositions[key.Name()] = amount
	}

	if cfg.SellGrid, err = gridParams(file, "sellgrid", false); err != nil {
		return nil, err
	}
	if cfg.BuyGrid, err = gridParams(file, "buygrid", true); err != nil {
		return nil, err
	}

	credSec, err := file.GetSection(exchange)
	if err != nil {
		return nil, fmt.Errorf("%w: missing [%s] credentials section", ErrInvalidConfig, exchange)
	}
	cfg.Credentials = Credentials{
		Key:    credSec.Key("key").String(),
		Secret: credSec.Key("secret").String(),
	}
	if cfg.Credentials.Key == "" || cfg.Credentials.Secret == "" {
		return nil, fmt.Errorf("%w: [%s] key and secret are required", ErrInvalidConfig, exchange)
	}

	if sec, err := file.GetSection("email"); err == nil {
		port, err := sec.Key("port").Int()
		if err != nil {
			port = 587
		}
		cfg.Email = &Email{
			Host:     sec.Key("host").String(),
			Port:     port,
			Username: sec.Key("username").String(),
			Password: sec.Key("password").String(),
			From:     sec.Key("from").String(),
			To:       sec.Key("to").String(),
		}
	}

	if sec, err := file.GetSection("logging"); err == nil {
		cfg.LogLevel = parseLogLevel(sec.Key("level").String())
		if sec.HasKey("epsilon") {
			eps, err := money.FromString(sec.Key("epsilon").String())
			if err != nil {
				return nil, fmt.Errorf("%w: [logging] epsilon: %v", ErrInvalidConfig, err)
			}
			cfg.DustEpsilon = eps
		}
	}

	return cfg, nil
}

func gridParams(file *ini.File, section string, wantProfitTarget bool) (grid.Params, error) {
	sec, err := file.GetSection(section)
	if err != nil {
		return grid.Params{}, fmt.Errorf("%w: missing [%s] section", ErrInvalidConfig, section)
	}

	var p grid.Params
	if p.MajorLevel, err = percentKey(sec, section, "majorLevel"); err != nil {
		return grid.Params{}, err
	}
	if p.Increments, err = percentKey(sec, section, "increments"); err != nil {
		return grid.Params{}, err
	}
	if p.Size, err = percentKey(sec, section, "size"); err != nil {
		return grid.Params{}, err
	}

	p.NumberOfOrders, err = sec.Key("numberOfOrders").Int()
	if err != nil {
		return grid.Params{}, fmt.Errorf("%w: [%s] numberOfOrders: %v", ErrInvalidConfig, section, err)
	}
	if p.NumberOfOrders <= 0 {
		return grid.Params{}, fmt.Errorf("%w: [%s] numberOfOrders must be positive", ErrInvalidConfig, section)
	}

	if wantProfitTarget {
		// profitTarget <= 0 means accumulate instead of taking profit.
		raw := sec.Key("profitTarget").String()
		if raw != "" {
			p.ProfitTarget, err = decimal.NewFromString(raw)
			if err != nil {
				return grid.Params{}, fmt.Errorf("%w: [%s] profitTarget: %v", ErrInvalidConfig, section, err)
			}
		}
	}

	return p, nil
}

func percentKey(sec *ini.Section, section, name string) (decimal.Decimal, error) {
	if !sec.HasKey(name) {
		return decimal.Zero, fmt.Errorf("%w: [%s] missing key %s", ErrInvalidConfig, section, name)
	}
	v, err := money.FromString(sec.Key(name).String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: [%s] %s: %v", ErrInvalidConfig, section, name, err)
	}
	return v, nil
}

// CorePosition returns the snapshotted reference balance for a coin. Grid
// sizing reads this, never live balances.
func (c *Config) CorePosition(coin string) (decimal.Decimal, error) {
	amount, ok := c.CorePositions[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no [%s] entry for %s", ErrInvalidConfig, corePositionsSection, coin)
	}
	return amount, nil
}

// SetCorePositions rewrites the [initialcorepositions] section from live
// balance totals, leaving every other section untouched. The file is written
// to a temp path and renamed into place.
func SetCorePositions(path string, balances map[string]types.Balance) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}

	file.DeleteSection(corePositionsSection)
	sec, err := file.NewSection(corePositionsSection)
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", corePositionsSection, err)
	}

	coins := make([]string, 0, len(balances))
	for coin := range balances {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	for _, coin := range coins {
		if _, err := sec.NewKey(coin, balances[coin].Total.String()); err != nil {
			return fmt.Errorf("rewrite %s: %w", corePositionsSection, err)
		}
	}

	tmp := path + ".tmp"
	if err := file.SaveTo(tmp); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
