package exchange

import (
	"fmt"
	"log/slog"
)

// New returns the adapter for a venue by name. Credentials come from the
// config section named after the exchange; an unknown name is a
// configuration error and fatal to the invocation.
func New(name, key, secret string, logger *slog.Logger) (Exchange, error) {
	switch name {
	case "poloniex", "polo":
		return NewPoloniex("", key, secret, logger), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", name)
	}
}
