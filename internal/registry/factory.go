package registry

import (
	"fmt"

	"omnex-core/pkg/exchanges/binance"
	"omnex-core/pkg/exchanges/common"
	"omnex-core/pkg/exchanges/okx"
)

// AdapterFactory builds an Adapter for an exchange config.
type AdapterFactory func(cfg ExchangeConfig) (common.Adapter, error)

// DefaultFactory creates the adapter variant keyed by the config kind and
// wraps it with the standard resilience stack (pacing, breaker, retry).
func DefaultFactory(cfg ExchangeConfig) (common.Adapter, error) {
	var raw common.Adapter
	switch cfg.Kind {
	case "binance":
		raw = binance.New(binance.Config{
			BaseURL:     cfg.BaseURL,
			Credentials: cfg.Credentials(),
		})
	case "okx":
		raw = okx.New(okx.Config{
			BaseURL:     cfg.BaseURL,
			Credentials: cfg.Credentials(),
		})
	default:
		return nil, fmt.Errorf("unsupported exchange kind: %s", cfg.Kind)
	}
	return common.WithResilience(raw, cfg.RateLimit), nil
}
