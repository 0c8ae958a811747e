package broker

import (
	"fmt"

	"helmsman/internal/config"
)

// New creates the broker Client selected by cfg.Broker. Adding a broker means
// adding a case here; callers never depend on a concrete adapter.
func New(cfg config.Config) (Client, error) {
	switch cfg.Broker {
	case "alpaca":
		return NewAlpacaClient(cfg.Alpaca, cfg.Engine.BrokerCallTimeout), nil
	case "sim":
		return NewSimClient(), nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}
