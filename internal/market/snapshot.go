// Package market assembles the per-symbol snapshot the decision model sees.
// Indicator math lives with the model prompt's upstream tooling; this only
// gathers exchange-observable state.
package market

import (
	"context"
	"time"

	"perp-agents-go/internal/exchange"

	"go.uber.org/zap"
)

// Snapshot is the market state for one symbol at one instant.
type Snapshot struct {
	Symbol    string    `json:"symbol"`
	MarkPrice float64   `json:"mark_price"`
	Timestamp time.Time `json:"timestamp"`
}

// Provider fetches snapshots for the configured symbols.
type Provider interface {
	Snapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error)
}

// ExchangeProvider reads snapshots straight from the exchange.
type ExchangeProvider struct {
	client exchange.Client
	logger *zap.Logger
}

var _ Provider = (*ExchangeProvider)(nil)

// NewExchangeProvider creates a snapshot provider over the exchange client.
func NewExchangeProvider(client exchange.Client, logger *zap.Logger) *ExchangeProvider {
	return &ExchangeProvider{client: client, logger: logger}
}

// Snapshots fetches the mark price for each symbol. A symbol whose fetch
// fails is omitted from the result rather than failing the cycle.
func (p *ExchangeProvider) Snapshots(ctx context.Context, symbols []string) (map[string]Snapshot, error) {
	out := make(map[string]Snapshot, len(symbols))
	for _, symbol := range symbols {
		price, err := p.client.GetMarkPrice(ctx, symbol)
		if err != nil {
			p.logger.Warn("Failed to fetch mark price, omitting symbol from snapshot",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		out[symbol] = Snapshot{
			Symbol:    symbol,
			MarkPrice: price,
			Timestamp: time.Now().UTC(),
		}
	}
	return out, nil
}
