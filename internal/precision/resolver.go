// Package precision resolves per-symbol exchange trading filters and caches
// them for the process lifetime.
package precision

import (
	"context"
	"strconv"
	"sync"

	"perp-agents-go/internal/exchange"

	"go.uber.org/zap"
)

// SymbolFilter is the subset of exchange filters that constrains order
// quantities for one symbol.
type SymbolFilter struct {
	Symbol      string
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// FallbackFilter returns the conservative defaults used when the exchange
// metadata cannot be fetched or parsed. The values bias toward rejecting
// undersized orders rather than passing invalid ones.
func FallbackFilter(symbol string) SymbolFilter {
	return SymbolFilter{
		Symbol:      symbol,
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      1e6,
		MinNotional: 5.0,
	}
}

// Resolver caches symbol filters. Safe for concurrent use; re-fetching the
// same symbol twice is harmless, so no singleflight is needed.
type Resolver struct {
	client exchange.Client
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]SymbolFilter
}

// NewResolver creates a filter resolver backed by the exchange client.
func NewResolver(client exchange.Client, logger *zap.Logger) *Resolver {
	return &Resolver{
		client: client,
		logger: logger,
		cache:  make(map[string]SymbolFilter),
	}
}

// Resolve returns the trading filter for a symbol, fetching and caching it on
// miss. It never fails: on any fetch or parse error the fallback filter is
// returned (and not cached, so a later call can recover the real values).
func (r *Resolver) Resolve(ctx context.Context, symbol string) SymbolFilter {
	r.mu.RLock()
	filter, ok := r.cache[symbol]
	r.mu.RUnlock()
	if ok {
		return filter
	}

	info, err := r.client.GetExchangeInfo(ctx)
	if err != nil {
		r.logger.Warn("Failed to fetch exchange filters, using fallback",
			zap.String("symbol", symbol), zap.Error(err))
		return FallbackFilter(symbol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range info.Symbols {
		parsed, ok := parseFilters(s)
		if !ok {
			continue
		}
		r.cache[s.Symbol] = parsed
	}

	if filter, ok := r.cache[symbol]; ok {
		return filter
	}

	r.logger.Warn("Symbol missing from exchange info, using fallback",
		zap.String("symbol", symbol))
	return FallbackFilter(symbol)
}

// parseFilters extracts the LOT_SIZE and MIN_NOTIONAL filters for a symbol.
func parseFilters(s exchange.SymbolInfo) (SymbolFilter, bool) {
	filter := SymbolFilter{Symbol: s.Symbol}
	var haveLotSize bool

	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			step, err1 := strconv.ParseFloat(f.StepSize, 64)
			minQty, err2 := strconv.ParseFloat(f.MinQty, 64)
			maxQty, err3 := strconv.ParseFloat(f.MaxQty, 64)
			if err1 != nil || err2 != nil || err3 != nil || step <= 0 {
				return SymbolFilter{}, false
			}
			filter.StepSize = step
			filter.MinQty = minQty
			filter.MaxQty = maxQty
			haveLotSize = true
		case "MIN_NOTIONAL":
			if notional, err := strconv.ParseFloat(f.Notional, 64); err == nil {
				filter.MinNotional = notional
			}
		}
	}

	return filter, haveLotSize
}
