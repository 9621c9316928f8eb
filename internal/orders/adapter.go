// Package orders turns abstract trading decisions into exchange-legal orders:
// quantity normalization against symbol filters, position-mode resolution and
// the entry / stop-loss / take-profit placement sequence.
package orders

import (
	"context"
	"fmt"
	"strconv"

	"perp-agents-go/internal/exchange"
	"perp-agents-go/internal/models"
	"perp-agents-go/internal/precision"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// hardLeverageCap is applied regardless of the decision's requested leverage.
const hardLeverageCap = 10

// FilterResolver supplies per-symbol trading filters.
type FilterResolver interface {
	Resolve(ctx context.Context, symbol string) precision.SymbolFilter
}

// OpenResult reports a confirmed entry and its protective orders. Stop and
// take-profit IDs are zero when their best-effort placement failed.
type OpenResult struct {
	EntryOrderID int64
	StopOrderID  int64
	TakeOrderID  int64
	Quantity     float64
	AvgPrice     float64
	Leverage     int
}

// CloseResult reports the outcome of a close request. AlreadyClosed means the
// exchange holds no position for the symbol; callers must treat that as a
// reconciliation signal, not a failure.
type CloseResult struct {
	AlreadyClosed bool
	OrderID       int64
	ExitPrice     float64
	Quantity      float64
}

// Adapter executes decisions against the exchange.
type Adapter struct {
	client      exchange.Client
	resolver    FilterResolver
	logger      *zap.Logger
	maxLeverage int
}

// NewAdapter creates an order adapter. maxLeverage above the hard cap is
// lowered to it.
func NewAdapter(client exchange.Client, resolver FilterResolver, maxLeverage int, logger *zap.Logger) *Adapter {
	if maxLeverage <= 0 || maxLeverage > hardLeverageCap {
		maxLeverage = hardLeverageCap
	}
	return &Adapter{
		client:      client,
		resolver:    resolver,
		logger:      logger,
		maxLeverage: maxLeverage,
	}
}

// ComputeQuantity normalizes a notional order size to an exchange-legal
// quantity: floor to the step size and clamp to [minQty, maxQty]; if the
// result falls below the minimum notional, re-derive by rounding up once so
// the notional floor is met.
func ComputeQuantity(notionalUSD, price float64, filter precision.SymbolFilter) (float64, error) {
	if price <= 0 {
		return 0, &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if notionalUSD <= 0 {
		return 0, &ValidationError{Field: "size_usd", Reason: "must be positive"}
	}

	step := decimal.NewFromFloat(filter.StepSize)
	priceDec := decimal.NewFromFloat(price)

	qty := decimal.NewFromFloat(notionalUSD).Div(priceDec).Div(step).Floor().Mul(step)

	if minQty := decimal.NewFromFloat(filter.MinQty); qty.LessThan(minQty) {
		qty = minQty
	}
	maxQty := decimal.NewFromFloat(filter.MaxQty)
	if qty.GreaterThan(maxQty) {
		qty = maxQty
	}

	minNotional := decimal.NewFromFloat(filter.MinNotional)
	if qty.Mul(priceDec).LessThan(minNotional) {
		qty = minNotional.Div(priceDec).Div(step).Ceil().Mul(step)
		if qty.GreaterThan(maxQty) {
			return 0, &ValidationError{Field: "size_usd", Reason: "minimum notional unreachable within max quantity"}
		}
	}

	result, _ := qty.Float64()
	return result, nil
}

// ResolvePositionSide maps a ledger side to the exchange position side:
// the literal side in hedge mode, BOTH in one-way mode. A position-mode read
// failure defaults to BOTH — blocking all trading on a metadata read is worse
// than a downstream order rejection.
func (a *Adapter) ResolvePositionSide(ctx context.Context, side string) string {
	hedge, err := a.client.GetPositionMode(ctx)
	if err != nil {
		a.logger.Warn("Failed to read position mode, defaulting to one-way", zap.Error(err))
		return exchange.PositionSideBoth
	}
	if !hedge {
		return exchange.PositionSideBoth
	}
	if side == models.SideShort {
		return exchange.PositionSideShort
	}
	return exchange.PositionSideLong
}

// OpenPosition validates the decision, sets leverage and places the entry
// market order, then attempts the stop-loss and take-profit as best-effort
// follow-ups. A failed protective order is logged but never rolls back the
// live entry.
func (a *Adapter) OpenPosition(ctx context.Context, d *models.Decision) (*OpenResult, error) {
	if d.SizeUSD <= 0 {
		return nil, &ValidationError{Field: "size_usd", Reason: "must be positive"}
	}
	if d.Leverage <= 0 || d.Leverage > 125 {
		return nil, &ValidationError{Field: "leverage", Reason: "must be in (0, 125]"}
	}
	if d.EntryPrice <= 0 {
		return nil, &ValidationError{Field: "entry_price", Reason: "must be positive"}
	}

	leverage := d.Leverage
	if leverage > a.maxLeverage {
		a.logger.Warn("Capping requested leverage",
			zap.String("symbol", d.Symbol),
			zap.Int("requested", d.Leverage),
			zap.Int("capped", a.maxLeverage))
		leverage = a.maxLeverage
	}

	if err := a.client.SetLeverage(ctx, d.Symbol, leverage); err != nil {
		return nil, &ExchangeRejectionError{Op: "set leverage", Err: err}
	}

	side := exchange.OrderSideBuy
	ledgerSide := models.SideLong
	if d.Signal == models.SignalShort {
		side = exchange.OrderSideSell
		ledgerSide = models.SideShort
	}
	positionSide := a.ResolvePositionSide(ctx, ledgerSide)

	filter := a.resolver.Resolve(ctx, d.Symbol)
	quantity, err := ComputeQuantity(d.SizeUSD, d.EntryPrice, filter)
	if err != nil {
		return nil, err
	}

	l := a.logger.With(
		zap.String("symbol", d.Symbol),
		zap.String("side", ledgerSide),
		zap.Float64("quantity", quantity),
		zap.Int("leverage", leverage),
	)

	entry, err := a.client.PlaceMarketOrder(ctx, d.Symbol, side, positionSide, quantity, false)
	if err != nil {
		return nil, &ExchangeRejectionError{Op: "entry order", Err: err}
	}
	l.Info("Entry order placed", zap.Int64("order_id", entry.OrderID))

	result := &OpenResult{
		EntryOrderID: entry.OrderID,
		Quantity:     quantity,
		AvgPrice:     parsePrice(entry.AvgPrice, d.EntryPrice),
		Leverage:     leverage,
	}

	// Protective orders close in the opposite direction of the entry.
	closeSide := exchange.OrderSideSell
	if side == exchange.OrderSideSell {
		closeSide = exchange.OrderSideBuy
	}

	if d.StopLoss > 0 {
		stop, err := a.client.PlaceStopMarket(ctx, d.Symbol, closeSide, positionSide, d.StopLoss, quantity)
		if err != nil {
			l.Warn("Failed to place stop-loss, entry remains live",
				zap.Int64("entry_order_id", entry.OrderID), zap.Error(err))
		} else {
			result.StopOrderID = stop.OrderID
		}
	}
	if d.ProfitTarget > 0 {
		take, err := a.client.PlaceTakeProfitMarket(ctx, d.Symbol, closeSide, positionSide, d.ProfitTarget, quantity)
		if err != nil {
			l.Warn("Failed to place take-profit, entry remains live",
				zap.Int64("entry_order_id", entry.OrderID), zap.Error(err))
		} else {
			result.TakeOrderID = take.OrderID
		}
	}

	return result, nil
}

// ClosePosition reads the exchange position for the symbol and places a
// market close against the held side. Exit price is the order's average fill
// price, falling back to the pre-close mark price when the exchange reports a
// transient zero average.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (*CloseResult, error) {
	pos, err := a.client.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read position for close: %w", err)
	}
	if pos == nil {
		a.logger.Info("Close requested but no exchange position held",
			zap.String("symbol", symbol))
		return &CloseResult{AlreadyClosed: true}, nil
	}

	amt, err := strconv.ParseFloat(pos.PositionAmt, 64)
	if err != nil || amt == 0 {
		return &CloseResult{AlreadyClosed: true}, nil
	}

	side := exchange.OrderSideSell // closing a long
	quantity := amt
	if amt < 0 {
		side = exchange.OrderSideBuy // closing a short
		quantity = -amt
	}

	positionSide := pos.PositionSide
	if positionSide == "" {
		positionSide = exchange.PositionSideBoth
	}

	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)

	order, err := a.client.PlaceMarketOrder(ctx, symbol, side, positionSide, quantity, true)
	if err != nil {
		return nil, &ExchangeRejectionError{Op: "close order", Err: err}
	}

	exitPrice := parsePrice(order.AvgPrice, markPrice)
	a.logger.Info("Position closed",
		zap.String("symbol", symbol),
		zap.Int64("order_id", order.OrderID),
		zap.Float64("exit_price", exitPrice))

	return &CloseResult{
		OrderID:   order.OrderID,
		ExitPrice: exitPrice,
		Quantity:  quantity,
	}, nil
}

// parsePrice parses an exchange price string, substituting fallback for
// zero or unparseable values.
func parsePrice(s string, fallback float64) float64 {
	price, err := strconv.ParseFloat(s, 64)
	if err != nil || price <= 0 {
		return fallback
	}
	return price
}
