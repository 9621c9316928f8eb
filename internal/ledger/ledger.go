// Package ledger owns position records and the aggregate agent statistics
// derived from them. Closed positions are the append-only source of truth;
// the incremental counters on the agent row are a best-effort cache that the
// periodic full recompute overwrites.
package ledger

import (
	"context"
	"fmt"
	"time"

	"perp-agents-go/internal/models"
	"perp-agents-go/internal/orders"
	"perp-agents-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger creates, closes and aggregates positions.
type Ledger struct {
	store  store.Client
	logger *zap.Logger
}

// NewLedger creates a position ledger over the persistence store.
func NewLedger(st store.Client, logger *zap.Logger) *Ledger {
	return &Ledger{store: st, logger: logger}
}

// CreatePosition persists an OPEN position for a confirmed entry fill.
// It must only be called after the exchange confirmed the entry order:
// a failed entry leaves no record.
func (l *Ledger) CreatePosition(ctx context.Context, agent *models.Agent, d *models.Decision, open *orders.OpenResult) (*models.Position, error) {
	side := models.SideLong
	if d.Signal == models.SignalShort {
		side = models.SideShort
	}

	sizePct := 0.0
	if agent.Balance > 0 {
		sizePct = d.SizeUSD / agent.Balance * 100
	}

	pos := &models.Position{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		Symbol:      d.Symbol,
		Side:        side,
		Status:      models.PositionOpen,
		EntryPrice:  d.EntryPrice,
		Quantity:    d.SizeUSD / d.EntryPrice,
		SizeUSD:     d.SizeUSD,
		SizePct:     sizePct,
		Leverage:    open.Leverage,
		StopLoss:    d.StopLoss,
		TakeProfit:  d.ProfitTarget,
		LiqEstimate: liquidationEstimate(d.EntryPrice, side, open.Leverage),
		EntryOrderID: open.EntryOrderID,
		StopOrderID:  open.StopOrderID,
		TakeOrderID:  open.TakeOrderID,
		OpenedAt:     time.Now().UTC(),
	}

	if err := l.store.CreatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist position: %w", err)
	}

	l.logger.Info("Position opened",
		zap.String("agent_id", agent.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("side", pos.Side),
		zap.Float64("size_usd", pos.SizeUSD),
		zap.Int("leverage", pos.Leverage))
	return pos, nil
}

// liquidationEstimate approximates the liquidation price as the entry moved
// against the position by 90% of the margin: entry * (1 -/+ 0.9/leverage).
func liquidationEstimate(entry float64, side string, leverage int) float64 {
	if leverage <= 0 {
		return 0
	}
	move := 0.9 / float64(leverage)
	if side == models.SideShort {
		return entry * (1 + move)
	}
	return entry * (1 - move)
}

// ClosePosition computes realized PnL, marks the record closed and applies
// the incremental stats update.
//
// The stored notional already includes leverage (size_usd = margin x
// leverage), so the USD PnL is size_usd x price change with NO second
// leverage factor. The percentage is relative to margin, so it DOES
// re-apply leverage. The asymmetry is deliberate.
func (l *Ledger) ClosePosition(ctx context.Context, pos *models.Position, exitPrice float64, reason string) (*models.Position, error) {
	if pos.Status == models.PositionClosed {
		return pos, nil
	}
	if exitPrice <= 0 {
		return nil, fmt.Errorf("invalid exit price %v for position %s", exitPrice, pos.ID)
	}

	priceChange := (exitPrice - pos.EntryPrice) / pos.EntryPrice
	if pos.Side == models.SideShort {
		priceChange = -priceChange
	}

	pos.Status = models.PositionClosed
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.PnlUSD = pos.SizeUSD * priceChange
	pos.PnlPct = priceChange * float64(pos.Leverage) * 100
	pos.ClosedAt = time.Now().UTC()

	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("failed to persist close for position %s: %w", pos.ID, err)
	}

	l.logger.Info("Position closed",
		zap.String("agent_id", pos.AgentID),
		zap.String("symbol", pos.Symbol),
		zap.Float64("pnl_usd", pos.PnlUSD),
		zap.Float64("pnl_pct", pos.PnlPct),
		zap.String("reason", reason))

	if err := l.UpdateAgentStats(ctx, pos.AgentID, pos); err != nil {
		// The close itself is durable; stats drift is repaired by the
		// next full recompute.
		l.logger.Warn("Incremental stats update failed",
			zap.String("agent_id", pos.AgentID), zap.Error(err))
	}

	return pos, nil
}

// UpdateAgentStats folds one closed position into the agent's running
// counters. Fast but best-effort: a crash between close and stats write
// leaves drift until RecalculateAgentStats runs.
func (l *Ledger) UpdateAgentStats(ctx context.Context, agentID string, closed *models.Position) error {
	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	stats := models.AgentStats{
		TradeCount: agent.TradeCount + 1,
		WinCount:   agent.WinCount,
		LossCount:  agent.LossCount,
		TotalPnl:   agent.TotalPnl + closed.PnlUSD,
	}
	if closed.Won() {
		stats.WinCount++
	} else {
		stats.LossCount++
	}
	stats.WinRate = winRate(stats.WinCount, stats.TradeCount)
	stats.ROI = roi(agent.Balance+closed.PnlUSD, stats.TotalPnl)

	return l.store.UpdateAgentStats(ctx, agentID, stats)
}

// RecalculateAgentStats re-derives the full statistics block from the
// closed-position set. Idempotent and safe to run concurrently with
// incremental updates: both paths write last-writer-wins, and the
// closed-position ledger wins over any drifted counters.
func (l *Ledger) RecalculateAgentStats(ctx context.Context, agentID string) (models.AgentStats, error) {
	closed, err := l.store.GetClosedPositions(ctx, agentID)
	if err != nil {
		return models.AgentStats{}, fmt.Errorf("failed to load closed positions for %s: %w", agentID, err)
	}

	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return models.AgentStats{}, err
	}

	stats := l.recalcFrom(agent, closed)
	if err := l.store.UpdateAgentStats(ctx, agentID, stats); err != nil {
		return models.AgentStats{}, err
	}
	return stats, nil
}

// recalcFrom computes the statistics block from scratch.
//
// ROI divides by an inferred initial balance (current balance minus total
// PnL). Deposits or withdrawals made outside the trading loop skew this;
// the store schema has no principal field to do better.
func (l *Ledger) recalcFrom(agent *models.Agent, closed []models.Position) models.AgentStats {
	var stats models.AgentStats
	for _, pos := range closed {
		stats.TradeCount++
		stats.TotalPnl += pos.PnlUSD
		if pos.Won() {
			stats.WinCount++
		} else {
			stats.LossCount++
		}
	}
	stats.WinRate = winRate(stats.WinCount, stats.TradeCount)
	stats.ROI = roi(agent.Balance, stats.TotalPnl)
	return stats
}

// RecordBalanceSnapshot appends a balance_history row for the agent.
func (l *Ledger) RecordBalanceSnapshot(ctx context.Context, agentID string, balance, available float64) error {
	return l.store.CreateBalanceSnapshot(ctx, &models.BalanceSnapshot{
		AgentID:   agentID,
		Balance:   balance,
		Available: available,
		Timestamp: time.Now().UTC(),
	})
}

func winRate(wins, trades int) float64 {
	if trades == 0 {
		return 0
	}
	return float64(wins) / float64(trades) * 100
}

func roi(currentBalance, totalPnl float64) float64 {
	initial := currentBalance - totalPnl
	if initial <= 0 {
		return 0
	}
	return totalPnl / initial * 100
}
