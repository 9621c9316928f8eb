package models

import "time"

// Position sides as stored in the ledger.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Position lifecycle states. There are no intermediate states: a position
// record only exists once the entry order is confirmed filled.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Position is the ledger record for one perpetual-futures position.
// One open position per (agent, symbol) at a time.
type Position struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Status   string `json:"status"`

	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	// SizeUSD is the notional including leverage (margin x leverage).
	SizeUSD     float64 `json:"size_usd"`
	SizePct     float64 `json:"size_pct"`
	Leverage    int     `json:"leverage"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	LiqEstimate float64 `json:"liq_estimate"`

	EntryOrderID int64 `json:"entry_order_id"`
	StopOrderID  int64 `json:"stop_order_id"`
	TakeOrderID  int64 `json:"take_order_id"`

	ExitPrice  float64   `json:"exit_price"`
	ExitReason string    `json:"exit_reason"`
	PnlUSD     float64   `json:"pnl_usd"`
	PnlPct     float64   `json:"pnl_pct"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Won reports whether the closed position realized a profit.
func (p *Position) Won() bool {
	return p.PnlUSD > 0
}
