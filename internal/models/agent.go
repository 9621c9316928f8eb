package models

import "time"

// Agent is a trading agent record: one LLM-backed decision maker with its own
// exchange credentials, capital and cumulative performance counters.
type Agent struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Model         string  `json:"model"`
	CredentialRef string  `json:"credential_ref"`
	Balance       float64 `json:"balance"`
	AvailableUSD  float64 `json:"available_usd"`

	// Cumulative stats. Incrementally maintained after every close and
	// periodically overwritten from the closed-position ledger.
	TradeCount int     `json:"trade_count"`
	WinCount   int     `json:"win_count"`
	LossCount  int     `json:"loss_count"`
	WinRate    float64 `json:"win_rate"`
	TotalPnl   float64 `json:"total_pnl"`
	ROI        float64 `json:"roi"`

	ActivePositions int       `json:"active_positions"`
	IsActive        bool      `json:"is_active"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Credentialed reports whether the agent can sign exchange requests.
func (a *Agent) Credentialed() bool {
	return a.CredentialRef != ""
}

// AgentStats is the subset of Agent fields owned by the statistics paths.
// Both the incremental update and the full recompute write exactly this set.
type AgentStats struct {
	TradeCount int     `json:"trade_count"`
	WinCount   int     `json:"win_count"`
	LossCount  int     `json:"loss_count"`
	WinRate    float64 `json:"win_rate"`
	TotalPnl   float64 `json:"total_pnl"`
	ROI        float64 `json:"roi"`
}
