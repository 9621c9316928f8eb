package models

import "time"

// AgentSummary is the append-only audit record of one analysis cycle.
// It is written before any order execution is attempted, so "the agent
// reasoned" survives even when every trade in the cycle fails.
type AgentSummary struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Timestamp  time.Time  `json:"timestamp"`
	Decisions  []Decision `json:"decisions"`
	Conclusion string     `json:"conclusion"`
	Balance    float64    `json:"balance"`
	Exposure   float64    `json:"exposure"`
}

// BalanceSnapshot is one row of the balance_history table.
type BalanceSnapshot struct {
	AgentID   string    `json:"agent_id"`
	Balance   float64   `json:"balance"`
	Available float64   `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}
