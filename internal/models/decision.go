package models

// Trading signals an agent can emit for a symbol.
const (
	SignalLong  = "long"
	SignalShort = "short"
	SignalClose = "close"
	SignalHold  = "hold"
	SignalWait  = "wait"
)

// Decision is a single trading instruction produced by the LLM collaborator.
// It is immutable once issued and consumed exactly once by the executor.
type Decision struct {
	Symbol           string  `json:"symbol"`
	Signal           string  `json:"signal"`
	EntryPrice       float64 `json:"entry_price"`
	StopLoss         float64 `json:"stop_loss"`
	ProfitTarget     float64 `json:"profit_target"`
	Leverage         int     `json:"leverage"`
	Confidence       float64 `json:"confidence"`
	SizeUSD          float64 `json:"size_usd"`
	RiskUSD          float64 `json:"risk_usd"`
	ExpectedDuration string  `json:"expected_duration"`
	Justification    string  `json:"justification"`
	Invalidation     string  `json:"invalidation_condition"`
}

// Opens reports whether the decision asks for a new position.
func (d *Decision) Opens() bool {
	return d.Signal == SignalLong || d.Signal == SignalShort
}

// DecisionSet is one analysis cycle's output: per-symbol decisions plus the
// model's free-text conclusion.
type DecisionSet struct {
	Decisions  map[string]Decision `json:"decisions"`
	Conclusion string              `json:"conclusion"`
}
