// Package executor runs one agent's analysis cycle: market context, decision
// set, audit summary, order execution and ledger maintenance, in that order.
package executor

import (
	"context"
	"fmt"
	"time"

	"perp-agents-go/internal/ledger"
	"perp-agents-go/internal/llm"
	"perp-agents-go/internal/market"
	"perp-agents-go/internal/models"
	"perp-agents-go/internal/orders"
	"perp-agents-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultInstructions is the system prompt sent with every cycle.
const defaultInstructions = `You are a disciplined perpetual-futures trading agent. ` +
	`Analyze the provided market state, balance and open positions, then answer with ` +
	`STRICT JSON only: {"decisions": {"<symbol>": {"signal": "long|short|close|hold|wait", ` +
	`"entry_price": n, "stop_loss": n, "profit_target": n, "leverage": n, "confidence": n, ` +
	`"size_usd": n, "risk_usd": n, "expected_duration": "", "justification": "", ` +
	`"invalidation_condition": ""}}, "conclusion": ""}`

// OrderExecutor is the slice of the order adapter the executor uses.
type OrderExecutor interface {
	OpenPosition(ctx context.Context, d *models.Decision) (*orders.OpenResult, error)
	ClosePosition(ctx context.Context, symbol string) (*orders.CloseResult, error)
}

// Result is the structured outcome of one agent's cycle, returned to the
// job trigger. Success tracks the summary-persist boundary only: order
// execution errors are recorded in Errors without flipping it.
type Result struct {
	AgentID           string    `json:"agent_id"`
	AgentName         string    `json:"agent_name"`
	Success           bool      `json:"success"`
	DecisionsExecuted int       `json:"decisions_executed"`
	PositionsOpened   int       `json:"positions_opened"`
	PositionsClosed   int       `json:"positions_closed"`
	Skipped           int       `json:"skipped"`
	Errors            []string  `json:"errors,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Executor runs decision cycles for agents.
type Executor struct {
	store         store.Client
	decisions     llm.DecisionClient
	adapter       OrderExecutor
	ledger        *ledger.Ledger
	market        market.Provider
	symbols       []string
	minConfidence float64
	logger        *zap.Logger
}

// NewExecutor wires the per-agent pipeline.
func NewExecutor(st store.Client, decisions llm.DecisionClient, adapter OrderExecutor,
	lg *ledger.Ledger, mkt market.Provider, symbols []string, minConfidence float64,
	logger *zap.Logger) *Executor {
	return &Executor{
		store:         st,
		decisions:     decisions,
		adapter:       adapter,
		ledger:        lg,
		market:        mkt,
		symbols:       symbols,
		minConfidence: minConfidence,
		logger:        logger,
	}
}

// RunCycle executes one full analysis cycle for the agent. Steps are strictly
// sequential; the summary is persisted before any order execution so the
// audit trail survives execution failures.
func (e *Executor) RunCycle(ctx context.Context, agent *models.Agent) *Result {
	result := &Result{
		AgentID:   agent.ID,
		AgentName: agent.Name,
		Timestamp: time.Now().UTC(),
	}
	l := e.logger.With(zap.String("agent_id", agent.ID), zap.String("agent", agent.Name))

	// 1. Market context and the agent's open positions.
	snapshots, err := e.market.Snapshots(ctx, e.symbols)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("market snapshot: %v", err))
		return result
	}
	openPositions, err := e.store.GetOpenPositions(ctx, agent.ID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load open positions: %v", err))
		return result
	}

	priorSummary, err := e.store.GetLatestSummary(ctx, agent.ID)
	if err != nil {
		l.Warn("Failed to load prior summary, continuing without it", zap.Error(err))
	}

	// 2. Obtain the decision set.
	set, err := e.decisions.GetDecisions(ctx, llm.Prompt{
		AgentName:    agent.Name,
		Model:        agent.Model,
		Instructions: defaultInstructions,
		MarketState:  snapshots,
		Positions:    openPositions,
		Balance:      agent.Balance,
		PriorSummary: priorSummary,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("decision: %v", err))
		return result
	}

	// 3. Persist the summary before touching the exchange. This is the one
	// unconditional-success boundary of the cycle.
	if err := e.persistSummary(ctx, agent, set, openPositions); err != nil {
		l.Error("Failed to persist cycle summary", zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("persist summary: %v", err))
	} else {
		result.Success = true
	}

	openBySymbol := make(map[string]*models.Position, len(openPositions))
	for i := range openPositions {
		openBySymbol[openPositions[i].Symbol] = &openPositions[i]
	}

	// 4. Execute decisions, accumulating per-decision errors.
	for symbol, decision := range set.Decisions {
		d := decision
		if d.Symbol == "" {
			d.Symbol = symbol
		}
		e.dispatch(ctx, l, agent, &d, openBySymbol, snapshots, result)
	}

	// 5. Refresh the agent's active-position count.
	remaining, err := e.store.GetOpenPositions(ctx, agent.ID)
	if err == nil {
		if err := e.store.UpdateAgentActivePositions(ctx, agent.ID, len(remaining)); err != nil {
			l.Warn("Failed to refresh active-position count", zap.Error(err))
		}
	}

	l.Info("Cycle complete",
		zap.Bool("success", result.Success),
		zap.Int("executed", result.DecisionsExecuted),
		zap.Int("opened", result.PositionsOpened),
		zap.Int("closed", result.PositionsClosed),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)))
	return result
}

func (e *Executor) persistSummary(ctx context.Context, agent *models.Agent,
	set *models.DecisionSet, open []models.Position) error {
	decisions := make([]models.Decision, 0, len(set.Decisions))
	for _, d := range set.Decisions {
		decisions = append(decisions, d)
	}
	exposure := 0.0
	for _, p := range open {
		exposure += p.SizeUSD
	}
	return e.store.CreateSummary(ctx, &models.AgentSummary{
		ID:         uuid.NewString(),
		AgentID:    agent.ID,
		Timestamp:  time.Now().UTC(),
		Decisions:  decisions,
		Conclusion: set.Conclusion,
		Balance:    agent.Balance,
		Exposure:   exposure,
	})
}

// dispatch handles one decision. Skips are not errors; execution errors are
// recorded on the result and never abort the rest of the batch.
func (e *Executor) dispatch(ctx context.Context, l *zap.Logger, agent *models.Agent,
	d *models.Decision, openBySymbol map[string]*models.Position,
	snapshots map[string]market.Snapshot, result *Result) {
	switch d.Signal {
	case models.SignalHold, models.SignalWait:
		result.Skipped++

	case models.SignalLong, models.SignalShort:
		if _, exists := openBySymbol[d.Symbol]; exists {
			l.Info("Skipping open decision, position already exists",
				zap.String("symbol", d.Symbol))
			result.Skipped++
			return
		}
		if d.Confidence < e.minConfidence {
			l.Info("Skipping open decision below confidence threshold",
				zap.String("symbol", d.Symbol),
				zap.Float64("confidence", d.Confidence))
			result.Skipped++
			return
		}

		open, err := e.adapter.OpenPosition(ctx, d)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %v", d.Signal, d.Symbol, err))
			return
		}
		result.DecisionsExecuted++

		pos, err := e.ledger.CreatePosition(ctx, agent, d, open)
		if err != nil {
			// The exchange position is live but the record write failed;
			// the next cycle's position fetch reconciles it.
			result.Errors = append(result.Errors, fmt.Sprintf("record %s: %v", d.Symbol, err))
			return
		}
		openBySymbol[d.Symbol] = pos
		result.PositionsOpened++

	case models.SignalClose:
		pos, exists := openBySymbol[d.Symbol]
		if !exists {
			l.Info("Skipping close decision, no local open record",
				zap.String("symbol", d.Symbol))
			result.Skipped++
			return
		}

		closeRes, err := e.adapter.ClosePosition(ctx, d.Symbol)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("close %s: %v", d.Symbol, err))
			return
		}
		result.DecisionsExecuted++

		exitPrice := closeRes.ExitPrice
		reason := "llm_decision"
		if closeRes.AlreadyClosed {
			// Exchange holds nothing: correct the local record using the
			// best price on hand.
			reason = "already_closed_on_exchange"
			if snap, ok := snapshots[d.Symbol]; ok && snap.MarkPrice > 0 {
				exitPrice = snap.MarkPrice
			} else {
				exitPrice = pos.EntryPrice
			}
		}

		if _, err := e.ledger.ClosePosition(ctx, pos, exitPrice, reason); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record close %s: %v", d.Symbol, err))
			return
		}
		delete(openBySymbol, d.Symbol)
		result.PositionsClosed++

	default:
		result.Errors = append(result.Errors, fmt.Sprintf("unknown signal %q for %s", d.Signal, d.Symbol))
	}
}
