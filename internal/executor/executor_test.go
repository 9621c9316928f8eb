package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"perp-agents-go/internal/ledger"
	"perp-agents-go/internal/llm"
	"perp-agents-go/internal/market"
	"perp-agents-go/internal/models"
	"perp-agents-go/internal/orders"
	"perp-agents-go/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore is an in-memory store.Client for executor tests.
type fakeStore struct {
	agents      map[string]*models.Agent
	positions   map[string]*models.Position
	summaries   []models.AgentSummary
	failSummary bool
}

var _ store.Client = (*fakeStore)(nil)

func newFakeStore(agent *models.Agent) *fakeStore {
	return &fakeStore{
		agents:    map[string]*models.Agent{agent.ID: agent},
		positions: make(map[string]*models.Position),
	}
}

func (f *fakeStore) GetActiveAgents(ctx context.Context) ([]models.Agent, error) {
	return nil, nil
}

func (f *fakeStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	a, ok := f.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	copied := *a
	return &copied, nil
}

func (f *fakeStore) UpdateAgentStats(ctx context.Context, agentID string, stats models.AgentStats) error {
	a := f.agents[agentID]
	a.TradeCount = stats.TradeCount
	a.WinCount = stats.WinCount
	a.LossCount = stats.LossCount
	a.WinRate = stats.WinRate
	a.TotalPnl = stats.TotalPnl
	a.ROI = stats.ROI
	return nil
}

func (f *fakeStore) UpdateAgentActivePositions(ctx context.Context, agentID string, count int) error {
	f.agents[agentID].ActivePositions = count
	return nil
}

func (f *fakeStore) GetOpenPositions(ctx context.Context, agentID string) ([]models.Position, error) {
	var out []models.Position
	for _, p := range f.positions {
		if p.AgentID == agentID && p.Status == models.PositionOpen {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetClosedPositions(ctx context.Context, agentID string) ([]models.Position, error) {
	var out []models.Position
	for _, p := range f.positions {
		if p.AgentID == agentID && p.Status == models.PositionClosed {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) CreatePosition(ctx context.Context, pos *models.Position) error {
	copied := *pos
	f.positions[pos.ID] = &copied
	return nil
}

func (f *fakeStore) UpdatePosition(ctx context.Context, pos *models.Position) error {
	copied := *pos
	f.positions[pos.ID] = &copied
	return nil
}

func (f *fakeStore) CreateSummary(ctx context.Context, summary *models.AgentSummary) error {
	if f.failSummary {
		return errors.New("store unavailable")
	}
	f.summaries = append(f.summaries, *summary)
	return nil
}

func (f *fakeStore) GetLatestSummary(ctx context.Context, agentID string) (*models.AgentSummary, error) {
	if len(f.summaries) == 0 {
		return nil, nil
	}
	latest := f.summaries[len(f.summaries)-1]
	return &latest, nil
}

func (f *fakeStore) CreateBalanceSnapshot(ctx context.Context, snap *models.BalanceSnapshot) error {
	return nil
}

// mockDecisions is a testify mock of llm.DecisionClient.
type mockDecisions struct {
	mock.Mock
}

func (m *mockDecisions) GetDecisions(ctx context.Context, prompt llm.Prompt) (*models.DecisionSet, error) {
	args := m.Called(ctx, prompt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DecisionSet), args.Error(1)
}

// mockAdapter is a testify mock of OrderExecutor.
type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) OpenPosition(ctx context.Context, d *models.Decision) (*orders.OpenResult, error) {
	args := m.Called(ctx, d)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orders.OpenResult), args.Error(1)
}

func (m *mockAdapter) ClosePosition(ctx context.Context, symbol string) (*orders.CloseResult, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*orders.CloseResult), args.Error(1)
}

// staticMarket returns fixed snapshots.
type staticMarket struct {
	prices map[string]float64
}

func (s *staticMarket) Snapshots(ctx context.Context, symbols []string) (map[string]market.Snapshot, error) {
	out := make(map[string]market.Snapshot)
	for _, sym := range symbols {
		if price, ok := s.prices[sym]; ok {
			out[sym] = market.Snapshot{Symbol: sym, MarkPrice: price}
		}
	}
	return out, nil
}

func testAgent() *models.Agent {
	return &models.Agent{ID: "a1", Name: "alpha", Balance: 1000, IsActive: true, CredentialRef: "cred-1"}
}

func newTestExecutor(st *fakeStore, dec *mockDecisions, ad *mockAdapter) *Executor {
	lg := ledger.NewLedger(st, zap.NewNop())
	mkt := &staticMarket{prices: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}}
	return NewExecutor(st, dec, ad, lg, mkt, []string{"BTCUSDT", "ETHUSDT"}, 0.6, zap.NewNop())
}

func decisionSet(decisions map[string]models.Decision) *models.DecisionSet {
	return &models.DecisionSet{Decisions: decisions, Conclusion: "test cycle"}
}

func TestRunCycle_SummaryPersistedBeforeExecution(t *testing.T) {
	st := newFakeStore(testAgent())
	dec := new(mockDecisions)
	ad := new(mockAdapter)

	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {Signal: models.SignalLong, EntryPrice: 50000, Leverage: 10, Confidence: 0.9, SizeUSD: 500},
		"ETHUSDT": {Signal: models.SignalShort, EntryPrice: 3000, Leverage: 5, Confidence: 0.9, SizeUSD: 300},
	}), nil)
	// Every order execution fails.
	ad.On("OpenPosition", mock.Anything, mock.Anything).Return(nil, errors.New("insufficient margin"))

	result := newTestExecutor(st, dec, ad).RunCycle(context.Background(), testAgent())

	// The summary exists even though every execution failed...
	require.Len(t, st.summaries, 1)
	assert.Len(t, st.summaries[0].Decisions, 2)
	assert.Equal(t, "test cycle", st.summaries[0].Conclusion)
	// ...and execution errors do not flip overall success.
	assert.True(t, result.Success)
	assert.Len(t, result.Errors, 2)
	assert.Zero(t, result.PositionsOpened)
}

func TestRunCycle_SummaryFailureMarksCycleFailed(t *testing.T) {
	st := newFakeStore(testAgent())
	st.failSummary = true
	dec := new(mockDecisions)
	ad := new(mockAdapter)

	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {Signal: models.SignalHold},
	}), nil)

	result := newTestExecutor(st, dec, ad).RunCycle(context.Background(), testAgent())

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Errors)
}

func TestRunCycle_SkipsDuplicatePosition(t *testing.T) {
	st := newFakeStore(testAgent())
	st.positions["p1"] = &models.Position{
		ID: "p1", AgentID: "a1", Symbol: "BTCUSDT",
		Side: models.SideLong, Status: models.PositionOpen,
		EntryPrice: 48000, SizeUSD: 400, Leverage: 5,
	}
	dec := new(mockDecisions)
	ad := new(mockAdapter)

	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {Signal: models.SignalLong, EntryPrice: 50000, Leverage: 10, Confidence: 0.9, SizeUSD: 500},
	}), nil)

	result := newTestExecutor(st, dec, ad).RunCycle(context.Background(), testAgent())

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Errors)
	// Still exactly one position record for (agent, symbol).
	open, _ := st.GetOpenPositions(context.Background(), "a1")
	assert.Len(t, open, 1)
	ad.AssertNotCalled(t, "OpenPosition", mock.Anything, mock.Anything)
}

func TestRunCycle_SkipsLowConfidence(t *testing.T) {
	st := newFakeStore(testAgent())
	dec := new(mockDecisions)
	ad := new(mockAdapter)

	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {Signal: models.SignalLong, EntryPrice: 50000, Leverage: 10, Confidence: 0.5, SizeUSD: 500},
	}), nil)

	result := newTestExecutor(st, dec, ad).RunCycle(context.Background(), testAgent())

	assert.Equal(t, 1, result.Skipped)
	ad.AssertNotCalled(t, "OpenPosition", mock.Anything, mock.Anything)
	assert.Empty(t, result.Errors)
}

func TestRunCycle_SkipsCloseWithoutLocalRecord(t *testing.T) {
	st := newFakeStore(testAgent())
	dec := new(mockDecisions)
	ad := new(mockAdapter)

	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {Signal: models.SignalClose},
	}), nil)

	result := newTestExecutor(st, dec, ad).RunCycle(context.Background(), testAgent())

	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, result.Errors)
	ad.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything)
}

func TestRunCycle_AlreadyClosedReconciliation(t *testing.T) {
	st := newFakeStore(testAgent())
	st.positions["p1"] = &models.Position{
		ID: "p1", AgentID: "a1", Symbol: "BTCUSDT",
		Side: models.SideLong, Status: models.PositionOpen,
		EntryPrice: 48000, SizeUSD: 400, Leverage: 5,
	}
	dec := new(mockDecisions)
	ad := new(mockAdapter)

	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {Signal: models.SignalClose},
	}), nil)
	ad.On("ClosePosition", mock.Anything, "BTCUSDT").Return(&orders.CloseResult{AlreadyClosed: true}, nil)

	result := newTestExecutor(st, dec, ad).RunCycle(context.Background(), testAgent())

	assert.True(t, result.Success)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.PositionsClosed)
	// Local record corrected using the snapshot mark price.
	closed := st.positions["p1"]
	assert.Equal(t, models.PositionClosed, closed.Status)
	assert.Equal(t, "already_closed_on_exchange", closed.ExitReason)
	assert.Equal(t, 50000.0, closed.ExitPrice)
}

// TestRunCycle_EndToEnd walks the documented scenario: open a 500 USD 10x
// long on BTC at 50000, then close it at 51000 on the next cycle.
func TestRunCycle_EndToEnd(t *testing.T) {
	agent := testAgent()
	st := newFakeStore(agent)
	dec := new(mockDecisions)
	ad := new(mockAdapter)
	ex := newTestExecutor(st, dec, ad)

	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {
			Signal: models.SignalLong, EntryPrice: 50000, StopLoss: 49000,
			ProfitTarget: 52000, Leverage: 10, Confidence: 0.8, SizeUSD: 500,
		},
	}), nil).Once()
	ad.On("OpenPosition", mock.Anything, mock.Anything).Return(&orders.OpenResult{
		EntryOrderID: 1, StopOrderID: 2, TakeOrderID: 3, Quantity: 0.01, AvgPrice: 50000, Leverage: 10,
	}, nil)

	result := ex.RunCycle(context.Background(), testAgent())
	require.True(t, result.Success)
	require.Equal(t, 1, result.PositionsOpened)

	open, _ := st.GetOpenPositions(context.Background(), "a1")
	require.Len(t, open, 1)
	pos := open[0]
	assert.InDelta(t, 0.01, pos.Quantity, 1e-12)
	assert.InDelta(t, 45500.0, pos.LiqEstimate, 1e-9) // 50000 * (1 - 0.09)
	assert.Equal(t, 1, st.agents["a1"].ActivePositions)

	// Second cycle closes at 51000.
	dec.On("GetDecisions", mock.Anything, mock.Anything).Return(decisionSet(map[string]models.Decision{
		"BTCUSDT": {Signal: models.SignalClose},
	}), nil).Once()
	ad.On("ClosePosition", mock.Anything, "BTCUSDT").Return(&orders.CloseResult{
		OrderID: 4, ExitPrice: 51000, Quantity: 0.01,
	}, nil)

	result = ex.RunCycle(context.Background(), testAgent())
	require.True(t, result.Success)
	require.Equal(t, 1, result.PositionsClosed)

	closed, _ := st.GetClosedPositions(context.Background(), "a1")
	require.Len(t, closed, 1)
	assert.InDelta(t, 10.0, closed[0].PnlUSD, 1e-9) // 500 * (1000/50000)
	assert.InDelta(t, 20.0, closed[0].PnlPct, 1e-9) // 2% * 10x
	assert.Equal(t, 0, st.agents["a1"].ActivePositions)
	assert.Equal(t, 1, st.agents["a1"].TradeCount)
	assert.InDelta(t, 10.0, st.agents["a1"].TotalPnl, 1e-9)
}
