// Package store talks to the REST persistence service: a PostgREST-style
// table interface with filtered GETs, POST inserts and PATCH updates,
// authenticated with an API-key header.
package store

import (
	"context"
	"fmt"
	"time"

	"perp-agents-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Client defines the persistence operations the trading core needs.
type Client interface {
	GetActiveAgents(ctx context.Context) ([]models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	UpdateAgentStats(ctx context.Context, agentID string, stats models.AgentStats) error
	UpdateAgentActivePositions(ctx context.Context, agentID string, count int) error

	GetOpenPositions(ctx context.Context, agentID string) ([]models.Position, error)
	GetClosedPositions(ctx context.Context, agentID string) ([]models.Position, error)
	CreatePosition(ctx context.Context, pos *models.Position) error
	UpdatePosition(ctx context.Context, pos *models.Position) error

	CreateSummary(ctx context.Context, summary *models.AgentSummary) error
	GetLatestSummary(ctx context.Context, agentID string) (*models.AgentSummary, error)

	CreateBalanceSnapshot(ctx context.Context, snap *models.BalanceSnapshot) error
}

// RestStore is a REST client for the persistence service.
type RestStore struct {
	client *resty.Client
	logger *zap.Logger
}

var _ Client = (*RestStore)(nil)

// NewRestStore creates a store client for the given base URL and API key.
func NewRestStore(baseURL, apiKey string, logger *zap.Logger) *RestStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("apikey", apiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(10 * time.Second)

	return &RestStore{client: client, logger: logger}
}

// get runs a filtered GET against a table and decodes the row list into out.
func (s *RestStore) get(ctx context.Context, table string, filters map[string]string, out interface{}) error {
	req := s.client.R().SetContext(ctx).SetResult(out)
	for k, v := range filters {
		req.SetQueryParam(k, v)
	}

	resp, err := req.Get("/" + table)
	if err != nil {
		return fmt.Errorf("store GET %s failed: %w", table, err)
	}
	if resp.IsError() {
		return fmt.Errorf("store GET %s failed with status %s: %s", table, resp.Status(), resp.String())
	}
	return nil
}

// post inserts a row into a table.
func (s *RestStore) post(ctx context.Context, table string, body interface{}) error {
	resp, err := s.client.R().SetContext(ctx).SetBody(body).Post("/" + table)
	if err != nil {
		return fmt.Errorf("store POST %s failed: %w", table, err)
	}
	if resp.IsError() {
		return fmt.Errorf("store POST %s failed with status %s: %s", table, resp.Status(), resp.String())
	}
	return nil
}

// patch updates rows matching the filters.
func (s *RestStore) patch(ctx context.Context, table string, filters map[string]string, body interface{}) error {
	req := s.client.R().SetContext(ctx).SetBody(body)
	for k, v := range filters {
		req.SetQueryParam(k, v)
	}

	resp, err := req.Patch("/" + table)
	if err != nil {
		return fmt.Errorf("store PATCH %s failed: %w", table, err)
	}
	if resp.IsError() {
		return fmt.Errorf("store PATCH %s failed with status %s: %s", table, resp.Status(), resp.String())
	}
	return nil
}

// GetActiveAgents returns every agent flagged active.
func (s *RestStore) GetActiveAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.get(ctx, "agents", map[string]string{"is_active": "eq.true"}, &agents)
	return agents, err
}

// GetAgent returns a single agent by id.
func (s *RestStore) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	var agents []models.Agent
	if err := s.get(ctx, "agents", map[string]string{"id": "eq." + agentID}, &agents); err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	return &agents[0], nil
}

// UpdateAgentStats writes the cumulative statistics block for an agent.
// Last writer wins: both the incremental and the recompute path call this.
func (s *RestStore) UpdateAgentStats(ctx context.Context, agentID string, stats models.AgentStats) error {
	return s.patch(ctx, "agents", map[string]string{"id": "eq." + agentID}, stats)
}

// UpdateAgentActivePositions refreshes the agent's open-position count.
func (s *RestStore) UpdateAgentActivePositions(ctx context.Context, agentID string, count int) error {
	body := map[string]int{"active_positions": count}
	return s.patch(ctx, "agents", map[string]string{"id": "eq." + agentID}, body)
}

// GetOpenPositions returns the agent's open positions.
func (s *RestStore) GetOpenPositions(ctx context.Context, agentID string) ([]models.Position, error) {
	var positions []models.Position
	err := s.get(ctx, "positions", map[string]string{
		"agent_id": "eq." + agentID,
		"status":   "eq." + models.PositionOpen,
	}, &positions)
	return positions, err
}

// GetClosedPositions returns the agent's full closed-position history, the
// source of truth for the statistics recompute.
func (s *RestStore) GetClosedPositions(ctx context.Context, agentID string) ([]models.Position, error) {
	var positions []models.Position
	err := s.get(ctx, "positions", map[string]string{
		"agent_id": "eq." + agentID,
		"status":   "eq." + models.PositionClosed,
	}, &positions)
	return positions, err
}

// CreatePosition inserts a new position row.
func (s *RestStore) CreatePosition(ctx context.Context, pos *models.Position) error {
	return s.post(ctx, "positions", pos)
}

// UpdatePosition writes the full position row back by id.
func (s *RestStore) UpdatePosition(ctx context.Context, pos *models.Position) error {
	return s.patch(ctx, "positions", map[string]string{"id": "eq." + pos.ID}, pos)
}

// CreateSummary appends an analysis-cycle audit record.
func (s *RestStore) CreateSummary(ctx context.Context, summary *models.AgentSummary) error {
	return s.post(ctx, "agent_summaries", summary)
}

// GetLatestSummary returns the most recent summary for an agent, or nil when
// the agent has no history yet.
func (s *RestStore) GetLatestSummary(ctx context.Context, agentID string) (*models.AgentSummary, error) {
	var summaries []models.AgentSummary
	err := s.get(ctx, "agent_summaries", map[string]string{
		"agent_id": "eq." + agentID,
		"order":    "timestamp.desc",
		"limit":    "1",
	}, &summaries)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[0], nil
}

// CreateBalanceSnapshot appends a balance_history row.
func (s *RestStore) CreateBalanceSnapshot(ctx context.Context, snap *models.BalanceSnapshot) error {
	return s.post(ctx, "balance_history", snap)
}
