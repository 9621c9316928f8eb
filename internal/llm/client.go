// Package llm calls the decision model: an OpenAI-compatible chat-completion
// endpoint that must answer with a strict JSON decision set.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"perp-agents-go/internal/config"
	"perp-agents-go/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// DecisionClient obtains a decision set for one agent's analysis cycle.
type DecisionClient interface {
	GetDecisions(ctx context.Context, prompt Prompt) (*models.DecisionSet, error)
}

// Prompt carries everything the model sees for one cycle.
type Prompt struct {
	AgentName    string
	Model        string
	Instructions string
	MarketState  interface{}
	Positions    []models.Position
	Balance      float64
	PriorSummary *models.AgentSummary
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Client is an HTTP decision client.
type Client struct {
	client *resty.Client
	model  string
	logger *zap.Logger
}

var _ DecisionClient = (*Client)(nil)

// NewClient creates a decision client. The timeout is long by design: model
// calls routinely take tens of seconds.
func NewClient(cfg *config.LLM, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Authorization", "Bearer "+cfg.ApiKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	return &Client{client: client, model: cfg.Model, logger: logger}
}

// GetDecisions sends the cycle prompt and parses the JSON decision set.
// A non-JSON or structurally invalid response is a hard failure for the cycle.
func (c *Client) GetDecisions(ctx context.Context, prompt Prompt) (*models.DecisionSet, error) {
	userContent, err := buildUserContent(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	model := prompt.Model
	if model == "" {
		model = c.model
	}

	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.Instructions},
			{Role: "user", Content: userContent},
		},
	}

	var result chatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("decision request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("decision request failed with status %s: %s", resp.Status(), resp.String())
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("decision response contained no choices")
	}

	set, err := ParseDecisionSet(result.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Received decision set",
		zap.String("agent", prompt.AgentName),
		zap.Int("decisions", len(set.Decisions)),
	)
	return set, nil
}

// buildUserContent serializes the cycle context as a JSON document.
func buildUserContent(prompt Prompt) (string, error) {
	payload := map[string]interface{}{
		"agent":          prompt.AgentName,
		"balance":        prompt.Balance,
		"open_positions": prompt.Positions,
		"market":         prompt.MarketState,
	}
	if prompt.PriorSummary != nil {
		payload["prior_summary"] = prompt.PriorSummary
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ParseDecisionSet decodes the model's answer. Models often wrap JSON in a
// markdown code fence; that wrapping is stripped, nothing else is tolerated.
func ParseDecisionSet(content string) (*models.DecisionSet, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var set models.DecisionSet
	if err := json.Unmarshal([]byte(trimmed), &set); err != nil {
		return nil, fmt.Errorf("decision response is not valid JSON: %w", err)
	}

	for symbol, d := range set.Decisions {
		switch d.Signal {
		case models.SignalLong, models.SignalShort, models.SignalClose,
			models.SignalHold, models.SignalWait:
		default:
			return nil, fmt.Errorf("decision for %s has unknown signal %q", symbol, d.Signal)
		}
		// The symbol key is authoritative; fill the field when omitted.
		if d.Symbol == "" {
			d.Symbol = symbol
			set.Decisions[symbol] = d
		}
	}

	return &set, nil
}
