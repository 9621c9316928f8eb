// Package fleet runs the decision executor for every active agent, staggered
// to spread exchange API load, with per-agent failure isolation.
package fleet

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"perp-agents-go/internal/executor"
	"perp-agents-go/internal/models"
	"perp-agents-go/internal/store"

	"go.uber.org/zap"
)

// CycleRunner runs one agent's analysis cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, agent *models.Agent) *executor.Result
}

// Orchestrator fans one cycle out across the fleet.
type Orchestrator struct {
	store         store.Client
	runner        CycleRunner
	staggerBase   time.Duration
	staggerJitter time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	running bool
	rng     *rand.Rand
}

// NewOrchestrator creates a fleet orchestrator. staggerBase and staggerJitter
// shape the per-agent start offset: agent i waits i*(base + rand(0, jitter)).
func NewOrchestrator(st store.Client, runner CycleRunner, staggerBase, staggerJitter time.Duration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:         st,
		runner:        runner,
		staggerBase:   staggerBase,
		staggerJitter: staggerJitter,
		logger:        logger,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// staggerDelay computes the start offset for the agent at the given index.
func (o *Orchestrator) staggerDelay(index int) time.Duration {
	jitter := time.Duration(0)
	if o.staggerJitter > 0 {
		o.mu.Lock()
		jitter = time.Duration(o.rng.Int63n(int64(o.staggerJitter)))
		o.mu.Unlock()
	}
	return time.Duration(index) * (o.staggerBase + jitter)
}

// RunAll runs one cycle for every active, credentialed agent and blocks until
// all finish. A failure in one agent's pipeline becomes a failed result and
// never reaches its siblings.
func (o *Orchestrator) RunAll(ctx context.Context) ([]executor.Result, error) {
	stream, err := o.RunAllStream(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]executor.Result, 0)
	for result := range stream {
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].AgentID < results[j].AgentID })
	return results, nil
}

// RunAllStream is the streaming variant: it launches every agent's cycle and
// returns a channel that receives each result as its agent finishes. The
// channel closes once all agents are done. At most one fleet run is active at
// a time; an overlapping call is rejected.
func (o *Orchestrator) RunAllStream(ctx context.Context) (<-chan executor.Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, fmt.Errorf("fleet run already in progress")
	}
	o.running = true
	o.mu.Unlock()

	agents, err := o.store.GetActiveAgents(ctx)
	if err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return nil, fmt.Errorf("failed to load active agents: %w", err)
	}

	out := make(chan executor.Result)

	go func() {
		defer func() {
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
			close(out)
		}()

		var wg sync.WaitGroup
		launched := 0
		for _, agent := range agents {
			if !agent.Credentialed() {
				o.logger.Warn("Skipping agent without credentials",
					zap.String("agent_id", agent.ID))
				continue
			}

			delay := o.staggerDelay(launched)
			launched++

			wg.Add(1)
			go func(agent models.Agent, delay time.Duration) {
				defer wg.Done()
				out <- o.runAgent(ctx, &agent, delay)
			}(agent, delay)
		}
		wg.Wait()
	}()

	return out, nil
}

// runAgent waits out the stagger delay then runs one agent's cycle,
// converting panics and context cancellation into failed results.
func (o *Orchestrator) runAgent(ctx context.Context, agent *models.Agent, delay time.Duration) (result executor.Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Agent cycle panicked",
				zap.String("agent_id", agent.ID), zap.Any("panic", r))
			result = executor.Result{
				AgentID:   agent.ID,
				AgentName: agent.Name,
				Errors:    []string{fmt.Sprintf("panic: %v", r)},
				Timestamp: time.Now().UTC(),
			}
		}
	}()

	if delay > 0 {
		o.logger.Debug("Staggering agent start",
			zap.String("agent_id", agent.ID), zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return executor.Result{
				AgentID:   agent.ID,
				AgentName: agent.Name,
				Errors:    []string{ctx.Err().Error()},
				Timestamp: time.Now().UTC(),
			}
		}
	}

	return *o.runner.RunCycle(ctx, agent)
}

// RunOne runs a single agent's cycle by id, for the single-agent job trigger.
func (o *Orchestrator) RunOne(ctx context.Context, agentID string) (*executor.Result, error) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Credentialed() {
		return nil, fmt.Errorf("agent %s has no credentials", agentID)
	}
	result := o.runAgent(ctx, agent, 0)
	return &result, nil
}
