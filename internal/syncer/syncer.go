// Package syncer periodically refreshes read-side account and position state
// from the exchange into an in-process snapshot for display consumers.
package syncer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"perp-agents-go/internal/exchange"
	"perp-agents-go/internal/models"
	"perp-agents-go/internal/store"

	"go.uber.org/zap"
)

// Snapshot is the latest synced account state. Zero value means no
// successful sync has happened yet.
type Snapshot struct {
	Balance    float64                 `json:"balance"`
	Available  float64                 `json:"available"`
	Positions  []exchange.PositionRisk `json:"positions"`
	UpdatedAt  time.Time               `json:"updated_at"`
	LastError  string                  `json:"last_error,omitempty"`
	FailStreak int                     `json:"fail_streak"`
}

// Syncer polls the exchange on a failure-adaptive interval: the base interval
// doubles on each failure up to a cap and resets on the next success. Simple
// by intent — the consumer is a display refresh, not a correctness path.
type Syncer struct {
	client       exchange.Client
	store        store.Client
	baseInterval time.Duration
	maxInterval  time.Duration
	logger       *zap.Logger

	mu       sync.RWMutex
	snapshot Snapshot
	interval time.Duration
}

// NewSyncer creates a sync controller. store may be nil to skip balance
// history persistence.
func NewSyncer(client exchange.Client, st store.Client, baseInterval, maxInterval time.Duration, logger *zap.Logger) *Syncer {
	return &Syncer{
		client:       client,
		store:        st,
		baseInterval: baseInterval,
		maxInterval:  maxInterval,
		logger:       logger,
		interval:     baseInterval,
	}
}

// Snapshot returns the latest synced state.
func (s *Syncer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Interval returns the current poll interval.
func (s *Syncer) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// Run polls until the context is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("Starting account sync loop", zap.Duration("interval", s.baseInterval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping account sync loop")
			return
		case <-time.After(s.Interval()):
			s.SyncOnce(ctx)
		}
	}
}

// SyncOnce performs a single poll and adjusts the interval from its outcome.
func (s *Syncer) SyncOnce(ctx context.Context) {
	balance, err := s.client.GetAccountBalance(ctx)
	if err != nil {
		s.recordFailure(err)
		return
	}
	positions, err := s.client.GetPositions(ctx)
	if err != nil {
		s.recordFailure(err)
		return
	}

	bal, _ := strconv.ParseFloat(balance.Balance, 64)
	avail, _ := strconv.ParseFloat(balance.AvailableBalance, 64)

	s.mu.Lock()
	hadFailures := s.snapshot.FailStreak > 0
	s.snapshot = Snapshot{
		Balance:   bal,
		Available: avail,
		Positions: positions,
		UpdatedAt: time.Now().UTC(),
	}
	s.interval = s.baseInterval
	s.mu.Unlock()

	if hadFailures {
		s.logger.Info("Account sync recovered", zap.Duration("interval", s.baseInterval))
	}

	if s.store != nil {
		snap := &models.BalanceSnapshot{
			AgentID:   "account",
			Balance:   bal,
			Available: avail,
			Timestamp: time.Now().UTC(),
		}
		if err := s.store.CreateBalanceSnapshot(ctx, snap); err != nil {
			s.logger.Warn("Failed to persist balance snapshot", zap.Error(err))
		}
	}
}

// recordFailure doubles the poll interval up to the cap.
func (s *Syncer) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshot.LastError = err.Error()
	s.snapshot.FailStreak++

	s.interval *= 2
	if s.interval > s.maxInterval {
		s.interval = s.maxInterval
	}

	s.logger.Warn("Account sync failed, backing off",
		zap.Duration("interval", s.interval),
		zap.Int("fail_streak", s.snapshot.FailStreak),
		zap.Error(err))
}
