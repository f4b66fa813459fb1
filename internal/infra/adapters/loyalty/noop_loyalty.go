package loyalty

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain/ports/adapter"
)

var _ adapter.LoyaltyClient = (*NoopLoyalty)(nil)

// NoopLoyalty logs credits and keeps per-user totals in memory. Used when no
// loyalty.base_url is configured (dev, seed) and in tests.
type NoopLoyalty struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]struct{}
	log      *zerolog.Logger
}

func NewNoopLoyalty(logger *zerolog.Logger) *NoopLoyalty {
	return &NoopLoyalty{
		balances: make(map[string]int64),
		applied:  make(map[string]struct{}),
		log:      logger,
	}
}

func (n *NoopLoyalty) Name() string { return "noop" }

func (n *NoopLoyalty) Credit(ctx context.Context, req adapter.CreditRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.applied[req.IdempotencyKey]; ok {
		return nil
	}
	n.applied[req.IdempotencyKey] = struct{}{}
	n.balances[req.UserID] += req.Points
	n.log.Info().Str("user_id", req.UserID).Int64("points", req.Points).Str("reason", req.Reason).Msg("noop loyalty credit")
	return nil
}

func (n *NoopLoyalty) Balance(userID string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[userID]
}
