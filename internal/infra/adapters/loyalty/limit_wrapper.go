package loyalty

import (
	"context"

	"tablebook-referrals/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.LoyaltyClient = (*limitedLoyalty)(nil)

type limitedLoyalty struct {
	inner adapter.LoyaltyClient
	sem   chan struct{}
}

// NewLimitedLoyalty caps in-flight credits so a settlement sweep cannot flood
// the loyalty service.
func NewLimitedLoyalty(inner adapter.LoyaltyClient, maxConcurrent int) adapter.LoyaltyClient {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limitedLoyalty{
		inner: inner,
		sem:   make(chan struct{}, maxConcurrent),
	}
}

func (l *limitedLoyalty) Name() string { return l.inner.Name() }

func (l *limitedLoyalty) Credit(ctx context.Context, req adapter.CreditRequest) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Credit(ctx, req)
}
