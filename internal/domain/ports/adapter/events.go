package adapter

import (
	"context"

	"tablebook-referrals/internal/domain/model"
)

// RedemptionPublisher hands committed redemptions to whoever credits rewards.
// Publishing must not block the caller on the downstream work.
type RedemptionPublisher interface {
	PublishReferralRedeemed(ctx context.Context, ev model.ReferralRedeemed)
}
