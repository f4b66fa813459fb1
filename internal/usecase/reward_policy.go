package usecase

import (
	"math"
	"sort"

	"tablebook-referrals/internal/config"
)

// RewardPolicy decides how many points each side of a redemption earns.
// Owner points scale with the highest tier reached by prior referrals.
type RewardPolicy struct {
	referrer int64
	referee  int64
	tiers    []config.RewardTier // sorted by MinReferrals desc
}

func NewRewardPolicy(cfg config.RewardsConfig) *RewardPolicy {
	tiers := append([]config.RewardTier(nil), cfg.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinReferrals > tiers[j].MinReferrals })
	return &RewardPolicy{referrer: cfg.ReferrerPoints, referee: cfg.RefereePoints, tiers: tiers}
}

// Points returns (owner, newUser) points given the owner's count of
// redemptions before this one.
func (p *RewardPolicy) Points(priorReferrals int) (int64, int64) {
	owner := p.referrer
	for _, t := range p.tiers {
		if priorReferrals >= t.MinReferrals {
			owner = int64(math.Round(float64(p.referrer) * t.Multiplier))
			break
		}
	}
	return owner, p.referee
}
