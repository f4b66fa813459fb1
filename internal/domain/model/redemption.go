package model

import (
	"time"

	"tablebook-referrals/internal/domain"
)

// ReferralRedemption records that NewUserID signed up with Code. It is the
// source of truth for "this signup was referred"; crediting is tracked by
// SettledAt and may lag behind.
type ReferralRedemption struct {
	ID                     string // ULID; doubles as the crediting idempotency key
	ReferralCode           string
	OwnerUserID            string
	NewUserID              string
	RedeemedAt             time.Time
	Metadata               map[string]string
	PointsAwardedToOwner   int64
	PointsAwardedToNewUser int64
	SettledAt              *time.Time
}

func NewReferralRedemption(id string, code *ReferralCode, newUserID string, metadata map[string]string, ownerPoints, newUserPoints int64, now time.Time) (*ReferralRedemption, error) {
	if id == "" || code == nil || newUserID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if ownerPoints < 0 || newUserPoints < 0 {
		return nil, domain.ErrInvalidArgument
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &ReferralRedemption{
		ID:                     id,
		ReferralCode:           code.Code,
		OwnerUserID:            code.OwnerUserID,
		NewUserID:              newUserID,
		RedeemedAt:             now,
		Metadata:               metadata,
		PointsAwardedToOwner:   ownerPoints,
		PointsAwardedToNewUser: newUserPoints,
	}, nil
}

func (r *ReferralRedemption) IsSettled() bool { return r.SettledAt != nil }

// ReferralRedeemed is handed to the loyalty side after a redemption commits.
type ReferralRedeemed struct {
	RedemptionID  string
	ReferralCode  string
	OwnerUserID   string
	NewUserID     string
	OwnerPoints   int64
	NewUserPoints int64
	RedeemedAt    time.Time
}

func (r *ReferralRedemption) Event() ReferralRedeemed {
	return ReferralRedeemed{
		RedemptionID:  r.ID,
		ReferralCode:  r.ReferralCode,
		OwnerUserID:   r.OwnerUserID,
		NewUserID:     r.NewUserID,
		OwnerPoints:   r.PointsAwardedToOwner,
		NewUserPoints: r.PointsAwardedToNewUser,
		RedeemedAt:    r.RedeemedAt,
	}
}

// ProcessResult is returned to the redeeming user. Owner points are recorded
// on the redemption but not echoed.
type ProcessResult struct {
	Redemption    *ReferralRedemption
	PointsAwarded int64
	Message       string
}
