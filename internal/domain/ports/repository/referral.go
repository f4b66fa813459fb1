package repository

import (
	"context"
	"time"

	"tablebook-referrals/internal/domain/model"
)

// ReferralCodeRepository is the port for referral code persistence.
type ReferralCodeRepository interface {
	// Create inserts a new code. Returns domain.ErrAlreadyExists when the code
	// string is taken or the owner already holds an ACTIVE code.
	Create(ctx context.Context, tx Tx, code *model.ReferralCode) error
	// FindByCode returns domain.ErrNotFound when absent.
	FindByCode(ctx context.Context, tx Tx, code string) (*model.ReferralCode, error)
	// FindActiveByOwner returns the owner's ACTIVE code or domain.ErrNotFound.
	FindActiveByOwner(ctx context.Context, tx Tx, ownerUserID string) (*model.ReferralCode, error)
	ListByOwner(ctx context.Context, tx Tx, ownerUserID string) ([]*model.ReferralCode, error)
	Exists(ctx context.Context, tx Tx, code string) (bool, error)
	// TransitionStatus moves a code from `from` to `to` only if it is still in
	// `from`. Reports whether a row changed.
	TransitionStatus(ctx context.Context, tx Tx, code string, from, to model.ReferralCodeStatus, now time.Time) (bool, error)
	// ExpireOverdue marks ACTIVE codes past their expiry as EXPIRED.
	ExpireOverdue(ctx context.Context, tx Tx, now time.Time) (int, error)
	// DeleteInactive hard-deletes EXPIRED/EXHAUSTED codes last touched before
	// cutoff that have no unsettled redemptions.
	DeleteInactive(ctx context.Context, tx Tx, cutoff time.Time) (int, error)
	Count(ctx context.Context, tx Tx) (int, error)
}

// RedemptionRepository is the port for redemption records.
type RedemptionRepository interface {
	// Record inserts r and increments the use count of r.ReferralCode as one
	// atomic unit. The increment is conditional: status ACTIVE, not expired at
	// now, and use_count < max_uses. It returns the updated code.
	//
	// Errors: domain.ErrAlreadyReferred when r.NewUserID already redeemed;
	// domain.ErrCodeNotFound / ErrCodeExpired / ErrCodeExhausted /
	// ErrCodeRevoked when the conditional increment loses.
	Record(ctx context.Context, tx Tx, r *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.ReferralRedemption, error)
	// FindByNewUser returns domain.ErrNotFound when the user was never referred.
	FindByNewUser(ctx context.Context, tx Tx, newUserID string) (*model.ReferralRedemption, error)
	ListByOwner(ctx context.Context, tx Tx, ownerUserID string) ([]*model.ReferralRedemption, error)
	CountByOwner(ctx context.Context, tx Tx, ownerUserID string) (int, error)
	Count(ctx context.Context, tx Tx) (int, error)
	TopReferrers(ctx context.Context, tx Tx, limit int) ([]model.TopReferrer, error)
	// ListUnsettled returns redemptions redeemed before `before` whose credits
	// are still pending, oldest first.
	ListUnsettled(ctx context.Context, tx Tx, before time.Time, limit int) ([]*model.ReferralRedemption, error)
	// MarkSettled is idempotent; settling twice keeps the first timestamp.
	MarkSettled(ctx context.Context, tx Tx, id string, at time.Time) error
}
