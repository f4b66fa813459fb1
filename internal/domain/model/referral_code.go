package model

import (
	"errors"
	"strings"
	"time"

	"tablebook-referrals/internal/domain"
)

type ReferralCodeStatus string

const (
	ReferralCodeStatusActive    ReferralCodeStatus = "ACTIVE"
	ReferralCodeStatusExpired   ReferralCodeStatus = "EXPIRED"
	ReferralCodeStatusExhausted ReferralCodeStatus = "EXHAUSTED"
	ReferralCodeStatusRevoked   ReferralCodeStatus = "REVOKED"
)

func (s ReferralCodeStatus) Valid() bool {
	switch s {
	case ReferralCodeStatusActive, ReferralCodeStatusExpired, ReferralCodeStatusExhausted, ReferralCodeStatusRevoked:
		return true
	}
	return false
}

// ReferralCode is a shareable token owned by one user. Redeeming it grants
// signup credit to both the owner and the new user.
type ReferralCode struct {
	ID          string
	Code        string
	OwnerUserID string
	CreatedAt   time.Time
	UpdatedAt   time.Time  // last activity; drives cleanup retention
	ExpiresAt   *time.Time // nil = never expires
	MaxUses     *int       // nil = unlimited
	UseCount    int
	Status      ReferralCodeStatus
}

func NewReferralCode(id, code, ownerUserID string, maxUses *int, expiresAt *time.Time, now time.Time) (*ReferralCode, error) {
	code = NormalizeCode(code)
	if id == "" || code == "" || strings.TrimSpace(ownerUserID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	if maxUses != nil && *maxUses <= 0 {
		return nil, domain.ErrInvalidArgument
	}
	return &ReferralCode{
		ID:          id,
		Code:        code,
		OwnerUserID: ownerUserID,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expiresAt,
		MaxUses:     maxUses,
		UseCount:    0,
		Status:      ReferralCodeStatusActive,
	}, nil
}

// NormalizeCode trims and upper-cases user input so lookups are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (c *ReferralCode) IsExpiredAt(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

func (c *ReferralCode) IsExhausted() bool {
	return c.MaxUses != nil && c.UseCount >= *c.MaxUses
}

// Check evaluates the code at `now` in the order NOT_FOUND, REVOKED, EXPIRED,
// EXHAUSTED and returns the first failing reason, or "" when usable.
func (c *ReferralCode) Check(now time.Time) InvalidReason {
	switch {
	case c == nil:
		return ReasonNotFound
	case c.Status == ReferralCodeStatusRevoked:
		return ReasonRevoked
	case c.Status == ReferralCodeStatusExpired || c.IsExpiredAt(now):
		return ReasonExpired
	case c.Status == ReferralCodeStatusExhausted || c.IsExhausted():
		return ReasonExhausted
	}
	return ""
}

// RemainingUses returns -1 for unlimited codes.
func (c *ReferralCode) RemainingUses() int {
	if c.MaxUses == nil {
		return -1
	}
	if r := *c.MaxUses - c.UseCount; r > 0 {
		return r
	}
	return 0
}

// InvalidReason is the machine-readable cause of a failed validation or redemption.
type InvalidReason string

const (
	ReasonNotFound        InvalidReason = "NOT_FOUND"
	ReasonExpired         InvalidReason = "EXPIRED"
	ReasonExhausted       InvalidReason = "EXHAUSTED"
	ReasonRevoked         InvalidReason = "REVOKED"
	ReasonAlreadyReferred InvalidReason = "ALREADY_REFERRED"
	ReasonSelfReferral    InvalidReason = "SELF_REFERRAL"
	ReasonInvalidRequest  InvalidReason = "INVALID_REQUEST"
)

// Err maps a reason onto its domain sentinel.
func (r InvalidReason) Err() error {
	switch r {
	case ReasonNotFound:
		return domain.ErrCodeNotFound
	case ReasonExpired:
		return domain.ErrCodeExpired
	case ReasonExhausted:
		return domain.ErrCodeExhausted
	case ReasonRevoked:
		return domain.ErrCodeRevoked
	case ReasonAlreadyReferred:
		return domain.ErrAlreadyReferred
	case ReasonSelfReferral:
		return domain.ErrSelfReferral
	case ReasonInvalidRequest:
		return domain.ErrInvalidArgument
	}
	return nil
}

// ReasonOf is the inverse of InvalidReason.Err. It returns "" for errors that
// are not business failures.
func ReasonOf(err error) InvalidReason {
	for _, r := range []InvalidReason{
		ReasonNotFound, ReasonExpired, ReasonExhausted, ReasonRevoked,
		ReasonAlreadyReferred, ReasonSelfReferral, ReasonInvalidRequest,
	} {
		if errors.Is(err, r.Err()) {
			return r
		}
	}
	return ""
}

// Validation is the outcome of checking a code without redeeming it.
type Validation struct {
	Valid  bool
	Reason InvalidReason
	Code   *ReferralCode
}
