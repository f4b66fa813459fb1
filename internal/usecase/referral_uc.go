package usecase

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"tablebook-referrals/internal/config"
	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/adapter"
	"tablebook-referrals/internal/domain/ports/repository"
	"tablebook-referrals/internal/infra/logging"
	"tablebook-referrals/internal/infra/metrics"
	"tablebook-referrals/internal/infra/tracing"
)

// Compile-time check
var _ ReferralUseCase = (*referralUC)(nil)

// ReferralUseCase owns the referral code lifecycle.
type ReferralUseCase interface {
	Generate(ctx context.Context, ownerUserID string) (*model.ReferralCode, error)
	Validate(ctx context.Context, code string) (*model.Validation, error)
	Process(ctx context.Context, code, newUserID string, metadata map[string]string) (*model.ProcessResult, error)
	Revoke(ctx context.Context, code string) (*model.ReferralCode, error)
	CleanupExpired(ctx context.Context) (int, error)
}

type options struct {
	now  func() time.Time
	rand io.Reader
}

type Option func(*options)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRandom overrides the entropy source used for new codes.
func WithRandom(r io.Reader) Option {
	return func(o *options) { o.rand = r }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, rand: rand.Reader}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type referralUC struct {
	options
	codes       repository.ReferralCodeRepository
	redemptions repository.RedemptionRepository
	tm          repository.TransactionManager
	rewards     *RewardPolicy
	events      adapter.RedemptionPublisher
	opts        config.ReferralConfig

	log *zerolog.Logger
}

func NewReferralUseCase(
	codes repository.ReferralCodeRepository,
	redemptions repository.RedemptionRepository,
	tm repository.TransactionManager,
	rewards *RewardPolicy,
	events adapter.RedemptionPublisher,
	cfg config.ReferralConfig,
	logger *zerolog.Logger,
	opts ...Option,
) *referralUC {
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 8
	}
	if cfg.MaxGenerateAttempts <= 0 {
		cfg.MaxGenerateAttempts = 5
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if rewards == nil {
		rewards = NewRewardPolicy(config.RewardsConfig{})
	}
	return &referralUC{
		options:     buildOptions(opts),
		codes:       codes,
		redemptions: redemptions,
		tm:          tm,
		rewards:     rewards,
		events:      events,
		opts:        cfg,
		log:         logging.Component(logger, "referral_uc"),
	}
}

func (u *referralUC) expiryFrom(now time.Time) *time.Time {
	if u.opts.DefaultTTL <= 0 {
		return nil
	}
	t := now.Add(u.opts.DefaultTTL)
	return &t
}

// Validate reports whether code can be redeemed right now. A code found past
// its expiry while still ACTIVE is persisted as EXPIRED.
func (u *referralUC) Validate(ctx context.Context, code string) (*model.Validation, error) {
	defer logging.TraceDuration(u.log, "ReferralUC.Validate")()

	v, err := u.validate(ctx, model.NormalizeCode(code), u.now())
	if err != nil {
		metrics.IncValidation("error")
		return nil, err
	}
	if v.Valid {
		metrics.IncValidation("valid")
	} else {
		metrics.IncValidation(string(v.Reason))
	}
	return v, nil
}

func (u *referralUC) validate(ctx context.Context, code string, now time.Time) (*model.Validation, error) {
	if code == "" {
		return &model.Validation{Reason: model.ReasonNotFound}, nil
	}
	rc, err := u.codes.FindByCode(ctx, repository.NoTX, code)
	if errors.Is(err, domain.ErrNotFound) {
		return &model.Validation{Reason: model.ReasonNotFound}, nil
	}
	if err != nil {
		return nil, storeErr("find code", err)
	}
	return u.check(ctx, rc, now), nil
}

// check evaluates a loaded code. Persisting a lazy status change is best
// effort: the answer is correct either way and the next read retries.
func (u *referralUC) check(ctx context.Context, rc *model.ReferralCode, now time.Time) *model.Validation {
	reason := rc.Check(now)
	if reason == "" {
		return &model.Validation{Valid: true, Code: rc}
	}
	if err := u.retire(ctx, rc, reason, now); err != nil {
		logging.With(ctx, u.log).Warn().Err(err).Str("code", rc.Code).Msg("failed to persist lazy status change")
	}
	return &model.Validation{Reason: reason, Code: rc}
}

// retire moves an ACTIVE code into the terminal status matching reason.
func (u *referralUC) retire(ctx context.Context, rc *model.ReferralCode, reason model.InvalidReason, now time.Time) error {
	if rc.Status != model.ReferralCodeStatusActive {
		return nil
	}
	var to model.ReferralCodeStatus
	switch reason {
	case model.ReasonExpired:
		to = model.ReferralCodeStatusExpired
	case model.ReasonExhausted:
		to = model.ReferralCodeStatusExhausted
	default:
		return nil
	}
	if _, err := u.codes.TransitionStatus(ctx, repository.NoTX, rc.Code, model.ReferralCodeStatusActive, to, now); err != nil {
		return storeErr("transition status", err)
	}
	rc.Status = to
	rc.UpdatedAt = now
	return nil
}

// Process redeems code for newUserID. Business failures come back as domain
// sentinels; the redemption and the use-count increment commit together.
func (u *referralUC) Process(ctx context.Context, code, newUserID string, metadata map[string]string) (*model.ProcessResult, error) {
	defer logging.TraceDuration(u.log, "ReferralUC.Process")()
	ctx, span := tracing.Start(ctx, "ReferralUC.Process")
	defer span.End()
	log := logging.With(ctx, u.log)

	res, err := u.process(ctx, model.NormalizeCode(code), strings.TrimSpace(newUserID), metadata)
	if err != nil {
		if reason := model.ReasonOf(err); reason != "" {
			metrics.IncRedemption(string(reason))
			log.Info().Str("reason", string(reason)).Str("code", model.NormalizeCode(code)).Msg("referral not applied")
		} else {
			metrics.IncRedemption("error")
			log.Error().Err(err).Msg("referral processing failed")
			span.RecordError(err)
		}
		return nil, err
	}
	metrics.IncRedemption("success")
	return res, nil
}

func (u *referralUC) process(ctx context.Context, code, newUserID string, metadata map[string]string) (*model.ProcessResult, error) {
	if code == "" || newUserID == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := u.now()

	// 1. one referral per new user, ever
	if _, err := u.redemptions.FindByNewUser(ctx, repository.NoTX, newUserID); err == nil {
		return nil, domain.ErrAlreadyReferred
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, storeErr("find redemption", err)
	}

	rc, err := u.codes.FindByCode(ctx, repository.NoTX, code)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrCodeNotFound
	}
	if err != nil {
		return nil, storeErr("find code", err)
	}

	// 2. owners cannot redeem their own code
	if rc.OwnerUserID == newUserID {
		return nil, domain.ErrSelfReferral
	}

	// 3. usable right now
	if v := u.check(ctx, rc, now); !v.Valid {
		return nil, v.Reason.Err()
	}

	// 4-5. points are fixed before commit so crediting can be replayed
	prior, err := u.redemptions.CountByOwner(ctx, repository.NoTX, rc.OwnerUserID)
	if err != nil {
		return nil, storeErr("count owner redemptions", err)
	}
	ownerPoints, newUserPoints := u.rewards.Points(prior)

	r, err := model.NewReferralRedemption(ulid.Make().String(), rc, newUserID, metadata, ownerPoints, newUserPoints, now)
	if err != nil {
		return nil, err
	}
	updated, err := u.redemptions.Record(ctx, repository.NoTX, r, now)
	if err != nil {
		if domain.IsBusinessFailure(err) {
			return nil, err
		}
		return nil, storeErr("record redemption", err)
	}

	logging.With(ctx, u.log).Info().
		Str("redemption_id", r.ID).
		Str("code", updated.Code).
		Str("owner_user_id", r.OwnerUserID).
		Int("use_count", updated.UseCount).
		Str("status", string(updated.Status)).
		Msg("referral redeemed")

	// 6. crediting runs after commit and outlives the request
	if u.events != nil {
		u.events.PublishReferralRedeemed(context.WithoutCancel(ctx), r.Event())
	}

	// 7.
	return &model.ProcessResult{
		Redemption:    r,
		PointsAwarded: newUserPoints,
		Message:       fmt.Sprintf("Referral code applied! You earned %d points.", newUserPoints),
	}, nil
}

// Revoke disables a code for good. Revoking twice is a no-op.
func (u *referralUC) Revoke(ctx context.Context, code string) (*model.ReferralCode, error) {
	defer logging.TraceDuration(u.log, "ReferralUC.Revoke")()
	code = model.NormalizeCode(code)
	if code == "" {
		return nil, domain.ErrCodeNotFound
	}
	now := u.now()

	// the status can move under us (lazy expiry, exhaustion); retry on a lost CAS
	for i := 0; i < 3; i++ {
		rc, err := u.codes.FindByCode(ctx, repository.NoTX, code)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrCodeNotFound
		}
		if err != nil {
			return nil, storeErr("find code", err)
		}
		if rc.Status == model.ReferralCodeStatusRevoked {
			return rc, nil
		}
		ok, err := u.codes.TransitionStatus(ctx, repository.NoTX, code, rc.Status, model.ReferralCodeStatusRevoked, now)
		if err != nil {
			return nil, storeErr("revoke code", err)
		}
		if ok {
			rc.Status = model.ReferralCodeStatusRevoked
			rc.UpdatedAt = now
			logging.With(ctx, u.log).Info().Str("code", code).Msg("referral code revoked")
			return rc, nil
		}
	}
	return nil, fmt.Errorf("%w: revoke %s: status kept changing", domain.ErrStoreFailure, code)
}

// CleanupExpired expires overdue codes, then deletes dead codes past the
// retention window. Codes with pending credits are kept.
func (u *referralUC) CleanupExpired(ctx context.Context) (int, error) {
	defer logging.TraceDuration(u.log, "ReferralUC.CleanupExpired")()
	now := u.now()
	cutoff := now.Add(-u.opts.Retention)

	var expired, deleted int
	err := u.tm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if expired, err = u.codes.ExpireOverdue(ctx, tx, now); err != nil {
			return storeErr("expire overdue", err)
		}
		if deleted, err = u.codes.DeleteInactive(ctx, tx, cutoff); err != nil {
			return storeErr("delete inactive", err)
		}
		return nil
	})
	if err != nil {
		u.log.Error().Err(err).Msg("referral cleanup failed")
		return 0, err
	}

	metrics.AddCleanupDeleted(deleted)
	u.log.Info().Int("expired", expired).Int("deleted", deleted).Time("cutoff", cutoff).Msg("referral cleanup finished")
	return deleted, nil
}

// storeErr tags err as a store failure unless it already is one.
func storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrStoreFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreFailure, op, err)
}
