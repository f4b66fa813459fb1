package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/adapter"
	"tablebook-referrals/internal/domain/ports/repository"
	"tablebook-referrals/internal/infra/logging"
	"tablebook-referrals/internal/infra/metrics"
)

// Compile-time check
var _ SettlementUseCase = (*settlementUC)(nil)

// SettlementUseCase credits both parties of a redemption through the loyalty
// service. Crediting is at-least-once; the loyalty side dedupes by key.
type SettlementUseCase interface {
	SettleEvent(ctx context.Context, ev model.ReferralRedeemed) error
	Settle(ctx context.Context, redemptionID string) error
	RetryUnsettled(ctx context.Context, grace time.Duration, limit int) (int, error)
}

type settlementUC struct {
	options
	redemptions repository.RedemptionRepository
	loyalty     adapter.LoyaltyClient

	log *zerolog.Logger
}

func NewSettlementUseCase(redemptions repository.RedemptionRepository, loyalty adapter.LoyaltyClient, logger *zerolog.Logger, opts ...Option) *settlementUC {
	return &settlementUC{
		options:     buildOptions(opts),
		redemptions: redemptions,
		loyalty:     loyalty,
		log:         logging.Component(logger, "settlement_uc"),
	}
}

// IdempotencyKey is stable per redemption and party.
func IdempotencyKey(redemptionID string, party adapter.Party) string {
	return redemptionID + ":" + string(party)
}

func (s *settlementUC) SettleEvent(ctx context.Context, ev model.ReferralRedeemed) error {
	return s.Settle(ctx, ev.RedemptionID)
}

// Settle reloads the redemption so a replayed event for an already settled
// redemption is a no-op.
func (s *settlementUC) Settle(ctx context.Context, redemptionID string) error {
	defer logging.TraceDuration(s.log, "SettlementUC.Settle")()
	r, err := s.redemptions.FindByID(ctx, repository.NoTX, redemptionID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("settle %s: %w", redemptionID, domain.ErrNotFound)
	}
	if err != nil {
		return storeErr("find redemption", err)
	}
	return s.settle(ctx, r)
}

func (s *settlementUC) settle(ctx context.Context, r *model.ReferralRedemption) error {
	if r.IsSettled() {
		return nil
	}
	log := logging.With(ctx, s.log).With().Str("redemption_id", r.ID).Logger()

	credits := []adapter.CreditRequest{
		{UserID: r.OwnerUserID, Points: r.PointsAwardedToOwner, Party: adapter.PartyOwner, Reason: "referral_owner"},
		{UserID: r.NewUserID, Points: r.PointsAwardedToNewUser, Party: adapter.PartyNewUser, Reason: "referral_signup"},
	}
	for _, c := range credits {
		if c.Points <= 0 {
			continue
		}
		c.RedemptionID = r.ID
		c.IdempotencyKey = IdempotencyKey(r.ID, c.Party)
		if err := s.loyalty.Credit(ctx, c); err != nil {
			metrics.IncCredit(string(c.Party), "failed")
			log.Warn().Err(err).Str("party", string(c.Party)).Str("loyalty", s.loyalty.Name()).Msg("loyalty credit failed; will retry")
			return fmt.Errorf("credit %s: %w", c.Party, err)
		}
		metrics.IncCredit(string(c.Party), "ok")
	}

	if err := s.redemptions.MarkSettled(ctx, repository.NoTX, r.ID, s.now()); err != nil {
		return storeErr("mark settled", err)
	}
	log.Info().Int64("owner_points", r.PointsAwardedToOwner).Int64("new_user_points", r.PointsAwardedToNewUser).Msg("referral rewards credited")
	return nil
}

// RetryUnsettled sweeps redemptions still pending after grace. It keeps going
// past individual failures and returns how many were settled.
func (s *settlementUC) RetryUnsettled(ctx context.Context, grace time.Duration, limit int) (int, error) {
	defer logging.TraceDuration(s.log, "SettlementUC.RetryUnsettled")()
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.redemptions.ListUnsettled(ctx, repository.NoTX, s.now().Add(-grace), limit)
	if err != nil {
		return 0, storeErr("list unsettled", err)
	}

	var (
		settled int
		errs    []error
	)
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.settle(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		settled++
	}
	if len(pending) > 0 {
		s.log.Info().Int("pending", len(pending)).Int("settled", settled).Msg("settlement sweep finished")
	}
	return settled, errors.Join(errs...)
}
