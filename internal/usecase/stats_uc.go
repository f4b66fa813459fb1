package usecase

import (
	"context"
	"errors"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
	"tablebook-referrals/internal/infra/logging"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ StatsUseCase = (*statsUC)(nil)

type StatsUseCase interface {
	UserStats(ctx context.Context, userID string) (*model.UserReferralStats, error)
	GlobalStats(ctx context.Context) (*model.GlobalReferralStats, error)
}

type statsUC struct {
	options
	codes       repository.ReferralCodeRepository
	redemptions repository.RedemptionRepository
	topN        int

	log *zerolog.Logger
}

func NewStatsUseCase(codes repository.ReferralCodeRepository, redemptions repository.RedemptionRepository, topN int, logger *zerolog.Logger, opts ...Option) *statsUC {
	if topN <= 0 {
		topN = 10
	}
	return &statsUC{
		options:     buildOptions(opts),
		codes:       codes,
		redemptions: redemptions,
		topN:        topN,
		log:         logging.Component(logger, "stats_uc"),
	}
}

func (s *statsUC) UserStats(ctx context.Context, userID string) (*model.UserReferralStats, error) {
	defer logging.TraceDuration(s.log, "StatsUC.UserStats")()
	if userID == "" {
		return nil, domain.ErrInvalidArgument
	}

	codes, err := s.codes.ListByOwner(ctx, repository.NoTX, userID)
	if err != nil {
		return nil, storeErr("list codes", err)
	}
	out := &model.UserReferralStats{UserID: userID, CodeGenerated: len(codes) > 0}

	active, err := s.codes.FindActiveByOwner(ctx, repository.NoTX, userID)
	switch {
	case err == nil:
		if active.Check(s.now()) == "" {
			out.ActiveCode = active.Code
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, storeErr("find active code", err)
	}

	rs, err := s.redemptions.ListByOwner(ctx, repository.NoTX, userID)
	if err != nil {
		return nil, storeErr("list redemptions", err)
	}
	out.TotalRedemptions = len(rs)
	for _, r := range rs {
		if r.IsSettled() {
			out.SuccessfulConversions++
			out.TotalPointsEarned += r.PointsAwardedToOwner
		}
	}
	return out, nil
}

func (s *statsUC) GlobalStats(ctx context.Context) (*model.GlobalReferralStats, error) {
	defer logging.TraceDuration(s.log, "StatsUC.GlobalStats")()

	codes, err := s.codes.Count(ctx, repository.NoTX)
	if err != nil {
		return nil, storeErr("count codes", err)
	}
	redemptions, err := s.redemptions.Count(ctx, repository.NoTX)
	if err != nil {
		return nil, storeErr("count redemptions", err)
	}
	top, err := s.redemptions.TopReferrers(ctx, repository.NoTX, s.topN)
	if err != nil {
		return nil, storeErr("top referrers", err)
	}
	if top == nil {
		top = []model.TopReferrer{}
	}
	return &model.GlobalReferralStats{
		TotalCodes:       codes,
		TotalRedemptions: redemptions,
		TopReferrers:     top,
		ConversionRate:   model.ConversionRate(redemptions, codes),
	}, nil
}
