package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
	"tablebook-referrals/internal/infra/logging"
	"tablebook-referrals/internal/infra/metrics"
	"tablebook-referrals/internal/infra/tracing"
)

// A character set that avoids ambiguous characters like O/0, I/1, L.
// len == 32 divides 256, so byte%len stays uniform.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// randomCode builds prefix + n characters drawn from codeAlphabet.
func randomCode(r io.Reader, prefix string, n int) (string, error) {
	buffer := make([]byte, n)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return "", err
	}
	for i := range buffer {
		buffer[i] = codeAlphabet[int(buffer[i])%len(codeAlphabet)]
	}
	return prefix + string(buffer), nil
}

// Generate returns the owner's usable ACTIVE code, or mints a new one.
func (u *referralUC) Generate(ctx context.Context, ownerUserID string) (*model.ReferralCode, error) {
	defer logging.TraceDuration(u.log, "ReferralUC.Generate")()
	ctx, span := tracing.Start(ctx, "ReferralUC.Generate")
	defer span.End()
	log := logging.With(ctx, u.log)

	if ownerUserID == "" {
		return nil, domain.ErrInvalidArgument
	}
	now := u.now()

	existing, err := u.codes.FindActiveByOwner(ctx, repository.NoTX, ownerUserID)
	switch {
	case err == nil:
		reason := existing.Check(now)
		if reason == "" {
			metrics.IncCodeGenerated("reused")
			return existing, nil
		}
		// lazily retire the stale code so the owner index frees up
		if err := u.retire(ctx, existing, reason, now); err != nil {
			metrics.IncCodeGenerated("failed")
			return nil, err
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		metrics.IncCodeGenerated("failed")
		return nil, storeErr("find active code", err)
	}

	var maxUses *int
	if u.opts.DefaultMaxUses > 0 {
		n := u.opts.DefaultMaxUses
		maxUses = &n
	}

	for attempt := 1; attempt <= u.opts.MaxGenerateAttempts; attempt++ {
		candidate, err := randomCode(u.rand, u.opts.CodePrefix, u.opts.CodeLength)
		if err != nil {
			metrics.IncCodeGenerated("failed")
			return nil, fmt.Errorf("read random: %w", err)
		}
		taken, err := u.codes.Exists(ctx, repository.NoTX, candidate)
		if err != nil {
			metrics.IncCodeGenerated("failed")
			return nil, storeErr("check code", err)
		}
		if taken {
			log.Debug().Int("attempt", attempt).Msg("referral code collision")
			continue
		}

		rc, err := model.NewReferralCode(uuid.NewString(), candidate, ownerUserID, maxUses, u.expiryFrom(now), now)
		if err != nil {
			metrics.IncCodeGenerated("failed")
			return nil, err
		}
		err = u.codes.Create(ctx, repository.NoTX, rc)
		if err == nil {
			metrics.IncCodeGenerated("minted")
			log.Info().Str("code", rc.Code).Msg("referral code generated")
			return rc, nil
		}
		if !errors.Is(err, domain.ErrAlreadyExists) {
			metrics.IncCodeGenerated("failed")
			return nil, storeErr("create code", err)
		}

		// Either the code string raced or a concurrent call for the same
		// owner won. In the latter case the winner's code is the answer.
		winner, ferr := u.codes.FindActiveByOwner(ctx, repository.NoTX, ownerUserID)
		if ferr == nil && winner.Check(now) == "" {
			metrics.IncCodeGenerated("reused")
			return winner, nil
		}
	}

	metrics.IncCodeGenerated("failed")
	log.Error().Err(domain.ErrGenerationExhausted).Int("attempts", u.opts.MaxGenerateAttempts).Msg("could not mint a unique referral code")
	return nil, domain.ErrGenerationExhausted
}
