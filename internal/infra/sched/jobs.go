package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/infra/metrics"
	"tablebook-referrals/internal/usecase"
)

// Locker keeps a job single-flight across replicas. A nil Locker means the
// process is the only runner.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// SettlementJob retries loyalty credits for redemptions still unsettled after grace.
type SettlementJob struct {
	uc    usecase.SettlementUseCase
	grace time.Duration
	batch int
	log   *zerolog.Logger
}

func NewSettlementJob(uc usecase.SettlementUseCase, grace time.Duration, batch int, logger *zerolog.Logger) *SettlementJob {
	l := logger.With().Str("component", "SettlementJob").Logger()
	return &SettlementJob{uc: uc, grace: grace, batch: batch, log: &l}
}

func (j *SettlementJob) Name() string { return "settlement_retry" }

func (j *SettlementJob) Run(ctx context.Context) error {
	n, err := j.uc.RetryUnsettled(ctx, j.grace, j.batch)
	if n > 0 {
		j.log.Info().Int("count", n).Msg("unsettled redemptions credited")
	}
	return err
}

// CleanupJob expires overdue codes and purges old inactive ones.
type CleanupJob struct {
	uc  usecase.ReferralUseCase
	log *zerolog.Logger
}

func NewCleanupJob(uc usecase.ReferralUseCase, logger *zerolog.Logger) *CleanupJob {
	l := logger.With().Str("component", "CleanupJob").Logger()
	return &CleanupJob{uc: uc, log: &l}
}

func (j *CleanupJob) Name() string { return "referral_cleanup" }

func (j *CleanupJob) Run(ctx context.Context) error {
	n, err := j.uc.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int("count", n).Msg("inactive referral codes deleted")
	}
	return nil
}

// runOnce executes job under the optional lock and records the outcome.
func runOnce(ctx context.Context, job Job, locker Locker, lockTTL time.Duration, log *zerolog.Logger) {
	if locker != nil {
		key := "lock:job:" + job.Name()
		token, err := locker.TryLock(ctx, key, lockTTL)
		if err != nil {
			metrics.IncJobRun(job.Name(), "skipped")
			log.Debug().Err(err).Str("job", job.Name()).Msg("job lock not acquired")
			return
		}
		defer func() {
			if err := locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
				log.Warn().Err(err).Str("job", job.Name()).Msg("job unlock failed")
			}
		}()
	}

	if err := job.Run(ctx); err != nil {
		metrics.IncJobRun(job.Name(), "failed")
		log.Error().Err(err).Str("job", job.Name()).Msg("scheduled job failed")
		return
	}
	metrics.IncJobRun(job.Name(), "ok")
}
