package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/config"
	"tablebook-referrals/internal/domain/ports/repository"
	"tablebook-referrals/internal/infra/db/memory"
	"tablebook-referrals/internal/infra/db/postgres"
	"tablebook-referrals/internal/infra/db/sqlite"
)

// Stores is the repository set for the configured driver.
type Stores struct {
	Codes       repository.ReferralCodeRepository
	Redemptions repository.RedemptionRepository
	Tx          repository.TransactionManager
	Driver      string

	close func()
}

func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects the configured backend and makes sure its schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zerolog.Logger) (*Stores, error) {
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		statsCtx, stop := context.WithCancel(context.Background())
		go postgres.ReportPoolStats(statsCtx, pool, 15*time.Second)
		return &Stores{
			Codes:       postgres.NewReferralCodeRepo(pool),
			Redemptions: postgres.NewRedemptionRepo(pool),
			Tx:          postgres.NewTxManager(pool),
			Driver:      driver,
			close: func() {
				stop()
				pool.Close()
			},
		}, nil

	case "sqlite":
		sdb, err := sqlite.Open(cfg.URL)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Codes:       sqlite.NewReferralCodeRepo(sdb),
			Redemptions: sqlite.NewRedemptionRepo(sdb),
			Tx:          sdb,
			Driver:      driver,
			close:       func() { _ = sdb.Close() },
		}, nil

	case "memory":
		logger.Warn().Msg("using the in-memory store; data is lost on restart")
		st := memory.NewStore()
		return &Stores{
			Codes:       st.Codes(),
			Redemptions: st.Redemptions(),
			Tx:          st,
			Driver:      driver,
		}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}
