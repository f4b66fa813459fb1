// File: cmd/seed/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"tablebook-referrals/internal/config"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/infra/api"
	"tablebook-referrals/internal/infra/db"
	"tablebook-referrals/internal/infra/logging"
	"tablebook-referrals/internal/usecase"
)

func main() {
	owners := flag.Int("owners", 3, "number of demo owners to create codes for")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of the printed demo tokens")

	// ---- Config ----
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Open also creates the schema
	stores, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database")
	}
	defer stores.Close()

	referralUC := usecase.NewReferralUseCase(stores.Codes, stores.Redemptions, stores.Tx, usecase.NewRewardPolicy(cfg.Rewards), nil, cfg.Referral, logger)

	// Generate is idempotent, so re-running prints the same codes
	fmt.Println("Demo referral codes:")
	for i := 1; i <= *owners; i++ {
		owner := fmt.Sprintf("demo-owner-%d", i)
		rc, err := referralUC.Generate(ctx, owner)
		if err != nil {
			logger.Fatal().Err(err).Str("owner", owner).Msg("generate")
		}
		fmt.Printf("  - %s -> %s\n", owner, rc.Code)
	}

	auth := api.NewAuthManager(cfg.Auth)
	for _, u := range []struct {
		id   string
		role model.Role
	}{
		{"demo-owner-1", model.RoleCustomer},
		{"demo-new-user", model.RoleCustomer},
		{"demo-admin", model.RoleAdmin},
	} {
		tok, err := auth.Mint(u.id, u.role, *tokenTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("mint token")
		}
		fmt.Printf("\nBearer token for %s (%s):\n%s\n", u.id, u.role, tok)
	}
}
