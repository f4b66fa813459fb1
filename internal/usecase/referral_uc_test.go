//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tablebook-referrals/internal/config"
	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
	"tablebook-referrals/internal/usecase"
)

var testRewards = config.RewardsConfig{ReferrerPoints: 100, RefereePoints: 50}

func (f *fixture) referralUC(cfg config.ReferralConfig, opts ...usecase.Option) usecase.ReferralUseCase {
	opts = append([]usecase.Option{usecase.WithClock(f.clock.Now)}, opts...)
	return usecase.NewReferralUseCase(
		f.codes, f.redemptions, NewMockTxManager(),
		usecase.NewRewardPolicy(testRewards), f.events,
		cfg, newTestLogger(), opts...,
	)
}

// seedCode stores a code directly, bypassing Generate.
func (f *fixture) seedCode(t *testing.T, code, owner string, maxUses *int, expiresAt *time.Time) *model.ReferralCode {
	t.Helper()
	c, err := model.NewReferralCode("id-"+code, code, owner, maxUses, expiresAt, f.clock.Now())
	if err != nil {
		t.Fatalf("NewReferralCode: %v", err)
	}
	if err := f.store.Codes().Create(context.Background(), nil, c); err != nil {
		t.Fatalf("seed code: %v", err)
	}
	return c
}

func TestReferralUseCase_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the same active code on repeated calls", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})

		first, err := uc.Generate(ctx, "U1")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		second, err := uc.Generate(ctx, "U1")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if first.Code != second.Code || first.ID != second.ID {
			t.Errorf("expected idempotent generate, got %s then %s", first.Code, second.Code)
		}
		if n, _ := f.store.Codes().Count(ctx, nil); n != 1 {
			t.Errorf("expected exactly one stored code, got %d", n)
		}
	})

	t.Run("should mint codes of fixed length from the unambiguous alphabet", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		seen := map[string]bool{}
		for i := 0; i < 200; i++ {
			c, err := uc.Generate(ctx, fmt.Sprintf("owner-%d", i))
			if err != nil {
				t.Fatalf("Generate failed: %v", err)
			}
			if len(c.Code) != 8 {
				t.Fatalf("expected length 8, got %q", c.Code)
			}
			if strings.ContainsAny(c.Code, "O0I1L") {
				t.Fatalf("code %q contains an ambiguous character", c.Code)
			}
			if seen[c.Code] {
				t.Fatalf("duplicate code %q", c.Code)
			}
			seen[c.Code] = true
		}
	})

	t.Run("should apply prefix and per-code defaults from config", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{CodePrefix: "TB", CodeLength: 6, DefaultMaxUses: 3, DefaultTTL: time.Hour})
		c, err := uc.Generate(ctx, "U1")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if !strings.HasPrefix(c.Code, "TB") || len(c.Code) != 8 {
			t.Errorf("unexpected code %q", c.Code)
		}
		if c.MaxUses == nil || *c.MaxUses != 3 {
			t.Errorf("expected maxUses 3, got %v", c.MaxUses)
		}
		if c.ExpiresAt == nil || !c.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
			t.Errorf("unexpected expiry %v", c.ExpiresAt)
		}
	})

	t.Run("should expire a stale code and mint a fresh one", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{DefaultTTL: time.Hour})
		old, _ := uc.Generate(ctx, "U1")

		f.clock.Advance(2 * time.Hour)
		fresh, err := uc.Generate(ctx, "U1")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if fresh.Code == old.Code {
			t.Fatal("expected a new code after expiry")
		}
		stored, _ := f.store.Codes().FindByCode(ctx, nil, old.Code)
		if stored.Status != model.ReferralCodeStatusExpired {
			t.Errorf("expected old code EXPIRED, got %s", stored.Status)
		}
	})

	t.Run("should give up after the configured number of collisions", func(t *testing.T) {
		f := newFixture()
		f.seedCode(t, "AAAAAAAA", "someone-else", nil, nil)
		var attempts int32
		f.codes.ExistsFunc = func(ctx context.Context, tx repository.Tx, code string) (bool, error) {
			atomic.AddInt32(&attempts, 1)
			return f.store.Codes().Exists(ctx, tx, code)
		}
		uc := f.referralUC(config.ReferralConfig{MaxGenerateAttempts: 4}, usecase.WithRandom(zeroReader{}))

		_, err := uc.Generate(ctx, "U1")
		if !errors.Is(err, domain.ErrGenerationExhausted) {
			t.Fatalf("expected ErrGenerationExhausted, got %v", err)
		}
		if attempts != 4 {
			t.Errorf("expected 4 attempts, got %d", attempts)
		}
	})

	t.Run("should return the winner when a concurrent generate for the owner wins", func(t *testing.T) {
		f := newFixture()
		var winner *model.ReferralCode
		f.codes.CreateFunc = func(ctx context.Context, tx repository.Tx, c *model.ReferralCode) error {
			winner = f.seedCode(t, "WINNER22", c.OwnerUserID, nil, nil)
			return domain.ErrAlreadyExists
		}
		uc := f.referralUC(config.ReferralConfig{})

		got, err := uc.Generate(ctx, "U1")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if got.Code != winner.Code {
			t.Errorf("expected winner %s, got %s", winner.Code, got.Code)
		}
	})

	t.Run("should wrap store failures", func(t *testing.T) {
		f := newFixture()
		f.codes.FindActiveByOwnerFunc = func(ctx context.Context, tx repository.Tx, owner string) (*model.ReferralCode, error) {
			return nil, errors.New("connection refused")
		}
		uc := f.referralUC(config.ReferralConfig{})
		if _, err := uc.Generate(ctx, "U1"); !errors.Is(err, domain.ErrStoreFailure) {
			t.Fatalf("expected ErrStoreFailure, got %v", err)
		}
	})

	t.Run("should reject an empty owner", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		if _, err := uc.Generate(ctx, ""); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestReferralUseCase_Validate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	uc := f.referralUC(config.ReferralConfig{})

	past := f.clock.Now().Add(-time.Minute)
	f.seedCode(t, "GOODCODE", "o1", nil, nil)
	f.seedCode(t, "OLDCODE2", "o2", nil, &past)
	full := f.seedCode(t, "FULLCODE", "o3", intPtr(1), nil)
	f.seedCode(t, "GONECODE", "o4", nil, nil)
	_, _ = f.store.Codes().TransitionStatus(ctx, nil, "GONECODE", model.ReferralCodeStatusActive, model.ReferralCodeStatusRevoked, f.clock.Now())
	if _, err := f.store.Redemptions().Record(ctx, nil, mustRedemption(t, full, "u1", f.clock.Now()), f.clock.Now()); err != nil {
		t.Fatalf("seed redemption: %v", err)
	}

	cases := []struct {
		code  string
		valid bool
		want  model.InvalidReason
	}{
		{"goodcode", true, ""},
		{"  GOODCODE ", true, ""},
		{"MISSING9", false, model.ReasonNotFound},
		{"", false, model.ReasonNotFound},
		{"OLDCODE2", false, model.ReasonExpired},
		{"FULLCODE", false, model.ReasonExhausted},
		{"GONECODE", false, model.ReasonRevoked},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.code), func(t *testing.T) {
			v, err := uc.Validate(ctx, tc.code)
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if v.Valid != tc.valid || v.Reason != tc.want {
				t.Errorf("got valid=%v reason=%q, want valid=%v reason=%q", v.Valid, v.Reason, tc.valid, tc.want)
			}
		})
	}

	t.Run("expired status is persisted once", func(t *testing.T) {
		stored, _ := f.store.Codes().FindByCode(ctx, nil, "OLDCODE2")
		if stored.Status != model.ReferralCodeStatusExpired {
			t.Fatalf("expected EXPIRED to be persisted, got %s", stored.Status)
		}
		updatedAt := stored.UpdatedAt

		f.clock.Advance(time.Minute)
		if v, _ := uc.Validate(ctx, "OLDCODE2"); v.Reason != model.ReasonExpired {
			t.Fatalf("expected EXPIRED again, got %q", v.Reason)
		}
		again, _ := f.store.Codes().FindByCode(ctx, nil, "OLDCODE2")
		if !again.UpdatedAt.Equal(updatedAt) {
			t.Error("second validate must not touch an already expired code")
		}
		if n, _ := f.store.Codes().Count(ctx, nil); n != 4 {
			t.Errorf("validate must not create records, count %d", n)
		}
	})
}

func mustRedemption(t *testing.T, c *model.ReferralCode, newUser string, now time.Time) *model.ReferralRedemption {
	t.Helper()
	r, err := model.NewReferralRedemption("r-"+newUser, c, newUser, nil, 100, 50, now)
	if err != nil {
		t.Fatalf("NewReferralRedemption: %v", err)
	}
	return r
}

func TestReferralUseCase_Process(t *testing.T) {
	ctx := context.Background()

	t.Run("generate, redeem, credit both, then reject a second redemption", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		loyalty := &MockLoyalty{}
		settle := usecase.NewSettlementUseCase(f.redemptions, loyalty, newTestLogger(), usecase.WithClock(f.clock.Now))

		code, err := uc.Generate(ctx, "U1")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		res, err := uc.Process(ctx, strings.ToLower(code.Code), "U2", map[string]string{"restaurantId": "r-7"})
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		if res.PointsAwarded != 50 || !strings.Contains(res.Message, "50") {
			t.Errorf("unexpected result: %+v", res)
		}
		if res.Redemption.OwnerUserID != "U1" || res.Redemption.Metadata["restaurantId"] != "r-7" {
			t.Errorf("unexpected redemption: %+v", res.Redemption)
		}

		if f.events.Count() != 1 {
			t.Fatalf("expected one ReferralRedeemed event, got %d", f.events.Count())
		}
		if err := settle.SettleEvent(ctx, f.events.Events[0]); err != nil {
			t.Fatalf("SettleEvent failed: %v", err)
		}
		credited := map[string]int64{}
		for _, r := range loyalty.Requests {
			credited[r.UserID] += r.Points
		}
		if credited["U1"] != 100 || credited["U2"] != 50 {
			t.Errorf("expected U1=100 and U2=50 credited, got %v", credited)
		}

		_, err = uc.Process(ctx, code.Code, "U2", nil)
		if !errors.Is(err, domain.ErrAlreadyReferred) {
			t.Fatalf("expected ErrAlreadyReferred, got %v", err)
		}
		if n, _ := f.store.Redemptions().Count(ctx, nil); n != 1 {
			t.Errorf("expected no new redemption, count %d", n)
		}
		stored, _ := f.store.Codes().FindByCode(ctx, nil, code.Code)
		if stored.UseCount != 1 {
			t.Errorf("expected use count 1, got %d", stored.UseCount)
		}
	})

	t.Run("single-use code becomes exhausted", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		f.seedCode(t, "ONCEONLY", "U1", intPtr(1), nil)

		if _, err := uc.Process(ctx, "ONCEONLY", "U2", nil); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
		stored, _ := f.store.Codes().FindByCode(ctx, nil, "ONCEONLY")
		if stored.Status != model.ReferralCodeStatusExhausted {
			t.Fatalf("expected EXHAUSTED, got %s", stored.Status)
		}
		if _, err := uc.Process(ctx, "ONCEONLY", "U3", nil); !errors.Is(err, domain.ErrCodeExhausted) {
			t.Fatalf("expected ErrCodeExhausted, got %v", err)
		}
	})

	t.Run("owners cannot redeem their own code", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		f.seedCode(t, "SELFSELF", "U1", nil, nil)
		if _, err := uc.Process(ctx, "SELFSELF", "U1", nil); !errors.Is(err, domain.ErrSelfReferral) {
			t.Fatalf("expected ErrSelfReferral, got %v", err)
		}
	})

	t.Run("unknown, expired and revoked codes", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		past := f.clock.Now().Add(-time.Second)
		f.seedCode(t, "EXPIRED2", "o1", nil, &past)
		f.seedCode(t, "REVOKED2", "o2", nil, nil)
		if _, err := uc.Revoke(ctx, "REVOKED2"); err != nil {
			t.Fatalf("Revoke failed: %v", err)
		}

		for code, want := range map[string]error{
			"NOPE2345": domain.ErrCodeNotFound,
			"EXPIRED2": domain.ErrCodeExpired,
			"REVOKED2": domain.ErrCodeRevoked,
		} {
			if _, err := uc.Process(ctx, code, "newbie", nil); !errors.Is(err, want) {
				t.Errorf("%s: expected %v, got %v", code, want, err)
			}
		}
		if f.events.Count() != 0 {
			t.Error("failed redemptions must not publish events")
		}
	})

	t.Run("missing input is an invalid argument", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		if _, err := uc.Process(ctx, "  ", "U2", nil); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if _, err := uc.Process(ctx, "ABCDEFGH", "", nil); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("exactly N of N+5 concurrent redemptions succeed", func(t *testing.T) {
		const n = 7
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		f.seedCode(t, "CROWDED2", "U1", intPtr(n), nil)

		var ok, exhausted int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n+5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, err := uc.Process(ctx, "CROWDED2", fmt.Sprintf("new-%d", i), nil)
				switch {
				case err == nil:
					atomic.AddInt32(&ok, 1)
				case errors.Is(err, domain.ErrCodeExhausted):
					atomic.AddInt32(&exhausted, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		if ok != n || exhausted != 5 {
			t.Fatalf("expected %d successes and 5 exhausted, got %d and %d", n, ok, exhausted)
		}
		if c, _ := f.store.Redemptions().Count(ctx, nil); c != n {
			t.Errorf("expected %d stored redemptions, got %d", n, c)
		}
	})

	t.Run("a lost race inside the store surfaces the typed failure", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		f.seedCode(t, "RACELOST", "U1", nil, nil)
		f.redemptions.RecordFunc = func(ctx context.Context, tx repository.Tx, r *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error) {
			return nil, domain.ErrAlreadyReferred
		}
		if _, err := uc.Process(ctx, "RACELOST", "U2", nil); !errors.Is(err, domain.ErrAlreadyReferred) {
			t.Fatalf("expected ErrAlreadyReferred, got %v", err)
		}
	})

	t.Run("store failure is not a business failure", func(t *testing.T) {
		f := newFixture()
		uc := f.referralUC(config.ReferralConfig{})
		f.seedCode(t, "BROKEN22", "U1", nil, nil)
		f.redemptions.RecordFunc = func(ctx context.Context, tx repository.Tx, r *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error) {
			return nil, errors.New("deadlock detected")
		}
		_, err := uc.Process(ctx, "BROKEN22", "U2", nil)
		if !errors.Is(err, domain.ErrStoreFailure) || domain.IsBusinessFailure(err) {
			t.Fatalf("expected a store failure, got %v", err)
		}
		if f.events.Count() != 0 {
			t.Error("no event may be published when nothing committed")
		}
	})

	t.Run("owner points follow the reward tier", func(t *testing.T) {
		f := newFixture()
		rewards := usecase.NewRewardPolicy(config.RewardsConfig{
			ReferrerPoints: 100, RefereePoints: 50,
			Tiers: []config.RewardTier{{MinReferrals: 1, Multiplier: 2}},
		})
		uc := usecase.NewReferralUseCase(f.codes, f.redemptions, NewMockTxManager(), rewards, f.events,
			config.ReferralConfig{}, newTestLogger(), usecase.WithClock(f.clock.Now))
		f.seedCode(t, "TIERED22", "U1", nil, nil)

		r1, _ := uc.Process(ctx, "TIERED22", "n1", nil)
		r2, _ := uc.Process(ctx, "TIERED22", "n2", nil)
		if r1.Redemption.PointsAwardedToOwner != 100 || r2.Redemption.PointsAwardedToOwner != 200 {
			t.Errorf("unexpected owner points %d, %d", r1.Redemption.PointsAwardedToOwner, r2.Redemption.PointsAwardedToOwner)
		}
	})
}

func TestReferralUseCase_Revoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	uc := f.referralUC(config.ReferralConfig{})
	f.seedCode(t, "REVOKEME", "U1", nil, nil)

	rc, err := uc.Revoke(ctx, "revokeme")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if rc.Status != model.ReferralCodeStatusRevoked {
		t.Errorf("expected REVOKED, got %s", rc.Status)
	}
	if _, err := uc.Revoke(ctx, "REVOKEME"); err != nil {
		t.Errorf("second revoke should be a no-op, got %v", err)
	}
	if _, err := uc.Revoke(ctx, "MISSING2"); !errors.Is(err, domain.ErrCodeNotFound) {
		t.Errorf("expected ErrCodeNotFound, got %v", err)
	}

	// the owner can mint a new code once the old one is revoked
	fresh, err := uc.Generate(ctx, "U1")
	if err != nil || fresh.Code == "REVOKEME" {
		t.Fatalf("expected a fresh code, got %v / %v", fresh, err)
	}
}

func TestReferralUseCase_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	uc := f.referralUC(config.ReferralConfig{Retention: 24 * time.Hour})

	soon := f.clock.Now().Add(time.Hour)
	f.seedCode(t, "WILLDIE2", "o1", nil, &soon)
	f.seedCode(t, "STAYS222", "o2", nil, nil)

	// expire WILLDIE2 and let the retention window pass
	f.clock.Advance(2 * time.Hour)
	n, err := uc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("freshly expired code must be retained, deleted %d", n)
	}
	stored, _ := f.store.Codes().FindByCode(ctx, nil, "WILLDIE2")
	if stored.Status != model.ReferralCodeStatusExpired {
		t.Fatalf("expected sweep to mark EXPIRED, got %s", stored.Status)
	}

	f.clock.Advance(25 * time.Hour)
	n, err = uc.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := f.store.Codes().FindByCode(ctx, nil, "STAYS222"); err != nil {
		t.Errorf("active code must survive cleanup: %v", err)
	}
}
