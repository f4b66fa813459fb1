//go:build !integration

package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "referrals.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustCode(t *testing.T, code, owner string, maxUses *int, expiresAt *time.Time, now time.Time) *model.ReferralCode {
	t.Helper()
	c, err := model.NewReferralCode("id-"+code, code, owner, maxUses, expiresAt, now)
	if err != nil {
		t.Fatalf("NewReferralCode: %v", err)
	}
	return c
}

func mustRedemption(t *testing.T, id string, c *model.ReferralCode, newUser string, now time.Time) *model.ReferralRedemption {
	t.Helper()
	r, err := model.NewReferralRedemption(id, c, newUser, map[string]string{"k": "v"}, 100, 50, now)
	if err != nil {
		t.Fatalf("NewReferralRedemption: %v", err)
	}
	return r
}

func intPtr(n int) *int { return &n }

func TestCodeRepo(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db := openTestDB(t)
	codes := NewReferralCodeRepo(db)

	exp := now.Add(time.Hour)
	c := mustCode(t, "SQLITE22", "owner-1", intPtr(2), &exp, now)
	if err := codes.Create(ctx, nil, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := codes.FindByCode(ctx, nil, "SQLITE22")
	if err != nil {
		t.Fatalf("FindByCode: %v", err)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) || got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) || *got.MaxUses != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := codes.Create(ctx, nil, mustCode(t, "SQLITE22", "owner-2", nil, nil, now)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate code: expected ErrAlreadyExists, got %v", err)
	}
	if err := codes.Create(ctx, nil, mustCode(t, "OTHER222", "owner-1", nil, nil, now)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("second active code: expected ErrAlreadyExists, got %v", err)
	}
	if _, err := codes.FindByCode(ctx, nil, "MISSING2"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	ok, err := codes.TransitionStatus(ctx, nil, "SQLITE22", model.ReferralCodeStatusExpired, model.ReferralCodeStatusRevoked, now)
	if err != nil || ok {
		t.Errorf("transition from the wrong status must not apply: ok=%v err=%v", ok, err)
	}
}

func TestRedemptionRepo_Record(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("exhausts at the cap and rejects repeat users", func(t *testing.T) {
		db := openTestDB(t)
		codes, reds := NewReferralCodeRepo(db), NewRedemptionRepo(db)
		c := mustCode(t, "CAPPED22", "owner", intPtr(1), nil, now)
		_ = codes.Create(ctx, nil, c)

		updated, err := reds.Record(ctx, nil, mustRedemption(t, "r1", c, "u1", now), now)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if updated.Status != model.ReferralCodeStatusExhausted || updated.UseCount != 1 {
			t.Errorf("unexpected code: %+v", updated)
		}
		if _, err := reds.Record(ctx, nil, mustRedemption(t, "r2", c, "u1", now), now); !errors.Is(err, domain.ErrCodeExhausted) {
			t.Errorf("expected ErrCodeExhausted, got %v", err)
		}

		got, err := reds.FindByNewUser(ctx, nil, "u1")
		if err != nil || got.Metadata["k"] != "v" || got.OwnerUserID != "owner" {
			t.Errorf("unexpected redemption %+v err=%v", got, err)
		}
	})

	t.Run("duplicate new user rolls back the increment", func(t *testing.T) {
		db := openTestDB(t)
		codes, reds := NewReferralCodeRepo(db), NewRedemptionRepo(db)
		c := mustCode(t, "OPEN2222", "owner", nil, nil, now)
		_ = codes.Create(ctx, nil, c)

		_, _ = reds.Record(ctx, nil, mustRedemption(t, "r1", c, "u1", now), now)
		if _, err := reds.Record(ctx, nil, mustRedemption(t, "r2", c, "u1", now), now); !errors.Is(err, domain.ErrAlreadyReferred) {
			t.Fatalf("expected ErrAlreadyReferred, got %v", err)
		}
		got, _ := codes.FindByCode(ctx, nil, "OPEN2222")
		if got.UseCount != 1 {
			t.Errorf("expected use count 1, got %d", got.UseCount)
		}
	})

	t.Run("expired and unknown codes", func(t *testing.T) {
		db := openTestDB(t)
		codes, reds := NewReferralCodeRepo(db), NewRedemptionRepo(db)
		past := now.Add(-time.Minute)
		c := mustCode(t, "LATE2222", "owner", nil, &past, now)
		_ = codes.Create(ctx, nil, c)

		if _, err := reds.Record(ctx, nil, mustRedemption(t, "r1", c, "u1", now), now); !errors.Is(err, domain.ErrCodeExpired) {
			t.Errorf("expected ErrCodeExpired, got %v", err)
		}
		ghost := mustCode(t, "GHOST222", "owner", nil, nil, now)
		if _, err := reds.Record(ctx, nil, mustRedemption(t, "r2", ghost, "u2", now), now); !errors.Is(err, domain.ErrCodeNotFound) {
			t.Errorf("expected ErrCodeNotFound, got %v", err)
		}
	})

	t.Run("concurrent redemptions never exceed max uses", func(t *testing.T) {
		const maxUses = 4
		db := openTestDB(t)
		codes, reds := NewReferralCodeRepo(db), NewRedemptionRepo(db)
		c := mustCode(t, "RUSH2222", "owner", intPtr(maxUses), nil, now)
		_ = codes.Create(ctx, nil, c)

		var ok, exhausted int32
		var wg sync.WaitGroup
		for i := 0; i < maxUses+5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := reds.Record(ctx, nil, mustRedemption(t, fmt.Sprintf("r%d", i), c, fmt.Sprintf("u%d", i), now), now)
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
		wg.Wait()
		if ok != maxUses || exhausted != 5 {
			t.Fatalf("expected %d ok / 5 exhausted, got %d / %d", maxUses, ok, exhausted)
		}
	})
}

func TestCleanupAndStats(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	db := openTestDB(t)
	codes, reds := NewReferralCodeRepo(db), NewRedemptionRepo(db)

	old := now.Add(-72 * time.Hour)
	one := intPtr(1)
	a := mustCode(t, "AAAA2222", "alice", one, nil, old)
	b := mustCode(t, "BBBB2222", "bob", one, nil, old)
	_ = codes.Create(ctx, nil, a)
	_ = codes.Create(ctx, nil, b)
	_, _ = reds.Record(ctx, nil, mustRedemption(t, "r1", a, "n1", old), old)
	_, _ = reds.Record(ctx, nil, mustRedemption(t, "r2", b, "n2", old), old)
	_ = reds.MarkSettled(ctx, nil, "r1", now)

	var deleted int
	err := db.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := codes.ExpireOverdue(ctx, tx, now); err != nil {
			return err
		}
		var err error
		deleted, err = codes.DeleteInactive(ctx, tx, now.Add(-24*time.Hour))
		return err
	})
	if err != nil {
		t.Fatalf("cleanup tx: %v", err)
	}
	// alice's code is exhausted and settled; bob's has a pending credit
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}
	if _, err := codes.FindByCode(ctx, nil, "BBBB2222"); err != nil {
		t.Errorf("code with pending credit must survive: %v", err)
	}

	top, err := reds.TopReferrers(ctx, nil, 10)
	if err != nil || len(top) != 2 || top[0].UserID != "alice" || top[0].Points != 100 {
		t.Errorf("unexpected top referrers %+v err=%v", top, err)
	}
	pending, _ := reds.ListUnsettled(ctx, nil, now, 10)
	if len(pending) != 1 || pending[0].ID != "r2" {
		t.Errorf("unexpected pending %+v", pending)
	}
	if n, _ := reds.CountByOwner(ctx, nil, "alice"); n != 1 {
		t.Errorf("CountByOwner = %d", n)
	}
}
