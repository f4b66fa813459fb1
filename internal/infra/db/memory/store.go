// Package memory is a process-local referral store for tests and single-node
// dev runs. All state lives behind one mutex, which is what makes Record atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tablebook-referrals/internal/domain"
	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/repository"
)

var (
	_ repository.ReferralCodeRepository = (*CodeRepository)(nil)
	_ repository.RedemptionRepository   = (*RedemptionRepository)(nil)
	_ repository.TransactionManager     = (*Store)(nil)
)

type Store struct {
	mu          sync.RWMutex
	codes       map[string]*model.ReferralCode       // by code
	redemptions map[string]*model.ReferralRedemption // by id
	byNewUser   map[string]string                    // new user id -> redemption id
}

func NewStore() *Store {
	return &Store{
		codes:       map[string]*model.ReferralCode{},
		redemptions: map[string]*model.ReferralRedemption{},
		byNewUser:   map[string]string{},
	}
}

func (s *Store) Codes() *CodeRepository             { return &CodeRepository{s: s} }
func (s *Store) Redemptions() *RedemptionRepository { return &RedemptionRepository{s: s} }

// WithTx runs fn without isolation. Each repository call is atomic on its own;
// the one multi-step invariant (redeem + increment) lives inside Record.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, repository.NoTX)
}

func cloneCode(c *model.ReferralCode) *model.ReferralCode {
	cp := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		cp.ExpiresAt = &t
	}
	if c.MaxUses != nil {
		n := *c.MaxUses
		cp.MaxUses = &n
	}
	return &cp
}

func cloneRedemption(r *model.ReferralRedemption) *model.ReferralRedemption {
	cp := *r
	cp.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	if r.SettledAt != nil {
		t := *r.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// ---- codes ----

type CodeRepository struct{ s *Store }

func (r *CodeRepository) Create(ctx context.Context, tx repository.Tx, c *model.ReferralCode) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.codes[c.Code]; ok {
		return domain.ErrAlreadyExists
	}
	if c.Status == model.ReferralCodeStatusActive {
		for _, other := range r.s.codes {
			if other.OwnerUserID == c.OwnerUserID && other.Status == model.ReferralCodeStatusActive {
				return domain.ErrAlreadyExists
			}
		}
	}
	r.s.codes[c.Code] = cloneCode(c)
	return nil
}

func (r *CodeRepository) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.ReferralCode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.codes[code]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneCode(c), nil
}

func (r *CodeRepository) FindActiveByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) (*model.ReferralCode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, c := range r.s.codes {
		if c.OwnerUserID == ownerUserID && c.Status == model.ReferralCodeStatusActive {
			return cloneCode(c), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *CodeRepository) ListByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) ([]*model.ReferralCode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.ReferralCode
	for _, c := range r.s.codes {
		if c.OwnerUserID == ownerUserID {
			out = append(out, cloneCode(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *CodeRepository) Exists(ctx context.Context, tx repository.Tx, code string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.codes[code]
	return ok, nil
}

func (r *CodeRepository) TransitionStatus(ctx context.Context, tx repository.Tx, code string, from, to model.ReferralCodeStatus, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.codes[code]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	c.UpdatedAt = now
	return true, nil
}

func (r *CodeRepository) ExpireOverdue(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, c := range r.s.codes {
		if c.Status == model.ReferralCodeStatusActive && c.IsExpiredAt(now) {
			c.Status = model.ReferralCodeStatusExpired
			c.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *CodeRepository) DeleteInactive(ctx context.Context, tx repository.Tx, cutoff time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	pending := map[string]bool{}
	for _, red := range r.s.redemptions {
		if !red.IsSettled() {
			pending[red.ReferralCode] = true
		}
	}
	n := 0
	for code, c := range r.s.codes {
		dead := c.Status == model.ReferralCodeStatusExpired || c.Status == model.ReferralCodeStatusExhausted
		if dead && c.UpdatedAt.Before(cutoff) && !pending[code] {
			delete(r.s.codes, code)
			n++
		}
	}
	return n, nil
}

func (r *CodeRepository) Count(ctx context.Context, tx repository.Tx) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.codes), nil
}

// ---- redemptions ----

type RedemptionRepository struct{ s *Store }

func (r *RedemptionRepository) Record(ctx context.Context, tx repository.Tx, red *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.byNewUser[red.NewUserID]; ok {
		return nil, domain.ErrAlreadyReferred
	}
	c, ok := r.s.codes[red.ReferralCode]
	if !ok {
		return nil, domain.ErrCodeNotFound
	}
	if reason := c.Check(now); reason != "" {
		return nil, reason.Err()
	}

	c.UseCount++
	c.UpdatedAt = now
	if c.IsExhausted() {
		c.Status = model.ReferralCodeStatusExhausted
	}
	r.s.redemptions[red.ID] = cloneRedemption(red)
	r.s.byNewUser[red.NewUserID] = red.ID
	return cloneCode(c), nil
}

func (r *RedemptionRepository) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.ReferralRedemption, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	red, ok := r.s.redemptions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRedemption(red), nil
}

func (r *RedemptionRepository) FindByNewUser(ctx context.Context, tx repository.Tx, newUserID string) (*model.ReferralRedemption, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.byNewUser[newUserID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRedemption(r.s.redemptions[id]), nil
}

func (r *RedemptionRepository) ListByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) ([]*model.ReferralRedemption, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.ReferralRedemption
	for _, red := range r.s.redemptions {
		if red.OwnerUserID == ownerUserID {
			out = append(out, cloneRedemption(red))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedemptionRepository) CountByOwner(ctx context.Context, tx repository.Tx, ownerUserID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	n := 0
	for _, red := range r.s.redemptions {
		if red.OwnerUserID == ownerUserID {
			n++
		}
	}
	return n, nil
}

func (r *RedemptionRepository) Count(ctx context.Context, tx repository.Tx) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return len(r.s.redemptions), nil
}

func (r *RedemptionRepository) TopReferrers(ctx context.Context, tx repository.Tx, limit int) ([]model.TopReferrer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	agg := map[string]*model.TopReferrer{}
	for _, red := range r.s.redemptions {
		t, ok := agg[red.OwnerUserID]
		if !ok {
			t = &model.TopReferrer{UserID: red.OwnerUserID}
			agg[red.OwnerUserID] = t
		}
		t.Redemptions++
		if red.IsSettled() {
			t.Points += red.PointsAwardedToOwner
		}
	}
	out := make([]model.TopReferrer, 0, len(agg))
	for _, t := range agg {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Redemptions != out[j].Redemptions {
			return out[i].Redemptions > out[j].Redemptions
		}
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RedemptionRepository) ListUnsettled(ctx context.Context, tx repository.Tx, before time.Time, limit int) ([]*model.ReferralRedemption, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.ReferralRedemption
	for _, red := range r.s.redemptions {
		if !red.IsSettled() && red.RedeemedAt.Before(before) {
			out = append(out, cloneRedemption(red))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RedeemedAt.Before(out[j].RedeemedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *RedemptionRepository) MarkSettled(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	red, ok := r.s.redemptions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if red.SettledAt == nil {
		t := at
		red.SettledAt = &t
	}
	return nil
}
