//go:build !integration

package usecase_test

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/adapter"
	"tablebook-referrals/internal/domain/ports/repository"
	"tablebook-referrals/internal/infra/db/memory"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func intPtr(n int) *int { return &n }

// fakeClock is a settable clock shared by a use case under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now().Truncate(time.Millisecond)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// zeroReader always yields zero bytes, so every generated code is the same.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// =============================
// Repositories
// =============================

// ---- Mock ReferralCodeRepository ----

// MockCodeRepo delegates to the memory store unless a hook is set.
type MockCodeRepo struct {
	*memory.CodeRepository

	CreateFunc            func(ctx context.Context, tx repository.Tx, c *model.ReferralCode) error
	FindByCodeFunc        func(ctx context.Context, tx repository.Tx, code string) (*model.ReferralCode, error)
	FindActiveByOwnerFunc func(ctx context.Context, tx repository.Tx, owner string) (*model.ReferralCode, error)
	ExistsFunc            func(ctx context.Context, tx repository.Tx, code string) (bool, error)
	CountFunc             func(ctx context.Context, tx repository.Tx) (int, error)
}

var _ repository.ReferralCodeRepository = (*MockCodeRepo)(nil)

func (m *MockCodeRepo) Create(ctx context.Context, tx repository.Tx, c *model.ReferralCode) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tx, c)
	}
	return m.CodeRepository.Create(ctx, tx, c)
}

func (m *MockCodeRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.ReferralCode, error) {
	if m.FindByCodeFunc != nil {
		return m.FindByCodeFunc(ctx, tx, code)
	}
	return m.CodeRepository.FindByCode(ctx, tx, code)
}

func (m *MockCodeRepo) FindActiveByOwner(ctx context.Context, tx repository.Tx, owner string) (*model.ReferralCode, error) {
	if m.FindActiveByOwnerFunc != nil {
		return m.FindActiveByOwnerFunc(ctx, tx, owner)
	}
	return m.CodeRepository.FindActiveByOwner(ctx, tx, owner)
}

func (m *MockCodeRepo) Exists(ctx context.Context, tx repository.Tx, code string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, tx, code)
	}
	return m.CodeRepository.Exists(ctx, tx, code)
}

func (m *MockCodeRepo) Count(ctx context.Context, tx repository.Tx) (int, error) {
	if m.CountFunc != nil {
		return m.CountFunc(ctx, tx)
	}
	return m.CodeRepository.Count(ctx, tx)
}

// ---- Mock RedemptionRepository ----

type MockRedemptionRepo struct {
	*memory.RedemptionRepository

	RecordFunc        func(ctx context.Context, tx repository.Tx, r *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error)
	FindByNewUserFunc func(ctx context.Context, tx repository.Tx, newUserID string) (*model.ReferralRedemption, error)
	MarkSettledFunc   func(ctx context.Context, tx repository.Tx, id string, at time.Time) error
}

var _ repository.RedemptionRepository = (*MockRedemptionRepo)(nil)

func (m *MockRedemptionRepo) Record(ctx context.Context, tx repository.Tx, r *model.ReferralRedemption, now time.Time) (*model.ReferralCode, error) {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, tx, r, now)
	}
	return m.RedemptionRepository.Record(ctx, tx, r, now)
}

func (m *MockRedemptionRepo) FindByNewUser(ctx context.Context, tx repository.Tx, newUserID string) (*model.ReferralRedemption, error) {
	if m.FindByNewUserFunc != nil {
		return m.FindByNewUserFunc(ctx, tx, newUserID)
	}
	return m.RedemptionRepository.FindByNewUser(ctx, tx, newUserID)
}

func (m *MockRedemptionRepo) MarkSettled(ctx context.Context, tx repository.Tx, id string, at time.Time) error {
	if m.MarkSettledFunc != nil {
		return m.MarkSettledFunc(ctx, tx, id, at)
	}
	return m.RedemptionRepository.MarkSettled(ctx, tx, id, at)
}

// ---- Mock TransactionManager ----

type mockTxManager struct{}

func NewMockTxManager() repository.TransactionManager { return &mockTxManager{} }

func (m *mockTxManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, nil)
}

// =============================
// Adapters
// =============================

// ---- Mock RedemptionPublisher ----

type MockPublisher struct {
	mu     sync.Mutex
	Events []model.ReferralRedeemed
}

var _ adapter.RedemptionPublisher = (*MockPublisher)(nil)

func (m *MockPublisher) PublishReferralRedeemed(ctx context.Context, ev model.ReferralRedeemed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
}

func (m *MockPublisher) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// ---- Mock LoyaltyClient ----

type MockLoyalty struct {
	mu       sync.Mutex
	Requests []adapter.CreditRequest

	CreditFunc func(ctx context.Context, req adapter.CreditRequest) error
}

var _ adapter.LoyaltyClient = (*MockLoyalty)(nil)

func (m *MockLoyalty) Name() string { return "mock" }

func (m *MockLoyalty) Credit(ctx context.Context, req adapter.CreditRequest) error {
	if m.CreditFunc != nil {
		if err := m.CreditFunc(ctx, req); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	return nil
}

func (m *MockLoyalty) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Requests))
	for i, r := range m.Requests {
		out[i] = r.IdempotencyKey
	}
	return out
}

// =============================
// Fixture
// =============================

type fixture struct {
	store       *memory.Store
	codes       *MockCodeRepo
	redemptions *MockRedemptionRepo
	events      *MockPublisher
	clock       *fakeClock
}

func newFixture() *fixture {
	s := memory.NewStore()
	return &fixture{
		store:       s,
		codes:       &MockCodeRepo{CodeRepository: s.Codes()},
		redemptions: &MockRedemptionRepo{RedemptionRepository: s.Redemptions()},
		events:      &MockPublisher{},
		clock:       newFakeClock(),
	}
}
