//go:build !integration

package redis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain/model"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// mockRedisClient keeps an in-memory map unless a Func hook overrides the call.
type mockRedisClient struct {
	mu   sync.Mutex
	data map[string]string

	GetFunc  func(ctx context.Context, key string) (string, error)
	SetFunc  func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	IncrFunc func(ctx context.Context, key string) (int64, error)
	DelFunc  func(ctx context.Context, keys ...string) error

	expires map[string]time.Duration
	evals   int
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{data: map[string]string{}, expires: map[string]time.Duration{}}
}

func (m *mockRedisClient) Ping(ctx context.Context) error { return nil }

func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, expiration)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.expires[key] = expiration
	return nil
}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *mockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value.(string)
	m.expires[key] = expiration
	return true, nil
}

func (m *mockRedisClient) Incr(ctx context.Context, key string) (int64, error) {
	if m.IncrFunc != nil {
		return m.IncrFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *mockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[key] = expiration
	return nil
}

func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc != nil {
		return m.DelFunc(ctx, keys...)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

// Eval only understands the unlock script.
func (m *mockRedisClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals++
	if m.data[keys[0]] == args[0].(string) {
		delete(m.data, keys[0])
		return int64(1), nil
	}
	return int64(0), nil
}

func (m *mockRedisClient) Close() error { return nil }

type mockStats struct {
	GlobalCalls int
	UserCalls   int
	Global      *model.GlobalReferralStats
	GlobalErr   error
}

func (m *mockStats) UserStats(ctx context.Context, userID string) (*model.UserReferralStats, error) {
	m.UserCalls++
	return &model.UserReferralStats{}, nil
}

func (m *mockStats) GlobalStats(ctx context.Context) (*model.GlobalReferralStats, error) {
	m.GlobalCalls++
	if m.GlobalErr != nil {
		return nil, m.GlobalErr
	}
	return m.Global, nil
}
