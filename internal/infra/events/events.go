package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tablebook-referrals/internal/domain/model"
	"tablebook-referrals/internal/domain/ports/adapter"
	"tablebook-referrals/internal/infra/worker"
)

// EventType represents the type of event.
type EventType string

const (
	// EventReferralRedeemed is emitted after a redemption commits.
	EventReferralRedeemed EventType = "referral.redeemed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

var _ adapter.RedemptionPublisher = (*Manager)(nil)

// Manager fans events out to subscribed handlers on a worker pool. Delivery is
// best effort: a saturated pool drops the event and the settlement sweep
// recovers it from the store.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	pool     *worker.Pool
	log      *zerolog.Logger
}

func NewManager(pool *worker.Pool, logger *zerolog.Logger) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  true,
		pool:     pool,
		log:      logger,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish queues the event for every subscribed handler.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	enabled := m.enabled
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if !enabled || len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	// handlers outlive the request that published the event
	ctx = context.WithoutCancel(ctx)

	for _, h := range handlers {
		h := h
		err := m.pool.Submit(func(_ context.Context) error {
			return h(ctx, event)
		})
		if err != nil {
			m.log.Warn().Err(err).Str("event", string(eventType)).Msg("event dropped")
		}
	}
}

func (m *Manager) PublishReferralRedeemed(ctx context.Context, ev model.ReferralRedeemed) {
	m.Publish(ctx, EventReferralRedeemed, ev)
}

// OnReferralRedeemed adapts a typed handler, e.g. SettlementUseCase.SettleEvent.
func (m *Manager) OnReferralRedeemed(fn func(ctx context.Context, ev model.ReferralRedeemed) error) {
	m.Subscribe(EventReferralRedeemed, func(ctx context.Context, event Event) error {
		ev, ok := event.Data.(model.ReferralRedeemed)
		if !ok {
			return nil
		}
		return fn(ctx, ev)
	})
}

// Shutdown stops accepting events. Already queued work is drained by the pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
