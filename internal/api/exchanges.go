package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// errSuperseded is the cancellation cause of an exchange replaced by a newer
// message on the same thread.
var errSuperseded = errors.New("exchange superseded by a newer message")

// exchange is one live answer being generated.
type exchange struct {
	cancel context.CancelCauseFunc
}

// ExchangeRegistry tracks live exchanges per athlete and thread. A thread has
// at most one: registering a new exchange cancels the one it replaces.
type ExchangeRegistry struct {
	mu     sync.Mutex
	active map[string]map[string]*exchange
}

// NewExchangeRegistry creates an empty registry.
func NewExchangeRegistry() *ExchangeRegistry {
	return &ExchangeRegistry{
		active: make(map[string]map[string]*exchange),
	}
}

// Register derives the exchange context for athleteID/threadID from parent.
// The returned release must be called when the exchange ends.
func (m *ExchangeRegistry) Register(parent context.Context, athleteID, threadID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	ex := &exchange{cancel: cancel}

	m.mu.Lock()
	threads, ok := m.active[athleteID]
	if !ok {
		threads = make(map[string]*exchange)
		m.active[athleteID] = threads
	}
	if existing, ok := threads[threadID]; ok {
		existing.cancel(errSuperseded)
		slog.Info("Coach exchange superseded", "athlete_id", athleteID, "thread_id", threadID)
	}
	threads[threadID] = ex
	m.mu.Unlock()

	return ctx, func() {
		m.unregister(athleteID, threadID, ex)
		cancel(context.Canceled)
	}
}

// unregister removes ex if it is still the live exchange for its thread.
func (m *ExchangeRegistry) unregister(athleteID, threadID string, ex *exchange) {
	m.mu.Lock()
	defer m.mu.Unlock()

	threads, ok := m.active[athleteID]
	if !ok {
		return
	}
	if current, exists := threads[threadID]; exists && current == ex {
		delete(threads, threadID)
		if len(threads) == 0 {
			delete(m.active, athleteID)
		}
	}
}

// Active returns the number of live exchanges for athleteID.
func (m *ExchangeRegistry) Active(athleteID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[athleteID])
}

// CancelAll stops every live exchange, for shutdown.
func (m *ExchangeRegistry) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for athleteID, threads := range m.active {
		for _, ex := range threads {
			ex.cancel(context.Canceled)
		}
		delete(m.active, athleteID)
	}
}

// superseded reports whether ctx was cancelled by a newer exchange.
func superseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errSuperseded)
}
