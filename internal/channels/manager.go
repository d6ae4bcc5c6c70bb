package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BangRocket/mypalclara/internal/bus"
)

// Manager owns the adapter set: it starts and stops them together and pumps
// the outbound queue to the right adapter.
type Manager struct {
	router bus.MessageRouter

	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{
		router:   router,
		adapters: make(map[string]Adapter),
	}
}

func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

func (m *Manager) Get(name string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[name]
	return a, ok
}

// StartAll starts every registered adapter. A single adapter failing to
// start is logged and skipped; an error is returned only when nothing came
// up at all.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.adapters) == 0 {
		return fmt.Errorf("no adapters registered")
	}

	started := 0
	for name, a := range m.adapters {
		if err := a.Start(ctx); err != nil {
			slog.Error("adapter failed to start", "adapter", name, "error", err)
			continue
		}
		slog.Info("adapter started", "adapter", name)
		started++
	}
	if started == 0 {
		return fmt.Errorf("all adapters failed to start")
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, a := range m.adapters {
		if !a.IsRunning() {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			slog.Warn("adapter stop failed", "adapter", name, "error", err)
		}
	}
}

// DispatchOutbound consumes the outbound queue until ctx is cancelled,
// handing each chunk to the adapter that owns the conversation. Send
// failures are logged and dropped; one broken surface must not stall the
// others.
func (m *Manager) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.router.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		adapter, found := m.Get(msg.Adapter)
		if !found {
			slog.Warn("outbound message for unknown adapter", "adapter", msg.Adapter)
			continue
		}
		if err := adapter.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed", "adapter", msg.Adapter, "channel", msg.ChannelID, "error", err)
		}
	}
}
