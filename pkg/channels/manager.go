package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/switchboard/pkg/bus"
)

// Manager stores registered channels, starts them against one bus and routes
// outbound messages back to them.
type Manager struct {
	bus    *bus.MessageBus
	logger zerolog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool
}

// NewManager constructs a channel manager bound to b.
func NewManager(b *bus.MessageBus, logger zerolog.Logger) *Manager {
	return &Manager{
		bus:      b,
		logger:   logger.With().Str("component", "channels").Logger(),
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
	}
}

// Register adds a channel to the manager.
func (m *Manager) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}

	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	m.channels[name] = ch
	return nil
}

// IsRegistered returns true when channel exists in the manager.
func (m *Manager) IsRegistered(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[strings.TrimSpace(name)]
	return ok
}

// Names returns sorted registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok && m.started[name]
}

// Dispatch consumes outbound messages until the bus is closed and drained or
// ctx ends, handing each to the channel it names. Messages for unknown or
// stopped channels are logged and dropped; a failed Send is logged and does
// not stop the loop.
func (m *Manager) Dispatch(ctx context.Context) error {
	m.logger.Info().Strs("channels", m.Names()).Msg("Outbound dispatcher started")
	defer m.logger.Info().Msg("Outbound dispatcher stopped")

	for {
		msg, err := m.bus.ConsumeOutbound(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrBusClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	logger := m.logger.With().Str("channel", msg.Channel).Str("chat_id", msg.ChatID).Logger()

	ch, ok := m.get(msg.Channel)
	if !ok {
		logger.Warn().Msg("No running channel for outbound message")
		return
	}
	if err := ch.Send(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("Failed to deliver outbound message")
		return
	}
	logger.Debug().Int("content_length", len(msg.Content)).Msg("Outbound message delivered")
}

// StartAll starts all registered channels.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, name := range m.Names() {
		if err := m.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered channels.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	names := m.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := m.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel by name.
func (m *Manager) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if m.started[name] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := ch.Start(ctx, m.bus); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	m.mu.Lock()
	m.started[name] = true
	m.mu.Unlock()

	m.logger.Info().Str("channel", name).Msg("Channel started")
	return nil
}

// Stop stops a registered channel by name.
func (m *Manager) Stop(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !m.started[name] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	m.mu.Lock()
	delete(m.started, name)
	m.mu.Unlock()

	m.logger.Info().Str("channel", name).Msg("Channel stopped")
	return nil
}
