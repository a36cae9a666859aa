package chat

import (
	"context"
	"sync"

	"github.com/sripadam-prasannakumar/swapchat/internal/bus"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
	"go.uber.org/zap"
)

// Manager owns the viewer's open conversations, one engine per counterpart.
type Manager struct {
	self   string
	store  kv.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewManager creates a conversation manager for the given identity.
func NewManager(self string, s kv.Store, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		self:   self,
		store:  s,
		bus:    b,
		logger: logger,
		convs:  make(map[string]*Conversation),
	}
}

// Self returns the viewer's user ID.
func (m *Manager) Self() string { return m.self }

// Open returns the conversation with peer, creating and wiring it on first
// use. Every call resets the viewer's unread counter for that peer.
func (m *Manager) Open(ctx context.Context, peer string) (*Conversation, error) {
	m.mu.Lock()
	if c, ok := m.convs[peer]; ok {
		m.mu.Unlock()
		// Re-opening still clears unread, idempotently.
		if err := m.store.Remove(ctx, UnreadPath(m.self, peer)); err != nil {
			return nil, err
		}
		return c, nil
	}
	m.mu.Unlock()

	c, err := openConversation(ctx, m.store, m.bus, m.logger, m.self, peer)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.convs[peer]; ok {
		// Lost a racing Open; keep the first one.
		_ = c.Close(ctx)
		return existing, nil
	}
	m.convs[peer] = c
	return c, nil
}

// Get returns an already-open conversation, if any.
func (m *Manager) Get(peer string) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[peer]
	return c, ok
}

// Close shuts down every open conversation.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	convs := m.convs
	m.convs = make(map[string]*Conversation)
	m.mu.Unlock()

	var firstErr error
	for _, c := range convs {
		if err := c.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
