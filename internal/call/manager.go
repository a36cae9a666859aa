package call

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sripadam-prasannakumar/swapchat/internal/bus"
	"github.com/sripadam-prasannakumar/swapchat/internal/chat"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
	"github.com/sripadam-prasannakumar/swapchat/internal/rtc"
)

// Manager holds one call Session per conversation. Sessions are created on
// first use and keep watching their conversation's signaling paths until
// the manager closes, so incoming offers surface without the conversation
// being open.
type Manager struct {
	self    string
	store   kv.Store
	bus     *bus.Bus
	logger  *zap.Logger
	factory rtc.Factory
	capture rtc.Capture

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(self string, store kv.Store, b *bus.Bus, factory rtc.Factory, capture rtc.Capture, logger *zap.Logger) *Manager {
	return &Manager{
		self:     self,
		store:    store,
		bus:      b,
		logger:   logger,
		factory:  factory,
		capture:  capture,
		sessions: make(map[string]*Session),
	}
}

// Session returns the call session for the conversation with peer,
// creating and subscribing it on first use.
func (m *Manager) Session(peer string) *Session {
	chatID := chat.ConversationID(m.self, peer)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if s, ok := m.sessions[chatID]; ok {
		return s
	}
	s := newSession(chatID, m.self, peer, m.store, m.bus, m.factory, m.capture, m.logger)
	m.sessions[chatID] = s
	return s
}

// Close tears down every session, ending any active call.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = nil
	m.closed = true
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
