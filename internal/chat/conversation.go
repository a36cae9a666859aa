package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sripadam-prasannakumar/swapchat/internal/bus"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
	"go.uber.org/zap"
)

const previewLen = 100

// Conversation is the message sync engine for one open chat. It materializes
// the log from store notifications, keeps seen-state and typing presence
// reconciled, and applies the user's operations. All in-memory state is
// serialized by one mutex; the real races are the distributed ones between
// two clients, which the store contract bounds.
type Conversation struct {
	chatID string
	self   string
	peer   string

	store  kv.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu          sync.Mutex
	entries     map[string]*Message
	order       []string // push keys, insertion order
	typingPeers map[string]bool
	blockedByMe bool
	blockedMe   bool
	draft       string
	closed      bool

	cancels []func()
}

// openConversation wires the subscriptions and resets the viewer's unread
// counter for this counterpart. Use Manager.Open.
func openConversation(ctx context.Context, s kv.Store, b *bus.Bus, logger *zap.Logger, self, peer string) (*Conversation, error) {
	c := &Conversation{
		chatID:      ConversationID(self, peer),
		self:        self,
		peer:        peer,
		store:       s,
		bus:         b,
		logger:      logger,
		entries:     make(map[string]*Message),
		typingPeers: make(map[string]bool),
	}

	// Opening the conversation clears our unread counter for this peer.
	// Remove is idempotent, so repeated opens are safe.
	if err := s.Remove(ctx, UnreadPath(self, peer)); err != nil {
		return nil, fmt.Errorf("reset unread counter: %w", err)
	}

	c.cancels = append(c.cancels,
		s.Subscribe(MessagesPath(c.chatID), c.onMessageEvent),
		s.Subscribe(TypingDirPath(c.chatID), c.onTypingEvent),
		s.Subscribe(BlockPath(self, peer), c.onBlockEvent(&c.blockedByMe)),
		s.Subscribe(BlockPath(peer, self), c.onBlockEvent(&c.blockedMe)),
	)
	return c, nil
}

// ChatID returns the derived conversation identifier.
func (c *Conversation) ChatID() string { return c.chatID }

// Peer returns the counterpart's user ID.
func (c *Conversation) Peer() string { return c.peer }

// Send appends a message, bumps the peer's unread counter atomically and
// refreshes both last-activity summaries. Clears the local draft and the
// typing flag. Rejected without any state change when either side has
// blocked the other.
func (c *Conversation) Send(ctx context.Context, text string, replyTo *ReplyRef) (*Message, error) {
	if text == "" {
		return nil, ErrEmptyText
	}

	c.mu.Lock()
	if c.blockedByMe {
		c.mu.Unlock()
		return nil, ErrBlocked
	}
	if c.blockedMe {
		c.mu.Unlock()
		return nil, ErrBlockedBy
	}
	c.mu.Unlock()

	now := time.Now().UnixMilli()
	msg := &Message{
		Text:    text,
		Sender:  c.self,
		Time:    now,
		Seen:    false,
		ReplyTo: replyTo,
	}
	key, err := c.store.Push(ctx, MessagesPath(c.chatID), msg)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	msg.ID = key

	// Single-key atomic RMW: concurrent senders each add exactly one.
	err = c.store.AtomicUpdate(ctx, UnreadPath(c.peer, c.self), func(cur json.RawMessage) (any, error) {
		count := 0
		if cur != nil {
			if err := json.Unmarshal(cur, &count); err != nil {
				return nil, err
			}
		}
		return count + 1, nil
	})
	if err != nil {
		c.logger.Warn("unread increment failed", zap.String("chat", c.chatID), zap.Error(err))
	}

	touchLastActivity(ctx, c.store, truncate(text, previewLen), now, c.self, c.peer)

	c.mu.Lock()
	c.draft = ""
	c.mu.Unlock()
	if err := c.SetTyping(ctx, false); err != nil {
		c.logger.Warn("clear typing flag failed", zap.Error(err))
	}

	return msg, nil
}

// Edit rewrites a message's text. Only the original sender may edit, and
// only within EditWindow of the entry's creation time.
func (c *Conversation) Edit(ctx context.Context, id, newText string) error {
	if newText == "" {
		return ErrEmptyText
	}
	return c.store.AtomicUpdate(ctx, MessagePath(c.chatID, id), func(cur json.RawMessage) (any, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		var m Message
		if err := json.Unmarshal(cur, &m); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", id, err)
		}
		if m.Sender != c.self {
			return nil, ErrNotSender
		}
		if time.Now().UnixMilli()-m.Time > EditWindow.Milliseconds() {
			return nil, ErrEditExpired
		}
		m.Text = newText
		m.Edited = true
		return &m, nil
	})
}

// Delete removes the entry outright. No tombstone is kept.
func (c *Conversation) Delete(ctx context.Context, id string) error {
	return c.store.Remove(ctx, MessagePath(c.chatID, id))
}

// React toggles the caller's reaction slot on an entry: same emoji removes
// it, a different one replaces it. At most one reaction per user per entry.
func (c *Conversation) React(ctx context.Context, id, emoji string) error {
	return c.store.AtomicUpdate(ctx, MessagePath(c.chatID, id), func(cur json.RawMessage) (any, error) {
		if cur == nil {
			return nil, ErrNotFound
		}
		var m Message
		if err := json.Unmarshal(cur, &m); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", id, err)
		}
		if m.Reactions != nil && m.Reactions[c.self] == emoji {
			delete(m.Reactions, c.self)
			if len(m.Reactions) == 0 {
				m.Reactions = nil
			}
		} else {
			if m.Reactions == nil {
				m.Reactions = make(map[string]string)
			}
			m.Reactions[c.self] = emoji
		}
		return &m, nil
	})
}

// MarkSeen flips seen on every loaded entry from the counterpart in one
// pass. Each flip is a single-key atomic update guarding against the entry
// having been deleted or already flipped meanwhile.
func (c *Conversation) MarkSeen(ctx context.Context) error {
	c.mu.Lock()
	var unseen []string
	for id, m := range c.entries {
		if m.Sender != c.self && !m.Seen {
			unseen = append(unseen, id)
		}
	}
	c.mu.Unlock()
	sort.Strings(unseen)

	for _, id := range unseen {
		err := c.store.AtomicUpdate(ctx, MessagePath(c.chatID, id), func(cur json.RawMessage) (any, error) {
			if cur == nil {
				return nil, nil // deleted meanwhile, nothing to flip
			}
			var m Message
			if err := json.Unmarshal(cur, &m); err != nil {
				return nil, err
			}
			if m.Seen {
				return &m, nil
			}
			m.Seen = true
			return &m, nil
		})
		if err != nil {
			return fmt.Errorf("mark seen %s: %w", id, err)
		}
	}
	return nil
}

// SetTyping publishes or withdraws the viewer's transient typing flag.
func (c *Conversation) SetTyping(ctx context.Context, typing bool) error {
	if typing {
		return c.store.Write(ctx, TypingPath(c.chatID, c.self), true)
	}
	return c.store.Remove(ctx, TypingPath(c.chatID, c.self))
}

// PeerTyping reports whether any typing flag under this conversation belongs
// to someone other than the viewer.
func (c *Conversation) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uid, on := range c.typingPeers {
		if on && uid != c.self {
			return true
		}
	}
	return false
}

// Messages returns the loaded log in store insertion order.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.entries[id])
	}
	return out
}

// Message returns one loaded entry by ID.
func (c *Conversation) Message(id string) (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Blocked reports the two block directions: viewer blocked peer, peer
// blocked viewer.
func (c *Conversation) Blocked() (byMe, byPeer bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedByMe, c.blockedMe
}

// Block flags the counterpart as blocked by the viewer.
func (c *Conversation) Block(ctx context.Context) error {
	return c.store.Write(ctx, BlockPath(c.self, c.peer), true)
}

// Unblock removes the viewer's block flag.
func (c *Conversation) Unblock(ctx context.Context) error {
	return c.store.Remove(ctx, BlockPath(c.self, c.peer))
}

// ClearHistory removes every entry in the conversation log.
func (c *Conversation) ClearHistory(ctx context.Context) error {
	return c.store.Remove(ctx, MessagesPath(c.chatID))
}

// SetDraft stores the local, never-shared draft text.
func (c *Conversation) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the local draft text.
func (c *Conversation) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Close cancels subscriptions and withdraws the typing flag.
func (c *Conversation) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return c.SetTyping(ctx, false)
}

// onMessageEvent applies one log change. Runs on the store's delivery
// goroutine for this subscription, so events arrive in writer order.
func (c *Conversation) onMessageEvent(evt kv.Event) {
	id := kv.Rel(MessagesPath(c.chatID), evt.Path)
	if id == "" {
		return
	}

	switch evt.Op {
	case kv.OpPut:
		var m Message
		if err := json.Unmarshal(evt.Value, &m); err != nil {
			c.logger.Warn("malformed log entry", zap.String("id", id), zap.Error(err))
			return
		}
		m.ID = id

		c.mu.Lock()
		if _, known := c.entries[id]; !known {
			i := sort.SearchStrings(c.order, id)
			c.order = append(c.order, "")
			copy(c.order[i+1:], c.order[i:])
			c.order[i] = id
		}
		c.entries[id] = &m
		closed := c.closed
		c.mu.Unlock()

		c.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Timestamp: time.Now(), Payload: m})

		// While the conversation is open every change re-runs the seen
		// reconciliation; flipped entries come back as puts and no-op here.
		if !closed && m.Sender != c.self && !m.Seen {
			if err := c.MarkSeen(context.Background()); err != nil {
				c.logger.Warn("seen reconciliation failed", zap.Error(err))
			}
		}

	case kv.OpRemove:
		c.mu.Lock()
		if _, known := c.entries[id]; known {
			delete(c.entries, id)
			i := sort.SearchStrings(c.order, id)
			if i < len(c.order) && c.order[i] == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
			}
		}
		c.mu.Unlock()

		c.bus.Publish(bus.Event{Kind: bus.KindMessageRemoved, Timestamp: time.Now(), Payload: id})
	}
}

func (c *Conversation) onTypingEvent(evt kv.Event) {
	uid := kv.Rel(TypingDirPath(c.chatID), evt.Path)
	if uid == "" {
		return
	}

	c.mu.Lock()
	if evt.Op == kv.OpPut {
		c.typingPeers[uid] = true
	} else {
		delete(c.typingPeers, uid)
	}
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: bus.KindTypingChanged, Timestamp: time.Now(), Payload: c.PeerTyping()})
}

// onBlockEvent returns a handler flipping the given flag under the lock.
func (c *Conversation) onBlockEvent(flag *bool) kv.Handler {
	return func(evt kv.Event) {
		c.mu.Lock()
		*flag = evt.Op == kv.OpPut
		c.mu.Unlock()
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
