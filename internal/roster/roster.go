// Package roster maintains the contact list: every known user's presence
// and last-activity summary joined with the viewer's unread counters.
package roster

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sripadam-prasannakumar/swapchat/internal/bus"
	"github.com/sripadam-prasannakumar/swapchat/internal/chat"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
)

// Contact is one roster entry as presented to the UI layer.
type Contact struct {
	UID             string
	Name            string
	Online          bool
	LastSeen        int64
	LastMessage     string
	LastMessageTime int64
	Unread          int
}

// Roster watches the users subtree and the viewer's unread counters and
// keeps a merged, ordered contact list.
type Roster struct {
	self   string
	store  kv.Store
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	users   map[string]chat.UserSummary
	unread  map[string]int
	cancels []func()
	closed  bool
}

func New(self string, store kv.Store, b *bus.Bus, logger *zap.Logger) *Roster {
	r := &Roster{
		self:   self,
		store:  store,
		bus:    b,
		logger: logger,
		users:  make(map[string]chat.UserSummary),
		unread: make(map[string]int),
	}
	r.cancels = append(r.cancels,
		store.Subscribe("users", r.onUserEvent),
		store.Subscribe(chat.UnreadDirPath(self), r.onUnreadEvent),
	)
	return r
}

// Announce publishes the viewer as online under its own display name.
// Last-activity fields written by the message path are preserved.
func (r *Roster) Announce(ctx context.Context, displayName string) error {
	return r.store.AtomicUpdate(ctx, chat.UserPath(r.self), func(cur json.RawMessage) (any, error) {
		var u chat.UserSummary
		if cur != nil {
			if err := json.Unmarshal(cur, &u); err != nil {
				return nil, err
			}
		}
		u.Name = displayName
		u.Online = true
		return &u, nil
	})
}

// Withdraw marks the viewer offline with a last-seen stamp. The store has no
// server-side disconnect hook, so this runs on orderly shutdown; a crashed
// client stays online until its next start corrects it.
func (r *Roster) Withdraw(ctx context.Context) error {
	return r.store.AtomicUpdate(ctx, chat.UserPath(r.self), func(cur json.RawMessage) (any, error) {
		var u chat.UserSummary
		if cur != nil {
			if err := json.Unmarshal(cur, &u); err != nil {
				return nil, err
			}
		}
		u.Online = false
		u.LastSeen = time.Now().UnixMilli()
		return &u, nil
	})
}

// Contacts returns every known user except the viewer, most recent activity
// first, ties broken by UID for a stable listing.
func (r *Roster) Contacts() []Contact {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Contact, 0, len(r.users))
	for uid, u := range r.users {
		if uid == r.self {
			continue
		}
		out = append(out, Contact{
			UID:             uid,
			Name:            u.Name,
			Online:          u.Online,
			LastSeen:        u.LastSeen,
			LastMessage:     u.LastMessage,
			LastMessageTime: u.LastMessageTime,
			Unread:          r.unread[uid],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTime != out[j].LastMessageTime {
			return out[i].LastMessageTime > out[j].LastMessageTime
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// Contact returns one entry by UID.
func (r *Roster) Contact(uid string) (Contact, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uid]
	if !ok {
		return Contact{}, false
	}
	return Contact{
		UID:             uid,
		Name:            u.Name,
		Online:          u.Online,
		LastSeen:        u.LastSeen,
		LastMessage:     u.LastMessage,
		LastMessageTime: u.LastMessageTime,
		Unread:          r.unread[uid],
	}, true
}

// Unread returns the viewer's unread count for one counterpart.
func (r *Roster) Unread(uid string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[uid]
}

// Close cancels the subscriptions.
func (r *Roster) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancels := r.cancels
	r.cancels = nil
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (r *Roster) onUserEvent(evt kv.Event) {
	uid := kv.Rel("users", evt.Path)
	// Nested children (the blocked/ subtree) are not roster entries.
	if uid == "" || strings.Contains(uid, "/") {
		return
	}

	r.mu.Lock()
	if evt.Op == kv.OpPut {
		var u chat.UserSummary
		if err := json.Unmarshal(evt.Value, &u); err != nil {
			r.mu.Unlock()
			r.logger.Warn("malformed user record", zap.String("uid", uid), zap.Error(err))
			return
		}
		r.users[uid] = u
	} else {
		delete(r.users, uid)
	}
	r.mu.Unlock()

	r.publishChanged()
}

func (r *Roster) onUnreadEvent(evt kv.Event) {
	uid := kv.Rel(chat.UnreadDirPath(r.self), evt.Path)
	if uid == "" {
		return
	}

	r.mu.Lock()
	if evt.Op == kv.OpPut {
		var count int
		if err := json.Unmarshal(evt.Value, &count); err != nil {
			r.mu.Unlock()
			r.logger.Warn("malformed unread counter", zap.String("uid", uid), zap.Error(err))
			return
		}
		r.unread[uid] = count
	} else {
		delete(r.unread, uid)
	}
	r.mu.Unlock()

	r.publishChanged()
	r.bus.Publish(bus.Event{Kind: bus.KindUnreadChanged, Timestamp: time.Now(), Payload: uid})
}

func (r *Roster) publishChanged() {
	r.bus.Publish(bus.Event{Kind: bus.KindRosterChanged, Timestamp: time.Now()})
}
