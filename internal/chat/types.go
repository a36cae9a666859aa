package chat

import (
	"sort"
	"strings"
	"time"
)

// MessageType distinguishes user messages from synthetic log entries.
type MessageType string

const (
	// TypeNormal is an ordinary user message. Stored as the empty string so
	// existing entries without a type field decode correctly.
	TypeNormal MessageType = ""
	// TypeSystem is a synthetic informational entry (rendered centered, no sender bubble).
	TypeSystem MessageType = "system"
	// TypeMissedCall is the synthetic entry the caller writes for an unanswered call.
	TypeMissedCall MessageType = "missed_call"
)

// EditWindow is how long after creation the sender may still edit a message.
const EditWindow = time.Hour

// ReplyRef is the quoted context carried by a reply.
type ReplyRef struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// Message is one conversation log entry as stored in the shared store.
// ID is the store-assigned push key and is not part of the stored value;
// display order follows ID order, never Time (client clocks skew).
type Message struct {
	ID        string            `json:"-"`
	Text      string            `json:"text"`
	Sender    string            `json:"sender"`
	Time      int64             `json:"time"` // unix milliseconds, creation clock of the sender
	Seen      bool              `json:"seen"`
	Edited    bool              `json:"edited,omitempty"`
	ReplyTo   *ReplyRef         `json:"replyTo,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"` // userID -> emoji, one slot per user
	Type      MessageType       `json:"type,omitempty"`
	CallType  string            `json:"callType,omitempty"` // set on missed_call entries
}

// ConversationID derives the shared key for an unordered participant pair.
// Both sides compute it independently, so it must not depend on who asks.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// UserSummary is the presence and last-activity record kept at users/<uid>.
type UserSummary struct {
	Name            string `json:"name,omitempty"`
	Online          bool   `json:"online"`
	LastSeen        int64  `json:"lastSeen,omitempty"`
	LastMessage     string `json:"lastMessage,omitempty"`
	LastMessageTime int64  `json:"lastMessageTime,omitempty"`
}
