package archive

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sripadam-prasannakumar/swapchat/internal/chat"
	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
)

// Mirror subscribes to the shared store and keeps the local database in step
// with every conversation log, open or not. Mirroring is best effort: a
// failed row write is logged and the next change for the entry heals it.
type Mirror struct {
	db     *DB
	logger *zap.Logger
	cancel func()
}

// NewMirror starts mirroring. The initial subscription replay backfills the
// database with whatever the store currently holds.
func NewMirror(db *DB, store kv.Store, logger *zap.Logger) *Mirror {
	m := &Mirror{db: db, logger: logger}
	m.cancel = store.Subscribe("chats", m.onEvent)
	return m
}

// Close stops mirroring. The database stays open; it belongs to the caller.
func (m *Mirror) Close() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Mirror) onEvent(evt kv.Event) {
	chatID, msgID, ok := splitMessagePath(evt.Path)
	if !ok {
		return // call and candidate records are not archived
	}

	if evt.Op == kv.OpRemove {
		if err := m.db.Delete(chatID, msgID); err != nil {
			m.logger.Warn("archive delete failed", zap.String("msg", msgID), zap.Error(err))
		}
		return
	}

	var msg chat.Message
	if err := json.Unmarshal(evt.Value, &msg); err != nil {
		m.logger.Warn("archive skipping malformed entry", zap.String("msg", msgID), zap.Error(err))
		return
	}
	err := m.db.Upsert(ArchivedMessage{
		ChatID:      chatID,
		MsgID:       msgID,
		Sender:      msg.Sender,
		Body:        msg.Text,
		MessageType: string(msg.Type),
		CallType:    msg.CallType,
		Edited:      msg.Edited,
		Seen:        msg.Seen,
		Timestamp:   msg.Time,
	})
	if err != nil {
		m.logger.Warn("archive upsert failed", zap.String("msg", msgID), zap.Error(err))
	}
}

// splitMessagePath extracts (chatID, msgID) from chats/<id>/messages/<key>.
func splitMessagePath(path string) (chatID, msgID string, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != "chats" || parts[2] != "messages" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
