package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sripadam-prasannakumar/swapchat/internal/kv"
)

// AppendSystem writes a synthetic informational entry to a conversation log.
func AppendSystem(ctx context.Context, s kv.Store, chatID, text string, ts int64) error {
	_, err := s.Push(ctx, MessagesPath(chatID), &Message{
		Text: text,
		Time: ts,
		Type: TypeSystem,
	})
	if err != nil {
		return fmt.Errorf("append system entry: %w", err)
	}
	return nil
}

// AppendMissedCall writes the missed-call entry attributed to the caller and
// refreshes both participants' last-activity summaries. The call machine is
// the only writer; see its attribution rule for when exactly this runs.
func AppendMissedCall(ctx context.Context, s kv.Store, caller, callee, callType string, ts int64) error {
	chatID := ConversationID(caller, callee)
	_, err := s.Push(ctx, MessagesPath(chatID), &Message{
		Text:     "Missed Call",
		Sender:   caller,
		Time:     ts,
		Type:     TypeMissedCall,
		CallType: callType,
	})
	if err != nil {
		return fmt.Errorf("append missed-call entry: %w", err)
	}
	touchLastActivity(ctx, s, "Missed Call", ts, caller, callee)
	return nil
}

// touchLastActivity updates the sidebar summary fields on both user records.
// Best effort: a failed summary write never fails the message itself.
func touchLastActivity(ctx context.Context, s kv.Store, preview string, ts int64, uids ...string) {
	for _, uid := range uids {
		_ = s.AtomicUpdate(ctx, UserPath(uid), func(cur json.RawMessage) (any, error) {
			var u UserSummary
			if cur != nil {
				if err := json.Unmarshal(cur, &u); err != nil {
					return nil, err
				}
			}
			u.LastMessage = preview
			u.LastMessageTime = ts
			return &u, nil
		})
	}
}
