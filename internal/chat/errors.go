package chat

import "errors"

// User-visible rejections. None of these mutate any state.
var (
	// ErrBlocked means the viewer has blocked the counterpart.
	ErrBlocked = errors.New("you have blocked this contact")
	// ErrBlockedBy means the counterpart has blocked the viewer.
	ErrBlockedBy = errors.New("you cannot send messages to this contact")
	// ErrEditExpired means the one-hour edit window has passed.
	ErrEditExpired = errors.New("edit window expired")
	// ErrNotSender means someone other than the original sender tried to edit.
	ErrNotSender = errors.New("only the sender can edit a message")
	// ErrNotFound means the referenced entry does not exist (anymore).
	ErrNotFound = errors.New("message not found")
	// ErrEmptyText rejects blank sends.
	ErrEmptyText = errors.New("message text is empty")
)
