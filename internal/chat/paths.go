package chat

import "github.com/sripadam-prasannakumar/swapchat/internal/kv"

// Store layout. Messages, the call record and the candidate collection are
// separate subtrees of one conversation so a log watcher never sees
// signaling records as entries.
//
//	chats/<chatID>/messages/<pushKey>  message entries
//	chats/<chatID>/call                active call session record
//	chats/<chatID>/candidates/<key>    network candidate collection
//	typing/<chatID>/<uid>              transient typing flags
//	unread/<owner>/<counterpart>       unread counters
//	users/<uid>                        presence / last-activity summary
//	users/<uid>/blocked/<peer>         block flags

func MessagesPath(chatID string) string   { return kv.Join("chats", chatID, "messages") }
func MessagePath(chatID, id string) string {
	return kv.Join("chats", chatID, "messages", id)
}
func CallPath(chatID string) string       { return kv.Join("chats", chatID, "call") }
func CandidatesPath(chatID string) string { return kv.Join("chats", chatID, "candidates") }
func TypingPath(chatID, uid string) string {
	return kv.Join("typing", chatID, uid)
}
func TypingDirPath(chatID string) string { return kv.Join("typing", chatID) }
func UnreadPath(owner, counterpart string) string {
	return kv.Join("unread", owner, counterpart)
}
func UnreadDirPath(owner string) string { return kv.Join("unread", owner) }
func UserPath(uid string) string        { return kv.Join("users", uid) }
func BlockPath(owner, peer string) string {
	return kv.Join("users", owner, "blocked", peer)
}
