package moderation

// Request is published to moderation.check by the chat server after a
// message has been persisted and broadcast.
type Request struct {
	ConnID    string `json:"conn_id"`
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"` // unix millis of the stored timestamp
}

// Result is published back to the originating chat server with the review
// outcome. Only flagged messages produce a result.
type Result struct {
	ConnID    string `json:"conn_id"`
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Blocked   bool   `json:"blocked"`
	Reason    string `json:"reason"`
	Term      string `json:"term"`
}

// Verdict reasons.
const (
	ReasonKeyword  = "blocked_keyword"
	ReasonSpam     = "spam_pattern"  // link, contact or flood in one message
	ReasonBehavior = "spam_behavior" // burst or repeat across messages
)

// FilterResult is the outcome of a single Filter.Check or Activity.Observe
// call. Term names the matched entry.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}
