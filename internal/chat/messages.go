package chat

// Wire payloads exchanged over the websocket. The client sends Inbound
// frames; everything else is server to client.

const (
	// MessageTypeChat is a user chat line.
	MessageTypeChat = "chat"
	// MessageTypeScore is a score credit request (for example a completed
	// download).
	MessageTypeScore = "score"
	// MessageTypeInit is the state snapshot sent once on connect.
	MessageTypeInit = "init"
	// MessageTypeUpdateScore announces a leaderboard change.
	MessageTypeUpdateScore = "update_score"
	// MessageTypeOnlineCount announces presence changes.
	MessageTypeOnlineCount = "online_count"
)

// systemCountry is the pseudo country used for server notices.
const systemCountry = "System"

// Inbound is a client-to-server frame.
type Inbound struct {
	Type    string `json:"type"`
	Country string `json:"country"`
	Msg     string `json:"msg,omitempty"`
}

// ChatMessage is one chat history entry. Immutable once created.
type ChatMessage struct {
	Type    string `json:"type"`
	Country string `json:"country"`
	Msg     string `json:"msg"`
}

// LeaderboardEntry is one row of the cached leaderboard projection.
type LeaderboardEntry struct {
	Country string `json:"country"`
	Score   int64  `json:"score"`
	Chats   int64  `json:"chats"`
}

type initPayload struct {
	Type        string             `json:"type"`
	Online      int                `json:"online"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	History     []ChatMessage      `json:"history"`
}

type chatPayload struct {
	Type        string             `json:"type"`
	Country     string             `json:"country"`
	Msg         string             `json:"msg"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type scorePayload struct {
	Type        string             `json:"type"`
	Country     string             `json:"country"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

type presencePayload struct {
	Type         string `json:"type"`
	Count        int    `json:"count"`
	Distribution string `json:"distribution"`
}

type noticePayload struct {
	Type    string `json:"type"`
	Country string `json:"country"`
	Msg     string `json:"msg"`
}
