package chat

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/paperfall-labs/paperfall/backend/internal/stats"
)

// historyLimit is the chat ring buffer capacity; boardLimit caps the cached
// leaderboard projection. Both match the store-side query limits.
const (
	historyLimit = 50
	boardLimit   = 50
)

// Cache is the in-memory projection of chat history and the leaderboard.
// The authoritative copy lives in the stats store; the cache is refreshed
// wholesale after each persisted mutation and updated optimistically at
// mutation time so the mutating client never waits on a store round trip.
type Cache struct {
	mu      sync.Mutex
	history []ChatMessage
	board   []LeaderboardEntry

	store  StatsStore
	logger *zap.Logger
}

// NewCache creates an empty cache over the given store.
func NewCache(store StatsStore, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		history: make([]ChatMessage, 0, historyLimit),
		board:   make([]LeaderboardEntry, 0, boardLimit),
		store:   store,
		logger:  logger,
	}
}

// LoadFromStore replaces the cached history and leaderboard with the
// store's view. Each projection is refreshed independently; a failed query
// is logged and leaves that projection at its prior state.
func (c *Cache) LoadFromStore(ctx context.Context) {
	chats, chatErr := c.store.ListRecentChats(ctx, historyLimit)
	rows, boardErr := c.store.ListLeaderboard(ctx, boardLimit)

	c.mu.Lock()
	defer c.mu.Unlock()

	if chatErr != nil {
		c.logger.Warn("chat history refresh failed", zap.Error(chatErr))
	} else {
		history := make([]ChatMessage, 0, historyLimit)
		// Store returns newest first; history renders oldest first.
		for i := len(chats) - 1; i >= 0; i-- {
			history = append(history, ChatMessage{
				Type:    MessageTypeChat,
				Country: chats[i].Country,
				Msg:     chats[i].Msg,
			})
		}
		c.history = history
	}

	if boardErr != nil {
		c.logger.Warn("leaderboard refresh failed", zap.Error(boardErr))
	} else {
		board := make([]LeaderboardEntry, 0, len(rows))
		for _, row := range rows {
			board = append(board, LeaderboardEntry{
				Country: row.Country,
				Score:   row.Score,
				Chats:   row.ChatCount,
			})
		}
		sortBoard(board)
		c.board = board
	}
}

// AppendChat pushes a message into the ring buffer, evicting the oldest
// entry at capacity.
func (c *Cache) AppendChat(message ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == historyLimit {
		copy(c.history, c.history[1:])
		c.history = c.history[:historyLimit-1]
	}
	c.history = append(c.history, message)
}

// ApplyOptimistic adds the deltas to the country's cached entry, creating
// it when absent, and re-sorts. The next LoadFromStore overwrites whatever
// this produced; both operations are last-write-wins.
func (c *Cache) ApplyOptimistic(country string, scoreDelta, chatDelta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for i := range c.board {
		if c.board[i].Country == country {
			c.board[i].Score += scoreDelta
			c.board[i].Chats += chatDelta
			found = true
			break
		}
	}
	if !found {
		c.board = append(c.board, LeaderboardEntry{
			Country: country,
			Score:   scoreDelta,
			Chats:   chatDelta,
		})
	}
	sortBoard(c.board)
}

// History returns a copy of the ring buffer, oldest first.
func (c *Cache) History() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

// Leaderboard returns a copy of the sorted leaderboard projection.
func (c *Cache) Leaderboard() []LeaderboardEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LeaderboardEntry, len(c.board))
	copy(out, c.board)
	return out
}

// sortBoard orders by score descending; equal scores fall back to country
// code ascending so the order is deterministic.
func sortBoard(board []LeaderboardEntry) {
	sort.SliceStable(board, func(i, j int) bool {
		if board[i].Score != board[j].Score {
			return board[i].Score > board[j].Score
		}
		return board[i].Country < board[j].Country
	})
}

// StatsStore is the slice of the stats adapter the chat core consumes.
type StatsStore interface {
	ListRecentChats(ctx context.Context, limit int) ([]stats.ChatRow, error)
	ListLeaderboard(ctx context.Context, limit int) ([]stats.LeaderboardRow, error)
	InsertChat(ctx context.Context, country, msg string) error
	UpsertLeaderboardStat(ctx context.Context, country string, scoreDelta, chatDelta int64) error
}
