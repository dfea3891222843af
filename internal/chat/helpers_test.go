package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paperfall-labs/paperfall/backend/internal/stats"
)

// fakeConn is an in-memory Conn: inbound frames are fed through a channel,
// outbound frames are recorded for assertions.
type fakeConn struct {
	inbound chan []byte

	mu       sync.Mutex
	outbound [][]byte
	writeErr error
	stall    chan struct{}
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 32)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	stall := c.stall
	c.mu.Unlock()
	if stall != nil {
		<-stall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	c.outbound = append(c.outbound, frame)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) failWrites() {
	c.mu.Lock()
	c.writeErr = errors.New("transport failed")
	c.mu.Unlock()
}

// stallWrites makes WriteMessage block until unstallWrites is called,
// simulating a receiver that stops draining without disconnecting.
func (c *fakeConn) stallWrites() {
	c.mu.Lock()
	c.stall = make(chan struct{})
	c.mu.Unlock()
}

func (c *fakeConn) unstallWrites() {
	c.mu.Lock()
	if c.stall != nil {
		close(c.stall)
		c.stall = nil
	}
	c.mu.Unlock()
}

func (c *fakeConn) sendFrame(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.inbound <- data
}

func (c *fakeConn) frames() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	decoded := make([]map[string]interface{}, 0, len(c.outbound))
	for _, frame := range c.outbound {
		var payload map[string]interface{}
		if err := json.Unmarshal(frame, &payload); err != nil {
			panic(err)
		}
		decoded = append(decoded, payload)
	}
	return decoded
}

// waitForFrame polls until a frame matching the predicate has been written
// or the timeout elapses. Returns the frame and whether it was found.
func (c *fakeConn) waitForFrame(timeout time.Duration, match func(map[string]interface{}) bool) (map[string]interface{}, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, frame := range c.frames() {
			if match(frame) {
				return frame, true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}

func frameOfType(messageType string) func(map[string]interface{}) bool {
	return func(frame map[string]interface{}) bool {
		return frame["type"] == messageType
	}
}

// fakeStore is an in-memory StatsStore with injectable failures.
type fakeStore struct {
	mu      sync.Mutex
	chats   []stats.ChatRow
	board   map[string]*stats.LeaderboardRow
	nextID  int64
	failAll bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{board: make(map[string]*stats.LeaderboardRow)}
}

func (s *fakeStore) ListRecentChats(_ context.Context, limit int) ([]stats.ChatRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("store unavailable")
	}
	out := make([]stats.ChatRow, 0, limit)
	for i := len(s.chats) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.chats[i])
	}
	return out, nil
}

func (s *fakeStore) ListLeaderboard(_ context.Context, limit int) ([]stats.LeaderboardRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return nil, errors.New("store unavailable")
	}
	out := make([]stats.LeaderboardRow, 0, len(s.board))
	for _, row := range s.board {
		out = append(out, *row)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) InsertChat(_ context.Context, country, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("store unavailable")
	}
	s.nextID++
	s.chats = append(s.chats, stats.ChatRow{ID: s.nextID, Country: country, Msg: msg})
	return nil
}

func (s *fakeStore) UpsertLeaderboardStat(_ context.Context, country string, scoreDelta, chatDelta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return errors.New("store unavailable")
	}
	row, ok := s.board[country]
	if !ok {
		row = &stats.LeaderboardRow{Country: country}
		s.board[country] = row
	}
	row.Score += scoreDelta
	row.ChatCount += chatDelta
	return nil
}

func (s *fakeStore) setFailAll(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

func (s *fakeStore) chatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats)
}

func (s *fakeStore) leaderboardRow(country string) (stats.LeaderboardRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.board[country]
	if !ok {
		return stats.LeaderboardRow{}, false
	}
	return *row, true
}

func (s *fakeStore) seedChat(country, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.chats = append(s.chats, stats.ChatRow{ID: s.nextID, Country: country, Msg: msg})
}

func (s *fakeStore) seedLeaderboard(country string, score, chats int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.board[country] = &stats.LeaderboardRow{Country: country, Score: score, ChatCount: chats}
}
