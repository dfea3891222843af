// Package chat implements the real-time connection manager: the registry of
// live websocket connections, the in-memory projection of chat history and
// the per-country leaderboard, best-effort fan-out, and per-connection rate
// limiting.
//
// The hot path is deliberately ordered: broadcast first (in-memory),
// persist second (background worker), refresh the cache third. Two clients
// racing on the same leaderboard entry each see their own optimistic update
// immediately and converge to the store's value moments later.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// maxChatLength bounds a single chat line; longer input is truncated.
const maxChatLength = 500

// persistQueueSize bounds the backlog of store writes. When the store is
// slow enough to fill it, jobs are dropped with a warning; the next
// authoritative refresh repairs the cache.
const persistQueueSize = 256

var errMissingStore = errors.New("chat: stats store is required")

// HubConfig describes the dependencies required by the hub.
type HubConfig struct {
	Store  StatsStore
	Logger *zap.Logger
	Clock  func() time.Time
}

// Hub owns the registry and cache and runs the inbound pipeline:
// rate-limit gate, country attribute update, optimistic cache update,
// fan-out, then asynchronous persistence and authoritative refresh.
type Hub struct {
	registry *Registry
	cache    *Cache
	store    StatsStore
	logger   *zap.Logger
	clock    func() time.Time

	persist chan persistJob
}

type persistJob struct {
	kind    string
	country string
	msg     string
}

// NewHub constructs the hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Hub{
		registry: NewRegistry(),
		cache:    NewCache(cfg.Store, logger),
		store:    cfg.Store,
		logger:   logger,
		clock:    clock,
		persist:  make(chan persistJob, persistQueueSize),
	}, nil
}

// Run loads the initial cache state and then serializes store writes until
// the context is cancelled. Run should be called in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	h.cache.LoadFromStore(ctx)
	for {
		select {
		case job := <-h.persist:
			h.applyPersist(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

// Presence returns the current registry snapshot.
func (h *Hub) Presence() Presence {
	return h.registry.Snapshot()
}

// ServeConn runs the full lifecycle of one connection: register, send the
// initial state snapshot, announce presence, then consume inbound frames
// until the transport fails. The snapshot is queued before the presence
// broadcast so the new connection never misses its own announcement.
func (h *Hub) ServeConn(conn Conn) {
	client := newClient(conn, NewLimiter(h.clock()))
	h.registry.Register(client)
	go client.writePump()

	h.sendInit(client)
	h.BroadcastPresence()
	h.readLoop(client)
}

func (h *Hub) readLoop(client *Client) {
	defer func() {
		// Presence is rebroadcast only when this loop performed the
		// removal; connections pruned during a failed broadcast were
		// already deregistered on that error path.
		if h.registry.Deregister(client.handle) {
			h.BroadcastPresence()
		}
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		h.handleInbound(client, frame)
	}
}

func (h *Hub) handleInbound(client *Client, frame Inbound) {
	switch client.limiter.Check(h.clock()) {
	case VerdictDropSilent, VerdictDrop:
		return
	case VerdictDropNotice:
		h.sendNotice(client, "🛑 Too fast!")
		return
	}

	if h.registry.SetCountry(client.handle, frame.Country) {
		h.BroadcastPresence()
	}
	country := h.registry.Country(client.handle)

	switch frame.Type {
	case MessageTypeScore:
		h.cache.ApplyOptimistic(country, 1, 0)
		h.broadcastJSON(scorePayload{
			Type:        MessageTypeUpdateScore,
			Country:     country,
			Leaderboard: h.cache.Leaderboard(),
		})
		h.enqueuePersist(persistJob{kind: MessageTypeScore, country: country})

	case MessageTypeChat, "":
		msg := strings.TrimSpace(frame.Msg)
		if msg == "" {
			return
		}
		msg = truncateChat(msg)
		h.cache.ApplyOptimistic(country, 0, 1)
		message := ChatMessage{Type: MessageTypeChat, Country: country, Msg: msg}
		h.cache.AppendChat(message)
		h.broadcastJSON(chatPayload{
			Type:        MessageTypeChat,
			Country:     country,
			Msg:         msg,
			Leaderboard: h.cache.Leaderboard(),
		})
		h.enqueuePersist(persistJob{kind: MessageTypeChat, country: country, msg: msg})
	}
}

// truncateChat caps a chat line at maxChatLength bytes without splitting a
// multi-byte rune.
func truncateChat(msg string) string {
	if len(msg) <= maxChatLength {
		return msg
	}
	cut := maxChatLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// Broadcast delivers a pre-marshaled frame to every live connection.
// Delivery is best-effort and unordered across connections; clients whose
// send fails are pruned after the sweep completes.
func (h *Hub) Broadcast(data []byte) {
	var failed []*Client
	for _, client := range h.registry.Clients() {
		if err := client.enqueue(data); err != nil {
			failed = append(failed, client)
		}
	}
	for _, client := range failed {
		h.registry.Deregister(client.handle)
		h.logger.Info("pruned unresponsive connection", zap.String("handle", string(client.handle)))
	}
}

// BroadcastPresence announces the live count and country distribution.
func (h *Hub) BroadcastPresence() {
	snapshot := h.registry.Snapshot()
	h.broadcastJSON(presencePayload{
		Type:         MessageTypeOnlineCount,
		Count:        snapshot.Count,
		Distribution: snapshot.DistributionString(),
	})
}

func (h *Hub) sendInit(client *Client) {
	payload := initPayload{
		Type:        MessageTypeInit,
		Online:      h.registry.Snapshot().Count,
		Leaderboard: h.cache.Leaderboard(),
		History:     h.cache.History(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal init snapshot", zap.Error(err))
		return
	}
	if err := client.enqueue(data); err != nil {
		h.logger.Warn("failed to queue init snapshot", zap.Error(err))
	}
}

func (h *Hub) sendNotice(client *Client, msg string) {
	data, err := json.Marshal(noticePayload{Type: MessageTypeChat, Country: systemCountry, Msg: msg})
	if err != nil {
		h.logger.Error("failed to marshal notice", zap.Error(err))
		return
	}
	// Notice goes only to the offender; a failed send is not worth pruning
	// over, the broadcast path will catch a dead connection.
	_ = client.enqueue(data)
}

func (h *Hub) broadcastJSON(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}
	h.Broadcast(data)
}

func (h *Hub) enqueuePersist(job persistJob) {
	select {
	case h.persist <- job:
	default:
		h.logger.Warn("persist queue full, dropping job",
			zap.String("kind", job.kind),
			zap.String("country", job.country),
		)
	}
}

func (h *Hub) applyPersist(ctx context.Context, job persistJob) {
	var err error
	switch job.kind {
	case MessageTypeChat:
		if err = h.store.InsertChat(ctx, job.country, job.msg); err == nil {
			err = h.store.UpsertLeaderboardStat(ctx, job.country, 0, 1)
		}
	case MessageTypeScore:
		err = h.store.UpsertLeaderboardStat(ctx, job.country, 1, 0)
	}
	if err != nil {
		h.logger.Warn("persist failed, cache stays stale until next refresh",
			zap.String("kind", job.kind),
			zap.Error(err),
		)
		return
	}
	h.cache.LoadFromStore(ctx)
}
