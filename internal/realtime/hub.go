// Package realtime fans out extraction and chat events to browser clients
// over WebSocket.
//
// Two protocols share one Hub. The room protocol exchanges JSON frames of
// the form {"event": name, "data": payload}; clients join theme:<id> and
// thread:<id> rooms with subscribe-theme and subscribe-thread frames. The
// legacy protocol accepts {"type":"subscribe","threadId":id} frames and
// receives raw thread payloads from NotifyThread.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/metrics"
)

// Server to client event names.
const (
	EventNewExtraction      = "new-extraction"
	EventExtractionUpdate   = "extraction-update"
	EventChatSentence       = "chat-response-sentence"
	EventChatClear          = "chat-response-clear"
	legacyRoomPrefix        = "legacy:"
	defaultSendQueue        = 64
	defaultWriteTimeout     = 5 * time.Second
	maxInboundMessageLength = 4096
)

// Frame is the envelope of the room protocol.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Options tunes a Hub.
type Options struct {
	// SendQueue is the number of frames buffered per client before the
	// client is disconnected.
	SendQueue int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// OriginPatterns are passed to websocket.Accept. Empty means same-origin
	// only.
	OriginPatterns []string
}

// Hub tracks connected clients and their rooms.
type Hub struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	rooms   map[string]map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub. m may be nil.
func NewHub(opts Options, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		opts:    opts,
		logger:  logger.Named("realtime"),
		metrics: m,
		clients: make(map[*client]struct{}),
		rooms:   make(map[string]map[*client]struct{}),
	}
}

// ThemeRoom names the room of a theme.
func ThemeRoom(themeID string) string { return "theme:" + themeID }

// ThreadRoom names the room of a thread.
func ThreadRoom(threadID string) string { return "thread:" + threadID }

// ClientCount returns the number of connected clients of both protocols.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.ConnectionOpened()
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	h.metrics.ConnectionClosed()
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Emit sends event with data to every client in room.
func (h *Hub) Emit(room, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal event data", zap.String("event", event), zap.Error(err))
		return
	}
	msg, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		h.logger.Error("marshal frame", zap.String("event", event), zap.Error(err))
		return
	}
	n := h.broadcast(room, msg)
	h.metrics.RecordEmit(event, n)
	h.logger.Debug("emitted", zap.String("event", event), zap.String("room", room), zap.Int("clients", n))
}

// NotifyThread sends payload, unwrapped, to every legacy client subscribed
// to threadID.
func (h *Hub) NotifyThread(threadID string, payload any) {
	msg, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal thread payload", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	n := h.broadcast(legacyRoomPrefix+threadID, msg)
	h.metrics.RecordEmit("extraction_update", n)
}

func (h *Hub) broadcast(room string, msg []byte) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(msg) {
			sent++
			continue
		}
		h.logger.Warn("dropping slow client", zap.String("client_id", c.id), zap.String("room", room))
		h.metrics.RecordDrop()
		c.kick()
	}
	return sent
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.kick()
	}
}
