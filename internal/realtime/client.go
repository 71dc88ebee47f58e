package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]struct{}
	cancel context.CancelFunc

	kickOnce sync.Once
	kicked   chan struct{}
}

func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.kicked:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) kick() {
	c.kickOnce.Do(func() {
		close(c.kicked)
		c.cancel()
	})
}

// frameHandler applies one inbound text frame to c.
type frameHandler func(c *client, data []byte) error

// ServeRooms upgrades the request to the room protocol and blocks until the
// connection ends.
func (h *Hub) ServeRooms(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, uuid.NewString(), h.handleRoomFrame)
}

// ServeLegacy upgrades the request to the legacy thread protocol for
// clientID and blocks until the connection ends.
func (h *Hub) ServeLegacy(w http.ResponseWriter, r *http.Request, clientID string) {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	h.serve(w, r, clientID, h.handleLegacyFrame)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, id string, handle frameHandler) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxInboundMessageLength)

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendQueue),
		rooms:  make(map[string]struct{}),
		cancel: cancel,
		kicked: make(chan struct{}),
	}
	if !h.register(c) {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.logger.Info("client connected", zap.String("client_id", id))

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		h.readLoop(ctx, c, handle)
	}()

	h.writeLoop(ctx, c)
	h.unregister(c)

	select {
	case <-c.kicked:
		_ = conn.CloseNow()
	default:
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
	}
	cancel()
	<-readDone
	h.logger.Info("client disconnected", zap.String("client_id", id))
}

func (h *Hub) readLoop(ctx context.Context, c *client, handle frameHandler) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := handle(c, data); err != nil {
			h.logger.Warn("invalid frame", zap.String("client_id", c.id), zap.Error(err))
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				h.logger.Debug("write failed", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

var errUnknownEvent = errors.New("unknown event")

func (h *Hub) handleRoomFrame(c *client, data []byte) error {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var id string
	if err := json.Unmarshal(f.Data, &id); err != nil || id == "" {
		return errors.New("frame data must be a non-empty id string")
	}
	switch f.Event {
	case "subscribe-theme":
		h.join(c, ThemeRoom(id))
	case "unsubscribe-theme":
		h.leave(c, ThemeRoom(id))
	case "subscribe-thread":
		h.join(c, ThreadRoom(id))
	case "unsubscribe-thread":
		h.leave(c, ThreadRoom(id))
	default:
		return errUnknownEvent
	}
	h.logger.Debug(f.Event, zap.String("client_id", c.id), zap.String("id", id))
	return nil
}

type legacyFrame struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
}

func (h *Hub) handleLegacyFrame(c *client, data []byte) error {
	var f legacyFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	if f.ThreadID == "" {
		return errors.New("threadId is required")
	}
	switch f.Type {
	case "subscribe":
		h.join(c, legacyRoomPrefix+f.ThreadID)
	case "unsubscribe":
		h.leave(c, legacyRoomPrefix+f.ThreadID)
	default:
		return errUnknownEvent
	}
	h.logger.Debug("legacy "+f.Type, zap.String("client_id", c.id), zap.String("thread_id", f.ThreadID))
	return nil
}
