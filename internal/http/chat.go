package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/chat"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
)

// MessageRequest is the body of a chat turn.
type MessageRequest struct {
	UserID     string `json:"userId"`
	Message    string `json:"message"`
	ThreadID   string `json:"threadId"`
	QuestionID string `json:"questionId"`
}

// ThreadMessages is returned by the thread messages route.
type ThreadMessages struct {
	ThreadID string `json:"threadId"`
	Messages any    `json:"messages"`
}

// sseBuffer bounds the events queued for a slow SSE reader.
const sseBuffer = 64

func (s *Server) registerChatRoutes(g *echo.Group) {
	g.POST("/:themeId/chat/messages", s.handleChatMessage)
	g.POST("/:themeId/questions/:questionId/chat/messages", s.handleChatMessage)
	g.GET("/:themeId/chat/threads", s.handleUserThreads)
	g.GET("/:themeId/chat/threads/:threadId/messages", s.handleThreadMessages)
	g.GET("/:themeId/chat/threads/:threadId/extractions", s.handleThreadExtractions)
	g.GET("/:themeId/chat/threads/:threadId/events", s.handleThreadEvents)
}

func (s *Server) handleChatMessage(c echo.Context) error {
	if s.deps.Chat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat is not configured")
	}
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId and message are required")
	}
	if qid := c.Param("questionId"); qid != "" {
		req.QuestionID = qid
	}

	themeID := c.Param("themeId")
	ctx := logging.WithUserID(logging.WithThemeID(c.Request().Context(), themeID), req.UserID)
	reply, err := s.deps.Chat.HandleMessage(ctx, chat.Input{
		ThemeID:    themeID,
		QuestionID: req.QuestionID,
		ThreadID:   req.ThreadID,
		UserID:     req.UserID,
		Message:    req.Message,
	})
	if err != nil {
		return s.apiError(c, err, "Error processing chat message")
	}
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) handleUserThreads(c echo.Context) error {
	if s.deps.Chat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat is not configured")
	}
	threads, err := s.deps.Chat.ThreadsForUser(c.Request().Context(), c.Param("themeId"), c.QueryParam("userId"))
	if err != nil {
		return s.apiError(c, err, "Error fetching threads")
	}
	return c.JSON(http.StatusOK, threads)
}

func (s *Server) handleThreadMessages(c echo.Context) error {
	if s.deps.Chat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat is not configured")
	}
	thread, err := s.deps.Chat.GetThreadMessages(c.Request().Context(), c.Param("themeId"), c.Param("threadId"))
	if err != nil {
		return s.apiError(c, err, "Error fetching thread messages")
	}
	return c.JSON(http.StatusOK, ThreadMessages{ThreadID: thread.ID, Messages: thread.Messages})
}

func (s *Server) handleThreadExtractions(c echo.Context) error {
	if s.deps.Chat == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat is not configured")
	}
	ex, err := s.deps.Chat.GetThreadExtractions(c.Request().Context(), c.Param("themeId"), c.Param("threadId"))
	if err != nil {
		return s.apiError(c, err, "Error fetching thread extractions")
	}
	return c.JSON(http.StatusOK, ex)
}

type sseEvent struct {
	name string
	data []byte
}

// handleThreadEvents streams a thread's bus events as Server-Sent Events
// until the client goes away.
func (s *Server) handleThreadEvents(c echo.Context) error {
	if s.deps.Chat == nil || s.deps.Events == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream is not configured")
	}
	ctx := c.Request().Context()
	threadID := c.Param("threadId")
	if _, err := s.deps.Chat.GetThreadMessages(ctx, c.Param("themeId"), threadID); err != nil {
		return s.apiError(c, err, "Error opening event stream")
	}
	log := logging.For(logging.WithThreadID(ctx, threadID), s.logger)

	queue := make(chan sseEvent, sseBuffer)
	stop, err := s.deps.Events.SubscribeThread(threadID, func(event string, data []byte) {
		select {
		case queue <- sseEvent{name: event, data: data}:
		default:
			log.Warn("sse queue full, dropping event", zap.String("event", event))
		}
	})
	if err != nil {
		return s.apiError(c, err, "Error opening event stream")
	}
	defer func() {
		if err := stop(); err != nil {
			log.Debug("closing sse subscription", zap.Error(err))
		}
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return nil
	}
	w.Flush()

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
		case ev := <-queue:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data); err != nil {
				return nil
			}
		}
		w.Flush()
	}
}
