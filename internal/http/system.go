package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/digitaldemocracy2030/idobata/internal/logging"
)

// topPageSize is how many themes and questions the top page shows.
const topPageSize = 3

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SocketStatus is the response body for GET /api/system/socket-status.
type SocketStatus struct {
	SocketEnabled    bool `json:"socketEnabled"`
	ServiceAvailable bool `json:"serviceAvailable"`
	ConnectedClients int  `json:"connectedClients"`
}

// TopPageData is the response body for GET /api/top-page-data.
type TopPageData struct {
	LatestThemes    []ThemeDetail     `json:"latestThemes"`
	LatestQuestions []QuestionSummary `json:"latestQuestions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.deps.Store.Ping(c.Request().Context()); err != nil {
		logging.For(c.Request().Context(), s.logger).Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSocketStatus(c echo.Context) error {
	st := SocketStatus{
		SocketEnabled:    s.config.SocketEnabled,
		ServiceAvailable: s.deps.Socket != nil,
	}
	if st.SocketEnabled && st.ServiceAvailable {
		st.ConnectedClients = s.deps.Socket.ClientCount()
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleTopPage(c echo.Context) error {
	ctx := c.Request().Context()
	themes, err := s.deps.Store.ListThemes(ctx, true, topPageSize)
	if err != nil {
		return s.apiError(c, err, "Error fetching top page data")
	}
	questions, err := s.deps.Store.LatestQuestions(ctx, topPageSize)
	if err != nil {
		return s.apiError(c, err, "Error fetching top page data")
	}

	out := TopPageData{LatestThemes: make([]ThemeDetail, len(themes))}
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range themes {
		g.Go(func() error {
			d, err := s.themeDetail(gctx, t)
			if err != nil {
				return err
			}
			out.LatestThemes[i] = *d
			return nil
		})
	}
	g.Go(func() (err error) {
		out.LatestQuestions, err = s.questionSummaries(gctx, questions)
		return err
	})
	if err := g.Wait(); err != nil {
		return s.apiError(c, err, "Error fetching top page data")
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRoomSocket(c echo.Context) error {
	if s.deps.Socket == nil || !s.config.SocketEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "socket is disabled")
	}
	s.deps.Socket.ServeRooms(c.Response(), c.Request())
	return nil
}

func (s *Server) handleLegacySocket(c echo.Context) error {
	if s.deps.Socket == nil || !s.config.SocketEnabled {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "socket is disabled")
	}
	s.deps.Socket.ServeLegacy(c.Response(), c.Request(), c.Param("clientId"))
	return nil
}
