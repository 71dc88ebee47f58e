package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/auth"
	"github.com/digitaldemocracy2030/idobata/internal/chat"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
	"github.com/digitaldemocracy2030/idobata/internal/workflows"
)

// apiError maps a service error to an HTTP error. Unknown errors are logged
// and reported as 500 with msg.
func (s *Server) apiError(c echo.Context, err error, msg string) error {
	var status int
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrInvalid),
		errors.Is(err, chat.ErrInvalidInput),
		errors.Is(err, chat.ErrThreadMismatch),
		errors.Is(err, workflows.ErrMissingID),
		errors.Is(err, auth.ErrInvalidUser),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrPasswordTooLong),
		errors.Is(err, auth.ErrEmailTaken):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrAlreadyInitialized):
		status = http.StatusForbidden
	default:
		logging.For(c.Request().Context(), s.logger).Error(msg,
			zap.String("route", c.Path()),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, msg).SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
