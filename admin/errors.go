package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"svcmgr/manager"
)

// ErrResponse is the body of every failed request.
type ErrResponse struct {
	Error ErrBody `json:"error"`
}

type ErrBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPErrorHandler maps handler errors to status codes.
type HTTPErrorHandler struct {
	logger *zap.Logger
}

func NewHTTPErrorHandler(logger *zap.Logger) *HTTPErrorHandler {
	return &HTTPErrorHandler{logger: logger}
}

func statusOf(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, http.StatusText(he.Code)
	case manager.IsArgument(err):
		return http.StatusBadRequest, manager.CodeArgument
	case errors.Is(err, manager.ErrNoServer):
		return http.StatusNotFound, "no_server"
	case errors.Is(err, manager.ErrNoService):
		return http.StatusNotFound, "no_service"
	case errors.Is(err, manager.ErrNoSpawner):
		return http.StatusNotImplemented, "no_spawner"
	case errors.Is(err, manager.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// Handler handles errors returned by echo handlers.
func (h *HTTPErrorHandler) Handler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code := statusOf(err)
	message := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if m, ok := he.Message.(string); ok {
			message = m
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("HTTP request error", zap.String("path", c.Path()), zap.Error(err))
	} else {
		h.logger.Debug("HTTP request rejected", zap.String("path", c.Path()), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, ErrResponse{Error: ErrBody{Code: code, Message: message}})
}
