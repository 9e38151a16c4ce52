package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/modelmux/modelmux/pkg/discussion"
	"github.com/modelmux/modelmux/pkg/queue"
	"github.com/modelmux/modelmux/pkg/store"
)

// mapServiceError maps store, queue, and discussion errors to HTTP
// error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, discussion.ErrInsufficientProviders) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, store.ErrTerminalState) {
		return echo.NewHTTPError(http.StatusConflict, "resource is in a terminal state")
	}
	if errors.Is(err, discussion.ErrNotCancellable) {
		return echo.NewHTTPError(http.StatusConflict, "discussion is not in a cancellable state")
	}
	if errors.Is(err, discussion.ErrNotContinuable) {
		return echo.NewHTTPError(http.StatusConflict, "discussion can only be continued from a completed session")
	}
	if errors.Is(err, queue.ErrQueueFull) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Request queue is full. Try again later.")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
