package api

import (
	"errors"
	"net/http"

	"labyrinth/internal/pool"
	"labyrinth/internal/registry"
	"labyrinth/internal/session"

	"github.com/gin-gonic/gin"
)

var ErrInvalidRequest = errors.New("invalid request")

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

// statusFor maps domain sentinels to HTTP status codes. Pool exhaustion
// never reaches here: the engine reports it as a deferred outcome, not
// an error.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, pool.ErrUnknownTier):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrTargetOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrInvalidTransition),
		errors.Is(err, registry.ErrAlreadyAssigned):
		return http.StatusConflict
	case errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
