package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-live/internal/response"
	"github.com/stemsi/exstem-live/internal/service"
)

// classify maps a service error to its HTTP status and error code. Anything
// unrecognised is an infrastructure failure and never a domain outcome.
func classify(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, service.ErrStateConflict):
		return http.StatusConflict, response.ErrStateConflict
	case errors.Is(err, service.ErrAnswerRejected):
		return http.StatusConflict, response.ErrAnswerRejected
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, response.ErrForbidden
	default:
		return http.StatusServiceUnavailable, response.ErrServiceUnavailable
	}
}

// failService writes err as an API error. Domain errors carry their detail;
// infrastructure errors are logged and hidden.
func failService(c *gin.Context, log zerolog.Logger, err error) {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable {
		log.Error().Err(err).
			Str("request_id", response.RequestID(c)).
			Str("path", c.FullPath()).
			Msg("Request failed")
		response.Fail(c, status, code)
		return
	}
	response.FailWithDetail(c, status, code, err.Error())
}
