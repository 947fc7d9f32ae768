// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes the symbolic error codes returned to clients and the
// mapping from service error kinds to HTTP status. Codes are lowercase
// snake_case and stable; clients branch on them rather than on messages.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_queued",
//	  "message": "conversation is not queued"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/http/middleware"
	"github.com/tbourn/go-conversation-router/internal/services"
)

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeOperatorUnavailable = "operator_unavailable"
	ErrCodeNoSubscription      = "no_subscription"
	ErrCodeNotQueued           = "not_queued"
	ErrCodeNotAllocated        = "not_allocated"
	ErrCodeAlreadyResolved     = "already_resolved"
	ErrCodeCrossTenant         = "cross_tenant"
	ErrCodeServiceUnavailable  = "service_unavailable"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)

type errorMapping struct {
	status int
	code   string
}

var kindMappings = map[services.Kind]errorMapping{
	services.KindNotFound:            {http.StatusNotFound, ErrCodeNotFound},
	services.KindForbidden:           {http.StatusForbidden, ErrCodeForbidden},
	services.KindNoSubscription:      {http.StatusForbidden, ErrCodeNoSubscription},
	services.KindOperatorUnavailable: {http.StatusConflict, ErrCodeOperatorUnavailable},
	services.KindNotQueued:           {http.StatusConflict, ErrCodeNotQueued},
	services.KindNotAllocated:        {http.StatusConflict, ErrCodeNotAllocated},
	services.KindAlreadyResolved:     {http.StatusConflict, ErrCodeAlreadyResolved},
	services.KindConflict:            {http.StatusConflict, ErrCodeConflict},
	services.KindCrossTenant:         {http.StatusBadRequest, ErrCodeCrossTenant},
	services.KindInvalidArgument:     {http.StatusBadRequest, ErrCodeBadRequest},
	services.KindServiceUnavailable:  {http.StatusServiceUnavailable, ErrCodeServiceUnavailable},
}

// failErr writes the response for a service error. Unclassified errors
// become a 500 whose message does not leak internals.
func failErr(c *gin.Context, err error) {
	m, ok := kindMappings[services.KindOf(err)]
	if !ok {
		middleware.LoggerFrom(c).Error().Err(err).Str("route", c.FullPath()).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
		return
	}
	fail(c, m.status, m.code, err.Error())
}
