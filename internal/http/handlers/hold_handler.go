// Grace-hold HTTP handlers.
//
//   - POST   /conversations/{id}/hold   (place or replace a manual hold)
//   - GET    /conversations/{id}/hold
//   - DELETE /conversations/{id}/hold
//   - GET    /holds                     (active holds of the tenant)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/services"
)

// PlaceHoldRequest sets the hold expiry either as an absolute time or as a
// Go duration ("15m") from now. ExpiresAt wins when both are present.
type PlaceHoldRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
	Duration  string     `json:"duration"`
}

// ListHoldsResponse wraps the tenant's active holds.
type ListHoldsResponse struct {
	Holds []services.HoldView `json:"holds"`
}

// PlaceHold reserves an allocated conversation for its operator.
func (h *Handlers) PlaceHold(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	var req PlaceHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	var expiresAt time.Time
	switch d := strings.TrimSpace(req.Duration); {
	case req.ExpiresAt != nil:
		expiresAt = req.ExpiresAt.UTC()
	case d != "":
		dur, err := time.ParseDuration(d)
		if err != nil || dur <= 0 {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "duration must be a positive Go duration such as 15m")
			return
		}
		expiresAt = time.Now().UTC().Add(dur)
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "expires_at or duration is required")
		return
	}

	hold, err := h.holds.PlaceHold(c.Request.Context(), c.Param("id"), who.TenantID, expiresAt)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, hold)
}

// GetHold returns the hold on a conversation.
func (h *Handlers) GetHold(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	hold, err := h.holds.Hold(c.Request.Context(), c.Param("id"), who.TenantID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, hold)
}

// CancelHold removes the hold on a conversation.
func (h *Handlers) CancelHold(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	if err := h.holds.CancelHold(c.Request.Context(), c.Param("id"), who.TenantID); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ListHolds returns the tenant's unexpired holds.
func (h *Handlers) ListHolds(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	list, err := h.holds.ActiveHolds(c.Request.Context(), who.TenantID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListHoldsResponse{Holds: list})
}
