// Operator HTTP handlers: presence, tenant roster, stats and inboxes.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/repo"
)

// SetStatusRequest is the payload of PUT /operators/{id}/status.
type SetStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// ListOperatorsResponse wraps the tenant's operators.
type ListOperatorsResponse struct {
	Operators []repo.OperatorSummary `json:"operators"`
}

// InboxesResponse wraps an operator's subscribed inboxes.
type InboxesResponse struct {
	Inboxes []domain.Inbox `json:"inboxes"`
}

// ListOperators returns the operators of the caller's tenant (MANAGER/ADMIN).
func (h *Handlers) ListOperators(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	list, err := h.ops.ListOperators(c.Request.Context(), who)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListOperatorsResponse{Operators: list})
}

// GetOperatorStatus returns an operator's presence.
func (h *Handlers) GetOperatorStatus(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	st, err := h.ops.GetStatus(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// SetOperatorStatus switches an operator between AVAILABLE and OFFLINE and
// reports how many grace holds were created or cancelled.
func (h *Handlers) SetOperatorStatus(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status is required")
		return
	}
	status, valid := domain.ParsePresence(req.Status)
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be AVAILABLE or OFFLINE")
		return
	}
	change, err := h.ops.SetStatus(c.Request.Context(), who, c.Param("id"), status)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, change)
}

// OperatorStats returns workload statistics for an operator.
func (h *Handlers) OperatorStats(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	st, err := h.ops.Stats(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// OperatorInboxes lists the inboxes an operator is subscribed to.
func (h *Handlers) OperatorInboxes(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	list, err := h.ops.Inboxes(c.Request.Context(), who, c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if list == nil {
		list = []domain.Inbox{}
	}
	ok(c, http.StatusOK, InboxesResponse{Inboxes: list})
}
