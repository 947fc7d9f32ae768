// Conversation HTTP handlers.
//
// This file exposes the allocation engine:
//   - GET  /conversations                    (list, cursor paginated, ETag)
//   - GET  /conversations/search?phone=      (phone lookup)
//   - GET  /conversations/{id}
//   - POST /conversations/allocate           (idempotent with Idempotency-Key)
//   - POST /conversations/{id}/claim
//   - POST /conversations/{id}/resolve
//   - POST /conversations/{id}/deallocate
//   - POST /conversations/{id}/reassign
//   - POST /conversations/{id}/move
//   - POST /conversations/manager-allocate
//   - POST /conversations/recompute-priorities
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/http/middleware"
	"github.com/tbourn/go-conversation-router/internal/repo"
	"github.com/tbourn/go-conversation-router/internal/services"
	"github.com/tbourn/go-conversation-router/internal/utils"
)

//
// DTOs
//

// AllocateResponse carries the allocated conversation, or null with a
// message when nothing was available.
type AllocateResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Message      string               `json:"message,omitempty"`
}

// ReassignRequest is the payload of POST /conversations/{id}/reassign.
type ReassignRequest struct {
	OperatorID string `json:"operator_id" binding:"required"`
}

// MoveRequest is the payload of POST /conversations/{id}/move.
type MoveRequest struct {
	InboxID string `json:"inbox_id" binding:"required"`
}

// ManagerAllocateRequest is the payload of POST /conversations/manager-allocate.
type ManagerAllocateRequest struct {
	OperatorID     string `json:"operator_id" binding:"required"`
	ConversationID string `json:"conversation_id" binding:"required"`
}

// SearchResponse wraps the conversations matching a phone number.
type SearchResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

// RecomputeResponse reports how many queued conversations were rescored.
type RecomputeResponse struct {
	Updated int64 `json:"updated"`
}

const noConversationMessage = "no conversations available for allocation"

//
// Handlers
//

// ListConversations returns a page of the caller's tenant conversations.
// Supports the filters inbox_id, state, operator_id and label_id, plus
// sort, cursor and limit. A matching If-None-Match yields 304.
func (h *Handlers) ListConversations(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	ctx := c.Request.Context()

	f := repo.ConversationFilter{
		TenantID:   who.TenantID,
		InboxID:    strings.TrimSpace(c.Query("inbox_id")),
		OperatorID: strings.TrimSpace(c.Query("operator_id")),
		LabelID:    strings.TrimSpace(c.Query("label_id")),
	}
	if raw := c.Query("state"); raw != "" {
		st, valid := domain.ParseState(raw)
		if !valid {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "state must be QUEUED, ALLOCATED or RESOLVED")
			return
		}
		f.State = st
	}
	if f.InboxID != "" {
		if err := h.conv.CheckInboxAccess(ctx, who, f.InboxID); err != nil {
			failErr(c, err)
			return
		}
	}

	// ETag pre-check (best effort).
	if etag, err := h.conv.ListETag(ctx, who.TenantID); err == nil {
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	page, err := h.conv.List(ctx, f, c.Query("sort"), c.Query("cursor"), utils.AtoiDefault(c.Query("limit"), 0))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

// SearchConversations finds the tenant's conversations by customer phone.
func (h *Handlers) SearchConversations(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	phone := strings.TrimSpace(c.Query("phone"))
	if phone == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "phone is required")
		return
	}
	list, err := h.conv.Search(c.Request.Context(), phone, who.TenantID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SearchResponse{Conversations: list})
}

// GetConversation returns one conversation of the caller's tenant.
func (h *Handlers) GetConversation(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	conv, err := h.conv.Get(c.Request.Context(), c.Param("id"), who.TenantID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// Allocate assigns the best queued conversation to the caller. With an
// Idempotency-Key the key is reserved first: a retry after completion
// returns the conversation of the first attempt with Idempotency-Replayed:
// true, and a retry while the first attempt is still running gets 409.
func (h *Handlers) Allocate(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	ctx := c.Request.Context()
	scope := c.FullPath()
	key, keyed := middleware.GetIdempotencyKey(c)
	keyed = keyed && h.idem != nil

	if keyed {
		rec, err := h.idem.Reserve(ctx, who.OperatorID, scope, key)
		switch {
		case err != nil:
			failErr(c, err)
			return
		case rec != nil && rec.Pending():
			fail(c, http.StatusConflict, ErrCodeConflict, "a request with this Idempotency-Key is in progress")
			return
		case rec != nil:
			h.replayAllocation(c, who, rec)
			return
		}
	}

	conv, err := h.conv.Allocate(ctx, who.OperatorID)
	if err != nil {
		if keyed {
			if rerr := h.idem.Release(ctx, who.OperatorID, scope, key); rerr != nil {
				middleware.LoggerFrom(c).Warn().Err(rerr).Msg("idempotency release failed")
			}
		}
		failErr(c, err)
		return
	}

	resp := AllocateResponse{Conversation: conv}
	var convID string
	if conv == nil {
		resp.Message = noConversationMessage
	} else {
		convID = conv.ID
	}
	if keyed {
		if err := h.idem.Complete(ctx, who.OperatorID, scope, key, convID, http.StatusOK); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency complete failed")
		}
	}
	ok(c, http.StatusOK, resp)
}

func (h *Handlers) replayAllocation(c *gin.Context, who services.Identity, rec *domain.Idempotency) {
	c.Header("Idempotency-Replayed", "true")
	if rec.ConversationID == "" {
		ok(c, http.StatusOK, AllocateResponse{Message: noConversationMessage})
		return
	}
	conv, err := h.conv.Get(c.Request.Context(), rec.ConversationID, who.TenantID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, AllocateResponse{Conversation: conv})
}

// Claim assigns a specific queued conversation to the caller.
func (h *Handlers) Claim(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	conv, err := h.conv.Claim(c.Request.Context(), c.Param("id"), who.OperatorID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// Resolve closes a conversation.
func (h *Handlers) Resolve(c *gin.Context) {
	who, id, found := h.tenantConversation(c)
	if !found {
		return
	}
	conv, err := h.conv.Resolve(c.Request.Context(), id, who.OperatorID, who.Role)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// Deallocate returns an allocated conversation to the queue.
func (h *Handlers) Deallocate(c *gin.Context) {
	_, id, found := h.tenantConversation(c)
	if !found {
		return
	}
	conv, err := h.conv.Deallocate(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// Reassign moves an allocated conversation to another operator.
func (h *Handlers) Reassign(c *gin.Context) {
	var req ReassignRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.OperatorID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id is required")
		return
	}
	who, id, found := h.tenantConversation(c)
	if !found {
		return
	}
	conv, err := h.conv.Reassign(c.Request.Context(), id, strings.TrimSpace(req.OperatorID), who.Role)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// MoveInbox moves a conversation to another inbox of the tenant.
func (h *Handlers) MoveInbox(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.InboxID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "inbox_id is required")
		return
	}
	conv, err := h.conv.MoveInbox(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.InboxID), who.TenantID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// ManagerAllocate assigns a conversation to a chosen operator. Only
// privileged callers may do so; others are refused before any lookup.
func (h *Handlers) ManagerAllocate(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	if !who.Privileged() {
		failErr(c, services.ErrForbidden)
		return
	}
	var req ManagerAllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id and conversation_id are required")
		return
	}
	ctx := c.Request.Context()
	if _, err := h.conv.Get(ctx, req.ConversationID, who.TenantID); err != nil {
		failErr(c, err)
		return
	}
	conv, err := h.conv.ManagerAllocate(ctx, req.ConversationID, req.OperatorID, who.Role)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

// RecomputePriorities rescores every queued conversation.
func (h *Handlers) RecomputePriorities(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	if !who.Privileged() {
		failErr(c, services.ErrForbidden)
		return
	}
	n, err := h.conv.RecomputeAllPriorities(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, RecomputeResponse{Updated: n})
}

// tenantConversation checks that the path conversation belongs to the
// caller's tenant, answering 404 otherwise.
func (h *Handlers) tenantConversation(c *gin.Context) (services.Identity, string, bool) {
	who, found := caller(c)
	if !found {
		return who, "", false
	}
	id := c.Param("id")
	if _, err := h.conv.Get(c.Request.Context(), id, who.TenantID); err != nil {
		failErr(c, err)
		return who, "", false
	}
	return who, id, true
}
