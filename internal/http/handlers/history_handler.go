// Message history proxy.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/utils"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ConversationMessages returns a page of the conversation's messages as
// held by the orchestrator. Query params: page (1-based), limit.
func (h *Handlers) ConversationMessages(c *gin.Context) {
	who, found := caller(c)
	if !found {
		return
	}
	ctx := c.Request.Context()
	conv, err := h.conv.Get(ctx, c.Param("id"), who.TenantID)
	if err != nil {
		failErr(c, err)
		return
	}

	page := max(utils.AtoiDefault(c.Query("page"), 1), 1)
	limit := utils.ClampLimit(utils.AtoiDefault(c.Query("limit"), 0), defaultHistoryLimit, maxHistoryLimit)

	hist, err := h.history.History(ctx, conv.ExternalID, page, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, hist)
}
