// Package handlers exposes the conversation router over HTTP.
//
// Handlers are transport-thin: they read the caller's identity (set by
// middleware.Identity), validate input, call the services and translate
// results and service errors into JSON responses.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/http/middleware"
	"github.com/tbourn/go-conversation-router/internal/orchestrator"
	"github.com/tbourn/go-conversation-router/internal/repo"
	"github.com/tbourn/go-conversation-router/internal/services"
)

//
// Service contracts (context-aware)
//

// ConversationService is the allocation engine as consumed by handlers.
type ConversationService interface {
	Allocate(ctx context.Context, operatorID string) (*domain.Conversation, error)
	Claim(ctx context.Context, conversationID, operatorID string) (*domain.Conversation, error)
	ManagerAllocate(ctx context.Context, conversationID, operatorID string, actorRole domain.Role) (*domain.Conversation, error)
	Resolve(ctx context.Context, conversationID, actorID string, actorRole domain.Role) (*domain.Conversation, error)
	Deallocate(ctx context.Context, conversationID string) (*domain.Conversation, error)
	Reassign(ctx context.Context, conversationID, newOperatorID string, actorRole domain.Role) (*domain.Conversation, error)
	MoveInbox(ctx context.Context, conversationID, newInboxID, tenantID string) (*domain.Conversation, error)
	Search(ctx context.Context, phone, tenantID string) ([]domain.Conversation, error)
	Get(ctx context.Context, conversationID, tenantID string) (*domain.Conversation, error)
	List(ctx context.Context, f repo.ConversationFilter, sort, cursor string, limit int) (*services.Page, error)
	ListETag(ctx context.Context, tenantID string) (string, error)
	CheckInboxAccess(ctx context.Context, who services.Identity, inboxID string) error
	RecomputeAllPriorities(ctx context.Context) (int64, error)
}

// OperatorService manages operator presence and read models.
type OperatorService interface {
	GetStatus(ctx context.Context, who services.Identity, operatorID string) (*domain.OperatorStatus, error)
	SetStatus(ctx context.Context, who services.Identity, operatorID string, status domain.Presence) (*services.StatusChange, error)
	ListOperators(ctx context.Context, who services.Identity) ([]repo.OperatorSummary, error)
	Stats(ctx context.Context, who services.Identity, operatorID string) (*repo.OperatorStats, error)
	Inboxes(ctx context.Context, who services.Identity, operatorID string) ([]domain.Inbox, error)
}

// HoldService administers grace-period holds.
type HoldService interface {
	PlaceHold(ctx context.Context, conversationID, tenantID string, expiresAt time.Time) (*domain.GraceHold, error)
	CancelHold(ctx context.Context, conversationID, tenantID string) error
	Hold(ctx context.Context, conversationID, tenantID string) (*domain.GraceHold, error)
	ActiveHolds(ctx context.Context, tenantID string) ([]services.HoldView, error)
}

// HistoryService fetches message history from the orchestrator.
type HistoryService interface {
	History(ctx context.Context, externalID string, page, limit int) (*orchestrator.History, error)
}

// IdempotencyStore reserves keys before a keyed allocation runs and
// replays its outcome afterwards.
type IdempotencyStore interface {
	Reserve(ctx context.Context, operatorID, scope, key string) (*domain.Idempotency, error)
	Complete(ctx context.Context, operatorID, scope, key, conversationID string, status int) error
	Release(ctx context.Context, operatorID, scope, key string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints. Idem may be nil, which disables
// allocation replay.
type Handlers struct {
	conv    ConversationService
	ops     OperatorService
	holds   HoldService
	history HistoryService
	idem    IdempotencyStore
}

// New constructs Handlers bound to the given services.
func New(conv ConversationService, ops OperatorService, holds HoldService, history HistoryService, idem IdempotencyStore) *Handlers {
	return &Handlers{conv: conv, ops: ops, holds: holds, history: history, idem: idem}
}

// caller returns the identity resolved by middleware.Identity. Routes are
// always mounted behind it; a missing identity is answered with 401.
func caller(c *gin.Context) (services.Identity, bool) {
	who, found := middleware.IdentityFrom(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing operator identity")
	}
	return who, found
}
