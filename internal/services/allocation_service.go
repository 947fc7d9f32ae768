// Package services – AllocationService
//
// This file implements the allocation engine: every state transition of a
// conversation (allocate, claim, manager allocation, resolve, deallocate,
// reassign, move) runs in a single transaction that locks the conversation
// row before it reads or writes operator status, so concurrent callers can
// never assign one conversation twice.
//
// Lock order: conversation rows, then the operator_status row, then holds.
//
// Observability: every public method is OpenTelemetry-instrumented and
// counted in router_allocations_total. Lifecycle events are published only
// after the transaction commits.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/width"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/events"
	"github.com/tbourn/go-conversation-router/internal/observability"
	"github.com/tbourn/go-conversation-router/internal/priority"
	"github.com/tbourn/go-conversation-router/internal/repo"
	"github.com/tbourn/go-conversation-router/internal/utils"
)

const allocTracer = "services/AllocationService"

// Defaults for AllocationService.
const (
	DefaultAllocationWindow = 100
	DefaultPageLimit        = 20
	MaxPageLimit            = 100
)

var (
	queuedOnly     = []domain.ConversationState{domain.StateQueued}
	queuedOrActive = []domain.ConversationState{domain.StateQueued, domain.StateAllocated}
)

// AllocationService routes conversations to operators.
type AllocationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Events receives lifecycle notifications after commit. May be nil.
	Events events.Publisher
	// Score ranks queued conversations.
	Score priority.Func
	// Weights apply to tenants without configured weights.
	Weights priority.Weights
	// Window is the number of candidates locked per allocation attempt.
	Window int
	// DefaultPageLimit and MaxPageLimit bound listings.
	DefaultPageLimit int
	MaxPageLimit     int
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewAllocationService constructs an AllocationService with default scoring,
// window and page limits.
func NewAllocationService(db *gorm.DB, pub events.Publisher) *AllocationService {
	return &AllocationService{
		DB:               db,
		Events:           pub,
		Score:            priority.Default,
		Weights:          priority.DefaultWeights,
		Window:           DefaultAllocationWindow,
		DefaultPageLimit: DefaultPageLimit,
		MaxPageLimit:     MaxPageLimit,
		Now:              func() time.Time { return time.Now().UTC() },
	}
}

func (s *AllocationService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *AllocationService) window() int {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultAllocationWindow
}

func (s *AllocationService) publish(typ string, c *domain.Conversation, data map[string]any) {
	if s.Events == nil || c == nil {
		return
	}
	s.Events.Publish(events.Event{
		Type:           typ,
		ConversationID: c.ID,
		ExternalID:     c.ExternalID,
		TenantID:       c.TenantID,
		Data:           data,
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if !IsBusiness(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// requireAvailable fails with ErrOperatorUnavailable unless st is AVAILABLE.
func requireAvailable(st *domain.OperatorStatus) error {
	if st.Status != domain.PresenceAvailable {
		return ErrOperatorUnavailable
	}
	return nil
}

// Allocate assigns the best queued conversation from the operator's
// subscribed inboxes to the operator. It returns (nil, nil) when nothing is
// queued. Candidates locked by concurrent allocations are skipped.
//
// Errors: ErrNotFound (unknown operator), ErrOperatorUnavailable,
// ErrNoSubscription.
func (s *AllocationService) Allocate(ctx context.Context, operatorID string) (conv *domain.Conversation, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "Allocate",
		trace.WithAttributes(attribute.String("operator.id", operatorID)))
	defer func() { endSpan(span, err) }()
	defer func() { observability.ObserveOp("allocate", conv != nil, err, IsBusiness) }()

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		op, err := repo.GetOperator(ctx, tx, operatorID)
		if err != nil {
			return translate(err, "operator")
		}
		st, err := repo.GetOperatorStatus(ctx, tx, operatorID)
		if err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}
		inboxes, err := repo.SubscribedInboxIDs(ctx, tx, operatorID)
		if err != nil {
			return err
		}
		if len(inboxes) == 0 {
			return ErrNoSubscription
		}

		cands, err := repo.LockQueuedCandidates(ctx, tx, op.TenantID, inboxes, s.window())
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			return nil
		}

		// Re-read presence under lock now that the candidates are held.
		if st, err = repo.ShareLockOperatorStatus(ctx, tx, operatorID); err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}

		for i := range cands {
			ok, err := repo.AssignConversation(ctx, tx, cands[i].ID, operatorID, queuedOnly, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err := repo.DeleteHold(ctx, tx, cands[i].ID); err != nil {
				return err
			}
			c, err := repo.GetConversation(ctx, tx, cands[i].ID)
			if err != nil {
				return err
			}
			conv = c
			return nil
		}
		return nil
	})
	if err != nil {
		conv = nil
		return nil, err
	}
	if conv == nil {
		log.Debug().Str("operator_id", operatorID).Msg("allocate: queue empty")
		return nil, nil
	}

	log.Info().Str("conversation_id", conv.ID).Str("operator_id", operatorID).
		Str("tenant_id", conv.TenantID).Msg("conversation allocated")
	s.publish(events.TypeAllocated, conv, map[string]any{"operator_id": operatorID})
	return conv, nil
}

// Claim assigns a specific queued conversation to the operator.
//
// Errors: ErrNotFound, ErrOperatorUnavailable, ErrCrossTenant, ErrNotQueued,
// ErrNoSubscription.
func (s *AllocationService) Claim(ctx context.Context, conversationID, operatorID string) (conv *domain.Conversation, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "Claim",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("operator.id", operatorID),
		))
	defer func() { endSpan(span, err) }()
	defer func() { observability.ObserveOp("claim", conv != nil, err, IsBusiness) }()

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		op, err := repo.GetOperator(ctx, tx, operatorID)
		if err != nil {
			return translate(err, "operator")
		}
		st, err := repo.GetOperatorStatus(ctx, tx, operatorID)
		if err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}

		c, err := repo.LockConversation(ctx, tx, conversationID)
		if err != nil {
			return translate(err, "conversation")
		}
		if c.TenantID != op.TenantID {
			return ErrCrossTenant
		}
		if c.State != domain.StateQueued {
			return ErrNotQueued
		}
		ok, err := repo.IsSubscribed(ctx, tx, operatorID, c.InboxID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSubscription
		}

		if st, err = repo.ShareLockOperatorStatus(ctx, tx, operatorID); err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}

		if conv, err = s.assign(ctx, tx, c.ID, operatorID, queuedOnly, now); err != nil {
			return err
		}
		if conv == nil {
			return ErrNotQueued
		}
		return nil
	})
	if err != nil {
		conv = nil
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Str("operator_id", operatorID).Msg("conversation claimed")
	s.publish(events.TypeClaimed, conv, map[string]any{"operator_id": operatorID})
	return conv, nil
}

// assign performs the guarded transition to ALLOCATED, clears any hold and
// returns the fresh row, or nil when the row had left the from states.
func (s *AllocationService) assign(ctx context.Context, tx *gorm.DB, conversationID, operatorID string, from []domain.ConversationState, now time.Time) (*domain.Conversation, error) {
	ok, err := repo.AssignConversation(ctx, tx, conversationID, operatorID, from, now)
	if err != nil || !ok {
		return nil, err
	}
	if _, err := repo.DeleteHold(ctx, tx, conversationID); err != nil {
		return nil, err
	}
	return repo.GetConversation(ctx, tx, conversationID)
}

// ManagerAllocate assigns a queued conversation to a chosen operator on
// behalf of a manager. The role is checked before any storage access.
//
// Errors: ErrForbidden, ErrNotFound, ErrOperatorUnavailable, ErrCrossTenant,
// ErrNotQueued, ErrNoSubscription.
func (s *AllocationService) ManagerAllocate(ctx context.Context, conversationID, operatorID string, actorRole domain.Role) (conv *domain.Conversation, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "ManagerAllocate",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("operator.id", operatorID),
			attribute.String("actor.role", string(actorRole)),
		))
	defer func() { endSpan(span, err) }()
	defer func() { observability.ObserveOp("manager_allocate", conv != nil, err, IsBusiness) }()

	if !policyFor(actorRole).privileged {
		return nil, ErrForbidden
	}

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := repo.GetOperator(ctx, tx, operatorID)
		if err != nil {
			return translate(err, "operator")
		}
		st, err := repo.GetOperatorStatus(ctx, tx, operatorID)
		if err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}

		c, err := repo.LockConversation(ctx, tx, conversationID)
		if err != nil {
			return translate(err, "conversation")
		}
		if c.TenantID != target.TenantID {
			return ErrCrossTenant
		}
		if c.State != domain.StateQueued {
			return ErrNotQueued
		}
		ok, err := repo.IsSubscribed(ctx, tx, operatorID, c.InboxID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoSubscription
		}

		if st, err = repo.ShareLockOperatorStatus(ctx, tx, operatorID); err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}

		if conv, err = s.assign(ctx, tx, c.ID, operatorID, queuedOnly, now); err != nil {
			return err
		}
		if conv == nil {
			return ErrNotQueued
		}
		return nil
	})
	if err != nil {
		conv = nil
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Str("operator_id", operatorID).
		Str("role", string(actorRole)).Msg("conversation allocated by manager")
	s.publish(events.TypeAllocated, conv, map[string]any{"operator_id": operatorID, "manual": true})
	return conv, nil
}

// Resolve closes a conversation. Only its assignee or a privileged role may
// resolve it; resolved_at is set exactly once.
//
// Errors: ErrNotFound, ErrAlreadyResolved, ErrForbidden.
func (s *AllocationService) Resolve(ctx context.Context, conversationID, actorID string, actorRole domain.Role) (conv *domain.Conversation, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "Resolve",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("actor.id", actorID),
			attribute.String("actor.role", string(actorRole)),
		))
	defer func() { endSpan(span, err) }()
	defer func() { observability.ObserveOp("resolve", conv != nil, err, IsBusiness) }()

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.LockConversation(ctx, tx, conversationID)
		if err != nil {
			return translate(err, "conversation")
		}
		if c.State == domain.StateResolved {
			return ErrAlreadyResolved
		}
		isAssignee := c.AssignedOperatorID != nil && *c.AssignedOperatorID == actorID
		if !isAssignee && !policyFor(actorRole).resolveAny {
			return ErrForbidden
		}

		ok, err := repo.ResolveConversation(ctx, tx, c.ID, actorID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyResolved
		}
		if _, err := repo.DeleteHold(ctx, tx, c.ID); err != nil {
			return err
		}
		conv, err = repo.GetConversation(ctx, tx, c.ID)
		return err
	})
	if err != nil {
		conv = nil
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Str("operator_id", actorID).Msg("conversation resolved")
	s.publish(events.TypeResolved, conv, map[string]any{"resolved_by": actorID})
	return conv, nil
}

// Deallocate returns an allocated conversation to the queue, drops its hold
// and refreshes its priority score.
//
// Errors: ErrNotFound, ErrNotAllocated.
func (s *AllocationService) Deallocate(ctx context.Context, conversationID string) (conv *domain.Conversation, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "Deallocate",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer func() { endSpan(span, err) }()
	defer func() { observability.ObserveOp("deallocate", conv != nil, err, IsBusiness) }()

	var previous string
	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.LockConversation(ctx, tx, conversationID)
		if err != nil {
			return translate(err, "conversation")
		}
		if c.State != domain.StateAllocated {
			return ErrNotAllocated
		}
		if c.AssignedOperatorID != nil {
			previous = *c.AssignedOperatorID
		}
		conv, err = requeue(ctx, tx, s.Score, s.Weights, c.ID, now)
		if err == nil && conv == nil {
			err = ErrNotAllocated
		}
		return err
	})
	if err != nil {
		conv = nil
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Str("operator_id", previous).Msg("conversation deallocated")
	s.publish(events.TypeDeallocated, conv, map[string]any{"previous_operator_id": previous})
	return conv, nil
}

// requeue moves an ALLOCATED row back to QUEUED, deletes its hold and
// rescores it. It returns nil when the row was not ALLOCATED.
func requeue(ctx context.Context, tx *gorm.DB, score priority.Func, w priority.Weights, conversationID string, now time.Time) (*domain.Conversation, error) {
	ok, err := repo.ReleaseConversation(ctx, tx, conversationID, now)
	if err != nil || !ok {
		return nil, err
	}
	if _, err := repo.DeleteHold(ctx, tx, conversationID); err != nil {
		return nil, err
	}
	if _, err := repo.RecomputePriority(ctx, tx, score, w, conversationID, now); err != nil {
		return nil, err
	}
	return repo.GetConversation(ctx, tx, conversationID)
}

// Reassign hands a non-resolved conversation to another operator. Operators
// must be subscribed to the inbox; privileged roles skip that check. Any
// hold on the conversation is dropped.
//
// Errors: ErrForbidden (unknown role), ErrNotFound, ErrCrossTenant,
// ErrAlreadyResolved, ErrOperatorUnavailable, ErrNoSubscription.
func (s *AllocationService) Reassign(ctx context.Context, conversationID, newOperatorID string, actorRole domain.Role) (conv *domain.Conversation, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "Reassign",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("operator.id", newOperatorID),
			attribute.String("actor.role", string(actorRole)),
		))
	defer func() { endSpan(span, err) }()
	defer func() { observability.ObserveOp("reassign", conv != nil, err, IsBusiness) }()

	if _, known := policies[actorRole]; !known {
		return nil, ErrForbidden
	}
	policy := policyFor(actorRole)

	var previous string
	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		target, err := repo.GetOperator(ctx, tx, newOperatorID)
		if err != nil {
			return translate(err, "operator")
		}
		c, err := repo.LockConversation(ctx, tx, conversationID)
		if err != nil {
			return translate(err, "conversation")
		}
		if c.TenantID != target.TenantID {
			return ErrCrossTenant
		}
		if c.State == domain.StateResolved {
			return ErrAlreadyResolved
		}
		st, err := repo.GetOperatorStatus(ctx, tx, newOperatorID)
		if err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}
		if policy.anyInbox {
			log.Debug().Str("conversation_id", c.ID).Str("role", string(actorRole)).
				Msg("reassign: subscription check bypassed")
		} else {
			ok, err := repo.IsSubscribed(ctx, tx, newOperatorID, c.InboxID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNoSubscription
			}
		}

		if st, err = repo.ShareLockOperatorStatus(ctx, tx, newOperatorID); err != nil {
			return err
		}
		if err := requireAvailable(st); err != nil {
			return err
		}

		if c.AssignedOperatorID != nil {
			previous = *c.AssignedOperatorID
		}
		if conv, err = s.assign(ctx, tx, c.ID, newOperatorID, queuedOrActive, now); err != nil {
			return err
		}
		if conv == nil {
			return ErrAlreadyResolved
		}
		return nil
	})
	if err != nil {
		conv = nil
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Str("operator_id", newOperatorID).
		Str("previous_operator_id", previous).Msg("conversation reassigned")
	s.publish(events.TypeReassigned, conv, map[string]any{
		"operator_id":          newOperatorID,
		"previous_operator_id": previous,
	})
	return conv, nil
}

// MoveInbox rehomes a conversation to another inbox of the same tenant. The
// conversation returns to the queue unassigned, loses its labels and hold,
// and is rescored.
//
// Errors: ErrNotFound, ErrCrossTenant, ErrAlreadyResolved.
func (s *AllocationService) MoveInbox(ctx context.Context, conversationID, newInboxID, tenantID string) (conv *domain.Conversation, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "MoveInbox",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("inbox.id", newInboxID),
			attribute.String("tenant.id", tenantID),
		))
	defer func() { endSpan(span, err) }()
	defer func() { observability.ObserveOp("move", conv != nil, err, IsBusiness) }()

	var fromInbox string
	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inbox, err := repo.GetInbox(ctx, tx, newInboxID)
		if err != nil {
			return translate(err, "inbox")
		}
		if inbox.TenantID != tenantID {
			return ErrCrossTenant
		}
		c, err := repo.LockConversation(ctx, tx, conversationID)
		if err != nil {
			return translate(err, "conversation")
		}
		if c.TenantID != tenantID {
			return ErrCrossTenant
		}
		if c.State == domain.StateResolved {
			return ErrAlreadyResolved
		}
		fromInbox = c.InboxID

		ok, err := repo.MoveConversation(ctx, tx, c.ID, inbox.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyResolved
		}
		if _, err := repo.StripLabels(ctx, tx, c.ID); err != nil {
			return err
		}
		if _, err := repo.DeleteHold(ctx, tx, c.ID); err != nil {
			return err
		}
		if _, err := repo.RecomputePriority(ctx, tx, s.Score, s.Weights, c.ID, now); err != nil {
			return err
		}
		conv, err = repo.GetConversation(ctx, tx, c.ID)
		return err
	})
	if err != nil {
		conv = nil
		return nil, err
	}

	log.Info().Str("conversation_id", conv.ID).Str("from_inbox", fromInbox).
		Str("to_inbox", newInboxID).Msg("conversation moved")
	s.publish(events.TypeMoved, conv, map[string]any{"from_inbox_id": fromInbox, "inbox_id": newInboxID})
	return conv, nil
}

// NormalizePhone folds full-width digits and strips separators so that
// "+１ (555) 010-0000" and "+15550100000" compare equal.
func NormalizePhone(phone string) string {
	phone = width.Narrow.String(strings.TrimSpace(phone))
	var b strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Search returns the tenant's conversations with the given customer phone
// number, most recent first.
func (s *AllocationService) Search(ctx context.Context, phone, tenantID string) ([]domain.Conversation, error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "Search",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	p := NormalizePhone(phone)
	if p == "" || p == "+" {
		return nil, newErr(KindInvalidArgument, "phone number is required")
	}
	out, err := repo.SearchByPhone(ctx, s.DB, tenantID, p)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Conversation{}
	}
	return out, nil
}

// Get returns a conversation of the tenant.
func (s *AllocationService) Get(ctx context.Context, conversationID, tenantID string) (*domain.Conversation, error) {
	c, err := repo.GetTenantConversation(ctx, s.DB, conversationID, tenantID)
	if err != nil {
		return nil, translate(err, "conversation")
	}
	return c, nil
}

// Page is one page of a conversation listing.
type Page struct {
	Items      []domain.Conversation `json:"conversations"`
	NextCursor string                `json:"next_cursor,omitempty"`
	HasMore    bool                  `json:"has_more"`
}

// List returns a page of the tenant's conversations. sortName is one of
// priority (default), newest or oldest; cursor is the NextCursor of the
// previous page. A cursor issued under a different sort is rejected.
func (s *AllocationService) List(ctx context.Context, f repo.ConversationFilter, sortName, cursor string, limit int) (*Page, error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("tenant.id", f.TenantID),
			attribute.String("sort", sortName),
			attribute.Int("limit", limit),
		))
	defer span.End()

	sort, err := utils.ParseSortMode(sortName)
	if err != nil {
		return nil, newErr(KindInvalidArgument, "invalid sort %q", sortName)
	}
	after, err := utils.DecodeCursor(cursor, sort)
	if err != nil {
		return nil, newErr(KindInvalidArgument, "invalid cursor")
	}
	if f.State != "" && !f.State.Valid() {
		return nil, newErr(KindInvalidArgument, "invalid state %q", f.State)
	}
	def, max := s.DefaultPageLimit, s.MaxPageLimit
	if def <= 0 {
		def = DefaultPageLimit
	}
	if max <= 0 {
		max = MaxPageLimit
	}
	limit = utils.ClampLimit(limit, def, max)

	rows, err := repo.ListConversationsPage(ctx, s.DB, f, sort, after, limit+1)
	if err != nil {
		return nil, err
	}
	page := &Page{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
		page.NextCursor = utils.EncodeCursor(repo.CursorFor(page.Items[limit-1], sort))
	}
	if page.Items == nil {
		page.Items = []domain.Conversation{}
	}
	return page, nil
}

// ListETag returns a weak validator that changes whenever any of the
// tenant's conversations changes.
func (s *AllocationService) ListETag(ctx context.Context, tenantID string) (string, error) {
	count, maxAt, err := repo.ConversationsStats(ctx, s.DB, tenantID)
	if err != nil {
		return "", err
	}
	var ts int64
	if maxAt != nil {
		ts = maxAt.UTC().UnixNano()
	}
	return fmt.Sprintf(`W/"conv-%s-%d-%d"`, tenantID, count, ts), nil
}

// CheckInboxAccess verifies that the caller may read inboxID: the inbox
// must belong to the caller's tenant, and operators must be subscribed.
func (s *AllocationService) CheckInboxAccess(ctx context.Context, who Identity, inboxID string) error {
	inbox, err := repo.GetInbox(ctx, s.DB, inboxID)
	if err != nil {
		return translate(err, "inbox")
	}
	if inbox.TenantID != who.TenantID {
		return newErr(KindNotFound, "inbox not found")
	}
	if policyFor(who.Role).anyInbox || who.SubscribedTo(inboxID) {
		return nil
	}
	// The snapshot may predate a new subscription.
	ok, err := repo.IsSubscribed(ctx, s.DB, who.OperatorID, inboxID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSubscription
	}
	return nil
}

// RecomputeAllPriorities rescores every queued conversation and returns how
// many were updated.
func (s *AllocationService) RecomputeAllPriorities(ctx context.Context) (n int64, err error) {
	ctx, span := otel.Tracer(allocTracer).Start(ctx, "RecomputeAllPriorities")
	defer func() { endSpan(span, err) }()

	n, err = repo.RecomputeQueuedPriorities(ctx, s.DB, s.Score, s.Weights, s.now())
	if err != nil {
		return 0, err
	}
	log.Info().Int64("updated", n).Msg("priorities recomputed")
	return n, nil
}
