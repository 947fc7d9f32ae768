package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/utils"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// Column order shared by the allocation window and the priority listing.
const priorityOrder = "priority_score desc, last_message_at desc, id asc"

// ConversationFilter narrows a listing. TenantID is mandatory; the other
// fields are optional.
type ConversationFilter struct {
	TenantID   string
	InboxID    string
	State      domain.ConversationState
	OperatorID string
	LabelID    string
}

// GetConversation fetches a conversation by id.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetTenantConversation fetches a conversation by id within tenantID. A
// conversation of another tenant is reported as ErrNotFound.
func GetTenantConversation(ctx context.Context, db *gorm.DB, id, tenantID string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LockConversation fetches a conversation and holds its row lock until the
// surrounding transaction ends. It blocks while another transaction holds
// the lock.
func LockConversation(ctx context.Context, tx *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	err := forUpdate(tx.WithContext(ctx), "").
		Where("id = ?", id).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LockQueuedCandidates returns up to window QUEUED conversations of tenantID
// in inboxIDs, best first. Rows locked by concurrent transactions are
// skipped rather than waited on; the returned rows stay locked until the
// surrounding transaction ends.
func LockQueuedCandidates(ctx context.Context, tx *gorm.DB, tenantID string, inboxIDs []string, window int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	if len(inboxIDs) == 0 {
		return out, nil
	}
	err := forUpdate(tx.WithContext(ctx), "SKIP LOCKED").
		Where("tenant_id = ? AND state = ? AND inbox_id IN ?", tenantID, domain.StateQueued, inboxIDs).
		Order(priorityOrder).
		Limit(window).
		Find(&out).Error
	return out, err
}

// AssignConversation moves a conversation in one of the from states to
// ALLOCATED for operatorID. It reports false when the row was no longer in
// an allowed state, which callers treat as losing a race.
func AssignConversation(ctx context.Context, tx *gorm.DB, id, operatorID string, from []domain.ConversationState, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(map[string]any{
			"state":                domain.StateAllocated,
			"assigned_operator_id": operatorID,
			"updated_at":           now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReleaseConversation returns an ALLOCATED conversation to the queue and
// clears its assignment. It reports false when the row was not ALLOCATED.
func ReleaseConversation(ctx context.Context, tx *gorm.DB, id string, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND state = ?", id, domain.StateAllocated).
		Updates(map[string]any{
			"state":                domain.StateQueued,
			"assigned_operator_id": nil,
			"updated_at":           now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ResolveConversation marks a conversation RESOLVED. resolved_at is written
// only on the first transition; the call reports false when the row was
// already RESOLVED.
func ResolveConversation(ctx context.Context, tx *gorm.DB, id, resolvedBy string, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND state <> ?", id, domain.StateResolved).
		Updates(map[string]any{
			"state":                domain.StateResolved,
			"assigned_operator_id": nil,
			"resolved_at":          now.UTC(),
			"resolved_by":          resolvedBy,
			"updated_at":           now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MoveConversation rehomes a non-resolved conversation to inboxID and puts
// it back in the queue.
func MoveConversation(ctx context.Context, tx *gorm.DB, id, inboxID string, now time.Time) (bool, error) {
	res := tx.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND state <> ?", id, domain.StateResolved).
		Updates(map[string]any{
			"inbox_id":             inboxID,
			"state":                domain.StateQueued,
			"assigned_operator_id": nil,
			"updated_at":           now.UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SearchByPhone returns the tenant's conversations with the given customer
// phone number, most recent activity first.
func SearchByPhone(ctx context.Context, db *gorm.DB, tenantID, phone string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND customer_phone = ?", tenantID, phone).
		Order("last_message_at desc, id asc").
		Find(&out).Error
	return out, err
}

// AllocatedByOperator returns the conversations currently ALLOCATED to
// operatorID.
func AllocatedByOperator(ctx context.Context, db *gorm.DB, operatorID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("assigned_operator_id = ? AND state = ?", operatorID, domain.StateAllocated).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// LockAllocatedByOperator locks the conversations currently ALLOCATED to
// operatorID, in id order.
func LockAllocatedByOperator(ctx context.Context, tx *gorm.DB, operatorID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := forUpdate(tx.WithContext(ctx), "").
		Where("assigned_operator_id = ? AND state = ?", operatorID, domain.StateAllocated).
		Order("id asc").
		Find(&out).Error
	return out, err
}

// ListConversationsPage returns at most limit conversations matching f,
// ordered by sort and positioned strictly after the cursor when one is
// given. Callers ask for one row more than the page size to learn whether
// another page exists.
func ListConversationsPage(ctx context.Context, db *gorm.DB, f ConversationFilter, sort utils.SortMode, after *utils.Cursor, limit int) ([]domain.Conversation, error) {
	if f.TenantID == "" {
		return nil, errors.New("list conversations: tenant is required")
	}
	q := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("tenant_id = ?", f.TenantID)

	if f.InboxID != "" {
		q = q.Where("inbox_id = ?", f.InboxID)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.OperatorID != "" {
		q = q.Where("assigned_operator_id = ?", f.OperatorID)
	}
	if f.LabelID != "" {
		q = q.Where("EXISTS (SELECT 1 FROM conversation_labels cl WHERE cl.conversation_id = conversations.id AND cl.label_id = ?)", f.LabelID)
	}

	switch sort {
	case utils.SortNewest:
		if after != nil {
			q = q.Where("(last_message_at < ? OR (last_message_at = ? AND id < ?))", after.At, after.At, after.ID)
		}
		q = q.Order("last_message_at desc, id desc")
	case utils.SortOldest:
		if after != nil {
			q = q.Where("(last_message_at > ? OR (last_message_at = ? AND id > ?))", after.At, after.At, after.ID)
		}
		q = q.Order("last_message_at asc, id asc")
	default:
		if after != nil {
			q = q.Where(
				"(priority_score < ? OR (priority_score = ? AND (last_message_at < ? OR (last_message_at = ? AND id > ?))))",
				after.Score, after.Score, after.At, after.At, after.ID,
			)
		}
		q = q.Order(priorityOrder)
	}

	var out []domain.Conversation
	err := q.Limit(limit).Find(&out).Error
	return out, err
}

// CursorFor builds the cursor that positions a page after c.
func CursorFor(c domain.Conversation, sort utils.SortMode) utils.Cursor {
	cur := utils.Cursor{Sort: sort, At: c.LastMessageAt.UTC(), ID: c.ID}
	if sort == utils.SortPriority {
		cur.Score = c.PriorityScore
	}
	return cur
}
