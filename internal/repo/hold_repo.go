package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-conversation-router/internal/domain"
)

// UpsertHold writes a hold for the conversation, replacing any existing one.
func UpsertHold(ctx context.Context, tx *gorm.DB, conversationID, operatorID string, expiresAt time.Time, reason domain.HoldReason, now time.Time) (*domain.GraceHold, error) {
	h := &domain.GraceHold{
		ConversationID: conversationID,
		OperatorID:     operatorID,
		ExpiresAt:      expiresAt.UTC(),
		Reason:         reason,
		CreatedAt:      now.UTC(),
	}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"operator_id", "expires_at", "reason", "created_at"}),
	}).Create(h).Error
	if err != nil {
		return nil, err
	}
	return h, nil
}

// GetHold fetches the hold on a conversation.
func GetHold(ctx context.Context, db *gorm.DB, conversationID string) (*domain.GraceHold, error) {
	var h domain.GraceHold
	if err := db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&h).Error; err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteHold removes the hold on a conversation and reports whether one
// existed.
func DeleteHold(ctx context.Context, tx *gorm.DB, conversationID string) (bool, error) {
	res := tx.WithContext(ctx).Where("conversation_id = ?", conversationID).Delete(&domain.GraceHold{})
	return res.RowsAffected > 0, res.Error
}

// DeleteOperatorHolds removes every hold of operatorID with the given
// reason and returns how many were removed.
func DeleteOperatorHolds(ctx context.Context, tx *gorm.DB, operatorID string, reason domain.HoldReason) (int64, error) {
	res := tx.WithContext(ctx).
		Where("operator_id = ? AND reason = ?", operatorID, reason).
		Delete(&domain.GraceHold{})
	return res.RowsAffected, res.Error
}

// DueHold pairs an expired hold with the state of its conversation.
type DueHold struct {
	ConversationID     string
	OperatorID         string
	ExternalID         string
	State              domain.ConversationState
	AssignedOperatorID *string
	ExpiresAt          time.Time
}

// LockDueHolds returns every hold that expired at or before now, locking
// both the hold and its conversation. Rows already locked elsewhere are
// skipped and left for a later sweep.
func LockDueHolds(ctx context.Context, tx *gorm.DB, now time.Time) ([]DueHold, error) {
	var out []DueHold
	err := forUpdate(tx.WithContext(ctx), "SKIP LOCKED").
		Table("grace_period_holds AS h").
		Select("h.conversation_id, h.operator_id, h.expires_at, c.external_id, c.state, c.assigned_operator_id").
		Joins("JOIN conversations c ON c.id = h.conversation_id").
		Where("h.expires_at <= ?", now.UTC()).
		Order("h.expires_at asc, h.conversation_id asc").
		Find(&out).Error
	return out, err
}

// ActiveHold is a hold joined with its conversation for listings.
type ActiveHold struct {
	ConversationID string            `json:"conversation_id"`
	ExternalID     string            `json:"external_conversation_id"`
	InboxID        string            `json:"inbox_id"`
	OperatorID     string            `json:"operator_id"`
	Reason         domain.HoldReason `json:"reason"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// ActiveHolds lists the unexpired holds of tenantID, soonest expiry first.
func ActiveHolds(ctx context.Context, db *gorm.DB, tenantID string, now time.Time) ([]ActiveHold, error) {
	var out []ActiveHold
	err := db.WithContext(ctx).
		Table("grace_period_holds AS h").
		Select("h.conversation_id, c.external_id, c.inbox_id, h.operator_id, h.reason, h.expires_at").
		Joins("JOIN conversations c ON c.id = h.conversation_id").
		Where("c.tenant_id = ? AND h.expires_at > ?", tenantID, now.UTC()).
		Order("h.expires_at asc, h.conversation_id asc").
		Scan(&out).Error
	return out, err
}
