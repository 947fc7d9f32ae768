package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-conversation-router/internal/domain"
)

// AttachLabel tags a conversation with a label. Attaching the same label
// twice is a no-op.
func AttachLabel(ctx context.Context, db *gorm.DB, conversationID, labelID string) error {
	cl := &domain.ConversationLabel{
		ConversationID: conversationID,
		LabelID:        labelID,
		CreatedAt:      time.Now().UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(cl).Error
}

// StripLabels removes every label from a conversation and returns how many
// were removed.
func StripLabels(ctx context.Context, tx *gorm.DB, conversationID string) (int64, error) {
	res := tx.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&domain.ConversationLabel{})
	return res.RowsAffected, res.Error
}

// ConversationLabelIDs lists the label ids attached to a conversation.
func ConversationLabelIDs(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.ConversationLabel{}).
		Where("conversation_id = ?", conversationID).
		Order("label_id asc").
		Pluck("label_id", &ids).Error
	return ids, err
}
