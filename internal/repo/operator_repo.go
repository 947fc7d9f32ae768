package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-conversation-router/internal/domain"
)

// GetOperator fetches an operator by id.
func GetOperator(ctx context.Context, db *gorm.DB, id string) (*domain.Operator, error) {
	var o domain.Operator
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// GetInbox fetches an inbox by id.
func GetInbox(ctx context.Context, db *gorm.DB, id string) (*domain.Inbox, error) {
	var i domain.Inbox
	if err := db.WithContext(ctx).Where("id = ?", id).First(&i).Error; err != nil {
		return nil, err
	}
	return &i, nil
}

// GetOperatorStatus returns the stored status of operatorID. An operator
// without a status row is reported as OFFLINE with a zero change time.
func GetOperatorStatus(ctx context.Context, db *gorm.DB, operatorID string) (*domain.OperatorStatus, error) {
	var s domain.OperatorStatus
	err := db.WithContext(ctx).Where("operator_id = ?", operatorID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.OperatorStatus{OperatorID: operatorID, Status: domain.PresenceOffline}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ShareLockOperatorStatus reads the status of operatorID and keeps a shared
// lock on it until the surrounding transaction ends, so a concurrent status
// change waits for the caller to commit.
func ShareLockOperatorStatus(ctx context.Context, tx *gorm.DB, operatorID string) (*domain.OperatorStatus, error) {
	var s domain.OperatorStatus
	err := forShare(tx.WithContext(ctx)).Where("operator_id = ?", operatorID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.OperatorStatus{OperatorID: operatorID, Status: domain.PresenceOffline}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// LockOperatorStatus reads the status of operatorID under an exclusive row
// lock. A missing row is reported as OFFLINE.
func LockOperatorStatus(ctx context.Context, tx *gorm.DB, operatorID string) (*domain.OperatorStatus, error) {
	var s domain.OperatorStatus
	err := forUpdate(tx.WithContext(ctx), "").Where("operator_id = ?", operatorID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.OperatorStatus{OperatorID: operatorID, Status: domain.PresenceOffline}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertOperatorStatus writes the status of operatorID.
func UpsertOperatorStatus(ctx context.Context, tx *gorm.DB, operatorID string, status domain.Presence, now time.Time) (*domain.OperatorStatus, error) {
	s := &domain.OperatorStatus{OperatorID: operatorID, Status: status, LastStatusChange: now.UTC()}
	err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "operator_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "last_status_change"}),
	}).Create(s).Error
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SubscribedInboxIDs lists the inboxes operatorID is subscribed to.
func SubscribedInboxIDs(ctx context.Context, db *gorm.DB, operatorID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("operator_id = ?", operatorID).
		Order("inbox_id asc").
		Pluck("inbox_id", &ids).Error
	return ids, err
}

// IsSubscribed reports whether operatorID is subscribed to inboxID.
func IsSubscribed(ctx context.Context, db *gorm.DB, operatorID, inboxID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("operator_id = ? AND inbox_id = ?", operatorID, inboxID).
		Count(&n).Error
	return n > 0, err
}

// OperatorInboxes returns the inboxes operatorID is subscribed to.
func OperatorInboxes(ctx context.Context, db *gorm.DB, operatorID string) ([]domain.Inbox, error) {
	var out []domain.Inbox
	err := db.WithContext(ctx).
		Joins("JOIN operator_inbox_subscriptions s ON s.inbox_id = inboxes.id").
		Where("s.operator_id = ?", operatorID).
		Order("inboxes.id asc").
		Find(&out).Error
	return out, err
}

// OperatorSummary is one row of the operator roster.
type OperatorSummary struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	Role                domain.Role     `json:"role"`
	Status              domain.Presence `json:"status"`
	ActiveConversations int64           `json:"active_conversations"`
}

// ListOperators returns every operator of tenantID with presence and the
// number of conversations currently allocated to each.
func ListOperators(ctx context.Context, db *gorm.DB, tenantID string) ([]OperatorSummary, error) {
	var out []OperatorSummary
	err := db.WithContext(ctx).
		Table("operators AS o").
		Select(`o.id, o.name, o.role,
			COALESCE(s.status, ?) AS status,
			(SELECT COUNT(*) FROM conversations c WHERE c.assigned_operator_id = o.id AND c.state = ?) AS active_conversations`,
			domain.PresenceOffline, domain.StateAllocated).
		Joins("LEFT JOIN operator_status s ON s.operator_id = o.id").
		Where("o.tenant_id = ?", tenantID).
		Order("o.name asc, o.id asc").
		Scan(&out).Error
	return out, err
}
