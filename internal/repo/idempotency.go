// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for POST endpoints.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
)

// ErrDuplicate indicates that an idempotency record already exists for the
// given (operator_id, scope, key) tuple.
var ErrDuplicate = errors.New("duplicate")

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, operatorID, scope, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("operator_id = ? AND scope = ? AND key = ? AND expires_at > ?", operatorID, scope, key, now.UTC()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency inserts a record and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, operatorID, scope, key, conversationID string, status int, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:             uuid.NewString(),
		OperatorID:     operatorID,
		Scope:          scope,
		Key:            key,
		ConversationID: conversationID,
		Status:         status,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if IsDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// CompleteIdempotency fills in the outcome of a pending record. It returns
// ErrNotFound when no pending record matches.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, operatorID, scope, key, conversationID string, status int) error {
	res := db.WithContext(ctx).Model(&domain.Idempotency{}).
		Where("operator_id = ? AND scope = ? AND key = ? AND status = 0", operatorID, scope, key).
		Updates(map[string]any{"conversation_id": conversationID, "status": status})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePendingIdempotency removes a record that never completed.
func DeletePendingIdempotency(ctx context.Context, db *gorm.DB, operatorID, scope, key string) error {
	return db.WithContext(ctx).
		Where("operator_id = ? AND scope = ? AND key = ? AND status = 0", operatorID, scope, key).
		Delete(&domain.Idempotency{}).Error
}

// DeleteExpiredIdempotency removes an expired record so its key can be
// reused.
func DeleteExpiredIdempotency(ctx context.Context, db *gorm.DB, operatorID, scope, key string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).
		Where("operator_id = ? AND scope = ? AND key = ? AND expires_at <= ?", operatorID, scope, key, now.UTC()).
		Delete(&domain.Idempotency{})
	return res.RowsAffected > 0, res.Error
}

// IsDuplicate reports whether err is a unique-constraint violation.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key value") ||
		strings.Contains(low, "sqlstate 23505")
}

// IsForeignKeyViolation reports whether err is a foreign-key violation.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "foreign key constraint failed") ||
		strings.Contains(low, "violates foreign key constraint") ||
		strings.Contains(low, "sqlstate 23503")
}

// IsConstraintViolation reports whether err is a NOT NULL or CHECK violation.
func IsConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "not null constraint failed") ||
		strings.Contains(low, "check constraint failed") ||
		strings.Contains(low, "violates not-null constraint") ||
		strings.Contains(low, "violates check constraint")
}
