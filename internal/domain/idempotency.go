package domain

import "time"

// Idempotency records the conversation produced by a previously processed
// request, keyed by (operator_id, scope, key). A retry with the same key
// replays the original result instead of allocating again. The row is
// written before the request runs, with Status 0 until it completes.
type Idempotency struct {
	ID             string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	OperatorID     string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_operator_scope_key,priority:1"`
	Scope          string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_operator_scope_key,priority:2"`
	Key            string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_operator_scope_key,priority:3"`
	ConversationID string    `gorm:"type:TEXT NOT NULL"`
	Status         int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// Pending reports whether the request that reserved the key is still running.
func (i Idempotency) Pending() bool { return i.Status == 0 }

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
