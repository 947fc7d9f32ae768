// Package domain defines the persistence models for tenants, inboxes,
// operators, conversations and grace-period holds. These types are mapped
// with GORM and form the core data layer of the conversation router.
package domain

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var upper = cases.Upper(language.Und)

func normalize(s string) string { return upper.String(strings.TrimSpace(s)) }

// ConversationState is the lifecycle state of a conversation.
type ConversationState string

const (
	StateQueued    ConversationState = "QUEUED"
	StateAllocated ConversationState = "ALLOCATED"
	StateResolved  ConversationState = "RESOLVED"
)

// ParseState maps a case-insensitive state name to a ConversationState.
func ParseState(s string) (ConversationState, bool) {
	st := ConversationState(normalize(s))
	return st, st.Valid()
}

// Valid reports whether s is one of the known states.
func (s ConversationState) Valid() bool {
	switch s {
	case StateQueued, StateAllocated, StateResolved:
		return true
	}
	return false
}

// Role is the access level of an operator.
type Role string

const (
	RoleOperator Role = "OPERATOR"
	RoleManager  Role = "MANAGER"
	RoleAdmin    Role = "ADMIN"
)

// ParseRole maps a case-insensitive role name to a Role. The second return
// value is false for unknown names.
func ParseRole(s string) (Role, bool) {
	switch r := Role(normalize(s)); r {
	case RoleOperator, RoleManager, RoleAdmin:
		return r, true
	}
	return "", false
}

// Presence is the availability of an operator.
type Presence string

const (
	PresenceAvailable Presence = "AVAILABLE"
	PresenceOffline   Presence = "OFFLINE"
)

// ParsePresence maps a case-insensitive status name to a Presence.
func ParsePresence(s string) (Presence, bool) {
	switch p := Presence(normalize(s)); p {
	case PresenceAvailable, PresenceOffline:
		return p, true
	}
	return "", false
}

// HoldReason records why a grace-period hold was created.
type HoldReason string

const (
	HoldOffline HoldReason = "OFFLINE"
	HoldManual  HoldReason = "MANUAL"
)

// Tenant is the isolation boundary. Every inbox, operator and conversation
// belongs to exactly one tenant. PriorityAlpha and PriorityBeta weight the
// backlog and wait-time terms of the priority score; NULL means the service
// default, while 0 is a real weight.
type Tenant struct {
	ID            string    `json:"id"                       gorm:"type:char(36);primaryKey"`
	Name          string    `json:"name"                     gorm:"type:varchar(255);not null"`
	PriorityAlpha *float64  `json:"priority_alpha,omitempty" gorm:"check:priority_alpha >= 0"`
	PriorityBeta  *float64  `json:"priority_beta,omitempty"  gorm:"check:priority_beta >= 0"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for Tenant.
func (Tenant) TableName() string { return "tenants" }

// Inbox is a channel (typically a phone number) conversations arrive on.
type Inbox struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	TenantID    string    `json:"tenant_id"    gorm:"type:char(36);not null;index"`
	PhoneNumber string    `json:"phone_number" gorm:"type:varchar(32);not null"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Inbox.
func (Inbox) TableName() string { return "inboxes" }

// Operator is a human agent who handles conversations.
type Operator struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	TenantID  string    `json:"tenant_id"  gorm:"type:char(36);not null;index"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null"`
	Role      Role      `json:"role"       gorm:"type:varchar(16);not null;default:'OPERATOR';check:role IN ('OPERATOR','MANAGER','ADMIN')"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Operator.
func (Operator) TableName() string { return "operators" }

// OperatorStatus is the current presence of an operator. A missing row
// means the operator has never gone online and is treated as OFFLINE.
type OperatorStatus struct {
	OperatorID       string    `json:"operator_id"        gorm:"type:char(36);primaryKey"`
	Status           Presence  `json:"status"             gorm:"type:varchar(16);not null;check:status IN ('AVAILABLE','OFFLINE')"`
	LastStatusChange time.Time `json:"last_status_change" gorm:"not null"`

	Operator Operator `json:"-" gorm:"foreignKey:OperatorID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for OperatorStatus.
func (OperatorStatus) TableName() string { return "operator_status" }

// Subscription grants an operator access to an inbox.
type Subscription struct {
	OperatorID string    `json:"operator_id" gorm:"type:char(36);primaryKey"`
	InboxID    string    `json:"inbox_id"    gorm:"type:char(36);primaryKey;index"`
	CreatedAt  time.Time `json:"created_at"`

	Operator Operator `json:"-" gorm:"foreignKey:OperatorID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Inbox    Inbox    `json:"-" gorm:"foreignKey:InboxID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "operator_inbox_subscriptions" }

// Conversation is a thread with one customer.
//
// Fields:
//   - ExternalID: identifier used by the upstream orchestrator.
//   - AssignedOperatorID: set iff State is ALLOCATED.
//   - PriorityScore: derived from MessageCount and LastMessageAt, in [0,1].
//   - ResolvedAt: set exactly once, when State becomes RESOLVED.
//   - ResolvedBy: operator that performed the resolution.
type Conversation struct {
	ID                 string            `json:"id"                             gorm:"type:char(36);primaryKey"`
	TenantID           string            `json:"tenant_id"                      gorm:"type:char(36);not null;index:idx_conv_queue,priority:1"`
	InboxID            string            `json:"inbox_id"                       gorm:"type:char(36);not null;index:idx_conv_queue,priority:2"`
	ExternalID         string            `json:"external_conversation_id"       gorm:"type:varchar(128);not null;index"`
	CustomerPhone      string            `json:"customer_phone_number"          gorm:"type:varchar(32);not null;index"`
	State              ConversationState `json:"state"                          gorm:"type:varchar(16);not null;default:'QUEUED';index:idx_conv_queue,priority:3;check:state IN ('QUEUED','ALLOCATED','RESOLVED')"`
	AssignedOperatorID *string           `json:"assigned_operator_id,omitempty" gorm:"type:char(36);index"`
	MessageCount       uint              `json:"message_count"                  gorm:"not null;default:0"`
	LastMessageAt      time.Time         `json:"last_message_at"                gorm:"not null;index"`
	PriorityScore      float64           `json:"priority_score"                 gorm:"not null;default:0;index"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy         *string           `json:"resolved_by,omitempty"          gorm:"type:char(36);index"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Inbox  Inbox  `json:"-" gorm:"foreignKey:InboxID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// GraceHold is a time-limited reservation of an allocated conversation for
// its operator. At most one hold exists per conversation; writing a new one
// replaces the previous reservation.
type GraceHold struct {
	ConversationID string     `json:"conversation_id" gorm:"type:char(36);primaryKey"`
	OperatorID     string     `json:"operator_id"     gorm:"type:char(36);not null;index"`
	ExpiresAt      time.Time  `json:"expires_at"      gorm:"not null;index"`
	Reason         HoldReason `json:"reason"          gorm:"type:varchar(16);not null;check:reason IN ('OFFLINE','MANUAL')"`
	CreatedAt      time.Time  `json:"created_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for GraceHold.
func (GraceHold) TableName() string { return "grace_period_holds" }

// Label is a tenant-scoped tag scoped to an inbox.
type Label struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	TenantID  string    `json:"tenant_id"  gorm:"type:char(36);not null;index"`
	InboxID   string    `json:"inbox_id"   gorm:"type:char(36);not null;index"`
	Name      string    `json:"name"       gorm:"type:varchar(64);not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Label.
func (Label) TableName() string { return "labels" }

// ConversationLabel attaches a label to a conversation.
type ConversationLabel struct {
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);primaryKey"`
	LabelID        string    `json:"label_id"        gorm:"type:char(36);primaryKey;index"`
	CreatedAt      time.Time `json:"created_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Label        Label        `json:"-" gorm:"foreignKey:LabelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ConversationLabel.
func (ConversationLabel) TableName() string { return "conversation_labels" }

// All lists every model in migration order.
func All() []any {
	return []any{
		&Tenant{}, &Inbox{}, &Operator{}, &OperatorStatus{}, &Subscription{},
		&Conversation{}, &GraceHold{}, &Label{}, &ConversationLabel{}, &Idempotency{},
	}
}
