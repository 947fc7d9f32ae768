package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/repo"
)

// Identity is the authenticated caller of an operation. SubscribedInboxIDs
// is a snapshot taken at resolve time; engine operations re-check
// subscriptions inside their transaction.
type Identity struct {
	OperatorID         string      `json:"operator_id"`
	TenantID           string      `json:"tenant_id"`
	Role               domain.Role `json:"role"`
	SubscribedInboxIDs []string    `json:"subscribed_inbox_ids"`
}

// SubscribedTo reports whether inboxID was among the caller's subscriptions
// when the identity was resolved.
func (i Identity) SubscribedTo(inboxID string) bool {
	for _, id := range i.SubscribedInboxIDs {
		if id == inboxID {
			return true
		}
	}
	return false
}

// Privileged reports whether the caller holds MANAGER or ADMIN rights.
func (i Identity) Privileged() bool { return policyFor(i.Role).privileged }

// IdentityResolver maps an operator id supplied by the transport layer to
// a full Identity.
type IdentityResolver interface {
	Resolve(ctx context.Context, operatorID string) (*Identity, error)
}

// DBIdentityResolver resolves identities from the operators table.
type DBIdentityResolver struct {
	DB *gorm.DB
}

// Resolve loads the operator and returns its tenant, role and subscribed
// inboxes. An unknown operator yields ErrNotFound.
func (r DBIdentityResolver) Resolve(ctx context.Context, operatorID string) (*Identity, error) {
	operatorID = strings.TrimSpace(operatorID)
	if operatorID == "" {
		return nil, newErr(KindInvalidArgument, "operator id is required")
	}
	op, err := repo.GetOperator(ctx, r.DB, operatorID)
	if err != nil {
		return nil, translate(err, "operator")
	}
	inboxes, err := repo.SubscribedInboxIDs(ctx, r.DB, op.ID)
	if err != nil {
		return nil, err
	}
	return &Identity{OperatorID: op.ID, TenantID: op.TenantID, Role: op.Role, SubscribedInboxIDs: inboxes}, nil
}

// accessPolicy captures what a role may do. The set of roles is closed;
// unknown roles get the zero policy.
type accessPolicy struct {
	privileged bool // may manager-allocate, recompute priorities, list operators
	anyInbox   bool // skips subscription checks on reassign and listings
	resolveAny bool // may resolve conversations assigned to someone else
}

var policies = map[domain.Role]accessPolicy{
	domain.RoleOperator: {},
	domain.RoleManager:  {privileged: true, anyInbox: true, resolveAny: true},
	domain.RoleAdmin:    {privileged: true, anyInbox: true, resolveAny: true},
}

func policyFor(r domain.Role) accessPolicy { return policies[r] }
