package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/repo"
)

// OperatorService manages operator presence and read-only operator views.
// Presence changes drive grace-period holds through the Reclaimer.
type OperatorService struct {
	DB        *gorm.DB
	Reclaimer *Reclaimer
	Now       func() time.Time
}

// NewOperatorService constructs an OperatorService.
func NewOperatorService(db *gorm.DB, r *Reclaimer) *OperatorService {
	return &OperatorService{DB: db, Reclaimer: r, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *OperatorService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// authorize loads operatorID and checks that who may act on it: operators
// act on themselves, privileged roles on anyone in their tenant. Operators
// of other tenants are reported as not found.
func authorize(ctx context.Context, db *gorm.DB, who Identity, operatorID string) (*domain.Operator, error) {
	op, err := repo.GetOperator(ctx, db, operatorID)
	if err != nil {
		return nil, translate(err, "operator")
	}
	if op.TenantID != who.TenantID {
		return nil, newErr(KindNotFound, "operator not found")
	}
	if op.ID != who.OperatorID && !who.Privileged() {
		return nil, ErrForbidden
	}
	return op, nil
}

// GetStatus returns the presence of an operator. Operators without a
// status row are OFFLINE.
func (s *OperatorService) GetStatus(ctx context.Context, who Identity, operatorID string) (*domain.OperatorStatus, error) {
	if _, err := authorize(ctx, s.DB, who, operatorID); err != nil {
		return nil, err
	}
	return repo.GetOperatorStatus(ctx, s.DB, operatorID)
}

// StatusChange is the result of SetStatus.
type StatusChange struct {
	domain.OperatorStatus
	Previous       domain.Presence `json:"previous_status"`
	HoldsCreated   int             `json:"holds_created"`
	HoldsCancelled int64           `json:"holds_cancelled"`
}

// SetStatus records the operator's presence. Going from AVAILABLE to
// OFFLINE places a grace-period hold on each of the operator's allocated
// conversations; returning to AVAILABLE cancels the operator's OFFLINE
// holds and keeps every assignment. Setting the current status again is a
// no-op.
func (s *OperatorService) SetStatus(ctx context.Context, who Identity, operatorID string, status domain.Presence) (out *StatusChange, err error) {
	ctx, span := otel.Tracer("services/OperatorService").Start(ctx, "SetStatus",
		trace.WithAttributes(
			attribute.String("operator.id", operatorID),
			attribute.String("status", string(status)),
		))
	defer func() { endSpan(span, err) }()

	if status != domain.PresenceAvailable && status != domain.PresenceOffline {
		return nil, newErr(KindInvalidArgument, "invalid status %q", status)
	}
	if _, err := authorize(ctx, s.DB, who, operatorID); err != nil {
		return nil, err
	}

	now := s.now()
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Conversations are locked before operator_status, as in every
		// engine operation, so going offline cannot deadlock with them.
		if status == domain.PresenceOffline {
			if _, err := repo.LockAllocatedByOperator(ctx, tx, operatorID); err != nil {
				return err
			}
		}
		prev, err := repo.LockOperatorStatus(ctx, tx, operatorID)
		if err != nil {
			return err
		}
		out = &StatusChange{OperatorStatus: *prev, Previous: prev.Status}
		if prev.Status == status {
			return nil
		}
		st, err := repo.UpsertOperatorStatus(ctx, tx, operatorID, status, now)
		if err != nil {
			return translate(err, "operator status")
		}
		out.OperatorStatus = *st

		if s.Reclaimer == nil {
			return nil
		}
		switch status {
		case domain.PresenceOffline:
			out.HoldsCreated, err = s.Reclaimer.HoldOperatorConversations(ctx, tx, operatorID)
		case domain.PresenceAvailable:
			out.HoldsCancelled, err = s.Reclaimer.ReleaseOperatorHolds(ctx, tx, operatorID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if out.Previous != status {
		log.Info().Str("operator_id", operatorID).
			Str("from", string(out.Previous)).Str("to", string(status)).
			Int("holds_created", out.HoldsCreated).Int64("holds_cancelled", out.HoldsCancelled).
			Msg("operator status changed")
	}
	return out, nil
}

// ListOperators returns the roster of the caller's tenant. Privileged
// roles only.
func (s *OperatorService) ListOperators(ctx context.Context, who Identity) ([]repo.OperatorSummary, error) {
	if !who.Privileged() {
		return nil, ErrForbidden
	}
	out, err := repo.ListOperators(ctx, s.DB, who.TenantID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []repo.OperatorSummary{}
	}
	return out, nil
}

// Stats returns workload figures for an operator.
func (s *OperatorService) Stats(ctx context.Context, who Identity, operatorID string) (*repo.OperatorStats, error) {
	if _, err := authorize(ctx, s.DB, who, operatorID); err != nil {
		return nil, err
	}
	return repo.GetOperatorStats(ctx, s.DB, operatorID, s.now())
}

// Inboxes returns the inboxes an operator is subscribed to.
func (s *OperatorService) Inboxes(ctx context.Context, who Identity, operatorID string) ([]domain.Inbox, error) {
	if _, err := authorize(ctx, s.DB, who, operatorID); err != nil {
		return nil, err
	}
	out, err := repo.OperatorInboxes(ctx, s.DB, operatorID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Inbox{}
	}
	return out, nil
}
