package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/events"
	"github.com/tbourn/go-conversation-router/internal/observability"
	"github.com/tbourn/go-conversation-router/internal/priority"
	"github.com/tbourn/go-conversation-router/internal/repo"
)

// Reclaimer defaults.
const (
	DefaultGracePeriod     = 15 * time.Minute
	DefaultReclaimInterval = time.Minute
)

// SweepLock serializes sweeps across processes. Acquire returns ok=false
// when another holder owns the lock.
type SweepLock interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Processed int  `json:"processed"`
	Released  int  `json:"released"`
	Skipped   bool `json:"skipped"`
}

// Reclaimer owns grace-period holds: it creates them when an operator goes
// offline, cancels them when the operator returns, and periodically returns
// conversations whose hold expired to the queue.
type Reclaimer struct {
	DB      *gorm.DB
	Events  events.Publisher
	Score   priority.Func
	Weights priority.Weights
	Grace   time.Duration
	// Lock, when set, lets only one replica sweep at a time.
	Lock SweepLock
	Now  func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReclaimer constructs a Reclaimer with the default grace period.
func NewReclaimer(db *gorm.DB, pub events.Publisher) *Reclaimer {
	return &Reclaimer{
		DB:      db,
		Events:  pub,
		Score:   priority.Default,
		Weights: priority.DefaultWeights,
		Grace:   DefaultGracePeriod,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reclaimer) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reclaimer) grace() time.Duration {
	if r.Grace > 0 {
		return r.Grace
	}
	return DefaultGracePeriod
}

// Sweep releases every conversation whose hold has expired. Holds whose
// conversation is no longer ALLOCATED are simply dropped. Rows locked by a
// concurrent transaction are left for the next sweep. A sweep already in
// flight, locally or on another replica, makes this call a no-op.
func (r *Reclaimer) Sweep(ctx context.Context) (res SweepResult, err error) {
	if !r.running.CompareAndSwap(false, true) {
		log.Debug().Msg("sweep already running")
		return SweepResult{Skipped: true}, nil
	}
	defer r.running.Store(false)

	if r.Lock != nil {
		release, ok, err := r.Lock.Acquire(ctx)
		if err != nil {
			return res, err
		}
		if !ok {
			log.Debug().Msg("sweep lock held elsewhere")
			return SweepResult{Skipped: true}, nil
		}
		defer release()
	}

	ctx, span := otel.Tracer("services/Reclaimer").Start(ctx, "Sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("holds.processed", res.Processed),
			attribute.Int("holds.released", res.Released),
		)
		endSpan(span, err)
	}()

	start := time.Now()
	now := r.now()
	var released []domain.Conversation
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		due, err := repo.LockDueHolds(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, h := range due {
			res.Processed++
			if h.State != domain.StateAllocated {
				if _, err := repo.DeleteHold(ctx, tx, h.ConversationID); err != nil {
					return err
				}
				continue
			}
			c, err := requeue(ctx, tx, r.Score, r.Weights, h.ConversationID, now)
			if err != nil {
				return err
			}
			if c == nil {
				// Lost a race with another transition; the hold goes anyway.
				if _, err := repo.DeleteHold(ctx, tx, h.ConversationID); err != nil {
					return err
				}
				continue
			}
			released = append(released, *c)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("grace-period sweep failed")
		return SweepResult{}, err
	}
	res.Released = len(released)
	observability.ObserveSweep(start, res.Released)

	for i := range released {
		c := &released[i]
		if r.Events != nil {
			r.Events.Publish(events.Event{
				Type:           events.TypeReclaimed,
				ConversationID: c.ID,
				ExternalID:     c.ExternalID,
				TenantID:       c.TenantID,
			})
		}
	}
	if res.Processed > 0 {
		log.Info().Int("processed", res.Processed).Int("released", res.Released).Msg("grace-period sweep")
	}
	return res, nil
}

// Start runs Sweep immediately and then every interval until Stop is
// called. Calling Start on a running Reclaimer is a no-op.
func (r *Reclaimer) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("sweep will retry on next tick")
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}(r.done)
	log.Info().Dur("interval", interval).Dur("grace", r.grace()).Msg("reclaimer started")
}

// Stop halts the periodic sweep and waits for an in-flight sweep to end.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("reclaimer stopped")
}

// HoldOperatorConversations places an OFFLINE hold on every conversation
// allocated to operatorID, expiring one grace period from now. It runs
// inside the caller's transaction and returns the number of holds written.
func (r *Reclaimer) HoldOperatorConversations(ctx context.Context, tx *gorm.DB, operatorID string) (int, error) {
	now := r.now()
	convs, err := repo.AllocatedByOperator(ctx, tx, operatorID)
	if err != nil {
		return 0, err
	}
	expires := now.Add(r.grace())
	for _, c := range convs {
		if _, err := repo.UpsertHold(ctx, tx, c.ID, operatorID, expires, domain.HoldOffline, now); err != nil {
			return 0, err
		}
	}
	return len(convs), nil
}

// ReleaseOperatorHolds drops the OFFLINE holds of operatorID inside the
// caller's transaction. Assignments are left untouched.
func (r *Reclaimer) ReleaseOperatorHolds(ctx context.Context, tx *gorm.DB, operatorID string) (int64, error) {
	return repo.DeleteOperatorHolds(ctx, tx, operatorID, domain.HoldOffline)
}

// PlaceHold puts a MANUAL hold on an allocated conversation of the tenant,
// replacing any existing hold.
//
// Errors: ErrNotFound, ErrNotAllocated, ErrInvalidArgument (expiry not in
// the future).
func (r *Reclaimer) PlaceHold(ctx context.Context, conversationID, tenantID string, expiresAt time.Time) (h *domain.GraceHold, err error) {
	ctx, span := otel.Tracer("services/Reclaimer").Start(ctx, "PlaceHold",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer func() { endSpan(span, err) }()

	now := r.now()
	if !expiresAt.After(now) {
		return nil, newErr(KindInvalidArgument, "expires_at must be in the future")
	}
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.LockConversation(ctx, tx, conversationID)
		if err != nil {
			return translate(err, "conversation")
		}
		if c.TenantID != tenantID {
			return newErr(KindNotFound, "conversation not found")
		}
		if c.State != domain.StateAllocated || c.AssignedOperatorID == nil {
			return ErrNotAllocated
		}
		h, err = repo.UpsertHold(ctx, tx, c.ID, *c.AssignedOperatorID, expiresAt, domain.HoldManual, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("conversation_id", conversationID).Time("expires_at", h.ExpiresAt).Msg("hold placed")
	return h, nil
}

// CancelHold removes the hold on a conversation of the tenant.
func (r *Reclaimer) CancelHold(ctx context.Context, conversationID, tenantID string) error {
	if _, err := repo.GetTenantConversation(ctx, r.DB, conversationID, tenantID); err != nil {
		return translate(err, "conversation")
	}
	ok, err := repo.DeleteHold(ctx, r.DB, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(KindNotFound, "hold not found")
	}
	log.Info().Str("conversation_id", conversationID).Msg("hold cancelled")
	return nil
}

// Hold returns the hold on a conversation of the tenant.
func (r *Reclaimer) Hold(ctx context.Context, conversationID, tenantID string) (*domain.GraceHold, error) {
	if _, err := repo.GetTenantConversation(ctx, r.DB, conversationID, tenantID); err != nil {
		return nil, translate(err, "conversation")
	}
	h, err := repo.GetHold(ctx, r.DB, conversationID)
	if err != nil {
		return nil, translate(err, "hold")
	}
	return h, nil
}

// HoldView is an active hold with the time left before it expires.
type HoldView struct {
	repo.ActiveHold
	SecondsRemaining int64 `json:"seconds_remaining"`
}

// ActiveHolds lists the tenant's unexpired holds, soonest expiry first.
func (r *Reclaimer) ActiveHolds(ctx context.Context, tenantID string) ([]HoldView, error) {
	now := r.now()
	rows, err := repo.ActiveHolds(ctx, r.DB, tenantID, now)
	if err != nil {
		return nil, err
	}
	out := make([]HoldView, 0, len(rows))
	for _, h := range rows {
		out = append(out, HoldView{
			ActiveHold:       h,
			SecondsRemaining: int64(h.ExpiresAt.Sub(now) / time.Second),
		})
	}
	return out, nil
}
