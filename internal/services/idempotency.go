package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/repo"
)

// DefaultIdempotencyTTL bounds how long an allocation result is replayable.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore remembers the outcome of keyed requests per operator and
// route scope. A key is reserved before the request runs, so concurrent
// retries cannot both execute it.
type IdempotencyStore struct {
	DB  *gorm.DB
	TTL time.Duration
	Now func() time.Time
}

// NewIdempotencyStore returns a store with the default TTL.
func NewIdempotencyStore(db *gorm.DB, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyStore{DB: db, TTL: ttl, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *IdempotencyStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Exists matches middleware.IdempotencyLookup. Pending reservations are not
// replays.
func (s *IdempotencyStore) Exists(ctx context.Context, operatorID, scope, key string, now time.Time) (bool, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, operatorID, scope, key, now)
	switch {
	case err == nil:
		return !rec.Pending(), nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Reserve claims key for the caller. It returns (nil, nil) when the caller
// owns the key and must run the request, or the live record written by an
// earlier request, which may still be Pending.
func (s *IdempotencyStore) Reserve(ctx context.Context, operatorID, scope, key string) (*domain.Idempotency, error) {
	for attempt := 0; attempt < 2; attempt++ {
		_, err := repo.CreateIdempotency(ctx, s.DB, operatorID, scope, key, "", 0, s.TTL)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, err
		}
		rec, err := repo.GetIdempotency(ctx, s.DB, operatorID, scope, key, s.now())
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		// The existing row expired; clear it and try once more.
		if _, err := repo.DeleteExpiredIdempotency(ctx, s.DB, operatorID, scope, key, s.now()); err != nil {
			return nil, err
		}
	}
	return nil, newErr(KindConflict, "idempotency key is busy")
}

// Complete stores the outcome of a reserved request.
func (s *IdempotencyStore) Complete(ctx context.Context, operatorID, scope, key, conversationID string, status int) error {
	return repo.CompleteIdempotency(ctx, s.DB, operatorID, scope, key, conversationID, status)
}

// Release drops a reservation whose request failed, so a retry runs again.
func (s *IdempotencyStore) Release(ctx context.Context, operatorID, scope, key string) error {
	return repo.DeletePendingIdempotency(ctx, s.DB, operatorID, scope, key)
}
