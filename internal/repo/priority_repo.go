package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/priority"
)

// recomputeBatch bounds how many queued rows are rescored per round trip.
const recomputeBatch = 200

// TenantWeights returns the priority weights configured for tenantID,
// falling back to def for each weight left NULL.
func TenantWeights(ctx context.Context, db *gorm.DB, tenantID string, def priority.Weights) (priority.Weights, error) {
	var t domain.Tenant
	if err := db.WithContext(ctx).Select("id", "priority_alpha", "priority_beta").
		Where("id = ?", tenantID).First(&t).Error; err != nil {
		return def, err
	}
	return weightsOf(t, def), nil
}

func weightsOf(t domain.Tenant, def priority.Weights) priority.Weights {
	w := def
	if t.PriorityAlpha != nil {
		w.Alpha = *t.PriorityAlpha
	}
	if t.PriorityBeta != nil {
		w.Beta = *t.PriorityBeta
	}
	return w
}

// RecomputePriority rescores a single conversation with its tenant's
// weights and stores the result.
func RecomputePriority(ctx context.Context, tx *gorm.DB, score priority.Func, def priority.Weights, id string, now time.Time) (float64, error) {
	c, err := GetConversation(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	w, err := TenantWeights(ctx, tx, c.TenantID, def)
	if err != nil {
		return 0, err
	}
	s := score(c.MessageCount, c.LastMessageAt, now, w)
	err = tx.WithContext(ctx).Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("priority_score", s).Error
	return s, err
}

// RecomputeQueuedPriorities rescores every QUEUED conversation in batches
// and returns how many rows were updated.
func RecomputeQueuedPriorities(ctx context.Context, db *gorm.DB, score priority.Func, def priority.Weights, now time.Time) (int64, error) {
	weights := map[string]priority.Weights{}
	var updated int64

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tenants []domain.Tenant
		if err := tx.Select("id", "priority_alpha", "priority_beta").Find(&tenants).Error; err != nil {
			return err
		}
		for _, t := range tenants {
			weights[t.ID] = weightsOf(t, def)
		}

		var batch []domain.Conversation
		res := tx.Select("id", "tenant_id", "message_count", "last_message_at").
			Where("state = ?", domain.StateQueued).
			FindInBatches(&batch, recomputeBatch, func(btx *gorm.DB, _ int) error {
				for _, c := range batch {
					w, ok := weights[c.TenantID]
					if !ok {
						w = def
					}
					s := score(c.MessageCount, c.LastMessageAt, now, w)
					n, err := rescoreQueued(tx, c.ID, s)
					if err != nil {
						return err
					}
					updated += n
				}
				return nil
			})
		return res.Error
	})
	return updated, err
}

// rescoreQueued stores s only while the row is still QUEUED, so a row
// allocated after the batch read keeps its score.
func rescoreQueued(tx *gorm.DB, id string, s float64) (int64, error) {
	res := tx.Model(&domain.Conversation{}).
		Where("id = ? AND state = ?", id, domain.StateQueued).
		Update("priority_score", s)
	return res.RowsAffected, res.Error
}
