// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// for conditional responses (ETag generation) and operator dashboards.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-conversation-router/internal/domain"
)

// ConversationsStats returns aggregate metadata for a tenant's conversations:
// the total number of rows and the maximum UpdatedAt timestamp among those
// rows. When the tenant has no conversations, count is 0 and maxUpdatedAt
// is nil.
func ConversationsStats(ctx context.Context, db *gorm.DB, tenantID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Conversation{}).Where("tenant_id = ?", tenantID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// OperatorStats summarises an operator's workload.
type OperatorStats struct {
	OperatorID           string  `json:"operator_id"`
	Active               int64   `json:"active_conversations"`
	ResolvedToday        int64   `json:"resolved_today"`
	ResolvedThisWeek     int64   `json:"resolved_this_week"`
	AvgResolutionMinutes float64 `json:"avg_resolution_minutes"`
}

// GetOperatorStats computes the workload of operatorID relative to now.
// "Today" starts at UTC midnight and "this week" on the most recent UTC
// Monday.
func GetOperatorStats(ctx context.Context, db *gorm.DB, operatorID string, now time.Time) (*OperatorStats, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := dayStart.AddDate(0, 0, -((int(dayStart.Weekday()) + 6) % 7))

	st := &OperatorStats{OperatorID: operatorID}
	base := db.WithContext(ctx).Model(&domain.Conversation{}).Session(&gorm.Session{})

	if err := base.Where("assigned_operator_id = ? AND state = ?", operatorID, domain.StateAllocated).
		Count(&st.Active).Error; err != nil {
		return nil, err
	}
	if err := base.Where("resolved_by = ? AND resolved_at >= ?", operatorID, dayStart).
		Count(&st.ResolvedToday).Error; err != nil {
		return nil, err
	}

	// Resolution time is averaged in Go so the query stays portable
	// between SQLite and PostgreSQL date arithmetic.
	var rows []struct {
		CreatedAt  time.Time
		ResolvedAt time.Time
	}
	if err := base.Select("created_at", "resolved_at").
		Where("resolved_by = ? AND resolved_at >= ?", operatorID, weekStart).
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	st.ResolvedThisWeek = int64(len(rows))
	var total float64
	for _, r := range rows {
		if d := r.ResolvedAt.Sub(r.CreatedAt).Seconds(); d > 0 {
			total += d
		}
	}
	if len(rows) > 0 {
		st.AvgResolutionMinutes = total / float64(len(rows)) / 60
	}
	return st, nil
}
