package repo

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-conversation-router/internal/domain"
)

// newRepoDB opens a migrated temp-file SQLite database through OpenSQLite.
func newRepoDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "repo.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

type fixture struct {
	db  *gorm.DB
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: newRepoDB(t), now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f.must(t, f.db.Create(&domain.Tenant{ID: "t1", Name: "acme"}).Error)
	f.must(t, f.db.Create(&domain.Tenant{ID: "t2", Name: "globex", PriorityAlpha: weight(0.9), PriorityBeta: weight(0.1)}).Error)
	f.must(t, f.db.Create(&domain.Inbox{ID: "i1", TenantID: "t1", PhoneNumber: "+100"}).Error)
	f.must(t, f.db.Create(&domain.Inbox{ID: "i2", TenantID: "t1", PhoneNumber: "+101"}).Error)
	f.must(t, f.db.Create(&domain.Inbox{ID: "i9", TenantID: "t2", PhoneNumber: "+900"}).Error)
	f.must(t, f.db.Create(&domain.Operator{ID: "o1", TenantID: "t1", Name: "ann", Role: domain.RoleOperator}).Error)
	f.must(t, f.db.Create(&domain.Operator{ID: "o2", TenantID: "t1", Name: "bob", Role: domain.RoleManager}).Error)
	f.must(t, f.db.Create(&domain.Subscription{OperatorID: "o1", InboxID: "i1"}).Error)
	return f
}

func weight(v float64) *float64 { return &v }

func (f *fixture) must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) conv(t *testing.T, id, tenant, inbox string, score float64, last time.Time) *domain.Conversation {
	t.Helper()
	c := &domain.Conversation{
		ID: id, TenantID: tenant, InboxID: inbox, ExternalID: "ext-" + id, CustomerPhone: "+555",
		State: domain.StateQueued, MessageCount: 1, LastMessageAt: last.UTC(), PriorityScore: score,
	}
	f.must(t, f.db.Create(c).Error)
	return c
}

func (f *fixture) allocated(t *testing.T, id, operatorID string) *domain.Conversation {
	t.Helper()
	c := f.conv(t, id, "t1", "i1", 0.5, f.now.Add(-time.Minute))
	f.must(t, f.db.Model(c).Updates(map[string]any{"state": domain.StateAllocated, "assigned_operator_id": operatorID}).Error)
	c.State = domain.StateAllocated
	c.AssignedOperatorID = &operatorID
	return c
}
