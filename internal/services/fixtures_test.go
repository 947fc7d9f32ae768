package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/events"
	"github.com/tbourn/go-conversation-router/internal/repo"
)

// ---------- test helpers ----------

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

type env struct {
	t     *testing.T
	db    *gorm.DB
	now   time.Time
	pub   *recorder
	alloc *AllocationService
	rec   *Reclaimer
	ops   *OperatorService
}

// newEnv seeds two tenants:
//
//	t1: inboxes i1, i2; o1 OPERATOR (i1), o3 OPERATOR (i1, i2), o2 MANAGER (none)
//	t2: inbox i9; o9 OPERATOR (i9)
//
// Every operator starts AVAILABLE except o3.
func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	e := &env{t: t, db: db, now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), pub: &recorder{}}
	clock := func() time.Time { return e.now }

	e.alloc = NewAllocationService(db, e.pub)
	e.alloc.Now = clock
	e.rec = NewReclaimer(db, e.pub)
	e.rec.Now = clock
	e.ops = NewOperatorService(db, e.rec)
	e.ops.Now = clock

	e.seed(&domain.Tenant{ID: "t1", Name: "acme"})
	e.seed(&domain.Tenant{ID: "t2", Name: "globex"})
	e.seed(&domain.Inbox{ID: "i1", TenantID: "t1", PhoneNumber: "+100"})
	e.seed(&domain.Inbox{ID: "i2", TenantID: "t1", PhoneNumber: "+101"})
	e.seed(&domain.Inbox{ID: "i9", TenantID: "t2", PhoneNumber: "+900"})
	e.seed(&domain.Operator{ID: "o1", TenantID: "t1", Name: "ann", Role: domain.RoleOperator})
	e.seed(&domain.Operator{ID: "o2", TenantID: "t1", Name: "bob", Role: domain.RoleManager})
	e.seed(&domain.Operator{ID: "o3", TenantID: "t1", Name: "cat", Role: domain.RoleOperator})
	e.seed(&domain.Operator{ID: "o9", TenantID: "t2", Name: "dan", Role: domain.RoleOperator})
	e.seed(&domain.Subscription{OperatorID: "o1", InboxID: "i1"})
	e.seed(&domain.Subscription{OperatorID: "o3", InboxID: "i1"})
	e.seed(&domain.Subscription{OperatorID: "o3", InboxID: "i2"})
	e.seed(&domain.Subscription{OperatorID: "o9", InboxID: "i9"})
	for _, id := range []string{"o1", "o2", "o9"} {
		e.presence(id, domain.PresenceAvailable)
	}
	return e
}

func (e *env) seed(v any) {
	e.t.Helper()
	if err := e.db.Create(v).Error; err != nil {
		e.t.Fatalf("seed %T: %v", v, err)
	}
}

func (e *env) presence(operatorID string, p domain.Presence) {
	e.t.Helper()
	if _, err := repo.UpsertOperatorStatus(context.Background(), e.db, operatorID, p, e.now); err != nil {
		e.t.Fatalf("presence: %v", err)
	}
}

func (e *env) queued(id, tenant, inbox string, score float64, last time.Time) *domain.Conversation {
	e.t.Helper()
	c := &domain.Conversation{
		ID: id, TenantID: tenant, InboxID: inbox, ExternalID: "ext-" + id, CustomerPhone: "+15550100000",
		State: domain.StateQueued, MessageCount: 1, LastMessageAt: last.UTC(), PriorityScore: score,
	}
	e.seed(c)
	return c
}

func (e *env) allocatedTo(id, inbox, operatorID string) *domain.Conversation {
	e.t.Helper()
	c := e.queued(id, "t1", inbox, 0, e.now.Add(-10*time.Minute))
	if err := e.db.Model(c).Updates(map[string]any{
		"state": domain.StateAllocated, "assigned_operator_id": operatorID,
	}).Error; err != nil {
		e.t.Fatalf("allocate seed: %v", err)
	}
	return e.get(id)
}

func (e *env) get(id string) *domain.Conversation {
	e.t.Helper()
	c, err := repo.GetConversation(context.Background(), e.db, id)
	if err != nil {
		e.t.Fatalf("get %s: %v", id, err)
	}
	return c
}

func (e *env) hold(convID, operatorID string, expires time.Time, reason domain.HoldReason) {
	e.t.Helper()
	if _, err := repo.UpsertHold(context.Background(), e.db, convID, operatorID, expires, reason, e.now); err != nil {
		e.t.Fatalf("hold: %v", err)
	}
}

func (e *env) hasHold(convID string) bool {
	e.t.Helper()
	_, err := repo.GetHold(context.Background(), e.db, convID)
	return err == nil
}

func who(id, tenant string, role domain.Role) Identity {
	return Identity{OperatorID: id, TenantID: tenant, Role: role}
}

func wantKind(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil || KindOf(err) != KindOf(want) {
		t.Fatalf("want %v, got %v", want, err)
	}
}
