package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/http/middleware"
	"github.com/tbourn/go-conversation-router/internal/orchestrator"
	"github.com/tbourn/go-conversation-router/internal/repo"
	"github.com/tbourn/go-conversation-router/internal/services"
)

// ---------- identities ----------

type staticResolver map[string]services.Identity

func (r staticResolver) Resolve(_ context.Context, id string) (*services.Identity, error) {
	who, found := r[id]
	if !found {
		return nil, services.ErrNotFound
	}
	return &who, nil
}

var testIdentities = staticResolver{
	"o1": {OperatorID: "o1", TenantID: "t1", Role: domain.RoleOperator},
	"m1": {OperatorID: "m1", TenantID: "t1", Role: domain.RoleManager},
}

// ---------- conversation service fake ----------

type fakeConv struct {
	mu    sync.Mutex
	calls []string

	convs     map[string]domain.Conversation
	allocate  func(opID string) (*domain.Conversation, error)
	mutateErr error
	accessErr error
	listErr   error
	etag      string
	lastList  repo.ConversationFilter
}

func newFakeConv() *fakeConv {
	return &fakeConv{
		convs: map[string]domain.Conversation{
			"c1": {ID: "c1", TenantID: "t1", InboxID: "i1", ExternalID: "ext-1", State: domain.StateQueued},
			"c9": {ID: "c9", TenantID: "t2", InboxID: "i9", ExternalID: "ext-9", State: domain.StateAllocated},
		},
		etag: `W/"conv-t1-1-1"`,
	}
}

func (f *fakeConv) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeConv) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *fakeConv) mutate(name, id string) (*domain.Conversation, error) {
	f.record(name)
	if f.mutateErr != nil {
		return nil, f.mutateErr
	}
	c := f.convs[id]
	return &c, nil
}

func (f *fakeConv) Allocate(_ context.Context, opID string) (*domain.Conversation, error) {
	f.record("Allocate")
	if f.allocate != nil {
		return f.allocate(opID)
	}
	return nil, nil
}

func (f *fakeConv) Claim(_ context.Context, id, _ string) (*domain.Conversation, error) {
	return f.mutate("Claim", id)
}

func (f *fakeConv) ManagerAllocate(_ context.Context, id, _ string, _ domain.Role) (*domain.Conversation, error) {
	return f.mutate("ManagerAllocate", id)
}

func (f *fakeConv) Resolve(_ context.Context, id, _ string, _ domain.Role) (*domain.Conversation, error) {
	return f.mutate("Resolve", id)
}

func (f *fakeConv) Deallocate(_ context.Context, id string) (*domain.Conversation, error) {
	return f.mutate("Deallocate", id)
}

func (f *fakeConv) Reassign(_ context.Context, id, _ string, _ domain.Role) (*domain.Conversation, error) {
	return f.mutate("Reassign", id)
}

func (f *fakeConv) MoveInbox(_ context.Context, id, _, _ string) (*domain.Conversation, error) {
	return f.mutate("MoveInbox", id)
}

func (f *fakeConv) Search(_ context.Context, _, _ string) ([]domain.Conversation, error) {
	f.record("Search")
	return []domain.Conversation{f.convs["c1"]}, nil
}

func (f *fakeConv) Get(_ context.Context, id, tenantID string) (*domain.Conversation, error) {
	f.record("Get")
	c, found := f.convs[id]
	if !found || c.TenantID != tenantID {
		return nil, services.ErrNotFound
	}
	return &c, nil
}

func (f *fakeConv) List(_ context.Context, filter repo.ConversationFilter, _, _ string, _ int) (*services.Page, error) {
	f.record("List")
	f.lastList = filter
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &services.Page{Items: []domain.Conversation{f.convs["c1"]}}, nil
}

func (f *fakeConv) ListETag(context.Context, string) (string, error) { return f.etag, nil }

func (f *fakeConv) CheckInboxAccess(context.Context, services.Identity, string) error {
	return f.accessErr
}

func (f *fakeConv) RecomputeAllPriorities(context.Context) (int64, error) {
	f.record("Recompute")
	return 3, nil
}

// ---------- other fakes ----------

type fakeOps struct {
	err  error
	last domain.Presence
}

func (f *fakeOps) GetStatus(_ context.Context, _ services.Identity, id string) (*domain.OperatorStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.OperatorStatus{OperatorID: id, Status: domain.PresenceAvailable}, nil
}

func (f *fakeOps) SetStatus(_ context.Context, _ services.Identity, id string, st domain.Presence) (*services.StatusChange, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.last = st
	return &services.StatusChange{
		OperatorStatus: domain.OperatorStatus{OperatorID: id, Status: st},
		Previous:       domain.PresenceAvailable,
		HoldsCreated:   2,
	}, nil
}

func (f *fakeOps) ListOperators(_ context.Context, who services.Identity) ([]repo.OperatorSummary, error) {
	if !who.Privileged() {
		return nil, services.ErrForbidden
	}
	return []repo.OperatorSummary{}, nil
}

func (f *fakeOps) Stats(context.Context, services.Identity, string) (*repo.OperatorStats, error) {
	return &repo.OperatorStats{}, f.err
}

func (f *fakeOps) Inboxes(context.Context, services.Identity, string) ([]domain.Inbox, error) {
	return nil, f.err
}

type fakeHolds struct {
	placed time.Time
	err    error
}

func (f *fakeHolds) PlaceHold(_ context.Context, id, _ string, at time.Time) (*domain.GraceHold, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.placed = at
	return &domain.GraceHold{ConversationID: id, ExpiresAt: at, Reason: domain.HoldManual}, nil
}

func (f *fakeHolds) CancelHold(context.Context, string, string) error { return f.err }

func (f *fakeHolds) Hold(_ context.Context, id, _ string) (*domain.GraceHold, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.GraceHold{ConversationID: id}, nil
}

func (f *fakeHolds) ActiveHolds(context.Context, string) ([]services.HoldView, error) {
	return []services.HoldView{}, f.err
}

type fakeHistory struct {
	err     error
	gotExt  string
	gotPage int
	gotLim  int
}

func (f *fakeHistory) History(_ context.Context, ext string, page, limit int) (*orchestrator.History, error) {
	f.gotExt, f.gotPage, f.gotLim = ext, page, limit
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.History{Messages: []json.RawMessage{json.RawMessage(`{"id":"m1"}`)}}, nil
}

type memIdem struct {
	mu   sync.Mutex
	recs map[string]domain.Idempotency
}

func (m *memIdem) Reserve(_ context.Context, op, scope, key string) (*domain.Idempotency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = map[string]domain.Idempotency{}
	}
	id := op + "|" + scope + "|" + key
	if rec, found := m.recs[id]; found {
		return &rec, nil
	}
	m.recs[id] = domain.Idempotency{OperatorID: op, Scope: scope, Key: key}
	return nil, nil
}

func (m *memIdem) Complete(_ context.Context, op, scope, key, convID string, status int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := op + "|" + scope + "|" + key
	rec := m.recs[id]
	rec.ConversationID, rec.Status = convID, status
	m.recs[id] = rec
	return nil
}

func (m *memIdem) Release(_ context.Context, op, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, op+"|"+scope+"|"+key)
	return nil
}

func (m *memIdem) has(op, scope, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, found := m.recs[op+"|"+scope+"|"+key]
	return found
}

// ---------- router ----------

type testAPI struct {
	conv    *fakeConv
	ops     *fakeOps
	holds   *fakeHolds
	history *fakeHistory
	idem    *memIdem
	r       *gin.Engine
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := &testAPI{conv: newFakeConv(), ops: &fakeOps{}, holds: &fakeHolds{}, history: &fakeHistory{}, idem: &memIdem{}}
	h := New(a.conv, a.ops, a.holds, a.history, a.idem)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Identity(testIdentities), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/search", h.SearchConversations)
	r.POST("/conversations/allocate", h.Allocate)
	r.POST("/conversations/manager-allocate", h.ManagerAllocate)
	r.POST("/conversations/recompute-priorities", h.RecomputePriorities)
	r.GET("/conversations/:id", h.GetConversation)
	r.GET("/conversations/:id/messages", h.ConversationMessages)
	r.POST("/conversations/:id/claim", h.Claim)
	r.POST("/conversations/:id/resolve", h.Resolve)
	r.POST("/conversations/:id/deallocate", h.Deallocate)
	r.POST("/conversations/:id/reassign", h.Reassign)
	r.POST("/conversations/:id/move", h.MoveInbox)
	r.POST("/conversations/:id/hold", h.PlaceHold)
	r.GET("/conversations/:id/hold", h.GetHold)
	r.DELETE("/conversations/:id/hold", h.CancelHold)
	r.GET("/holds", h.ListHolds)
	r.GET("/operators", h.ListOperators)
	r.GET("/operators/:id/status", h.GetOperatorStatus)
	r.PUT("/operators/:id/status", h.SetOperatorStatus)
	r.GET("/operators/:id/stats", h.OperatorStats)
	r.GET("/operators/:id/inboxes", h.OperatorInboxes)
	a.r = r
	return a
}

func (a *testAPI) do(method, path, as string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set(middleware.HeaderOperatorID, as)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return er
}

func wantError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d; want %d (%s)", w.Code, status, w.Body.String())
	}
	if er := decodeError(t, w); er.Code != code {
		t.Fatalf("code = %q; want %q", er.Code, code)
	}
}
