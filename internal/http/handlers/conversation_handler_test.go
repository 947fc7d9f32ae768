package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/services"
)

func TestListConversations_FiltersAndETag(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodGet, "/conversations?state=queued&inbox_id=i1&label_id=l1", "o1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if a.conv.lastList.TenantID != "t1" || a.conv.lastList.State != domain.StateQueued ||
		a.conv.lastList.InboxID != "i1" || a.conv.lastList.LabelID != "l1" {
		t.Fatalf("filter = %+v", a.conv.lastList)
	}
	etag := w.Header().Get("ETag")
	if etag != a.conv.etag {
		t.Fatalf("ETag = %q", etag)
	}
	var page services.Page
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil || len(page.Items) != 1 {
		t.Fatalf("page: %v %s", err, w.Body.String())
	}

	w = a.do(http.MethodGet, "/conversations", "o1", nil, "If-None-Match", etag)
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional status = %d", w.Code)
	}
	if a.conv.called("List") != 1 {
		t.Fatalf("List must not run on 304")
	}
}

func TestListConversations_Rejections(t *testing.T) {
	a := newTestAPI(t)

	wantError(t, a.do(http.MethodGet, "/conversations", "", nil), http.StatusUnauthorized, ErrCodeUnauthorized)
	wantError(t, a.do(http.MethodGet, "/conversations?state=open", "o1", nil), http.StatusBadRequest, ErrCodeBadRequest)

	a.conv.accessErr = services.ErrNoSubscription
	wantError(t, a.do(http.MethodGet, "/conversations?inbox_id=i2", "o1", nil), http.StatusForbidden, ErrCodeNoSubscription)

	a.conv.accessErr = nil
	a.conv.listErr = &services.Error{Kind: services.KindInvalidArgument, Msg: "invalid cursor"}
	wantError(t, a.do(http.MethodGet, "/conversations?cursor=zzz", "o1", nil), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestSearchAndGet(t *testing.T) {
	a := newTestAPI(t)

	wantError(t, a.do(http.MethodGet, "/conversations/search", "o1", nil), http.StatusBadRequest, ErrCodeBadRequest)

	w := a.do(http.MethodGet, "/conversations/search?phone=%2B15550100000", "o1", nil)
	var sr SearchResponse
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &sr) != nil || len(sr.Conversations) != 1 {
		t.Fatalf("search: %d %s", w.Code, w.Body.String())
	}

	if w := a.do(http.MethodGet, "/conversations/c1", "o1", nil); w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	wantError(t, a.do(http.MethodGet, "/conversations/c9", "o1", nil), http.StatusNotFound, ErrCodeNotFound)
}

func TestAllocate_EmptyQueueAndErrors(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/conversations/allocate", "o1", nil)
	var resp AllocateResponse
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &resp) != nil {
		t.Fatalf("allocate: %d %s", w.Code, w.Body.String())
	}
	if resp.Conversation != nil || resp.Message == "" {
		t.Fatalf("empty queue response = %+v", resp)
	}

	a.conv.allocate = func(string) (*domain.Conversation, error) { return nil, services.ErrOperatorUnavailable }
	wantError(t, a.do(http.MethodPost, "/conversations/allocate", "o1", nil), http.StatusConflict, ErrCodeOperatorUnavailable)
}

func TestAllocate_IdempotentReplay(t *testing.T) {
	a := newTestAPI(t)
	a.conv.allocate = func(string) (*domain.Conversation, error) {
		c := a.conv.convs["c1"]
		c.State = domain.StateAllocated
		return &c, nil
	}

	first := a.do(http.MethodPost, "/conversations/allocate", "o1", nil, "Idempotency-Key", "retry-1")
	second := a.do(http.MethodPost, "/conversations/allocate", "o1", nil, "Idempotency-Key", "retry-1")
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d, %d", first.Code, second.Code)
	}
	if a.conv.called("Allocate") != 1 {
		t.Fatalf("Allocate ran %d times; want 1", a.conv.called("Allocate"))
	}
	if second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay header missing")
	}
	var resp AllocateResponse
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil || resp.Conversation == nil || resp.Conversation.ID != "c1" {
		t.Fatalf("replayed body = %s", second.Body.String())
	}

	// Another operator with the same key allocates independently.
	a.do(http.MethodPost, "/conversations/allocate", "m1", nil, "Idempotency-Key", "retry-1")
	if a.conv.called("Allocate") != 2 {
		t.Fatalf("keys must be scoped per operator")
	}
}

func TestAllocate_KeyReservedBeforeAllocating(t *testing.T) {
	a := newTestAPI(t)

	// A first attempt that is still running holds the key.
	if _, err := a.idem.Reserve(context.Background(), "o1", "/conversations/allocate", "busy"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	wantError(t, a.do(http.MethodPost, "/conversations/allocate", "o1", nil, "Idempotency-Key", "busy"), http.StatusConflict, ErrCodeConflict)
	if a.conv.called("Allocate") != 0 {
		t.Fatalf("Allocate ran while the key was reserved")
	}

	// A failed attempt releases the key so the retry allocates.
	a.conv.allocate = func(string) (*domain.Conversation, error) { return nil, services.ErrOperatorUnavailable }
	wantError(t, a.do(http.MethodPost, "/conversations/allocate", "o1", nil, "Idempotency-Key", "retry-2"), http.StatusConflict, ErrCodeOperatorUnavailable)
	if a.idem.has("o1", "/conversations/allocate", "retry-2") {
		t.Fatalf("failed attempt kept its reservation")
	}
	a.conv.allocate = nil
	if w := a.do(http.MethodPost, "/conversations/allocate", "o1", nil, "Idempotency-Key", "retry-2"); w.Code != http.StatusOK {
		t.Fatalf("retry status = %d", w.Code)
	}
	if a.conv.called("Allocate") != 2 {
		t.Fatalf("calls = %v", a.conv.calls)
	}
}

func TestClaim_ErrorMapping(t *testing.T) {
	a := newTestAPI(t)

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrNotQueued, http.StatusConflict, ErrCodeNotQueued},
		{services.ErrNoSubscription, http.StatusForbidden, ErrCodeNoSubscription},
		{services.ErrCrossTenant, http.StatusBadRequest, ErrCodeCrossTenant},
		{services.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tc := range cases {
		a.conv.mutateErr = tc.err
		wantError(t, a.do(http.MethodPost, "/conversations/c1/claim", "o1", nil), tc.status, tc.code)
	}

	a.conv.mutateErr = nil
	if w := a.do(http.MethodPost, "/conversations/c1/claim", "o1", nil); w.Code != http.StatusOK {
		t.Fatalf("claim status = %d", w.Code)
	}
}

func TestTenantScopedMutations(t *testing.T) {
	a := newTestAPI(t)

	wantError(t, a.do(http.MethodPost, "/conversations/c9/resolve", "m1", nil), http.StatusNotFound, ErrCodeNotFound)
	wantError(t, a.do(http.MethodPost, "/conversations/c9/deallocate", "m1", nil), http.StatusNotFound, ErrCodeNotFound)
	wantError(t, a.do(http.MethodPost, "/conversations/c9/reassign", "m1", ReassignRequest{OperatorID: "o1"}), http.StatusNotFound, ErrCodeNotFound)
	if a.conv.called("Resolve")+a.conv.called("Deallocate")+a.conv.called("Reassign") != 0 {
		t.Fatalf("service must not run for another tenant's conversation: %v", a.conv.calls)
	}

	a.conv.mutateErr = services.ErrAlreadyResolved
	wantError(t, a.do(http.MethodPost, "/conversations/c1/resolve", "o1", nil), http.StatusConflict, ErrCodeAlreadyResolved)
	a.conv.mutateErr = nil

	if w := a.do(http.MethodPost, "/conversations/c1/deallocate", "o1", nil); w.Code != http.StatusOK {
		t.Fatalf("deallocate status = %d", w.Code)
	}
	wantError(t, a.do(http.MethodPost, "/conversations/c1/reassign", "m1", map[string]string{}), http.StatusBadRequest, ErrCodeBadRequest)
	if w := a.do(http.MethodPost, "/conversations/c1/reassign", "m1", ReassignRequest{OperatorID: "o1"}); w.Code != http.StatusOK {
		t.Fatalf("reassign status = %d", w.Code)
	}
	wantError(t, a.do(http.MethodPost, "/conversations/c1/move", "o1", map[string]string{}), http.StatusBadRequest, ErrCodeBadRequest)
	if w := a.do(http.MethodPost, "/conversations/c1/move", "o1", MoveRequest{InboxID: "i2"}); w.Code != http.StatusOK {
		t.Fatalf("move status = %d", w.Code)
	}
}

func TestManagerAllocate(t *testing.T) {
	a := newTestAPI(t)
	body := ManagerAllocateRequest{OperatorID: "o1", ConversationID: "c1"}

	wantError(t, a.do(http.MethodPost, "/conversations/manager-allocate", "o1", body), http.StatusForbidden, ErrCodeForbidden)
	if len(a.conv.calls) != 0 {
		t.Fatalf("operator request reached the service: %v", a.conv.calls)
	}

	wantError(t, a.do(http.MethodPost, "/conversations/manager-allocate", "m1", map[string]string{"operator_id": "o1"}), http.StatusBadRequest, ErrCodeBadRequest)
	wantError(t, a.do(http.MethodPost, "/conversations/manager-allocate", "m1", ManagerAllocateRequest{OperatorID: "o1", ConversationID: "c9"}), http.StatusNotFound, ErrCodeNotFound)

	if w := a.do(http.MethodPost, "/conversations/manager-allocate", "m1", body); w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if a.conv.called("ManagerAllocate") != 1 {
		t.Fatalf("calls = %v", a.conv.calls)
	}
}

func TestRecomputePriorities(t *testing.T) {
	a := newTestAPI(t)

	wantError(t, a.do(http.MethodPost, "/conversations/recompute-priorities", "o1", nil), http.StatusForbidden, ErrCodeForbidden)

	w := a.do(http.MethodPost, "/conversations/recompute-priorities", "m1", nil)
	var resp RecomputeResponse
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &resp) != nil || resp.Updated != 3 {
		t.Fatalf("recompute: %d %s", w.Code, w.Body.String())
	}
}
