package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tbourn/go-conversation-router/internal/domain"
	"github.com/tbourn/go-conversation-router/internal/services"
)

func TestSetOperatorStatus(t *testing.T) {
	a := newTestAPI(t)

	wantError(t, a.do(http.MethodPut, "/operators/o1/status", "o1", map[string]string{}), http.StatusBadRequest, ErrCodeBadRequest)
	wantError(t, a.do(http.MethodPut, "/operators/o1/status", "o1", SetStatusRequest{Status: "away"}), http.StatusBadRequest, ErrCodeBadRequest)

	w := a.do(http.MethodPut, "/operators/o1/status", "o1", SetStatusRequest{Status: "offline"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if a.ops.last != domain.PresenceOffline {
		t.Fatalf("presence passed = %q", a.ops.last)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["status"] != "OFFLINE" || body["previous_status"] != "AVAILABLE" || body["holds_created"] != float64(2) {
		t.Fatalf("body = %v", body)
	}

	a.ops.err = services.ErrForbidden
	wantError(t, a.do(http.MethodPut, "/operators/o3/status", "o1", SetStatusRequest{Status: "AVAILABLE"}), http.StatusForbidden, ErrCodeForbidden)
}

func TestOperatorReads(t *testing.T) {
	a := newTestAPI(t)

	wantError(t, a.do(http.MethodGet, "/operators", "o1", nil), http.StatusForbidden, ErrCodeForbidden)
	if w := a.do(http.MethodGet, "/operators", "m1", nil); w.Code != http.StatusOK || w.Body.String() != `{"operators":[]}` {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	if w := a.do(http.MethodGet, "/operators/o1/status", "o1", nil); w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/operators/o1/stats", "o1", nil); w.Code != http.StatusOK {
		t.Fatalf("stats = %d", w.Code)
	}
	if w := a.do(http.MethodGet, "/operators/o1/inboxes", "o1", nil); w.Code != http.StatusOK || w.Body.String() != `{"inboxes":[]}` {
		t.Fatalf("inboxes: %d %s", w.Code, w.Body.String())
	}

	a.ops.err = services.ErrNotFound
	wantError(t, a.do(http.MethodGet, "/operators/zz/status", "m1", nil), http.StatusNotFound, ErrCodeNotFound)
}
