package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedact(t *testing.T) {
	in := "id=123e4567-e89b-12d3-a456-426614174000 mail=ann@example.com tel=+1 212-555-1212"
	out := redact(in)
	for _, leak := range []string{"123e4567", "ann@example.com", "555-1212"} {
		if strings.Contains(out, leak) {
			t.Fatalf("%q leaked in %q", leak, out)
		}
	}
	for _, tag := range []string{"[REDACTED:id]", "[REDACTED:email]", "[REDACTED:phone]"} {
		if !strings.Contains(out, tag) {
			t.Fatalf("missing %s in %q", tag, out)
		}
	}
}

func TestRedactQuery_MasksListedParams(t *testing.T) {
	masked := map[string]struct{}{"phone": {}}
	got := redactQuery("phone=%2B15550100000&sort=newest", masked)
	if strings.Contains(got, "5550100000") || !strings.Contains(got, "phone=[REDACTED]") || !strings.Contains(got, "sort=newest") {
		t.Fatalf("redactQuery = %q", got)
	}
	if redactQuery("", masked) != "" {
		t.Fatalf("empty query must stay empty")
	}
}

func TestRedactingLogger_LineAndLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.Use(func(c *gin.Context) {
		c.Set(ctxKeyOperatorID, "o1")
		c.Set(ctxKeyTenantID, "t1")
		c.Next()
	})
	r.GET("/conversations/search", func(c *gin.Context) {
		if LoggerFrom(c) == nil {
			t.Errorf("scoped logger missing")
		}
		SetErrorCode(c, "not_found")
		c.Status(http.StatusNotFound)
	})

	req := httptest.NewRequest(http.MethodGet, "/conversations/search?phone=%2B12125551212", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Api-Key", "k")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line: %v (%s)", err, buf.String())
	}
	if line["level"] != "warn" || line["path"] != "/conversations/search" || line["operator_id"] != "o1" ||
		line["tenant_id"] != "t1" || line["error_code"] != "not_found" {
		t.Fatalf("unexpected line: %v", line)
	}
	if strings.Contains(buf.String(), "2125551212") || strings.Contains(buf.String(), "secret") {
		t.Fatalf("PII leaked: %s", buf.String())
	}
}
