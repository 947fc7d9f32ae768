package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func withCapturedLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func TestRequestID_GeneratesOrPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		v, _ := c.Get(requestIDKey)
		c.String(http.StatusOK, asString(v))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if rid := w.Header().Get(requestIDHeader); rid == "" || rid != w.Body.String() {
		t.Fatalf("generated id mismatch: header=%q body=%q", rid, w.Body.String())
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "rid-1")
	r.ServeHTTP(w, req)
	if w.Header().Get(requestIDHeader) != "rid-1" {
		t.Fatalf("incoming id not propagated")
	}
}

func TestRecovery_JSON500WithRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := withCapturedLogger(t)
	r := gin.New()
	r.Use(RequestID(), Recovery())
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(requestIDHeader, "rid-p")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != "rid-p" {
		t.Fatalf("body = %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestLoggerFrom_FallbackAndScoped(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if LoggerFrom(c) == nil {
		t.Fatalf("fallback logger must not be nil")
	}
	l := zerolog.Nop()
	c.Set(ctxKeyLogger, &l)
	if LoggerFrom(c) != &l {
		t.Fatalf("scoped logger not returned")
	}
}

func TestTruncate(t *testing.T) {
	if truncate("abc", 0) != "abc" || truncate("abc", 5) != "abc" {
		t.Fatalf("short strings must pass through")
	}
	if got := truncate("abcdef", 3); got != "abc…" {
		t.Fatalf("truncate = %q", got)
	}
}
