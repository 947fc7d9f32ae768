// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. Customer phone
// numbers reach the API through the search endpoint, so query values and
// header values are scrubbed before they are logged:
//
//   - query parameters listed in MaskQuery (default: phone) are replaced
//     wholesale
//   - UUIDs, e-mail addresses and phone-like digit runs are replaced in any
//     remaining query or header value
//   - Authorization, Cookie, Set-Cookie and MaskHeaders are fully masked
//
// Bodies are never logged.
package middleware

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are extra header names masked entirely (case-insensitive).
	MaskHeaders []string
	// MaskQuery are query parameter names whose values are masked entirely.
	// Defaults to ["phone"].
	MaskQuery []string
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phoneRE = regexp.MustCompile(`\+?\b(?:\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

// redact scrubs identifiers from s. UUIDs go first so the phone pattern
// cannot match their digit groups.
func redact(s string) string {
	if s == "" {
		return s
	}
	s = uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// redactQuery masks the listed parameters and scrubs the rest. Unparseable
// queries are scrubbed as plain text.
func redactQuery(raw string, masked map[string]struct{}) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return redact(raw)
	}
	for k, vv := range vals {
		_, mask := masked[strings.ToLower(k)]
		for i := range vv {
			if mask {
				vv[i] = "[REDACTED]"
			} else {
				vv[i] = redact(vv[i])
			}
		}
	}
	// Encode escapes the brackets; the unescaped form reads better in logs.
	out, err := url.QueryUnescape(vals.Encode())
	if err != nil {
		return vals.Encode()
	}
	return out
}

// RedactingLogger logs one line per request with scrubbed query and
// headers, and attaches a request-scoped logger (see LoggerFrom). Level is
// INFO, WARN for 4xx and ERROR for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}
	maskQuery := map[string]struct{}{}
	if len(opts.MaskQuery) == 0 {
		opts.MaskQuery = []string{"phone"}
	}
	for _, q := range opts.MaskQuery {
		if q = strings.ToLower(strings.TrimSpace(q)); q != "" {
			maskQuery[q] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := truncate(redactQuery(c.Request.URL.RawQuery, maskQuery), maxQueryLogLength)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}

		reqID := c.Writer.Header().Get(requestIDHeader)
		if reqID == "" {
			reqID = c.GetHeader(requestIDHeader)
		}
		l := log.With().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(ctxKeyLogger, &l)

		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		opID, _ := c.Get(ctxKeyOperatorID)
		tenantID, _ := c.Get(ctxKeyTenantID)
		code, _ := c.Get(ctxKeyErrorCode)

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Str("operator_id", asString(opID)).
			Str("tenant_id", asString(tenantID)).
			Str("error_code", asString(code)).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Str("remote_ip", c.ClientIP()).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
