package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// SortMode selects the ordering of a conversation listing.
type SortMode string

const (
	// SortPriority orders by priority_score desc, last_message_at desc, id asc.
	SortPriority SortMode = "priority"
	// SortNewest orders by last_message_at desc, id desc.
	SortNewest SortMode = "newest"
	// SortOldest orders by last_message_at asc, id asc.
	SortOldest SortMode = "oldest"
)

// ErrInvalidCursor is returned for tokens that do not decode or were issued
// for a different sort mode.
var ErrInvalidCursor = errors.New("invalid cursor")

// ErrInvalidSort is returned for unknown sort names.
var ErrInvalidSort = errors.New("invalid sort")

// ParseSortMode parses a sort name. The empty string selects SortPriority.
func ParseSortMode(s string) (SortMode, error) {
	switch m := SortMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return SortPriority, nil
	case SortPriority, SortNewest, SortOldest:
		return m, nil
	}
	return "", ErrInvalidSort
}

// Cursor is the position after the last row of a page. Score is only
// meaningful for SortPriority.
type Cursor struct {
	Sort  SortMode  `json:"s"`
	Score float64   `json:"p,omitempty"`
	At    time.Time `json:"t"`
	ID    string    `json:"id"`
}

// EncodeCursor renders c as an opaque URL-safe token.
func EncodeCursor(c Cursor) string {
	c.At = c.At.UTC()
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token
// yields a nil cursor. A token issued for a sort other than want is
// rejected.
func DecodeCursor(token string, want SortMode) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrInvalidCursor
	}
	if c.Sort != want || c.ID == "" || c.At.IsZero() {
		return nil, ErrInvalidCursor
	}
	c.At = c.At.UTC()
	return &c, nil
}

// ClampLimit returns def when n <= 0 and max when n > max.
func ClampLimit(n, def, max int) int {
	if n <= 0 {
		n = def
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
