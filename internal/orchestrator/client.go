// Package orchestrator talks to the upstream messaging orchestrator: it
// proxies conversation message history and receives lifecycle events.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-conversation-router/internal/events"
	"github.com/tbourn/go-conversation-router/internal/services"
)

// Default timeouts.
const (
	DefaultEventTimeout   = 5 * time.Second
	DefaultHistoryTimeout = 10 * time.Second
)

// Client is an HTTP client for the orchestrator API. A Client with an empty
// BaseURL is valid: history calls fail with ErrServiceUnavailable and events
// are skipped.
type Client struct {
	BaseURL        string
	APIKey         string
	EventTimeout   time.Duration
	HistoryTimeout time.Duration
	HTTP           *http.Client
}

// New returns a Client for baseURL.
func New(baseURL, apiKey string, eventTimeout, historyTimeout time.Duration) *Client {
	if eventTimeout <= 0 {
		eventTimeout = DefaultEventTimeout
	}
	if historyTimeout <= 0 {
		historyTimeout = DefaultHistoryTimeout
	}
	return &Client{
		BaseURL:        strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:         apiKey,
		EventTimeout:   eventTimeout,
		HistoryTimeout: historyTimeout,
		HTTP:           &http.Client{},
	}
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool { return c != nil && c.BaseURL != "" }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	return req, nil
}

// Name implements events.Sink.
func (c *Client) Name() string { return "orchestrator" }

type eventBody struct {
	EventType      string         `json:"event_type"`
	ConversationID string         `json:"conversation_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Data           map[string]any `json:"data"`
}

// Send implements events.Sink by POSTing the event to {BaseURL}/events.
// Without a base URL the event is skipped.
func (c *Client) Send(ctx context.Context, ev events.Event) error {
	if !c.Configured() {
		log.Debug().Str("event", ev.Type).Msg("orchestrator not configured, skipping event")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.EventTimeout)
	defer cancel()

	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(eventBody{
		EventType:      ev.Type,
		ConversationID: ev.ExternalID,
		Timestamp:      ev.Time.UTC(),
		Data:           data,
	})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/events", bytes.NewReader(b))
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator events: status %d", resp.StatusCode)
	}
	return nil
}

// Pagination describes a history page.
type Pagination struct {
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// History is one page of a conversation's messages. Messages are passed
// through as returned by the orchestrator.
type History struct {
	Messages   []json.RawMessage `json:"messages"`
	Pagination Pagination        `json:"pagination"`
}

type historyResponse struct {
	Messages []json.RawMessage `json:"messages"`
	Total    int64             `json:"total"`
	HasMore  bool              `json:"has_more"`
}

// History fetches a page of messages for the conversation known upstream
// as externalID.
//
// Errors:
//   - ErrServiceUnavailable when no base URL is configured, the orchestrator
//     is unreachable, or it rejects our credentials.
//   - ErrNotFound when the orchestrator does not know the conversation.
func (c *Client) History(ctx context.Context, externalID string, page, limit int) (*History, error) {
	if !c.Configured() {
		return nil, &services.Error{Kind: services.KindServiceUnavailable, Msg: "message history service is not configured"}
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(ctx, c.HistoryTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/conversations/" + url.PathEscape(externalID) + "/messages?" + q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Error().Err(err).Str("external_conversation_id", externalID).Msg("history fetch failed")
		return nil, &services.Error{Kind: services.KindServiceUnavailable, Msg: "unable to connect to message history service"}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &services.Error{Kind: services.KindNotFound, Msg: "conversation not found in message history"}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, &services.Error{Kind: services.KindServiceUnavailable, Msg: "authentication failed with message history service"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("orchestrator history: status %d", resp.StatusCode)
	}

	var body historyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if body.Messages == nil {
		body.Messages = []json.RawMessage{}
	}
	return &History{
		Messages: body.Messages,
		Pagination: Pagination{
			Page:    page,
			Limit:   limit,
			Total:   body.Total,
			HasMore: body.HasMore,
		},
	}, nil
}
