package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxErrorBody          = 512 // bytes of a failed response kept in the error
)

// Headers set on every delivery. Receivers can route on the event type and
// session without parsing the body, and drop repeats by delivery ID.
const (
	HeaderEvent    = "X-Looprec-Event"
	HeaderSession  = "X-Looprec-Session"
	HeaderDelivery = "X-Looprec-Delivery"
)

// WebhookHook POSTs each recorder event as JSON to a fixed URL.
type WebhookHook struct {
	id      string
	url     string
	headers http.Header
	client  *http.Client
}

// NewWebhookHook creates a webhook hook. A non-positive timeout means 10s;
// the hook manager's per-execution deadline applies on top.
func NewWebhookHook(id, url string, timeout time.Duration) *WebhookHook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookHook{
		id:      id,
		url:     url,
		headers: make(http.Header),
		client:  &http.Client{Timeout: timeout},
	}
}

// AddHeader sets an extra request header, e.g. Authorization.
func (h *WebhookHook) AddHeader(key, value string) *WebhookHook {
	h.headers.Set(key, value)
	return h
}

func (h *WebhookHook) Execute(ctx context.Context, event Event) error {
	req, err := h.newRequest(ctx, event)
	if err != nil {
		return fmt.Errorf("webhook hook %s: %w", h.id, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook hook %s: deliver %s: %w", h.id, event.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("webhook hook %s: deliver %s: status %d: %s",
			h.id, event.Type, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *WebhookHook) newRequest(ctx context.Context, event Event) (*http.Request, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range h.headers {
		req.Header[key] = append([]string(nil), values...)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderDelivery, uuid.NewString())
	if event.SessionID != "" {
		req.Header.Set(HeaderSession, event.SessionID)
	}
	return req, nil
}

func (h *WebhookHook) Type() string { return "webhook" }

func (h *WebhookHook) ID() string { return h.id }
