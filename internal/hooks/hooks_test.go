package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingHook collects the events it is executed with.
type recordingHook struct {
	id  string
	err error

	mu     sync.Mutex
	events []Event
}

func (h *recordingHook) Execute(ctx context.Context, event Event) error {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHook) Type() string { return "recording" }
func (h *recordingHook) ID() string   { return h.id }

func (h *recordingHook) seen() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func TestEvent(t *testing.T) {
	event := NewEvent(EventRecordingStart).
		WithSession("3f1c").
		WithData("path", "recordings/3f1c.flv").
		WithData("queued_frames", 42)

	if event.Type != EventRecordingStart {
		t.Errorf("Expected event type %s, got %s", EventRecordingStart, event.Type)
	}
	if event.SessionID != "3f1c" {
		t.Errorf("Expected session '3f1c', got %s", event.SessionID)
	}
	if event.Data["queued_frames"] != 42 {
		t.Errorf("Expected queued_frames 42, got %v", event.Data["queued_frames"])
	}
	if s := event.String(); s != "recording_start:3f1c" {
		t.Errorf("Expected 'recording_start:3f1c', got %s", s)
	}
	if s := NewEvent(EventOverrun).String(); s != "overrun" {
		t.Errorf("Expected 'overrun', got %s", s)
	}
}

func TestEventEnv(t *testing.T) {
	event := Event{
		Type:      EventStateChanged,
		Timestamp: 1700000000,
		SessionID: "abc",
		Data:      map[string]interface{}{"to": "draining", "from": "buffering"},
	}
	got := eventEnv(event)
	want := []string{
		"LOOPREC_EVENT_TYPE=state_changed",
		"LOOPREC_TIMESTAMP=1700000000",
		"LOOPREC_SESSION_ID=abc",
		"LOOPREC_FROM=buffering",
		"LOOPREC_TO=draining",
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("env mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestStdioHookJSON(t *testing.T) {
	var out bytes.Buffer
	hook := NewStdioHook("stdio-test", "json").SetOutput(&out)
	if hook.Type() != "stdio" || hook.ID() != "stdio-test" {
		t.Fatalf("unexpected identity %s/%s", hook.Type(), hook.ID())
	}

	event := NewEvent(EventRecordingStop).WithSession("s1")
	if err := hook.Execute(context.Background(), *event); err != nil {
		t.Fatalf("execute: %v", err)
	}
	line := strings.TrimSpace(out.String())
	if !strings.HasPrefix(line, "LOOPREC_EVENT: ") {
		t.Fatalf("missing prefix: %q", line)
	}
	var decoded Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "LOOPREC_EVENT: ")), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != EventRecordingStop || decoded.SessionID != "s1" {
		t.Fatalf("unexpected event %+v", decoded)
	}
}

func TestStdioHookEnvAndBadFormat(t *testing.T) {
	var out bytes.Buffer
	hook := NewStdioHook("env", "env").SetOutput(&out)
	if err := hook.Execute(context.Background(), *NewEvent(EventOverrun).WithData("frames", 9)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "LOOPREC_FRAMES=9") {
		t.Fatalf("expected data variable, got %q", out.String())
	}

	bad := NewStdioHook("bad", "xml").SetOutput(io.Discard)
	if err := bad.Execute(context.Background(), *NewEvent(EventOverrun)); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestWebhookHook(t *testing.T) {
	var (
		mu      sync.Mutex
		got     []Event
		headers []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		got = append(got, ev)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhookHook("webhook-test", srv.URL, 5*time.Second).AddHeader("Authorization", "Bearer token")
	if hook.Type() != "webhook" || hook.ID() != "webhook-test" {
		t.Fatalf("unexpected identity %s/%s", hook.Type(), hook.ID())
	}
	if err := hook.Execute(context.Background(), *NewEvent(EventStopTimeout).WithSession("s2")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := hook.Execute(context.Background(), *NewEvent(EventOverrun)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Type != EventStopTimeout || got[0].SessionID != "s2" {
		t.Fatalf("unexpected bodies %+v", got)
	}
	h := headers[0]
	if h.Get("Authorization") != "Bearer token" || h.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get(HeaderEvent) != "stop_timeout" || h.Get(HeaderSession) != "s2" {
		t.Fatalf("missing event or session header: %v", h)
	}
	if headers[1].Get(HeaderSession) != "" {
		t.Fatalf("session header set for an event without session: %v", headers[1])
	}
	first, second := h.Get(HeaderDelivery), headers[1].Get(HeaderDelivery)
	if first == "" || first == second {
		t.Fatalf("each delivery needs its own ID, got %q and %q", first, second)
	}
}

func TestWebhookHookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recording store offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hook := NewWebhookHook("failing", srv.URL, 0)
	if hook.client.Timeout != defaultWebhookTimeout {
		t.Fatalf("expected default timeout, got %s", hook.client.Timeout)
	}
	err := hook.Execute(context.Background(), *NewEvent(EventOverrun))
	if err == nil || !strings.Contains(err.Error(), "status 503") || !strings.Contains(err.Error(), "recording store offline") {
		t.Fatalf("expected status error with body excerpt, got %v", err)
	}
}

func TestShellHook(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	out := filepath.Join(t.TempDir(), "env.txt")
	hook := NewShellHookWithCommand("env-dump", "/bin/sh",
		[]string{"-c", `echo "$LOOPREC_EVENT_TYPE $LOOPREC_SESSION_ID $LOOPREC_PATH $EXTRA" > "$OUT"; cat >> "$OUT"`}).
		SetEnv([]string{"EXTRA=x", "OUT=" + out}).
		SetPassJSON(true)
	if hook.Type() != "shell" || hook.ID() != "env-dump" {
		t.Fatalf("unexpected identity %s/%s", hook.Type(), hook.ID())
	}

	event := NewEvent(EventRecordingStart).WithSession("s3").WithData("path", "a.flv")
	if err := hook.Execute(context.Background(), *event); err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if lines[0] != "recording_start s3 a.flv x" {
		t.Fatalf("unexpected env line %q", lines[0])
	}
	if len(lines) < 2 || !strings.Contains(lines[1], `"session_id":"s3"`) {
		t.Fatalf("expected JSON on stdin, got %q", data)
	}
}

func TestShellHookFailure(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	hook := NewShellHookWithCommand("fail", "/bin/sh", []string{"-c", "echo boom >&2; exit 3"})
	err := hook.Execute(context.Background(), *NewEvent(EventOverrun))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected failure with stderr, got %v", err)
	}
}

func TestHookManager(t *testing.T) {
	manager := NewHookManager(DefaultHookConfig(), nil)

	hook := &recordingHook{id: "rec"}
	if err := manager.RegisterHook(EventRecordingStart, hook); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := manager.RegisterHook(EventRecordingStart, nil); err == nil {
		t.Fatalf("expected nil hook to be rejected")
	}
	if st := manager.GetStats(); st.TotalHooks != 1 || st.HooksByType[EventRecordingStart] != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	manager.TriggerEvent(context.Background(), *NewEvent(EventRecordingStart).WithSession("s"))
	manager.TriggerEvent(context.Background(), *NewEvent(EventRecordingStop)) // no hooks

	if !manager.UnregisterHook(EventRecordingStart, "rec") {
		t.Fatalf("unregister failed")
	}
	if manager.UnregisterHook(EventRecordingStart, "rec") {
		t.Fatalf("second unregister should report false")
	}

	if err := manager.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := hook.seen(); len(got) != 1 || got[0].SessionID != "s" {
		t.Fatalf("expected one delivered event, got %+v", got)
	}
}

func TestHookManagerRegisterAllAndFailures(t *testing.T) {
	manager := NewHookManager(HookConfig{Timeout: "bogus", Concurrency: 2}, nil)
	ok := &recordingHook{id: "ok"}
	bad := &recordingHook{id: "bad", err: errors.New("unreachable")}
	if err := manager.RegisterAll(ok); err != nil {
		t.Fatalf("register all: %v", err)
	}
	if err := manager.RegisterHook(EventOverrun, bad); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, et := range AllEventTypes() {
		manager.TriggerEvent(context.Background(), *NewEvent(et))
	}
	manager.Close()

	if n := len(ok.seen()); n != len(AllEventTypes()) {
		t.Fatalf("expected %d events, got %d", len(AllEventTypes()), n)
	}
	if st := manager.GetStats(); st.Failures != 1 || st.PoolSize != 2 || st.PoolActive != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}

	// Events after Close are dropped.
	manager.TriggerEvent(context.Background(), *NewEvent(EventOverrun))
	if n := len(ok.seen()); n != len(AllEventTypes()) {
		t.Fatalf("event delivered after close")
	}
}

func TestHookManagerStdio(t *testing.T) {
	manager := NewHookManager(HookConfig{StdioFormat: "json"}, nil)
	var out bytes.Buffer
	manager.mu.Lock()
	manager.stdioHook.SetOutput(&out)
	manager.mu.Unlock()

	manager.TriggerEvent(context.Background(), *NewEvent(EventStateChanged).WithData("to", "draining"))
	manager.Close()
	if !strings.Contains(out.String(), `"type":"state_changed"`) {
		t.Fatalf("expected stdio event, got %q", out.String())
	}
	if !manager.GetStats().StdioEnabled {
		t.Fatalf("stdio should be reported enabled")
	}
	if err := manager.EnableStdioOutput("yaml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	manager.DisableStdioOutput()
	if manager.GetStats().StdioEnabled {
		t.Fatalf("stdio should be disabled")
	}
}

func TestNilManagerIsSafe(t *testing.T) {
	var manager *HookManager
	manager.TriggerEvent(context.Background(), *NewEvent(EventOverrun))
	if err := manager.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
