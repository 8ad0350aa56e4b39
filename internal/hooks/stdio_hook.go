package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// StdioHook writes events to a stream (stderr by default) for a supervising
// process to parse.
type StdioHook struct {
	id     string
	format string // "json" or "env"

	mu  sync.Mutex
	out io.Writer
}

// NewStdioHook creates a stdio hook writing to stderr.
func NewStdioHook(id, format string) *StdioHook {
	return &StdioHook{id: id, format: format, out: os.Stderr}
}

// SetOutput redirects the hook's output.
func (h *StdioHook) SetOutput(w io.Writer) *StdioHook {
	h.mu.Lock()
	h.out = w
	h.mu.Unlock()
	return h
}

// Execute writes event in the configured format. Concurrent executions do not
// interleave.
func (h *StdioHook) Execute(ctx context.Context, event Event) error {
	var text string
	switch h.format {
	case "json":
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("stdio hook %s: marshal: %w", h.id, err)
		}
		text = "LOOPREC_EVENT: " + string(data) + "\n"
	case "env":
		lines := append([]string{"# looprec event: " + string(event.Type)}, eventEnv(event)...)
		text = strings.Join(lines, "\n") + "\n\n"
	default:
		return fmt.Errorf("stdio hook %s: unsupported format: %s", h.id, h.format)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := io.WriteString(h.out, text); err != nil {
		return fmt.Errorf("stdio hook %s: write: %w", h.id, err)
	}
	return nil
}

func (h *StdioHook) Type() string { return "stdio" }

func (h *StdioHook) ID() string { return h.id }
