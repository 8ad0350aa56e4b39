package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ShellHook runs a command per event. Event fields are exported as LOOPREC_*
// environment variables; with SetPassJSON the event is also written to stdin.
type ShellHook struct {
	id       string
	command  string
	args     []string
	env      []string
	passJSON bool
}

// NewShellHook runs scriptPath with /bin/sh.
func NewShellHook(id, scriptPath string) *ShellHook {
	return NewShellHookWithCommand(id, "/bin/sh", []string{scriptPath})
}

// NewShellHookWithCommand runs command with args.
func NewShellHookWithCommand(id, command string, args []string) *ShellHook {
	return &ShellHook{id: id, command: command, args: args}
}

// SetPassJSON toggles writing the JSON event to the command's stdin.
func (h *ShellHook) SetPassJSON(passJSON bool) *ShellHook {
	h.passJSON = passJSON
	return h
}

// SetEnv adds fixed KEY=value pairs to the command environment.
func (h *ShellHook) SetEnv(env []string) *ShellHook {
	h.env = env
	return h
}

// Execute runs the command and waits for it. The manager's per-execution
// timeout kills it through ctx.
func (h *ShellHook) Execute(ctx context.Context, event Event) error {
	cmd := exec.CommandContext(ctx, h.command, h.args...)
	cmd.Env = h.environment(event)

	if h.passJSON {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("shell hook %s: marshal: %w", h.id, err)
		}
		cmd.Stdin = bytes.NewReader(append(data, '\n'))
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("shell hook %s: %w: %s", h.id, err, msg)
		}
		return fmt.Errorf("shell hook %s: %w", h.id, err)
	}
	return nil
}

// environment keeps PATH so scripts can find their tools.
func (h *ShellHook) environment(event Event) []string {
	env := make([]string, 0, len(h.env)+len(event.Data)+4)
	if path, ok := os.LookupEnv("PATH"); ok {
		env = append(env, "PATH="+path)
	}
	env = append(env, h.env...)
	return append(env, eventEnv(event)...)
}

func (h *ShellHook) Type() string { return "shell" }

func (h *ShellHook) ID() string { return h.id }
