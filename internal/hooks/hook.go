package hooks

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Hook handles events.
type Hook interface {
	// Execute handles one event. It runs on a pool goroutine.
	Execute(ctx context.Context, event Event) error

	// Type is the transport name ("stdio", "webhook", "shell").
	Type() string

	// ID identifies the hook instance for logging and unregistration.
	ID() string
}

// HookConfig configures a HookManager.
type HookConfig struct {
	// Per-execution timeout (default: 30s)
	Timeout string `json:"timeout"`

	// Maximum number of concurrent hook executions (default: 10)
	Concurrency int `json:"concurrency"`

	// Structured stdio output: "json", "env", or "" for none
	StdioFormat string `json:"stdio_format"`
}

// DefaultHookConfig returns the defaults documented on HookConfig.
func DefaultHookConfig() HookConfig {
	return HookConfig{
		Timeout:     "30s",
		Concurrency: 10,
	}
}

// envPrefix prefixes every variable exported to shell hooks and env output.
const envPrefix = "LOOPREC_"

// eventEnv renders an event as sorted KEY=value pairs.
func eventEnv(event Event) []string {
	env := []string{
		envPrefix + "EVENT_TYPE=" + string(event.Type),
		fmt.Sprintf("%sTIMESTAMP=%d", envPrefix, event.Timestamp),
	}
	if event.SessionID != "" {
		env = append(env, envPrefix+"SESSION_ID="+event.SessionID)
	}

	keys := make([]string, 0, len(event.Data))
	for key := range event.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%s%s=%v", envPrefix, strings.ToUpper(key), event.Data[key]))
	}
	return env
}
