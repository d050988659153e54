package container

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/xec-sh/xec-go/internal/result"
)

// WaitForHealthy polls the most recently Execute-d container's
// Health.Status until it reports "healthy" or timeoutMs elapses, satisfying
// adapter.HealthChecker.
func (a *Adapter) WaitForHealthy(ctx context.Context, timeoutMs int64) error {
	a.mu.Lock()
	handle := a.lastHandle
	a.mu.Unlock()
	if handle == "" {
		return &result.ValidationError{Field: "container", Reason: "no container handle resolved for health check; call Execute first"}
	}
	return a.waitForHandleHealthy(ctx, handle, timeoutMs)
}

// waitForHandleHealthy polls `inspect`'s Health.Status field for a specific
// handle until it reports "healthy" or timeoutMs elapses, the same
// poll-until-terminal shape the teacher's PodWatcher/ContainerPool health
// loops use. Used internally during ephemeral container creation, before a
// handle has been recorded via Execute.
func (a *Adapter) waitForHandleHealthy(ctx context.Context, handle string, timeoutMs int64) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	const pollInterval = 500 * time.Millisecond

	for {
		status, err := a.healthStatus(ctx, handle)
		if err == nil && status == "healthy" {
			return nil
		}
		if time.Now().After(deadline) {
			return &result.TimeoutError{Command: "waitForHealthy:" + handle, TimeoutMs: timeoutMs}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (a *Adapter) healthStatus(ctx context.Context, handle string) (string, error) {
	out, err := a.run(ctx, "inspect", "--format", "{{json .State.Health}}", handle)
	if err != nil {
		return "", wrapLifecycleErr(handle, "inspect-health", err)
	}
	var health struct {
		Status string `json:"Status"`
	}
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" || trimmed == "null" {
		return "", nil
	}
	if err := json.Unmarshal([]byte(trimmed), &health); err != nil {
		return "", err
	}
	return strings.ToLower(health.Status), nil
}
