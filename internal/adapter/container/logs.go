package container

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/result"
)

// StreamLogs runs `<binary> logs [--follow] [--tail N] [--timestamps]
// <handle>` and delivers each line to cb, satisfying adapter.LogStreamer.
// The returned cancel func kills the underlying logs process.
func (a *Adapter) StreamLogs(ctx context.Context, opts adapter.LogOptions, cb func(line string)) (func(), error) {
	args := []string{"logs"}
	if opts.Follow {
		args = append(args, "--follow")
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(opts.Tail))
	}
	if opts.Timestamps {
		args = append(args, "--timestamps")
	}
	if opts.Container == "" {
		return nil, &result.ValidationError{Field: "logOptions.container", Reason: "container handle is required"}
	}
	args = append(args, opts.Container)

	logCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(logCtx, a.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &result.ContainerError{Target: opts.Container, Operation: "logs", Wrapped: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &result.ContainerError{Target: opts.Container, Operation: "logs", Wrapped: err}
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			cb(scanner.Text())
		}
	}()
	go func() { _ = cmd.Wait() }()

	return cancel, nil
}
