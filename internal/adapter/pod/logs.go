package pod

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/result"
)

// StreamLogs runs `<binary> logs [-f] [--tail N] [--timestamps] <pod>
// [-c container]` against the most recently Execute-d pod target,
// satisfying adapter.LogStreamer; Follow maps to opts.Follow.
func (a *Adapter) StreamLogs(ctx context.Context, opts adapter.LogOptions, cb func(line string)) (func(), error) {
	a.mu.Lock()
	target := a.lastTarget
	a.mu.Unlock()
	if target == nil {
		return nil, &result.ValidationError{Field: "target.pod", Reason: "no pod target resolved for log streaming; call Execute first"}
	}
	if opts.Container == "" {
		opts.Container = target.Container
	}

	if target.Pod == "" {
		return nil, &result.ValidationError{Field: "target.pod", Reason: "StreamLogs requires a literal pod name, not a label selector"}
	}

	args := []string{"logs"}
	args = append(args, targetArgs(target)...)
	if opts.Follow {
		args = append(args, "-f")
	}
	if opts.Tail > 0 {
		args = append(args, "--tail", strconv.Itoa(opts.Tail))
	}
	if opts.Timestamps {
		args = append(args, "--timestamps")
	}
	if opts.Container != "" {
		args = append(args, "-c", opts.Container)
	}
	args = append(args, target.Pod)

	logCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(logCtx, a.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &result.ClusterPodError{Target: target.Pod, Operation: "logs", Wrapped: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &result.ClusterPodError{Target: target.Pod, Operation: "logs", Wrapped: err}
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

// Follow is sugar for StreamLogs with Follow: true, matching §4.7's
// `follow({container?, tail, timestamps})` operation name.
func (a *Adapter) Follow(ctx context.Context, tail int, timestamps bool, containerName string, cb func(line string)) (func(), error) {
	return a.StreamLogs(ctx, adapter.LogOptions{Follow: true, Tail: tail, Timestamps: timestamps, Container: containerName}, cb)
}
