// Package container implements the Adapter that runs commands inside
// existing or ephemeral containers (§4.6), grounded on the teacher's
// applecontainer.SystemSvc / sandbox.go pattern of shelling out to a CLI
// binary and parsing its output, generalized from the fixed `container`
// binary to a configurable docker-CLI-compatible runtime binary (docker,
// podman, nerdctl, or apple's own `container`).
package container

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/xec-sh/xec-go/internal/adapter/buflimit"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/namegen"
	"github.com/xec-sh/xec-go/internal/result"
	"github.com/xec-sh/xec-go/internal/sanitize"
)

// Config configures the container adapter.
type Config struct {
	// Binary is the CLI to invoke: "docker", "podman", "nerdctl", or
	// apple's "container". Defaults to "docker".
	Binary string

	MaxBufferBytes int64
}

// Adapter drives a container runtime CLI.
type Adapter struct {
	cfg Config

	mu         sync.Mutex
	disposed   bool
	ephemerals map[string]string // target identity -> created container name
	lastHandle string          // most recently Execute-d container, used by Copier/HealthChecker
}

// New constructs a container Adapter.
func New(cfg Config) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return &Adapter{cfg: cfg, ephemerals: make(map[string]string)}
}

func (a *Adapter) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disposed = true
	return nil
}

func (a *Adapter) bin() string { return a.cfg.Binary }

func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, a.bin(), args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// resolveHandle returns the running container's name/ID for cmd's target,
// creating an ephemeral container on first use if cmd.Target.Container.Image
// is set instead of ExistingContainer.
func (a *Adapter) resolveHandle(ctx context.Context, t *command.ContainerTarget) (string, error) {
	if t.ExistingContainer != "" {
		return t.ExistingContainer, nil
	}

	a.mu.Lock()
	key := t.Image + "|" + t.Network + "|" + t.Workdir
	if existing, ok := a.ephemerals[key]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	a.mu.Unlock()

	if _, err := name.ParseReference(t.Image); err != nil {
		return "", &result.ValidationError{Field: "target.container.image", Reason: err.Error()}
	}

	containerName := namegen.Ephemeral(t.Image)
	opts := RunOptions{
		Workdir:    t.Workdir,
		User:       t.User,
		Env:        t.Env,
		Network:    t.Network,
		Volume:     t.Volumes,
		Publish:    t.Ports,
		Name:       containerName,
		AutoRemove: t.AutoRemove,
		Detach:     true,
		Interactive: true,
	}
	args := append([]string{"run"}, toArgs(&opts)...)
	args = append(args, t.Image, "sleep", "infinity")

	if out, err := a.run(ctx, args...); err != nil {
		return "", &result.ContainerError{Target: containerName, Operation: "run", Wrapped: fmt.Errorf("%w: %s", err, out)}
	}

	if t.Healthcheck != "" {
		if err := a.waitForHandleHealthy(ctx, containerName, 30000); err != nil {
			return "", err
		}
	}

	a.mu.Lock()
	a.ephemerals[key] = containerName
	a.mu.Unlock()
	return containerName, nil
}

// Execute runs cmd inside the container identified by cmd.Target.Container.
func (a *Adapter) Execute(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	if cmd.Target.Container == nil {
		return nil, &result.ValidationError{Field: "target.container", Reason: "container adapter requires a ContainerTarget"}
	}
	if cmd.CancelToken.Fired() {
		return nil, &result.CancelledError{Command: cmd.Program, Origin: "user"}
	}

	target := cmd.Target.Container
	handle, err := a.resolveHandle(ctx, target)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.lastHandle = handle
	a.mu.Unlock()

	opts := ExecOptions{
		Workdir:     target.Workdir,
		User:        target.User,
		Env:         cmd.Env,
		Interactive: true,
	}
	args := append([]string{"exec"}, toArgs(&opts)...)
	args = append(args, handle, cmd.Program)
	args = append(args, cmd.Args...)

	execCmd := exec.CommandContext(ctx, a.bin(), args...)
	var killedForOverflow bool
	overflow := func() {
		killedForOverflow = true
		_ = execCmd.Process.Kill()
	}
	stdoutBuf := buflimit.New(a.cfg.MaxBufferBytes, overflow)
	stderrBuf := buflimit.New(a.cfg.MaxBufferBytes, overflow)
	execCmd.Stdout = stdoutBuf
	execCmd.Stderr = stderrBuf
	switch {
	case cmd.InheritStdin:
		execCmd.Stdin = os.Stdin
	case len(cmd.Stdin) > 0:
		execCmd.Stdin = bytes.NewReader(cmd.Stdin)
	}

	started := time.Now()

	waitErr := make(chan error, 1)
	if err := execCmd.Start(); err != nil {
		return nil, &result.AdapterError{Adapter: "container", Operation: "start", Wrapped: err}
	}
	go func() { waitErr <- execCmd.Wait() }()

	var timeoutCh <-chan time.Time
	if cmd.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(cmd.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var timedOut, cancelled bool
	select {
	case err = <-waitErr:
	case <-timeoutCh:
		timedOut = true
		_ = execCmd.Process.Kill()
		err = <-waitErr
	case <-cmd.CancelToken.Done():
		cancelled = true
		_ = execCmd.Process.Kill()
		err = <-waitErr
	}
	finished := time.Now()

	if killedForOverflow || stdoutBuf.Overflowed() || stderrBuf.Overflowed() {
		stream := "stdout"
		if stderrBuf.Overflowed() {
			stream = "stderr"
		}
		sanitized := sanitize.Command(cmd.Program, cmd.Args)
		if cmd.Nothrow {
			return &result.Result{
				ExitCode:   -1,
				Signal:     "SIGKILL",
				Command:    sanitized,
				DurationMs: finished.Sub(started).Milliseconds(),
				StartedAt:  started,
				FinishedAt: finished,
				Adapter:    result.AdapterContainer,
				Container:  handle,
			}, nil
		}
		return nil, &result.BufferOverflowError{Command: sanitized, MaxBufferSize: a.cfg.MaxBufferBytes, Stream: stream}
	}

	if cancelled && !cmd.Nothrow {
		return nil, &result.CancelledError{Command: cmd.Program, Origin: "user"}
	}
	if timedOut && !cmd.Nothrow {
		return nil, &result.TimeoutError{Command: cmd.Program, TimeoutMs: cmd.TimeoutMs}
	}

	exitCode := 0
	var signal string
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	if timedOut || cancelled {
		signal = "SIGKILL"
	}

	res := &result.Result{
		Stdout:     stdoutBuf.Bytes(),
		Stderr:     stderrBuf.Bytes(),
		ExitCode:   exitCode,
		Signal:     signal,
		Command:    sanitize.Command(cmd.Program, cmd.Args),
		DurationMs: finished.Sub(started).Milliseconds(),
		StartedAt:  started,
		FinishedAt: finished,
		Adapter:    result.AdapterContainer,
		Container:  handle,
	}

	if !res.Ok() && !cmd.Nothrow {
		return nil, &result.CommandError{
			Command:    res.Command,
			ExitCode:   res.ExitCode,
			Signal:     res.Signal,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			DurationMs: res.DurationMs,
		}
	}
	return res, nil
}

// Start, Stop, Restart, Remove, Inspect, Stats are the lifecycle operations
// §4.6 lists alongside exec.
func (a *Adapter) Start(ctx context.Context, handle string) error {
	_, err := a.run(ctx, "start", handle)
	return wrapLifecycleErr(handle, "start", err)
}

func (a *Adapter) Stop(ctx context.Context, handle string) error {
	_, err := a.run(ctx, "stop", handle)
	return wrapLifecycleErr(handle, "stop", err)
}

func (a *Adapter) Restart(ctx context.Context, handle string) error {
	_, err := a.run(ctx, "restart", handle)
	return wrapLifecycleErr(handle, "restart", err)
}

func (a *Adapter) Remove(ctx context.Context, handle string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, handle)
	_, err := a.run(ctx, args...)
	return wrapLifecycleErr(handle, "remove", err)
}

func (a *Adapter) Inspect(ctx context.Context, handle string) (string, error) {
	out, err := a.run(ctx, "inspect", handle)
	if err != nil {
		return "", wrapLifecycleErr(handle, "inspect", err)
	}
	return string(out), nil
}

func (a *Adapter) Stats(ctx context.Context, handle string) (string, error) {
	out, err := a.run(ctx, "stats", "--no-stream", handle)
	if err != nil {
		return "", wrapLifecycleErr(handle, "stats", err)
	}
	return string(out), nil
}

func wrapLifecycleErr(handle, op string, err error) error {
	if err == nil {
		return nil
	}
	return &result.ContainerError{Target: handle, Operation: op, Wrapped: err}
}
