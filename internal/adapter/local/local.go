// Package local implements the Adapter that spawns child processes of the
// host OS (§4.4), grounded on the teacher's exec.CommandContext wrapping
// style (applecontainer/system.go) generalized from a fixed "container"
// binary into an arbitrary program/shell.
package local

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	isatty "github.com/mattn/go-isatty"
	loginshell "github.com/riywo/loginshell"
	term "golang.org/x/term"

	"github.com/xec-sh/xec-go/internal/adapter/buflimit"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
	"github.com/xec-sh/xec-go/internal/sanitize"
)

const gracePeriod = 2 * time.Second

// Config configures the local adapter's defaults.
type Config struct {
	DefaultEnv      map[string]string
	MaxBufferBytes  int64
}

// Adapter spawns child processes on the host OS.
type Adapter struct {
	cfg Config

	mu       sync.Mutex
	disposed bool
}

// New constructs a local Adapter.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disposed = true
	return nil
}

// defaultShell resolves the user's interactive shell (teacher-grounded
// instinct: prefer what the environment already uses over hardcoding
// /bin/sh), falling back to /bin/sh if detection fails.
func defaultShell() string {
	sh, err := loginshell.Shell()
	if err != nil || sh == "" {
		return "/bin/sh"
	}
	return sh
}

// IsTTY reports whether fd 1 (stdout) is a real terminal, used to decide
// whether `interactive()`/inherit sinks make sense for the calling process.
func IsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// enterRawMode puts the inherited stdin into raw mode for the duration of
// an interactive() run, so the child sees keystrokes (including control
// characters like Ctrl-C) instead of the host terminal's own line editing.
// No-op, reporting ok=false, when stdin isn't a terminal.
func enterRawMode() (restore func(), ok bool) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, false
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, false
	}
	return func() { _ = term.Restore(fd, state) }, true
}

func (a *Adapter) Execute(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	if cmd.CancelToken.Fired() {
		return nil, &result.CancelledError{Command: cmd.Program, Origin: "user"}
	}

	program, args := resolveArgv(cmd)

	execCmd := exec.Command(program, args...)
	execCmd.Dir = cmd.Cwd
	execCmd.Env = mergeEnv(a.cfg.DefaultEnv, cmd.Env)

	switch {
	case cmd.InheritStdin:
		execCmd.Stdin = os.Stdin
		if restore, ok := enterRawMode(); ok {
			defer restore()
		}
	case len(cmd.Stdin) > 0:
		execCmd.Stdin = bytes.NewReader(cmd.Stdin)
	}

	maxBuf := a.cfg.MaxBufferBytes

	var killedForOverflow bool
	overflow := func() { killedForOverflow = true }

	stdoutBuf := buflimit.New(maxBuf, func() {
		overflow()
		_ = execCmd.Process.Signal(resolveSignal("SIGKILL"))
	})
	stderrBuf := buflimit.New(maxBuf, func() {
		overflow()
		_ = execCmd.Process.Signal(resolveSignal("SIGKILL"))
	})

	execCmd.Stdout = sinkWriter(cmd.Stdout, stdoutBuf)
	execCmd.Stderr = sinkWriter(cmd.Stderr, stderrBuf)

	started := time.Now()
	if err := execCmd.Start(); err != nil {
		return nil, &result.AdapterError{Adapter: "local", Operation: "start", Wrapped: err}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- execCmd.Wait() }()

	var timeoutTimer *time.Timer
	if cmd.TimeoutMs > 0 {
		timeoutTimer = time.NewTimer(time.Duration(cmd.TimeoutMs) * time.Millisecond)
		defer timeoutTimer.Stop()
	}
	var timeoutCh <-chan time.Time
	if timeoutTimer != nil {
		timeoutCh = timeoutTimer.C
	}

	var timedOut bool
	var cancelled bool
	var signalSent string

	var err error
	select {
	case err = <-waitErr:
	case <-timeoutCh:
		timedOut = true
		signalSent = cmd.TimeoutSignal
		if signalSent == "" {
			signalSent = "SIGTERM"
		}
		_ = execCmd.Process.Signal(resolveSignal(signalSent))
		err = waitWithGrace(execCmd, waitErr)
	case <-cmd.CancelToken.Done():
		cancelled = true
		signalSent = "SIGTERM"
		_ = execCmd.Process.Signal(resolveSignal(signalSent))
		err = waitWithGrace(execCmd, waitErr)
	}

	finished := time.Now()
	duration := finished.Sub(started)

	if killedForOverflow || stdoutBuf.Overflowed() || stderrBuf.Overflowed() {
		stream := "stdout"
		if stderrBuf.Overflowed() {
			stream = "stderr"
		}
		if cmd.Nothrow {
			return &result.Result{
				ExitCode:   -1,
				Signal:     "SIGKILL",
				Command:    sanitizedCmd(program, args),
				DurationMs: duration.Milliseconds(),
				StartedAt:  started,
				FinishedAt: finished,
				Adapter:    result.AdapterLocal,
			}, nil
		}
		return nil, &result.BufferOverflowError{
			Command:       sanitizedCmd(program, args),
			MaxBufferSize: maxBuf,
			Stream:        stream,
		}
	}

	exitCode, signal := exitInfo(err)

	if cancelled && !cmd.Nothrow {
		return nil, &result.CancelledError{Command: sanitizedCmd(program, args), Origin: "user"}
	}
	if timedOut && !cmd.Nothrow {
		return nil, &result.TimeoutError{Command: sanitizedCmd(program, args), TimeoutMs: cmd.TimeoutMs}
	}

	res := &result.Result{
		Stdout:     stdoutBuf.Bytes(),
		Stderr:     stderrBuf.Bytes(),
		ExitCode:   exitCode,
		Signal:     signal,
		Command:    sanitizedCmd(program, args),
		DurationMs: duration.Milliseconds(),
		StartedAt:  started,
		FinishedAt: finished,
		Adapter:    result.AdapterLocal,
	}

	if timedOut && signal == "" {
		res.Signal = signalSent
	}
	if cancelled && signal == "" {
		res.Signal = signalSent
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

func waitWithGrace(execCmd *exec.Cmd, waitErr chan error) error {
	select {
	case err := <-waitErr:
		return err
	case <-time.After(gracePeriod):
		_ = execCmd.Process.Signal(resolveSignal("SIGKILL"))
		return <-waitErr
	}
}

func resolveArgv(cmd *command.Command) (string, []string) {
	if cmd.UseShell == "" {
		return cmd.Program, cmd.Args
	}
	shell := cmd.UseShell
	if shell == "true" {
		shell = defaultShell()
	}
	line := cmd.Program
	if len(cmd.Args) > 0 {
		line = line + " " + strings.Join(cmd.Args, " ")
	}
	return shell, []string{"-c", line}
}

func sinkWriter(sink command.Sink, capture io.Writer) io.Writer {
	switch sink.Kind {
	case command.SinkIgnore:
		return io.Discard
	case command.SinkInherit:
		return os.Stdout
	case command.SinkWriter:
		if sink.Writer != nil {
			return io.MultiWriter(sink.Writer, capture)
		}
		return capture
	default:
		return capture
	}
}

func mergeEnv(defaults, overrides map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

func sanitizedCmd(program string, args []string) string {
	return sanitize.Command(program, args)
}

func exitInfo(err error) (exitCode int, signal string) {
	if err == nil {
		return 0, ""
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		slog.Debug("local.exitInfo: non-ExitError from Wait", "error", err)
		return -1, ""
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, signalName(ws.Signal())
	}
	return exitErr.ExitCode(), ""
}
