package command

import (
	"context"
	"sync"

	"github.com/xec-sh/xec-go/internal/result"
)

// Runner is the seam a CommandObject calls through to actually dispatch a
// Command. The engine supplies the concrete implementation (adapter
// selection, cache lookup, retry, event emission); command stays ignorant
// of all of that so it can be unit-tested with a fake Runner.
type Runner interface {
	Run(ctx context.Context, cmd *Command) (*result.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd *Command) (*result.Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd *Command) (*result.Result, error) {
	return f(ctx, cmd)
}

// Object is the lazy, chainable handle to a pending or completed execution
// (§4.2, "Command Object"). No process is started until the first Run/Text/
// JSON/Lines/Buffer call. Every fluent mutator returns a new Object; the
// receiver's observable state is unchanged.
type Object struct {
	runner Runner
	cmd    *Command

	mu      sync.Mutex
	started bool
	done    chan struct{}
	res     *result.Result
	err     error
}

// New wraps cmd for execution through runner. If cmd has no CancelToken yet,
// one is allocated so Kill() always has something to fire.
func New(runner Runner, cmd *Command) *Object {
	if cmd.CancelToken == nil {
		cmd = cmd.Clone()
		cmd.CancelToken = NewCancelToken()
	}
	return &Object{runner: runner, cmd: cmd}
}

func (o *Object) derive(mutate func(*Command)) *Object {
	nc := o.cmd.Clone()
	mutate(nc)
	return &Object{runner: o.runner, cmd: nc}
}

// Command returns the accumulated configuration. Callers must not mutate
// the returned value.
func (o *Object) Command() *Command { return o.cmd }

func (o *Object) Cwd(dir string) *Object {
	return o.derive(func(c *Command) { c.Cwd = ResolveCwd(c.Cwd, dir) })
}

func (o *Object) Env(env map[string]string) *Object {
	return o.derive(func(c *Command) {
		merged := make(map[string]string, len(c.Env)+len(env))
		for k, v := range c.Env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = v
		}
		c.Env = merged
	})
}

func (o *Object) Shell(shell string) *Object {
	return o.derive(func(c *Command) { c.UseShell = shell })
}

func (o *Object) Timeout(ms int64, signal ...string) *Object {
	sig := "SIGTERM"
	if len(signal) > 0 && signal[0] != "" {
		sig = signal[0]
	}
	return o.derive(func(c *Command) {
		c.TimeoutMs = ms
		c.TimeoutSignal = sig
	})
}

func (o *Object) Nothrow() *Object {
	return o.derive(func(c *Command) { c.Nothrow = true })
}

func (o *Object) Quiet() *Object {
	return o.derive(func(c *Command) { c.Quiet = true })
}

func (o *Object) Interactive() *Object {
	return o.derive(func(c *Command) {
		c.Stdout = InheritSink
		c.Stderr = InheritSink
		c.InheritStdin = true
		c.UseShell = "true"
	})
}

func (o *Object) WithStdout(sink Sink) *Object {
	return o.derive(func(c *Command) { c.Stdout = sink })
}

func (o *Object) WithStderr(sink Sink) *Object {
	return o.derive(func(c *Command) { c.Stderr = sink })
}

// Signal replaces the Command's cancel token with an externally held one,
// so the caller can fire it independently of Kill().
func (o *Object) Signal(tok *CancelToken) *Object {
	return o.derive(func(c *Command) { c.CancelToken = tok })
}

func (o *Object) Cache(opts CacheOptions) *Object {
	return o.derive(func(c *Command) { c.CacheOpts = &opts })
}

// Pipe chains o's captured stdout into target, per §4.11.
func (o *Object) Pipe(target PipeTarget, opts PipeOptions) *Object {
	return Pipe(o.runner, o, target, opts)
}

// Kill cancels the Command Object by firing its cancel token. If execution
// has not started, the process is prevented from ever starting. If it is
// running, the adapter sees the fired token and sends its own cancellation
// signal (SIGTERM for local and ssh, SIGKILL for container and
// cluster-pod); signalName is not passed on to the adapter.
func (o *Object) Kill(signalName string) {
	if signalName == "" {
		signalName = "SIGTERM"
	}
	o.cmd.CancelToken.Cancel()
}

// Run triggers execution (memoized: concurrent callers observe the same
// underlying execution) and returns the Result, or an error per the
// Command's nothrow/throwOnNonZeroExit policy (enforced by the Runner).
func (o *Object) Run(ctx context.Context) (*result.Result, error) {
	o.mu.Lock()
	if !o.started {
		o.started = true
		o.done = make(chan struct{})
		go func() {
			defer close(o.done)
			o.res, o.err = o.runner.Run(ctx, o.cmd)
		}()
	}
	done := o.done
	o.mu.Unlock()
	<-done
	return o.res, o.err
}

// Text runs the command and returns trimmed stdout.
func (o *Object) Text(ctx context.Context) (string, error) {
	r, err := o.Run(ctx)
	if err != nil {
		return "", err
	}
	return r.Text(), nil
}

// JSON runs the command and unmarshals stdout into T.
func JSON[T any](ctx context.Context, o *Object) (T, error) {
	var zero T
	r, err := o.Run(ctx)
	if err != nil {
		return zero, err
	}
	return result.JSON[T](r)
}

// Lines runs the command and returns stdout's non-empty lines.
func (o *Object) Lines(ctx context.Context) ([]string, error) {
	r, err := o.Run(ctx)
	if err != nil {
		return nil, err
	}
	return r.Lines(), nil
}

// Buffer runs the command and returns raw stdout bytes.
func (o *Object) Buffer(ctx context.Context) ([]byte, error) {
	r, err := o.Run(ctx)
	if err != nil {
		return nil, err
	}
	return r.Buffer(), nil
}
