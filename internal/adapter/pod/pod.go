// Package pod implements the Adapter that drives a cluster CLI (kubectl or
// an equivalent) to run commands inside pods within a namespace/context
// (§4.7), grounded on the same CLI-wrapping idiom the container adapter
// uses rather than a client-go/API-server dependency — the spec calls for
// driving the cluster CLI, not the Kubernetes API directly.
package pod

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/xec-sh/xec-go/internal/adapter/buflimit"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
	"github.com/xec-sh/xec-go/internal/sanitize"
)

// Config configures the cluster-pod adapter.
type Config struct {
	// Binary is the cluster CLI to invoke. Defaults to "kubectl".
	Binary string

	MaxBufferBytes int64
}

// Adapter drives a cluster CLI against one or more pods.
type Adapter struct {
	cfg Config

	mu         sync.Mutex
	disposed   bool
	lastTarget *command.PodTarget // most recent single-pod target, for Copier/PortForwarder
}

// New constructs a cluster-pod Adapter.
func New(cfg Config) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "kubectl"
	}
	return &Adapter{cfg: cfg}
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

// targetArgs builds the `-n/--context/--kubeconfig` flags shared by every
// subcommand, honoring the KUBECONFIG env var when t.Kubeconfig is unset
// (§6: "cluster kubeconfig (KUBECONFIG env var)").
func targetArgs(t *command.PodTarget) []string {
	var args []string
	if t.Namespace != "" {
		args = append(args, "-n", t.Namespace)
	}
	if t.Context != "" {
		args = append(args, "--context", t.Context)
	}
	kubeconfig := t.Kubeconfig
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	if kubeconfig != "" {
		args = append(args, "--kubeconfig", kubeconfig)
	}
	return args
}

// listPods expands t.LabelSelector into a set of pod names via `get pods
// -o jsonpath`, the same one-shot-query shape the teacher's CLI wrappers
// use for enumeration.
func (a *Adapter) listPods(ctx context.Context, t *command.PodTarget) ([]string, error) {
	args := append([]string{"get", "pods", "-l", t.LabelSelector, "-o", "jsonpath={.items[*].metadata.name}"}, targetArgs(t)...)
	out, err := a.run(ctx, args...)
	if err != nil {
		return nil, &result.ClusterPodError{Target: t.LabelSelector, Operation: "list", Wrapped: fmt.Errorf("%w: %s", err, out)}
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 {
		return nil, &result.ClusterPodError{Target: t.LabelSelector, Operation: "list", Wrapped: fmt.Errorf("no pods matched selector %q", t.LabelSelector)}
	}
	return fields, nil
}

// Execute runs cmd inside the single pod identified by cmd.Target.Pod. When
// Target.Pod.Pod is empty and LabelSelector is set instead, Execute resolves
// the selector to exactly one pod if it matches a single pod, and fails
// otherwise — fan-out across a multi-pod selector is ExecuteSelector's job,
// since Adapter.Execute must return one Result (§4.3).
func (a *Adapter) Execute(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	if cmd.Target.Pod == nil {
		return nil, &result.ValidationError{Field: "target.pod", Reason: "cluster-pod adapter requires a PodTarget"}
	}
	if cmd.CancelToken.Fired() {
		return nil, &result.CancelledError{Command: cmd.Program, Origin: "user"}
	}

	target := cmd.Target.Pod
	podName := target.Pod
	if podName == "" {
		if target.LabelSelector == "" {
			return nil, &result.ValidationError{Field: "target.pod", Reason: "either Pod or LabelSelector must be set"}
		}
		pods, err := a.listPods(ctx, target)
		if err != nil {
			return nil, err
		}
		if len(pods) != 1 {
			return nil, &result.ValidationError{Field: "target.pod.labelSelector", Reason: fmt.Sprintf("selector %q matched %d pods; use ExecuteSelector for fan-out", target.LabelSelector, len(pods))}
		}
		podName = pods[0]
	}

	a.mu.Lock()
	a.lastTarget = target
	a.mu.Unlock()

	return a.execOnPod(ctx, cmd, target, podName)
}

func (a *Adapter) execOnPod(ctx context.Context, cmd *command.Command, target *command.PodTarget, podName string) (*result.Result, error) {
	args := []string{"exec"}
	args = append(args, targetArgs(target)...)
	if target.Container != "" {
		args = append(args, "-c", target.Container)
	}
	if len(cmd.Stdin) > 0 || cmd.InheritStdin {
		args = append(args, "-i")
	}
	args = append(args, podName, "--")
	args = append(args, cmd.Program)
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
		return nil, &result.AdapterError{Adapter: "cluster-pod", Operation: "start", Wrapped: err}
	}
	go func() { waitErr <- execCmd.Wait() }()

	var timeoutCh <-chan time.Time
	if cmd.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(cmd.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var timedOut, cancelled bool
	var err error
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
				Adapter:    result.AdapterClusterPod,
				Pod:        podName,
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
		Adapter:    result.AdapterClusterPod,
		Pod:        podName,
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

// SelectorOutcome is one pod's settled outcome from ExecuteSelector.
type SelectorOutcome struct {
	Pod    string
	Result *result.Result
	Err    error
}

// ExecuteSelector expands cmd.Target.Pod.LabelSelector into its matching
// pods and runs cmd on each one, one Result per pod (§4.7: "selector
// expands to a set of pods, and exec on a selector fans out"). Every pod
// runs in its own goroutine at once; errors are per-pod, carried in each
// SelectorOutcome's Err.
func (a *Adapter) ExecuteSelector(ctx context.Context, cmd *command.Command) ([]SelectorOutcome, error) {
	if cmd.Target.Pod == nil || cmd.Target.Pod.LabelSelector == "" {
		return nil, &result.ValidationError{Field: "target.pod.labelSelector", Reason: "ExecuteSelector requires a LabelSelector"}
	}
	target := cmd.Target.Pod

	pods, err := a.listPods(ctx, target)
	if err != nil {
		return nil, err
	}

	out := make([]SelectorOutcome, len(pods))
	var wg sync.WaitGroup
	for i, podName := range pods {
		wg.Add(1)
		go func(i int, podName string) {
			defer wg.Done()
			res, err := a.execOnPod(ctx, cmd, target, podName)
			out[i] = SelectorOutcome{Pod: podName, Result: res, Err: err}
		}(i, podName)
	}
	wg.Wait()
	return out, nil
}
