package pod

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
)

// TestMain doubles this test binary as a fake kubectl: re-exec'd with
// GO_WANT_HELPER_PROCESS=1 it runs runHelperProcess instead of the real test
// suite, the same os/exec-test-double pattern container_test.go uses.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperProcess emulates `kubectl exec ... -- <program> <args...>`,
// driven by cmd.Program/cmd.Args so tests stay independent of targetArgs'
// exact flag shape.
func runHelperProcess() {
	args := os.Args
	sepIdx := -1
	for i, a := range args {
		if a == "--" {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 || sepIdx+1 >= len(args) {
		fmt.Fprintln(os.Stderr, "fake kubectl: no -- separator found in args")
		os.Exit(2)
	}
	program := args[sepIdx+1]
	rest := args[sepIdx+2:]

	switch program {
	case "echo":
		for i, a := range rest {
			if i > 0 {
				fmt.Print(" ")
			}
			fmt.Print(a)
		}
		fmt.Println()
	case "cat-stdin":
		io.Copy(os.Stdout, os.Stdin)
	case "exit":
		code, _ := strconv.Atoi(rest[0])
		os.Exit(code)
	case "sleep-ms":
		ms, _ := strconv.Atoi(rest[0])
		time.Sleep(time.Duration(ms) * time.Millisecond)
	case "big-stdout":
		n, _ := strconv.Atoi(rest[0])
		os.Stdout.Write(make([]byte, n))
	default:
		fmt.Fprintf(os.Stderr, "fake kubectl: unknown program %q\n", program)
		os.Exit(2)
	}
}

func fakeConfig() Config {
	return Config{Binary: os.Args[0], MaxBufferBytes: 1 << 20}
}

func withHelperEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
}

func singlePodTarget() *command.PodTarget {
	return &command.PodTarget{Pod: "xec-test-pod"}
}

func TestPodExecuteCapturesStdout(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "echo", Args: []string{"hi"},
		Target: command.Target{Pod: singlePodTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(res.Stdout) != "hi\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hi\n")
	}
	if res.Pod != "xec-test-pod" {
		t.Errorf("Pod = %q, want xec-test-pod", res.Pod)
	}
}

func TestPodExecuteNonZeroExitThrowsByDefault(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	_, err := a.Execute(t.Context(), &command.Command{
		Program: "exit", Args: []string{"4"},
		Target: command.Target{Pod: singlePodTarget()},
	})
	var cmdErr *result.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *result.CommandError", err)
	}
	if cmdErr.ExitCode != 4 {
		t.Errorf("ExitCode = %d, want 4", cmdErr.ExitCode)
	}
}

func TestPodExecuteBufferOverflowNothrow(t *testing.T) {
	withHelperEnv(t)
	a := New(Config{Binary: os.Args[0], MaxBufferBytes: 8})
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "big-stdout", Args: []string{"4096"}, Nothrow: true,
		Target: command.Target{Pod: singlePodTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil (nothrow)", err)
	}
	if res.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", res.Signal)
	}
}

func TestPodExecuteBufferOverflowThrowsByDefault(t *testing.T) {
	withHelperEnv(t)
	a := New(Config{Binary: os.Args[0], MaxBufferBytes: 8})
	_, err := a.Execute(t.Context(), &command.Command{
		Program: "big-stdout", Args: []string{"4096"},
		Target: command.Target{Pod: singlePodTarget()},
	})
	var overflowErr *result.BufferOverflowError
	if !errors.As(err, &overflowErr) {
		t.Fatalf("err = %v, want *result.BufferOverflowError", err)
	}
}

func TestPodExecuteTimeoutSetsSignal(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "sleep-ms", Args: []string{"5000"}, TimeoutMs: 50, Nothrow: true,
		Target: command.Target{Pod: singlePodTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil (nothrow)", err)
	}
	if res.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", res.Signal)
	}
}

func TestPodExecuteRequiresPodTarget(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	_, err := a.Execute(t.Context(), &command.Command{Program: "echo"})
	var valErr *result.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want *result.ValidationError", err)
	}
}

func TestPodExecuteRequiresPodOrSelector(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	_, err := a.Execute(t.Context(), &command.Command{
		Program: "echo", Target: command.Target{Pod: &command.PodTarget{}},
	})
	var valErr *result.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want *result.ValidationError", err)
	}
}

func TestPodExecuteSelectorRequiresLabelSelector(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	_, err := a.ExecuteSelector(t.Context(), &command.Command{
		Program: "echo", Target: command.Target{Pod: singlePodTarget()},
	})
	var valErr *result.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want *result.ValidationError", err)
	}
}

func TestPodExecuteStdinIsFed(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "cat-stdin", Stdin: []byte("from pod test\n"),
		Target: command.Target{Pod: singlePodTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(res.Stdout) != "from pod test\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "from pod test\n")
	}
}
