package container

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

// TestMain lets this test binary also act as a fake docker/podman/kubectl
// CLI: when GO_WANT_HELPER_PROCESS=1, os.Args[0] re-executed by exec.Command
// runs TestHelperProcess instead of the real test suite, the classic
// os/exec-test double used throughout the standard library for faking an
// external binary without touching the network or a real container runtime.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// runHelperProcess emulates the runtime CLI invoked as `exec [flags]
// xec-test-handle <program> <args...>`: everything after the sentinel
// handle is cmd.Program/cmd.Args, so tests never need to know the exact
// exec/run flag shape toArgs produces.
func runHelperProcess() {
	args := os.Args
	handleIdx := -1
	for i, a := range args {
		if a == "xec-test-handle" {
			handleIdx = i
			break
		}
	}
	if handleIdx < 0 || handleIdx+1 >= len(args) {
		fmt.Fprintln(os.Stderr, "fake runtime: no test handle found in args")
		os.Exit(2)
	}
	program := args[handleIdx+1]
	rest := args[handleIdx+2:]

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
		fmt.Fprintf(os.Stderr, "fake runtime: unknown program %q\n", program)
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

func existingTarget() *command.ContainerTarget {
	return &command.ContainerTarget{ExistingContainer: "xec-test-handle"}
}

func TestContainerExecuteCapturesStdout(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "echo", Args: []string{"hi"},
		Target: command.Target{Container: existingTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(res.Stdout) != "hi\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hi\n")
	}
	if res.Container != "xec-test-handle" {
		t.Errorf("Container = %q, want xec-test-handle", res.Container)
	}
}

func TestContainerExecuteNonZeroExitThrowsByDefault(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	_, err := a.Execute(t.Context(), &command.Command{
		Program: "exit", Args: []string{"3"},
		Target: command.Target{Container: existingTarget()},
	})
	var cmdErr *result.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *result.CommandError", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cmdErr.ExitCode)
	}
}

func TestContainerExecuteNonZeroExitNothrow(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "exit", Args: []string{"3"}, Nothrow: true,
		Target: command.Target{Container: existingTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil (nothrow)", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestContainerExecuteBufferOverflowNothrow(t *testing.T) {
	withHelperEnv(t)
	a := New(Config{Binary: os.Args[0], MaxBufferBytes: 8})
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "big-stdout", Args: []string{"4096"}, Nothrow: true,
		Target: command.Target{Container: existingTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil (nothrow)", err)
	}
	if res.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", res.Signal)
	}
	if res.Ok() {
		t.Error("Ok() = true for a buffer-overflow kill")
	}
}

func TestContainerExecuteBufferOverflowThrowsByDefault(t *testing.T) {
	withHelperEnv(t)
	a := New(Config{Binary: os.Args[0], MaxBufferBytes: 8})
	_, err := a.Execute(t.Context(), &command.Command{
		Program: "big-stdout", Args: []string{"4096"},
		Target: command.Target{Container: existingTarget()},
	})
	var overflowErr *result.BufferOverflowError
	if !errors.As(err, &overflowErr) {
		t.Fatalf("err = %v, want *result.BufferOverflowError", err)
	}
}

func TestContainerExecuteTimeoutSetsSignal(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "sleep-ms", Args: []string{"5000"}, TimeoutMs: 50, Nothrow: true,
		Target: command.Target{Container: existingTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil (nothrow)", err)
	}
	if res.Signal != "SIGKILL" {
		t.Errorf("Signal = %q, want SIGKILL", res.Signal)
	}
}

func TestContainerExecuteRequiresContainerTarget(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	_, err := a.Execute(t.Context(), &command.Command{Program: "echo"})
	var valErr *result.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want *result.ValidationError", err)
	}
}

func TestContainerExecuteStdinIsFed(t *testing.T) {
	withHelperEnv(t)
	a := New(fakeConfig())
	res, err := a.Execute(t.Context(), &command.Command{
		Program: "cat-stdin", Stdin: []byte("from test\n"),
		Target: command.Target{Container: existingTarget()},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(res.Stdout) != "from test\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "from test\n")
	}
}
