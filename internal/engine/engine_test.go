package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/ambient"
	"github.com/xec-sh/xec-go/internal/cache"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/parallel"
	"github.com/xec-sh/xec-go/internal/result"
)

// fakeAdapter records the Commands it was asked to execute and returns a
// canned Result, standing in for local/ssh/container/pod in engine tests
// that only need to exercise Engine's own dispatch logic.
type fakeAdapter struct {
	calls    []*command.Command
	res      *result.Result
	err      error
	disposed bool
}

func (f *fakeAdapter) Execute(_ context.Context, cmd *command.Command) (*result.Result, error) {
	f.calls = append(f.calls, cmd)
	if f.err != nil {
		return nil, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &result.Result{ExitCode: 0, Command: cmd.Program}, nil
}

func (f *fakeAdapter) Dispose() error {
	f.disposed = true
	return nil
}

func newFakeEngine(local *fakeAdapter) *Engine {
	c, _ := cache.New(10, "")
	sh := &shared{
		adapters: map[command.AdapterKind]adapter.Adapter{
			command.AdapterLocal: local,
		},
		cache:              c,
		throwOnNonZeroExit: true,
	}
	return &Engine{sh: sh}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{})
	derived := e.Cd("/work")
	if e.defaults.Cwd != "" {
		t.Errorf("parent Cwd = %q, want empty", e.defaults.Cwd)
	}
	if derived.defaults.Cwd != "/work" {
		t.Errorf("derived Cwd = %q, want /work", derived.defaults.Cwd)
	}
	if derived.sh != e.sh {
		t.Error("derived engine should share the parent's *shared")
	}
}

func TestEnvAccumulatesAcrossDerivations(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{})
	d1 := e.Env(map[string]string{"A": "1"})
	d2 := d1.Env(map[string]string{"B": "2"})
	if len(d1.defaults.Env) != 1 {
		t.Errorf("d1.Env mutated by d2: %v", d1.defaults.Env)
	}
	if d2.defaults.Env["A"] != "1" || d2.defaults.Env["B"] != "2" {
		t.Errorf("d2.Env = %v, want both A and B", d2.defaults.Env)
	}
}

func TestResolveAdapterKind(t *testing.T) {
	tests := map[string]struct {
		cmd  *command.Command
		want command.AdapterKind
	}{
		"explicit wins":       {&command.Command{AdapterKind: command.AdapterSSH}, command.AdapterSSH},
		"auto falls to target": {&command.Command{AdapterKind: command.AdapterAuto, Target: command.Target{Container: &command.ContainerTarget{}}}, command.AdapterContainer},
		"pod target":           {&command.Command{Target: command.Target{Pod: &command.PodTarget{}}}, command.AdapterClusterPod},
		"default local":        {&command.Command{}, command.AdapterLocal},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := resolveAdapterKind(tc.cmd)
			if err != nil {
				t.Fatalf("resolveAdapterKind() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("resolveAdapterKind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAdapterIdentity(t *testing.T) {
	tests := map[string]struct {
		cmd  *command.Command
		want string
	}{
		"ssh": {&command.Command{Target: command.Target{SSH: &command.SSHTarget{User: "root", Host: "h"}}}, "root@h"},
		"container existing": {&command.Command{Target: command.Target{Container: &command.ContainerTarget{ExistingContainer: "c1"}}}, "c1"},
		"container image":    {&command.Command{Target: command.Target{Container: &command.ContainerTarget{Image: "alpine"}}}, "alpine"},
		"pod name":           {&command.Command{Target: command.Target{Pod: &command.PodTarget{Pod: "p1"}}}, "p1"},
		"local":              {&command.Command{}, "local"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := adapterIdentity(tc.cmd); got != tc.want {
				t.Errorf("adapterIdentity() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestApplyDefaultsExplicitFieldsWinOverEverything(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{}).Cd("/engine-default")
	ctx := context.Background()
	err := ambient.Within(ctx, ambient.Defaults{Cwd: "/ambient"}, func(ctx context.Context) error {
		cmd := &command.Command{Program: "echo", Cwd: "/explicit"}
		effective := e.applyDefaults(ctx, cmd)
		if effective.Cwd != "/explicit" {
			t.Errorf("Cwd = %q, want /explicit (explicit command field must win)", effective.Cwd)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Within() error = %v", err)
	}
}

func TestApplyDefaultsAmbientOverridesEngineDefaults(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{}).Cd("/engine-default")
	ctx := context.Background()
	err := ambient.Within(ctx, ambient.Defaults{Cwd: "/ambient"}, func(ctx context.Context) error {
		cmd := &command.Command{Program: "echo"}
		effective := e.applyDefaults(ctx, cmd)
		if effective.Cwd != "/ambient" {
			t.Errorf("Cwd = %q, want /ambient (ambient must override the engine's own with()-chain)", effective.Cwd)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Within() error = %v", err)
	}
}

func TestApplyDefaultsFallsBackToEngineDefaultsWithNoAmbient(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{}).Cd("/engine-default")
	cmd := &command.Command{Program: "echo"}
	effective := e.applyDefaults(context.Background(), cmd)
	if effective.Cwd != "/engine-default" {
		t.Errorf("Cwd = %q, want /engine-default", effective.Cwd)
	}
}

func TestApplyDefaultsDoesNotMutateInput(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{}).Cd("/engine-default")
	cmd := &command.Command{Program: "echo"}
	_ = e.applyDefaults(context.Background(), cmd)
	if cmd.Cwd != "" {
		t.Errorf("original cmd.Cwd mutated to %q", cmd.Cwd)
	}
}

func TestCommandFillsBoundSSHTarget(t *testing.T) {
	target := command.SSHTarget{Host: "example.com", User: "root"}
	e := newFakeEngine(&fakeAdapter{}).SSH(target)
	obj := e.Command(&command.Command{Program: "uptime"})
	cmd := obj.Command()
	if cmd.AdapterKind != command.AdapterSSH {
		t.Errorf("AdapterKind = %q, want ssh", cmd.AdapterKind)
	}
	if cmd.Target.SSH == nil || cmd.Target.SSH.Host != "example.com" {
		t.Errorf("Target.SSH = %+v, want bound to example.com", cmd.Target.SSH)
	}
}

func TestCommandCallerTargetOverridesBound(t *testing.T) {
	bound := command.SSHTarget{Host: "bound.example.com"}
	e := newFakeEngine(&fakeAdapter{}).SSH(bound)
	explicit := &command.SSHTarget{Host: "explicit.example.com"}
	obj := e.Command(&command.Command{Program: "uptime", AdapterKind: command.AdapterSSH, Target: command.Target{SSH: explicit}})
	if obj.Command().Target.SSH.Host != "explicit.example.com" {
		t.Errorf("Target.SSH.Host = %q, want explicit.example.com to win over the bound target", obj.Command().Target.SSH.Host)
	}
}

func TestExecuteDispatchesToLocalAdapter(t *testing.T) {
	fake := &fakeAdapter{res: &result.Result{ExitCode: 0, Stdout: []byte("hi\n")}}
	e := newFakeEngine(fake)
	res, err := e.Execute(context.Background(), &command.Command{Program: "echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(res.Stdout) != "hi\n" {
		t.Errorf("Stdout = %q, want hi\\n", res.Stdout)
	}
	if len(fake.calls) != 1 || fake.calls[0].Program != "echo" {
		t.Errorf("fake adapter calls = %+v", fake.calls)
	}
}

func TestExecuteUnknownAdapterKind(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{})
	_, err := e.Execute(context.Background(), &command.Command{Program: "echo", AdapterKind: command.AdapterKind("nope")})
	var adapterErr *result.AdapterError
	if !errors.As(err, &adapterErr) {
		t.Fatalf("err = %v, want *result.AdapterError", err)
	}
}

func TestExecuteCachesRepeatedCommand(t *testing.T) {
	fake := &fakeAdapter{res: &result.Result{ExitCode: 0, Stdout: []byte("cached\n")}}
	e := newFakeEngine(fake)
	cmd := &command.Command{Program: "echo", Args: []string{"hi"}, CacheOpts: &command.CacheOptions{}}
	ctx := context.Background()

	if _, err := e.Execute(ctx, cmd.Clone()); err != nil {
		t.Fatalf("first Execute() error = %v", err)
	}
	if _, err := e.Execute(ctx, cmd.Clone()); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if len(fake.calls) != 1 {
		t.Errorf("adapter invoked %d times, want 1 (second call should hit the cache)", len(fake.calls))
	}
}

func TestBuildFromTemplateRejectsEmpty(t *testing.T) {
	e := newFakeEngine(&fakeAdapter{})
	_, err := e.RunTemplate(command.NewTemplate([]string{"  "}, nil))
	var valErr *result.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want *result.ValidationError", err)
	}
}

func TestBuildFromTemplateRendersEscapedLine(t *testing.T) {
	fake := &fakeAdapter{}
	e := newFakeEngine(fake)
	tpl := command.NewTemplate([]string{"echo ", ""}, []string{"a b"})
	obj, err := e.RunTemplate(tpl)
	if err != nil {
		t.Fatalf("RunTemplate() error = %v", err)
	}
	cmd := obj.Command()
	if cmd.UseShell != "true" {
		t.Errorf("UseShell = %q, want true", cmd.UseShell)
	}
	if cmd.Program != "echo 'a b'" {
		t.Errorf("Program = %q, want \"echo 'a b'\"", cmd.Program)
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	fake := &fakeAdapter{}
	e := newFakeEngine(fake)
	if err := e.Dispose(); err != nil {
		t.Fatalf("first Dispose() error = %v", err)
	}
	if !fake.disposed {
		t.Error("adapter should have been disposed")
	}
	if err := e.Dispose(); err != nil {
		t.Fatalf("second Dispose() error = %v, want nil (idempotent)", err)
	}
}

func TestParallelSettledRunsEveryCommand(t *testing.T) {
	fake := &fakeAdapter{}
	e := newFakeEngine(fake)
	cmds := []*command.Command{
		{Program: "echo", Args: []string{"1"}},
		{Program: "echo", Args: []string{"2"}},
		{Program: "echo", Args: []string{"3"}},
	}
	outcomes := e.ParallelSettled(context.Background(), cmds, parallel.DefaultOptions())
	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	for i, o := range outcomes {
		if !o.OK {
			t.Errorf("outcome[%d] failed: %v", i, o.Err)
		}
	}
}
