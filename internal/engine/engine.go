// Package engine is the top-level orchestrator (§4.1): it holds the
// adapter registry and cache, builds Command Objects from templates,
// applies the layered-defaults chain, and emits lifecycle events. Grounded
// on the teacher's SandBoxer (sand/box.go) as the "one struct holding every
// subsystem and routing calls into it" shape, generalized from a single
// sandbox target to the pluggable local/ssh/container/cluster-pod adapter
// registry §4.1 calls for.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/adapter/container"
	"github.com/xec-sh/xec-go/internal/adapter/local"
	"github.com/xec-sh/xec-go/internal/adapter/pod"
	"github.com/xec-sh/xec-go/internal/adapter/ssh"
	"github.com/xec-sh/xec-go/internal/ambient"
	"github.com/xec-sh/xec-go/internal/cache"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/logging"
	"github.com/xec-sh/xec-go/internal/parallel"
	"github.com/xec-sh/xec-go/internal/result"
	"github.com/xec-sh/xec-go/internal/retry"
	"github.com/xec-sh/xec-go/internal/telemetry"

	"go.opentelemetry.io/otel/trace"
)

// shared holds everything a derived Engine (via with()/cd()/...) continues
// to reference from its parent: the adapter registry, cache, telemetry, and
// temp-resource tracking must be process-wide singletons, not per-derivation
// copies (§4.1: "with(partialConfig) → Engine — returns a derived engine
// sharing adapter registry but with merged defaults").
type shared struct {
	adapters map[command.AdapterKind]adapter.Adapter

	cache     *cache.Cache
	telemetry *telemetry.Provider
	logger    *slog.Logger
	events    emitter

	// throwOnNonZeroExit mirrors Config.ThrowOnNonZeroExit (§4.1
	// "Configuration"): when false, a Command that doesn't explicitly opt
	// into nothrow() is defaulted into it by applyDefaults.
	throwOnNonZeroExit bool

	// encoding mirrors Config.Encoding, validated at construction against
	// engine.SupportedEncodings.
	encoding string

	mu       sync.Mutex
	disposed bool
	temps    []string // tracked tempFile/tempDir paths, released on Dispose
}

// Engine is the entry point described in §4.1. Zero value is not usable;
// construct with New.
type Engine struct {
	sh       *shared
	defaults Defaults
}

// New constructs the root Engine and its adapter registry from cfg. The
// returned shutdown func flushes telemetry, closes the logger's rotating
// writer, and disposes every adapter; callers should defer it.
func New(ctx context.Context, cfg Config) (*Engine, func(context.Context) error, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, nil, err
	}

	logger, rotating, err := logging.New(logging.Options{
		Path:       cfg.Logging.Path,
		Level:      cfg.Logging.Level,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("engine: init logging: %w", err)
	}

	var tp *telemetry.Provider
	telemetryShutdown := func(context.Context) error { return nil }
	if cfg.OTELServiceName != "" {
		tp, telemetryShutdown, err = telemetry.New(ctx, cfg.OTELServiceName)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: init telemetry: %w", err)
		}
	}

	c, err := cache.New(cfg.CacheMaxEntries, cfg.CacheDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: init cache: %w", err)
	}

	registry := map[command.AdapterKind]adapter.Adapter{
		command.AdapterLocal:      local.New(cfg.Local),
		command.AdapterSSH:        ssh.New(cfg.SSH),
		command.AdapterContainer:  container.New(cfg.Container),
		command.AdapterClusterPod: pod.New(cfg.Pod),
	}

	sh := &shared{
		adapters:           registry,
		cache:              c,
		telemetry:          tp,
		logger:             logger,
		throwOnNonZeroExit: cfg.ThrowOnNonZeroExit,
		encoding:           cfg.Encoding,
	}
	sh.events.disabled = !cfg.EnableEvents
	sh.events.maxListeners = cfg.MaxEventListeners
	e := &Engine{sh: sh, defaults: cfg.Defaults}

	shutdown := func(shutdownCtx context.Context) error {
		if err := e.Dispose(); err != nil {
			return err
		}
		if rotating != nil {
			_ = rotating.Close()
		}
		return telemetryShutdown(shutdownCtx)
	}
	return e, shutdown, nil
}

// On registers a Listener for every lifecycle event (§4.1 "Events").
// Registration is process-wide: derived engines (with/cd/env/...) share the
// same emitter as their root.
func (e *Engine) On(l Listener) {
	e.sh.events.on(l)
}

// with returns a derived Engine sharing e's adapter registry, cache, and
// event emitter, with mutate applied on top of a copy of e's defaults.
func (e *Engine) with(mutate func(*Defaults)) *Engine {
	nd := e.defaults
	if nd.Env != nil {
		merged := make(map[string]string, len(nd.Env))
		for k, v := range nd.Env {
			merged[k] = v
		}
		nd.Env = merged
	}
	mutate(&nd)
	return &Engine{sh: e.sh, defaults: nd}
}

// With is the general form §4.1 names; cd/env/timeout/shell/retry/local are
// documented sugar for it.
func (e *Engine) With(partial Defaults) *Engine {
	return e.with(func(d *Defaults) {
		if partial.Cwd != "" {
			d.Cwd = partial.Cwd
		}
		if partial.AdapterKind != "" {
			d.AdapterKind = partial.AdapterKind
		}
		if partial.TimeoutMs != 0 {
			d.TimeoutMs = partial.TimeoutMs
		}
		if partial.TimeoutSignal != "" {
			d.TimeoutSignal = partial.TimeoutSignal
		}
		if partial.Shell != "" {
			d.Shell = partial.Shell
		}
		if partial.Retry != nil {
			d.Retry = partial.Retry
		}
		for k, v := range partial.Env {
			if d.Env == nil {
				d.Env = make(map[string]string)
			}
			d.Env[k] = v
		}
	})
}

func (e *Engine) Cd(dir string) *Engine {
	return e.with(func(d *Defaults) { d.Cwd = command.ResolveCwd(d.Cwd, dir) })
}

func (e *Engine) Env(env map[string]string) *Engine {
	return e.with(func(d *Defaults) {
		if d.Env == nil {
			d.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			d.Env[k] = v
		}
	})
}

func (e *Engine) Timeout(ms int64, signal ...string) *Engine {
	return e.with(func(d *Defaults) {
		d.TimeoutMs = ms
		if len(signal) > 0 && signal[0] != "" {
			d.TimeoutSignal = signal[0]
		}
	})
}

func (e *Engine) Shell(shell string) *Engine {
	return e.with(func(d *Defaults) { d.Shell = shell })
}

func (e *Engine) RetryPolicy(policy command.RetryPolicy) *Engine {
	return e.with(func(d *Defaults) { d.Retry = &policy })
}

// Local is sugar for With(Defaults{AdapterKind: local}).
func (e *Engine) Local() *Engine {
	return e.with(func(d *Defaults) { d.AdapterKind = command.AdapterLocal })
}

// SSH returns a derived Engine defaulting to the ssh adapter against
// target, matching §4.1's `ssh(sshTarget) → SshContext` (modeled here as a
// specialized Engine rather than a distinct type, since every operation an
// SshContext needs — run/execute/with/cd/env — the Engine already has).
func (e *Engine) SSH(target command.SSHTarget) *Engine {
	return e.with(func(d *Defaults) { d.AdapterKind = command.AdapterSSH; d.sshTarget = &target })
}

// Container returns a derived Engine defaulting to the container adapter
// against target.
func (e *Engine) Container(target command.ContainerTarget) *Engine {
	return e.with(func(d *Defaults) { d.AdapterKind = command.AdapterContainer; d.containerTarget = &target })
}

// Pod returns a derived Engine defaulting to the cluster-pod adapter
// against target.
func (e *Engine) Pod(target command.PodTarget) *Engine {
	return e.with(func(d *Defaults) { d.AdapterKind = command.AdapterClusterPod; d.podTarget = &target })
}

// Raw builds a Command Object whose program/args are the literal tpl
// parts+values with no escaping (§4.1 raw, caller-asserted safety).
func (e *Engine) Raw(tpl *command.Template) (*command.Object, error) {
	return e.buildFromTemplate(tpl, true)
}

// RunTemplate builds a Command Object composing tpl with adapter-appropriate
// escaping of every interpolated value (§4.1 run).
func (e *Engine) RunTemplate(tpl *command.Template) (*command.Object, error) {
	return e.buildFromTemplate(tpl, false)
}

func (e *Engine) buildFromTemplate(tpl *command.Template, raw bool) (*command.Object, error) {
	if tpl.IsEmpty() {
		return nil, &result.ValidationError{Field: "template", Reason: "empty template string with no interpolations"}
	}
	tpl.Raw = raw
	kind := e.defaults.AdapterKind
	if kind == "" {
		kind = command.AdapterLocal
	}
	line := tpl.Render(kind)
	cmd := &command.Command{
		Program:  line,
		UseShell: "true",
		Stdout:   command.PipeSink,
		Stderr:   command.PipeSink,
	}
	return e.Command(cmd), nil
}

// Command wraps an already-built *command.Command (program/args filled in
// by the caller, e.g. via command.NewBuilder) into a Command Object bound
// to this Engine, applying this Engine's target/adapter defaults.
func (e *Engine) Command(cmd *command.Command) *command.Object {
	if cmd.AdapterKind == "" {
		cmd.AdapterKind = e.defaults.AdapterKind
	}
	switch cmd.AdapterKind {
	case command.AdapterSSH:
		if cmd.Target.SSH == nil {
			cmd.Target.SSH = e.defaults.sshTarget
		}
	case command.AdapterContainer:
		if cmd.Target.Container == nil {
			cmd.Target.Container = e.defaults.containerTarget
		}
	case command.AdapterClusterPod:
		if cmd.Target.Pod == nil {
			cmd.Target.Pod = e.defaults.podTarget
		}
	}
	return command.New(e, cmd)
}

// Run implements command.Runner, so Command Objects built via e.Command
// dispatch back into e.Execute.
func (e *Engine) Run(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	return e.Execute(ctx, cmd)
}

// Execute is the direct, non-template entry point (§4.1 execute): merges
// layered defaults, selects an adapter, emits start/complete/error events,
// runs (with caching and retry if configured), and returns the Result.
func (e *Engine) Execute(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	effective := e.applyDefaults(ctx, cmd)

	kind, err := resolveAdapterKind(effective)
	if err != nil {
		return nil, err
	}
	effective.AdapterKind = kind

	started := time.Now()
	if !effective.Quiet {
		e.sh.events.emit(commandStartEvent(effective))
	}

	var span trace.Span
	spanCtx := ctx
	if e.sh.telemetry != nil {
		spanCtx, span = e.sh.telemetry.StartSpan(ctx, string(EventCommandStart), telemetry.Attrs{
			"adapter": string(kind),
			"command": effective.Program,
		})
	}

	res, execErr := e.executeWithCacheAndRetry(spanCtx, effective)
	duration := time.Since(started)

	if span != nil {
		telemetry.End(span, execErr)
	}

	if execErr != nil {
		if !effective.Quiet {
			e.sh.events.emit(commandErrorEvent(effective, duration, execErr))
		}
		if e.sh.logger != nil {
			e.sh.logger.ErrorContext(ctx, "engine.Execute", "adapter", string(kind), "command", effective.Program, "error", execErr)
		}
		return nil, execErr
	}

	if !effective.Quiet {
		e.sh.events.emit(commandCompleteEvent(effective, res))
	}
	if e.sh.logger != nil {
		e.sh.logger.InfoContext(ctx, "engine.Execute", "adapter", string(kind), "command", res.Command, "exitCode", res.ExitCode, "durationMs", res.DurationMs)
	}
	return res, nil
}

func (e *Engine) executeWithCacheAndRetry(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	op := func(ctx context.Context) (*result.Result, error) {
		return e.runWithRetry(ctx, cmd)
	}
	if cmd.CacheOpts == nil {
		return op(ctx)
	}

	key := cmd.CacheOpts.Key
	if key == "" {
		key = cache.Key(cmd.Program, cmd.Args, cmd.Cwd, cmd.Env, string(cmd.AdapterKind)+":"+adapterIdentity(cmd))
	}

	if e.sh.telemetry != nil {
		if _, hit := e.sh.cache.Get(key); hit {
			e.sh.telemetry.RecordCacheHit(ctx)
		} else {
			e.sh.telemetry.RecordCacheMiss(ctx)
		}
	}

	res, err := e.sh.cache.Run(ctx, key, cmd.CacheOpts.TTL, cmd.Nothrow, op)
	if len(cmd.CacheOpts.InvalidateOn) > 0 {
		e.sh.cache.Invalidate(cmd.CacheOpts.InvalidateOn)
	}
	return res, err
}

func (e *Engine) runWithRetry(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	if cmd.Retry == nil {
		return e.dispatch(ctx, cmd)
	}
	onRetry := func(attempt, maxAttempts int, err error, delay time.Duration) {
		if !cmd.Quiet {
			e.sh.events.emit(stepRetryEvent(attempt, maxAttempts, err, delay))
		}
	}
	return retry.Attempt(ctx, cmd.Retry, onRetry, func(ctx context.Context) (*result.Result, error) {
		return e.dispatch(ctx, cmd)
	})
}

func (e *Engine) dispatch(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	ad, ok := e.sh.adapters[cmd.AdapterKind]
	if !ok {
		return nil, &result.AdapterError{Adapter: string(cmd.AdapterKind), Operation: "select", Wrapped: fmt.Errorf("unknown adapter kind %q", cmd.AdapterKind)}
	}
	return ad.Execute(ctx, cmd)
}

// validateConfig enforces §4.1's "Invalid values fail construction with
// ValidationError" for the recognized options New cares about directly;
// per-adapter options are validated by their own New (e.g. ssh.New
// defaulting ConnectTimeout) and aren't re-checked here.
func validateConfig(cfg Config) error {
	if cfg.Encoding != "" && !SupportedEncodings[cfg.Encoding] {
		return &result.ValidationError{Field: "encoding", Reason: fmt.Sprintf("unsupported encoding %q", cfg.Encoding)}
	}
	if cfg.Local.MaxBufferBytes <= 0 {
		return &result.ValidationError{Field: "local.maxBufferBytes", Reason: "must be > 0"}
	}
	if cfg.SSH.MaxBufferBytes <= 0 {
		return &result.ValidationError{Field: "ssh.maxBufferBytes", Reason: "must be > 0"}
	}
	if cfg.Container.MaxBufferBytes <= 0 {
		return &result.ValidationError{Field: "container.maxBufferBytes", Reason: "must be > 0"}
	}
	if cfg.Pod.MaxBufferBytes <= 0 {
		return &result.ValidationError{Field: "pod.maxBufferBytes", Reason: "must be > 0"}
	}
	if cfg.EnableEvents && cfg.MaxEventListeners <= 0 {
		return &result.ValidationError{Field: "maxEventListeners", Reason: "must be > 0 when events are enabled"}
	}
	if k := cfg.Defaults.AdapterKind; k != "" {
		switch k {
		case command.AdapterAuto, command.AdapterLocal, command.AdapterSSH, command.AdapterContainer, command.AdapterClusterPod:
		default:
			return &result.ValidationError{Field: "defaults.adapterKind", Reason: fmt.Sprintf("unknown adapter kind %q", k)}
		}
	}
	return nil
}

func resolveAdapterKind(cmd *command.Command) (command.AdapterKind, error) {
	if cmd.AdapterKind != "" && cmd.AdapterKind != command.AdapterAuto {
		return cmd.AdapterKind, nil
	}
	switch {
	case cmd.Target.SSH != nil:
		return command.AdapterSSH, nil
	case cmd.Target.Container != nil:
		return command.AdapterContainer, nil
	case cmd.Target.Pod != nil:
		return command.AdapterClusterPod, nil
	default:
		return command.AdapterLocal, nil
	}
}

func adapterIdentity(cmd *command.Command) string {
	switch {
	case cmd.Target.SSH != nil:
		return cmd.Target.SSH.User + "@" + cmd.Target.SSH.Host
	case cmd.Target.Container != nil:
		if cmd.Target.Container.ExistingContainer != "" {
			return cmd.Target.Container.ExistingContainer
		}
		return cmd.Target.Container.Image
	case cmd.Target.Pod != nil:
		if cmd.Target.Pod.Pod != "" {
			return cmd.Target.Pod.Pod
		}
		return cmd.Target.Pod.LabelSelector
	default:
		return "local"
	}
}

// applyDefaults merges the layered-defaults chain (§4.1: "engine defaults ←
// ambient context ← current config ← explicit command fields") onto a copy
// of cmd. The open question of whether an ambient within() block or the
// current engine's own with()-chain wins is resolved in favor of ambient:
// within() is a flow-scoped override meant to apply for the duration of a
// call tree, so it should out-rank a broader with() set earlier up the
// chain — while a Command Object's own explicit fields always win outright.
func (e *Engine) applyDefaults(ctx context.Context, cmd *command.Command) *command.Command {
	nc := cmd.Clone()

	base := e.defaults
	if amb, ok := ambient.From(ctx); ok {
		if amb.Cwd != "" {
			base.Cwd = amb.Cwd
		}
		if amb.AdapterKind != "" {
			base.AdapterKind = amb.AdapterKind
		}
		if len(amb.Env) > 0 {
			merged := make(map[string]string, len(base.Env)+len(amb.Env))
			for k, v := range base.Env {
				merged[k] = v
			}
			for k, v := range amb.Env {
				merged[k] = v
			}
			base.Env = merged
		}
		if amb.CancelToken != nil && nc.CancelToken == nil {
			nc.CancelToken = amb.CancelToken
		}
	}

	if nc.Cwd == "" {
		nc.Cwd = base.Cwd
	}
	if nc.AdapterKind == "" {
		nc.AdapterKind = base.AdapterKind
	}
	if nc.TimeoutMs == 0 {
		nc.TimeoutMs = base.TimeoutMs
	}
	if nc.TimeoutSignal == "" {
		nc.TimeoutSignal = base.TimeoutSignal
	}
	if nc.UseShell == "" {
		nc.UseShell = base.Shell
	}
	if nc.Retry == nil {
		nc.Retry = base.Retry
	}
	if len(base.Env) > 0 {
		merged := make(map[string]string, len(base.Env)+len(nc.Env))
		for k, v := range base.Env {
			merged[k] = v
		}
		for k, v := range nc.Env {
			merged[k] = v
		}
		nc.Env = merged
	}
	if !nc.Nothrow && !e.sh.throwOnNonZeroExit {
		nc.Nothrow = true
	}
	return nc
}

// ParallelSettled is the bounded fan-out §4.1 names (parallel.settled):
// runs each command to completion (respecting its own nothrow/nothrow-less
// throw policy) at most opts.MaxConcurrency concurrently and returns one
// Outcome per command — it never aborts the batch on a single failure.
func (e *Engine) ParallelSettled(ctx context.Context, cmds []*command.Command, opts parallel.Options) []parallel.Outcome[*result.Result] {
	return parallel.Run(ctx, cmds, opts, func(ctx context.Context, cmd *command.Command, _ int) (*result.Result, error) {
		return e.Execute(ctx, cmd)
	})
}

// Batch is §4.1's alias specialization of ParallelSettled.
func (e *Engine) Batch(ctx context.Context, cmds []*command.Command, concurrency int, onProgress func(completed, total int)) []parallel.Outcome[*result.Result] {
	return e.ParallelSettled(ctx, cmds, parallel.Options{MaxConcurrency: concurrency, OnProgress: onProgress})
}

// Dispose idempotently releases every adapter, the cache's persistent
// store, and any tracked temp resources (§4.1 dispose).
func (e *Engine) Dispose() error {
	e.sh.mu.Lock()
	defer e.sh.mu.Unlock()
	if e.sh.disposed {
		return nil
	}
	e.sh.disposed = true

	var firstErr error
	for _, ad := range e.sh.adapters {
		if err := ad.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.sh.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, p := range e.sh.temps {
		_ = removeTemp(p)
	}
	e.sh.temps = nil
	return firstErr
}

