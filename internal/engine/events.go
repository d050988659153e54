package engine

import (
	"sync"
	"time"

	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
)

// EventKind enumerates the lifecycle events §6 lists verbatim.
type EventKind string

const (
	EventCommandStart    EventKind = "command:start"
	EventCommandComplete EventKind = "command:complete"
	EventCommandError    EventKind = "command:error"
	EventFileRead        EventKind = "file:read"
	EventFileWrite       EventKind = "file:write"
	EventFileDelete      EventKind = "file:delete"
	EventStepRetry       EventKind = "step:retry"
)

// Event is the payload every listener receives, a union of the fields the
// different EventKinds populate (only the fields relevant to Kind are set).
type Event struct {
	Kind EventKind

	Command string
	Args    []string
	Cwd     string
	Shell   string
	Env     map[string]string
	Adapter command.AdapterKind

	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration

	Error error

	Path string
	Size int64

	Attempt     int
	MaxAttempts int
	DelayMs     int64

	Timestamp time.Time
}

// Listener receives Events synchronously as they are emitted. Engine.On
// never blocks dispatch waiting on the caller's processing beyond whatever
// the listener itself does.
type Listener func(Event)

// emitter fans an Event out to every registered Listener. Commands can run
// concurrently (parallel.settled/batch), so both registration and dispatch
// take the lock; listeners themselves run outside it to avoid serializing
// unrelated executions behind a slow subscriber.
type emitter struct {
	mu        sync.RWMutex
	listeners []Listener

	// disabled mirrors !Config.EnableEvents; zero value is enabled, so a
	// bare `var e emitter` (and every test built that way) behaves as
	// before. When true, On/emit are no-ops.
	disabled bool
	// maxListeners mirrors Config.MaxEventListeners; registrations beyond
	// this cap are silently dropped. Zero means uncapped.
	maxListeners int
}

func (e *emitter) on(l Listener) {
	if e.disabled {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.maxListeners > 0 && len(e.listeners) >= e.maxListeners {
		return
	}
	e.listeners = append(e.listeners, l)
}

func (e *emitter) emit(ev Event) {
	if e.disabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mu.RLock()
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

func commandStartEvent(cmd *command.Command) Event {
	return Event{
		Kind:    EventCommandStart,
		Command: cmd.Program,
		Args:    cmd.Args,
		Cwd:     cmd.Cwd,
		Shell:   cmd.UseShell,
		Env:     cmd.Env,
		Adapter: cmd.AdapterKind,
	}
}

func commandCompleteEvent(cmd *command.Command, res *result.Result) Event {
	return Event{
		Kind:     EventCommandComplete,
		Command:  res.Command,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: time.Duration(res.DurationMs) * time.Millisecond,
		Adapter:  cmd.AdapterKind,
	}
}

func commandErrorEvent(cmd *command.Command, duration time.Duration, err error) Event {
	return Event{
		Kind:     EventCommandError,
		Command:  cmd.Program,
		Duration: duration,
		Error:    err,
		Adapter:  cmd.AdapterKind,
	}
}

func stepRetryEvent(attempt, maxAttempts int, err error, delay time.Duration) Event {
	return Event{
		Kind:        EventStepRetry,
		Error:       err,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		DelayMs:     delay.Milliseconds(),
	}
}

func fileEvent(kind EventKind, path string, size int64) Event {
	return Event{Kind: kind, Path: path, Size: size}
}
