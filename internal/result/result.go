// Package result defines the immutable outcome record produced by every
// adapter execution, plus the derived views (text, json, lines, buffer)
// that Command Objects expose on top of it.
package result

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// Adapter tags the execution environment that produced a Result.
type Adapter string

const (
	AdapterLocal      Adapter = "local"
	AdapterSSH        Adapter = "ssh"
	AdapterContainer  Adapter = "container"
	AdapterClusterPod Adapter = "cluster-pod"
)

// Result is the immutable record of a single execution. Once constructed it
// is never mutated; derived views are computed on access.
type Result struct {
	Stdout []byte
	Stderr []byte

	ExitCode int
	Signal   string

	// Command is a sanitized, human-readable reconstruction of what ran.
	Command string

	DurationMs int64
	StartedAt  time.Time
	FinishedAt time.Time

	Adapter   Adapter
	Host      string
	Container string
	Pod       string
}

// Ok reports whether the command exited zero with no terminating signal.
func (r *Result) Ok() bool {
	return r.ExitCode == 0 && r.Signal == ""
}

// Cause describes why a Result is not ok, or "" when it is.
func (r *Result) Cause() string {
	if r.Ok() {
		return ""
	}
	if r.Signal != "" {
		return "signal:" + r.Signal
	}
	return "exitCode:" + strconv.Itoa(r.ExitCode)
}

// Text returns stdout with leading/trailing whitespace trimmed.
func (r *Result) Text() string {
	return strings.TrimSpace(string(r.Stdout))
}

// JSON unmarshals stdout into a value of type T.
func JSON[T any](r *Result) (T, error) {
	var v T
	err := json.Unmarshal(r.Stdout, &v)
	return v, err
}

// Lines returns the non-empty lines of stdout.
func (r *Result) Lines() []string {
	raw := strings.Split(string(r.Stdout), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Buffer returns the raw stdout bytes.
func (r *Result) Buffer() []byte {
	return bytes.Clone(r.Stdout)
}

// HumanDuration renders DurationMs the way sanitized log lines and error
// strings present it, e.g. "1.2s" or "340ms".
func (r *Result) HumanDuration() string {
	return (time.Duration(r.DurationMs) * time.Millisecond).String()
}

// HumanSize renders stdout+stderr's combined byte size the way sanitized
// log lines present transfer/output volume, e.g. "4.2 kB".
func (r *Result) HumanSize() string {
	return humanize.Bytes(uint64(len(r.Stdout) + len(r.Stderr)))
}
