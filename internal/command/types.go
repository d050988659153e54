// Package command implements the Command data model (§3) and the lazy,
// chainable Command Object ("process promise", §4.2) built on top of it.
package command

import (
	"io"
	"time"
)

// AdapterKind selects which Adapter executes a Command.
type AdapterKind string

const (
	AdapterAuto       AdapterKind = "auto"
	AdapterLocal      AdapterKind = "local"
	AdapterSSH        AdapterKind = "ssh"
	AdapterContainer  AdapterKind = "container"
	AdapterClusterPod AdapterKind = "cluster-pod"
)

// SinkKind enumerates how a Command's stdout/stderr is routed.
type SinkKind int

const (
	SinkPipe SinkKind = iota
	SinkIgnore
	SinkInherit
	SinkWriter
)

// Sink describes where a stream should go.
type Sink struct {
	Kind   SinkKind
	Writer io.Writer // valid when Kind == SinkWriter
}

// PipeSink is the default: capture into the Result.
var PipeSink = Sink{Kind: SinkPipe}

// IgnoreSink discards the stream.
var IgnoreSink = Sink{Kind: SinkIgnore}

// InheritSink attaches the stream to the host process's own stdio.
var InheritSink = Sink{Kind: SinkInherit}

// WriterSink streams to an arbitrary io.Writer.
func WriterSink(w io.Writer) Sink { return Sink{Kind: SinkWriter, Writer: w} }

// RetryPolicy configures attempt/backoff behavior (§4.10).
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Jitter            float64 // proportional, 0..1
	Retryable         func(error) bool
}

// ProgressOptions configures progress reporting for long-running commands.
type ProgressOptions struct {
	Enabled     bool
	Interval    time.Duration
	ReportLines bool
	Callback    func(transferred, total int64)
}

// SudoMethod enumerates how an SSH target escalates privilege.
type SudoMethod string

const (
	SudoStdin          SudoMethod = "stdin"
	SudoAskpass        SudoMethod = "askpass"
	SudoSecureAskpass  SudoMethod = "secure-askpass"
	SudoEcho           SudoMethod = "echo"
)

// SudoConfig configures privilege escalation on an SSH target.
type SudoConfig struct {
	Enabled  bool
	Password string
	Method   SudoMethod
}

// SSHAuth is a discriminated union of the supported SSH authentication
// variants. Exactly one non-empty variant should be populated.
type SSHAuth struct {
	PrivateKey []byte
	Passphrase string

	Password string

	Agent bool

	// Certificate auth (supplemental, grounded on sshimmer.go's CA flow).
	CertPath string
	KeyPath  string
}

// SSHTarget identifies a remote host and how to authenticate to it.
type SSHTarget struct {
	Host string
	Port int // default 22
	User string
	Auth SSHAuth
	Sudo *SudoConfig
}

// ContainerTarget identifies an existing or ephemeral container.
type ContainerTarget struct {
	ExistingContainer string

	Image   string
	Volumes []string
	Ports   []string
	User    string
	Workdir string
	Env     map[string]string

	AutoRemove  bool
	Healthcheck string
	Network     string
}

// PodTarget identifies one or more pods in a cluster.
type PodTarget struct {
	Pod           string
	LabelSelector string
	Container     string
	Namespace     string
	Context       string
	Kubeconfig    string
}

// Target is the discriminated-by-AdapterKind environment identity.
type Target struct {
	SSH       *SSHTarget
	Container *ContainerTarget
	Pod       *PodTarget
}

// CancelToken is an opaque, single-shot cancellation signal. Zero value is
// a token that will never fire.
type CancelToken struct {
	ch     chan struct{}
	closed bool
}

// NewCancelToken returns a fresh, unfired CancelToken.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel fires the token. Idempotent.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	if t.closed {
		return
	}
	t.closed = true
	close(t.ch)
}

// Done returns a channel that closes when the token fires.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch
}

// Fired reports whether Cancel has already been called.
func (t *CancelToken) Fired() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Command is the unit of work (§3). It is immutable once execution has
// begun; CommandObject mutators always produce a new Command value.
type Command struct {
	Program string
	Args    []string

	Cwd string
	Env map[string]string

	TimeoutMs     int64
	TimeoutSignal string // default SIGTERM

	Stdin []byte

	// InheritStdin attaches the child's stdin to the host process's own
	// stdin, set by Object.Interactive() so a password prompt, REPL, or
	// pager run via interactive() can actually receive host keystrokes.
	// Mutually exclusive with Stdin; adapters prefer InheritStdin when set.
	InheritStdin bool

	Stdout Sink
	Stderr Sink

	// UseShell: "" = direct exec, "true" sentinel = default interactive
	// shell, else an explicit shell path.
	UseShell string

	Detached bool

	CancelToken *CancelToken

	Nothrow bool

	Retry *RetryPolicy

	Progress *ProgressOptions

	AdapterKind AdapterKind
	Target      Target

	// Quiet suppresses command:start/command:complete event emission for
	// this Command only.
	Quiet bool

	// CacheOpts, nil unless cache() was called on the Command Object.
	CacheOpts *CacheOptions
}

// CacheOptions configures caching for a single Command (§4.8).
type CacheOptions struct {
	Key           string // explicit override; default is the derived digest
	TTL           time.Duration
	InvalidateOn  []string // glob patterns matched against cache keys
}

// Clone returns a deep copy sharing no observable mutable state with c,
// satisfying the "fluent mutator returns a logically new object" invariant.
func (c *Command) Clone() *Command {
	nc := *c
	nc.Args = append([]string(nil), c.Args...)
	if c.Env != nil {
		nc.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			nc.Env[k] = v
		}
	}
	if c.Stdin != nil {
		nc.Stdin = append([]byte(nil), c.Stdin...)
	}
	if c.Retry != nil {
		r := *c.Retry
		nc.Retry = &r
	}
	if c.Progress != nil {
		p := *c.Progress
		nc.Progress = &p
	}
	if c.CacheOpts != nil {
		co := *c.CacheOpts
		co.InvalidateOn = append([]string(nil), c.CacheOpts.InvalidateOn...)
		nc.CacheOpts = &co
	}
	return &nc
}
