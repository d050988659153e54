package engine

import (
	"log/slog"
	"time"

	"github.com/xec-sh/xec-go/internal/adapter/container"
	"github.com/xec-sh/xec-go/internal/adapter/local"
	"github.com/xec-sh/xec-go/internal/adapter/pod"
	"github.com/xec-sh/xec-go/internal/adapter/ssh"
	"github.com/xec-sh/xec-go/internal/command"
)

// Config is the plain struct a caller populates and passes to New (§6:
// "Config manager ... core treats them as input to Engine.with(…)"). The
// core never reads a config file itself.
type Config struct {
	Defaults Defaults

	Local     local.Config
	SSH       ssh.Config
	Container container.Config
	Pod       pod.Config

	CacheMaxEntries int
	CacheDBPath     string // empty disables persistence

	Logging LoggingConfig

	// OTELServiceName names the tracer/meter; empty disables telemetry
	// entirely (StartSpan/End become no-ops via a nil Provider check).
	OTELServiceName string

	// ThrowOnNonZeroExit is the engine-wide default throw policy (§4.1
	// "Configuration"): when false, a command that doesn't explicitly call
	// nothrow() still behaves as if it had. Default true.
	ThrowOnNonZeroExit bool

	// Encoding names the byte encoding captured stdout/stderr is assumed
	// to be in. Must be one of SupportedEncodings. Default "utf-8".
	Encoding string

	// EnableEvents toggles lifecycle event emission process-wide. Default
	// true; when false, On/emit become no-ops.
	EnableEvents bool

	// MaxEventListeners caps the number of Listeners Engine.On will
	// register; further registrations are dropped. Must be >0 when
	// EnableEvents is true. Default 100.
	MaxEventListeners int
}

// SupportedEncodings enumerates the byte encodings §4.1's "encoding" option
// recognizes: utf-8 (the Go-native default) and ascii. Anything else fails
// construction. The value is only stored on the engine: captured output is
// returned as raw bytes for either encoding, and ascii output is not
// checked for 7-bit content.
var SupportedEncodings = map[string]bool{
	"utf-8": true,
	"ascii": true,
}

// Defaults is the layer merged beneath the ambient context and the
// Command Object's own fields (§4.2's "engine defaults ← ambient context ←
// current config ← explicit command fields").
type Defaults struct {
	Cwd           string
	Env           map[string]string
	AdapterKind   command.AdapterKind
	TimeoutMs     int64
	TimeoutSignal string
	Shell         string
	Retry         *command.RetryPolicy

	// sshTarget/containerTarget/podTarget carry the bound target set by
	// Engine.SSH/Container/Pod, consumed by Engine.Command when a built
	// Command doesn't already specify its own Target.
	sshTarget       *command.SSHTarget
	containerTarget *command.ContainerTarget
	podTarget       *command.PodTarget
}

// LoggingConfig mirrors the teacher's cmd/sand log-file flags, generalized
// into a config struct (§10).
type LoggingConfig struct {
	Path       string
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultConfig returns the engine's out-of-the-box defaults (§4.8's cache
// sizing, §4.4's buffer cap).
func DefaultConfig() Config {
	return Config{
		Defaults: Defaults{
			TimeoutSignal: "SIGTERM",
		},
		Local: local.Config{
			MaxBufferBytes: 10 * 1024 * 1024,
		},
		SSH: ssh.Config{
			MaxBufferBytes: 10 * 1024 * 1024,
		},
		Container: container.Config{
			MaxBufferBytes: 10 * 1024 * 1024,
		},
		Pod: pod.Config{
			MaxBufferBytes: 10 * 1024 * 1024,
		},
		CacheMaxEntries: 100,
		Logging: LoggingConfig{
			Level:      slog.LevelInfo,
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
		ThrowOnNonZeroExit: true,
		Encoding:           "utf-8",
		EnableEvents:       true,
		MaxEventListeners:  100,
	}
}

// DefaultCacheTTL mirrors §4.8's enumerated default.
const DefaultCacheTTL = 60 * time.Second
