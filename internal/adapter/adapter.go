// Package adapter defines the capability surface every execution backend
// (local, SSH, container, cluster-pod) must and may implement (§4.3).
package adapter

import (
	"context"

	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
)

// Adapter is the capability every backend must satisfy.
type Adapter interface {
	// Execute runs cmd to completion (or until cancelled/timed out) and
	// returns a fully populated Result, honoring stdin, timeout,
	// cancelToken, and maxBufferBytes (§4.3). The local adapter also
	// applies cwd, env, stdout/stderr sinks, useShell and timeoutSignal.
	// The ssh adapter applies cwd, env and timeoutSignal; it always
	// captures stdout/stderr and does not read useShell. The container and
	// cluster-pod adapters always capture stdout/stderr, do not apply
	// cmd.Cwd or useShell, and on timeout kill the runtime CLI process
	// with SIGKILL instead of sending timeoutSignal; the cluster-pod
	// adapter also does not pass env.
	Execute(ctx context.Context, cmd *command.Command) (*result.Result, error)

	// Dispose releases any resources (pools, listeners, ephemeral
	// handles) held by the adapter. Idempotent.
	Dispose() error
}

// ProgressCallback reports transfer progress for copy operations.
type ProgressCallback func(transferred, total int64)

// Copier is satisfied by adapters that support file transfer.
type Copier interface {
	CopyTo(ctx context.Context, localPath, remotePath string, progress ProgressCallback) error
	CopyFrom(ctx context.Context, remotePath, localPath string, progress ProgressCallback) error
}

// Tunneler is satisfied by the SSH adapter (local TCP forward over a
// direct-tcpip channel).
type Tunneler interface {
	Tunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (Tunnel, error)
}

// Tunnel is a live local-forward; Close stops the listener and the
// forwarding goroutines it started.
type Tunnel struct {
	LocalPort int
	Close     func() error
}

// PortForwarder is satisfied by the cluster-pod adapter.
type PortForwarder interface {
	PortForward(ctx context.Context, localPort, remotePort int) (Tunnel, error)
}

// LogStreamer is satisfied by container and cluster-pod adapters.
type LogStreamer interface {
	StreamLogs(ctx context.Context, opts LogOptions, cb func(line string)) (cancel func(), err error)
}

// LogOptions configures log streaming.
type LogOptions struct {
	Follow     bool
	Tail       int
	Timestamps bool
	Container  string
}

// HealthChecker is satisfied by the container adapter.
type HealthChecker interface {
	WaitForHealthy(ctx context.Context, timeoutMs int64) error
}
