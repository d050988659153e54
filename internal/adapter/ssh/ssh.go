// Package ssh implements the Adapter that executes commands on a remote
// host over SSH (§4.5), grounded on the teacher's sshimmer package for key
// handling conventions and pool/containerpool.go for connection reuse,
// generalized from sand's local-only CA-signed container access to
// arbitrary remote hosts authenticated by key, password, agent, or
// certificate.
package ssh

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/xec-sh/xec-go/internal/adapter/buflimit"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
	"github.com/xec-sh/xec-go/internal/sanitize"
)

// Config configures the SSH adapter.
type Config struct {
	PoolSize       int
	ConnectTimeout time.Duration
	KnownHostsPath string // empty disables host-key verification (dev convenience)

	MaxBufferBytes int64

	// IdleTimeout closes a pooled connection that has sat unused longer
	// than this (§4.5, default 5 min).
	IdleTimeout time.Duration
	// KeepaliveInterval is how often an idle pooled connection is probed.
	KeepaliveInterval time.Duration
	// KeepaliveMaxMissed is how many consecutive failed probes mark a
	// connection dead and evict it.
	KeepaliveMaxMissed int
	// AcquireTimeout bounds how long Execute blocks waiting for a pool
	// slot before failing with ConnectionError.
	AcquireTimeout time.Duration
}

// Adapter executes commands over SSH connections drawn from a per-target
// connection pool.
type Adapter struct {
	cfg  Config
	pool *connPool

	mu       sync.Mutex
	disposed bool
	lastKey  string
}

// New constructs an SSH Adapter.
func New(cfg Config) *Adapter {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 30 * time.Second
	}
	if cfg.KeepaliveMaxMissed <= 0 {
		cfg.KeepaliveMaxMissed = 3
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = cfg.ConnectTimeout
	}
	a := &Adapter{cfg: cfg}
	a.pool = newConnPool(poolConfig{
		maxSize:            cfg.PoolSize,
		idleTimeout:        cfg.IdleTimeout,
		keepaliveInterval:  cfg.KeepaliveInterval,
		keepaliveMaxMissed: cfg.KeepaliveMaxMissed,
		acquireTimeout:     cfg.AcquireTimeout,
	}, a.dial)
	return a
}

func (a *Adapter) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return nil
	}
	a.disposed = true
	return a.pool.shutdown()
}

func (a *Adapter) dial(ctx context.Context, key string) (*ssh.Client, error) {
	host, port, user, clientCfg, err := a.clientConfigForKey(key)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	dialer := net.Dialer{Timeout: a.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &result.ConnectionError{Host: addr, Wrapped: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, &result.ConnectionError{Host: addr, Wrapped: err}
	}
	_ = user
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// targetKey stashes the resolved connection parameters behind the pool's
// string key space, since connPool's dial callback only receives a key.
var targetRegistry sync.Map // map[string]*resolvedTarget

type resolvedTarget struct {
	res  resolved
	auth command.SSHAuth
}

func targetKey(t *command.SSHTarget) string {
	r := resolveTarget(t)
	key := fmt.Sprintf("%s@%s", r.user, r.addr())
	targetRegistry.Store(key, &resolvedTarget{res: r, auth: t.Auth})
	return key
}

func (a *Adapter) clientConfigForKey(key string) (host string, port int, user string, cfg *ssh.ClientConfig, err error) {
	v, ok := targetRegistry.Load(key)
	if !ok {
		return "", 0, "", nil, fmt.Errorf("ssh: no resolved target for key %q", key)
	}
	rt := v.(*resolvedTarget)

	authMethods, err := authMethodsFor(rt.auth, rt.res.identityFile)
	if err != nil {
		return "", 0, "", nil, err
	}

	hostKeyCallback, err := a.hostKeyCallback()
	if err != nil {
		return "", 0, "", nil, err
	}

	cfg = &ssh.ClientConfig{
		User:            rt.res.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         a.cfg.ConnectTimeout,
	}
	return rt.res.host, rt.res.port, rt.res.user, cfg, nil
}

// hostKeyCallback returns the real verifying callback built from
// cfg.KnownHostsPath, or ssh.InsecureIgnoreHostKey() when that path is
// empty (the documented dev-convenience opt-out).
func (a *Adapter) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if a.cfg.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(a.cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: loading known_hosts %s: %w", a.cfg.KnownHostsPath, err)
	}
	return cb, nil
}

func authMethodsFor(auth command.SSHAuth, identityFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	switch {
	case len(auth.PrivateKey) > 0:
		signer, err := parseSigner(auth.PrivateKey, auth.Passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))

	case auth.CertPath != "" && auth.KeyPath != "":
		signer, err := signerFromCertAndKey(auth.CertPath, auth.KeyPath)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))

	case auth.Password != "":
		methods = append(methods, ssh.Password(auth.Password))

	case auth.Agent:
		signers, err := agentSigners()
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) { return signers, nil }))

	case identityFile != "":
		keyBytes, err := os.ReadFile(identityFile)
		if err != nil {
			return nil, fmt.Errorf("ssh: reading identity file %s: %w", identityFile, err)
		}
		signer, err := parseSigner(keyBytes, "")
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("ssh: no usable authentication method configured")
	}
	return methods, nil
}

func parseSigner(keyBytes []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(keyBytes)
}

// signerFromCertAndKey loads a private key plus its CA-signed certificate,
// following the cert-based two-way auth model sshimmer.go establishes for
// local sandbox containers, generalized to an arbitrary remote key/cert
// pair supplied by the caller.
func signerFromCertAndKey(certPath, keyPath string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: reading private key %s: %w", keyPath, err)
	}
	keySigner, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("ssh: parsing private key %s: %w", keyPath, err)
	}

	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: reading certificate %s: %w", certPath, err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(certBytes)
	if err != nil {
		return nil, fmt.Errorf("ssh: parsing certificate %s: %w", certPath, err)
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("ssh: %s does not contain an ssh certificate", certPath)
	}
	return ssh.NewCertSigner(cert, keySigner)
}

func agentSigners() ([]ssh.Signer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("ssh: agent auth requested but SSH_AUTH_SOCK is unset")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("ssh: dialing agent socket: %w", err)
	}
	ag := agent.NewClient(conn)
	return ag.Signers()
}

// Execute runs cmd on the remote host identified by cmd.Target.SSH,
// building argv/shell/sudo wrapping the same way the local adapter does,
// but over an ssh.Session instead of exec.Cmd.
func (a *Adapter) Execute(ctx context.Context, cmd *command.Command) (*result.Result, error) {
	if cmd.Target.SSH == nil {
		return nil, &result.ValidationError{Field: "target.ssh", Reason: "ssh adapter requires an SSHTarget"}
	}
	if cmd.CancelToken.Fired() {
		return nil, &result.CancelledError{Command: cmd.Program, Origin: "user"}
	}

	key := targetKey(cmd.Target.SSH)
	a.mu.Lock()
	a.lastKey = key
	a.mu.Unlock()
	conn, err := a.pool.acquire(ctx, key)
	if err != nil {
		return nil, &result.ConnectionError{Host: key, Wrapped: err}
	}

	session, err := conn.client.NewSession()
	if err != nil {
		a.pool.discard(conn)
		return nil, &result.ConnectionError{Host: key, Wrapped: err}
	}
	defer session.Close()

	line := buildCommandLine(cmd)
	line, sudoStdin := wrapSudo(cmd.Target.SSH.Sudo, line)

	var killedForOverflow bool
	overflow := func() {
		killedForOverflow = true
		_ = session.Signal(ssh.SIGKILL)
	}
	stdoutBuf := buflimit.New(a.cfg.MaxBufferBytes, overflow)
	stderrBuf := buflimit.New(a.cfg.MaxBufferBytes, overflow)
	session.Stdout = stdoutBuf
	session.Stderr = stderrBuf

	switch {
	case sudoStdin != nil:
		session.Stdin = bytes.NewReader(sudoStdin)
	case cmd.InheritStdin:
		// No local raw-mode toggle here: the remote pty (requested via
		// session.RequestPty, if the caller wants one) owns line
		// discipline, not this end.
		session.Stdin = os.Stdin
	case len(cmd.Stdin) > 0:
		session.Stdin = bytes.NewReader(cmd.Stdin)
	}

	if cmd.Cwd != "" {
		line = fmt.Sprintf("cd %s && %s", command.EscapePOSIX(cmd.Cwd), line)
	}
	if len(cmd.Env) > 0 {
		line = envPrefix(cmd.Env) + line
	}

	started := time.Now()
	runErr := make(chan error, 1)
	if err := session.Start(line); err != nil {
		a.pool.release(conn)
		return nil, &result.AdapterError{Adapter: "ssh", Operation: "start", Wrapped: err}
	}
	go func() { runErr <- session.Wait() }()

	var timeoutCh <-chan time.Time
	if cmd.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(cmd.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var timedOut, cancelled bool
	var signalSent string
	select {
	case err = <-runErr:
	case <-timeoutCh:
		timedOut = true
		signalSent = cmd.TimeoutSignal
		if signalSent == "" {
			signalSent = "SIGTERM"
		}
		_ = session.Signal(ssh.Signal(strings.TrimPrefix(signalSent, "SIG")))
		err = <-runErr
	case <-cmd.CancelToken.Done():
		cancelled = true
		signalSent = "SIGTERM"
		_ = session.Signal(ssh.SIGTERM)
		err = <-runErr
	}
	finished := time.Now()

	a.pool.release(conn)
	sanitized := sanitize.Command(cmd.Program, cmd.Args)

	if killedForOverflow || stdoutBuf.Overflowed() || stderrBuf.Overflowed() {
		stream := "stdout"
		if stderrBuf.Overflowed() {
			stream = "stderr"
		}
		if cmd.Nothrow {
			return &result.Result{
				ExitCode:   -1,
				Signal:     "SIGKILL",
				Command:    sanitized,
				DurationMs: finished.Sub(started).Milliseconds(),
				StartedAt:  started,
				FinishedAt: finished,
				Adapter:    result.AdapterSSH,
				Host:       cmd.Target.SSH.Host,
			}, nil
		}
		return nil, &result.BufferOverflowError{Command: sanitized, MaxBufferSize: a.cfg.MaxBufferBytes, Stream: stream}
	}

	if cancelled && !cmd.Nothrow {
		return nil, &result.CancelledError{Command: sanitized, Origin: "user"}
	}
	if timedOut && !cmd.Nothrow {
		return nil, &result.TimeoutError{Command: sanitized, TimeoutMs: cmd.TimeoutMs}
	}

	exitCode, signal := sshExitInfo(err)

	res := &result.Result{
		Stdout:     stdoutBuf.Bytes(),
		Stderr:     stderrBuf.Bytes(),
		ExitCode:   exitCode,
		Signal:     signal,
		Command:    sanitized,
		DurationMs: finished.Sub(started).Milliseconds(),
		StartedAt:  started,
		FinishedAt: finished,
		Adapter:    result.AdapterSSH,
		Host:       cmd.Target.SSH.Host,
	}

	if timedOut && res.Signal == "" {
		res.Signal = signalSent
	}
	if cancelled && res.Signal == "" {
		res.Signal = signalSent
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

func buildCommandLine(cmd *command.Command) string {
	parts := make([]string, 0, 1+len(cmd.Args))
	parts = append(parts, cmd.Program)
	for _, a := range cmd.Args {
		parts = append(parts, command.EscapePOSIX(a))
	}
	return strings.Join(parts, " ")
}

func envPrefix(env map[string]string) string {
	var b strings.Builder
	for k, v := range env {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(command.EscapePOSIX(v))
		b.WriteString(" ")
	}
	return b.String()
}

func sshExitInfo(err error) (exitCode int, signal string) {
	if err == nil {
		return 0, ""
	}
	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if exitErr.Signal() != "" {
			return -1, "SIG" + exitErr.Signal()
		}
		return exitErr.ExitStatus(), ""
	}
	return -1, ""
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}
