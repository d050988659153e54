package ssh

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/result"
)

// Tunnel opens a local TCP listener that forwards every accepted
// connection through a direct-tcpip channel to remoteHost:remotePort,
// satisfying adapter.Tunneler.
func (a *Adapter) Tunnel(ctx context.Context, localPort int, remoteHost string, remotePort int) (adapter.Tunnel, error) {
	a.mu.Lock()
	key := a.lastKey
	a.mu.Unlock()
	if key == "" {
		return adapter.Tunnel{}, &result.ValidationError{Field: "target.ssh", Reason: "no ssh target resolved for tunnel; call Execute first or use TunnelFor"}
	}

	conn, err := a.pool.acquire(ctx, key)
	if err != nil {
		return adapter.Tunnel{}, &result.ConnectionError{Host: key, Wrapped: err}
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		a.pool.release(conn)
		return adapter.Tunnel{}, &result.ConnectionError{Host: key, Wrapped: err}
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port
	done := make(chan struct{})

	go func() {
		for {
			local, err := listener.Accept()
			if err != nil {
				return
			}
			go forward(conn.client, local, remoteHost, remotePort)
		}
	}()

	closeFn := func() error {
		close(done)
		err := listener.Close()
		a.pool.release(conn)
		return err
	}

	return adapter.Tunnel{LocalPort: actualPort, Close: closeFn}, nil
}

// TunnelFor is the explicit-target variant of Tunnel, for callers that have
// not already issued an Execute against the same SSHTarget.
func (a *Adapter) TunnelFor(ctx context.Context, target *command.SSHTarget, localPort int, remoteHost string, remotePort int) (adapter.Tunnel, error) {
	key := targetKey(target)
	a.mu.Lock()
	a.lastKey = key
	a.mu.Unlock()
	return a.Tunnel(ctx, localPort, remoteHost, remotePort)
}

func forward(client *ssh.Client, local net.Conn, remoteHost string, remotePort int) {
	defer local.Close()
	remote, err := client.Dial("tcp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(remote, local); done <- struct{}{} }()
	go func() { io.Copy(local, remote); done <- struct{}{} }()
	<-done
}
