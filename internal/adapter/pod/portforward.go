package pod

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/xec-sh/xec-go/internal/adapter"
	"github.com/xec-sh/xec-go/internal/result"
)

// PortForward runs `<binary> port-forward pod/<name> [localPort:]remotePort`
// against the most recently Execute-d pod target, satisfying
// adapter.PortForwarder. localPort == 0 requests an OS-assigned port
// (§4.7: "portForwardDynamic"); the assigned port is parsed from the CLI's
// own "Forwarding from 127.0.0.1:NNNN -> remotePort" announcement line.
func (a *Adapter) PortForward(ctx context.Context, localPort, remotePort int) (adapter.Tunnel, error) {
	a.mu.Lock()
	target := a.lastTarget
	a.mu.Unlock()
	if target == nil || target.Pod == "" {
		return adapter.Tunnel{}, &result.ValidationError{Field: "target.pod", Reason: "no literal pod target resolved for port-forward; call Execute first"}
	}

	spec := strconv.Itoa(remotePort)
	if localPort > 0 {
		spec = strconv.Itoa(localPort) + ":" + spec
	} else {
		spec = "0:" + spec
	}

	args := []string{"port-forward"}
	args = append(args, targetArgs(target)...)
	args = append(args, "pod/"+target.Pod, spec)

	fwdCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(fwdCtx, a.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return adapter.Tunnel{}, &result.ClusterPodError{Target: target.Pod, Operation: "port-forward", Wrapped: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return adapter.Tunnel{}, &result.ClusterPodError{Target: target.Pod, Operation: "port-forward", Wrapped: err}
	}

	assigned, err := readForwardedPort(stdout, localPort)
	if err != nil {
		cancel()
		_ = cmd.Wait()
		return adapter.Tunnel{}, &result.ClusterPodError{Target: target.Pod, Operation: "port-forward", Wrapped: err}
	}

	go func() { _ = cmd.Wait() }()

	return adapter.Tunnel{
		LocalPort: assigned,
		Close: func() error {
			cancel()
			return nil
		},
	}, nil
}

// PortForwardDynamic is sugar for PortForward(ctx, 0, remotePort), matching
// §4.7's named operation.
func (a *Adapter) PortForwardDynamic(ctx context.Context, remotePort int) (adapter.Tunnel, error) {
	return a.PortForward(ctx, 0, remotePort)
}

// readForwardedPort blocks until kubectl's announcement line appears on
// stdout, returning requestedPort unchanged when it was non-zero (kubectl
// echoes the same value back) or the OS-assigned port otherwise.
func readForwardedPort(stdout interface{ Read([]byte) (int, error) }, requestedPort int) (int, error) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Forwarding from") {
			continue
		}
		idx := strings.LastIndex(line, ":")
		arrow := strings.Index(line, " -> ")
		if idx < 0 || arrow < 0 || idx > arrow {
			continue
		}
		portStr := strings.TrimSpace(line[idx+1 : arrow])
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		return port, nil
	}
	if requestedPort > 0 {
		return requestedPort, nil
	}
	return 0, fmt.Errorf("port-forward: no forwarding announcement observed")
}
