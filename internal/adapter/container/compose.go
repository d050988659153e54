package container

import (
	"bufio"
	"context"
	"os/exec"

	"github.com/xec-sh/xec-go/internal/result"
)

// ComposeProject is the fluent API §4.6 describes for compose-managed
// deployments: up/down/ps/logs(service), each shelling out to
// `<binary> compose -f <file> …` the same way the rest of the adapter shells
// out to the runtime binary.
type ComposeProject struct {
	adapter *Adapter
	file    string
	project string
}

// Compose returns a ComposeProject bound to composeFile (and, if non-empty,
// an explicit project name via `-p`).
func (a *Adapter) Compose(composeFile, project string) *ComposeProject {
	return &ComposeProject{adapter: a, file: composeFile, project: project}
}

func (c *ComposeProject) baseArgs() []string {
	args := []string{"compose"}
	if c.file != "" {
		args = append(args, "-f", c.file)
	}
	if c.project != "" {
		args = append(args, "-p", c.project)
	}
	return args
}

// Up brings the project's services up, optionally rebuilding images.
func (c *ComposeProject) Up(ctx context.Context, build bool) error {
	args := append(c.baseArgs(), "up", "-d")
	if build {
		args = append(args, "--build")
	}
	if _, err := c.adapter.run(ctx, args...); err != nil {
		return &result.ContainerError{Target: c.project, Operation: "compose-up", Wrapped: err}
	}
	return nil
}

// Down tears the project's services down, optionally removing volumes.
func (c *ComposeProject) Down(ctx context.Context, volumes bool) error {
	args := append(c.baseArgs(), "down")
	if volumes {
		args = append(args, "--volumes")
	}
	if _, err := c.adapter.run(ctx, args...); err != nil {
		return &result.ContainerError{Target: c.project, Operation: "compose-down", Wrapped: err}
	}
	return nil
}

// Ps lists the project's service containers, one line per service.
func (c *ComposeProject) Ps(ctx context.Context) ([]string, error) {
	args := append(c.baseArgs(), "ps", "--format", "{{.Name}}")
	out, err := c.adapter.run(ctx, args...)
	if err != nil {
		return nil, &result.ContainerError{Target: c.project, Operation: "compose-ps", Wrapped: err}
	}
	return splitLines(string(out)), nil
}

// Logs streams a single service's logs through cb, mirroring StreamLogs'
// follow/tail/scan shape but scoped to a compose service name instead of a
// container handle.
func (c *ComposeProject) Logs(ctx context.Context, service string, follow bool, cb func(line string)) (func(), error) {
	args := append(c.baseArgs(), "logs")
	if follow {
		args = append(args, "--follow")
	}
	args = append(args, service)

	logCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(logCtx, c.adapter.bin(), args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &result.ContainerError{Target: service, Operation: "compose-logs", Wrapped: err}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &result.ContainerError{Target: service, Operation: "compose-logs", Wrapped: err}
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			cb(scanner.Text())
		}
	}()
	go func() { _ = cmd.Wait() }()

	return cancel, nil
}
