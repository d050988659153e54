// Command xec is a thin demonstration CLI over the Engine API: enough to
// exercise local/ssh/container/pod execution from a shell, not a full
// command-runner product in its own right.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"

	"github.com/xec-sh/xec-go/internal/command"
	"github.com/xec-sh/xec-go/internal/engine"
	"github.com/xec-sh/xec-go/version"
)

// Context is the shared state every subcommand's Run method receives,
// mirroring cmd/sand's Context/SandBoxer pairing generalized to the Engine.
type Context struct {
	eng *engine.Engine
}

type CLI struct {
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"location of log file (stderr if unset)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level"`

	Run        RunCmd                  `cmd:"" help:"execute a single command against the local adapter"`
	SSH        SSHCmd                  `cmd:"" help:"execute a single command against a remote host over ssh"`
	Container  ContainerCmd            `cmd:"" help:"execute a single command inside a container"`
	Pod        PodCmd                  `cmd:"" help:"execute a single command inside a cluster pod"`
	Version    VersionCmd              `cmd:"" help:"print version information"`
	Completion kongcompletion.Command  `cmd:"" help:"print shell completion scripts"`
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type RunCmd struct {
	Cwd       string `help:"working directory for the command"`
	TimeoutMs int64  `help:"timeout in milliseconds (0 disables)"`
	Program   string `arg:"" help:"program to execute"`
	Args      []string `arg:"" optional:"" help:"arguments to the program"`
}

func (c *RunCmd) Run(ctx *Context) error {
	cmd := &command.Command{
		Program:   c.Program,
		Args:      c.Args,
		Cwd:       c.Cwd,
		TimeoutMs: c.TimeoutMs,
		Stdout:    command.PipeSink,
		Stderr:    command.PipeSink,
	}
	return execAndPrint(ctx.eng, cmd)
}

type SSHCmd struct {
	Host      string `arg:"" help:"remote host"`
	User      string `help:"remote user" default:""`
	Port      int    `help:"remote port" default:"22"`
	Program   string `arg:"" help:"program to execute"`
	Args      []string `arg:"" optional:"" help:"arguments to the program"`
}

func (c *SSHCmd) Run(ctx *Context) error {
	target := command.SSHTarget{
		Host: c.Host,
		Port: c.Port,
		User: c.User,
		Auth: command.SSHAuth{Agent: true},
	}
	e := ctx.eng.SSH(target)
	cmd := &command.Command{
		Program: c.Program,
		Args:    c.Args,
		Stdout:  command.PipeSink,
		Stderr:  command.PipeSink,
	}
	return execAndPrint(e, cmd)
}

type ContainerCmd struct {
	Image     string `help:"image to run the command in (ephemeral container)" default:""`
	Container string `help:"existing container name/ID to exec into instead of Image" default:""`
	Program   string `arg:"" help:"program to execute"`
	Args      []string `arg:"" optional:"" help:"arguments to the program"`
}

func (c *ContainerCmd) Run(ctx *Context) error {
	target := command.ContainerTarget{
		ExistingContainer: c.Container,
		Image:             c.Image,
		AutoRemove:        c.Container == "",
	}
	e := ctx.eng.Container(target)
	cmd := &command.Command{
		Program: c.Program,
		Args:    c.Args,
		Stdout:  command.PipeSink,
		Stderr:  command.PipeSink,
	}
	return execAndPrint(e, cmd)
}

type PodCmd struct {
	Pod       string `help:"pod name" default:""`
	Selector  string `help:"label selector, fans out across every matching pod" default:""`
	Namespace string `help:"cluster namespace" default:""`
	Program   string `arg:"" help:"program to execute"`
	Args      []string `arg:"" optional:"" help:"arguments to the program"`
}

func (c *PodCmd) Run(ctx *Context) error {
	target := command.PodTarget{
		Pod:           c.Pod,
		LabelSelector: c.Selector,
		Namespace:     c.Namespace,
	}
	e := ctx.eng.Pod(target)
	cmd := &command.Command{
		Program: c.Program,
		Args:    c.Args,
		Stdout:  command.PipeSink,
		Stderr:  command.PipeSink,
	}
	return execAndPrint(e, cmd)
}

type VersionCmd struct{}

func (c *VersionCmd) Run(_ *Context) error {
	info := version.Get()
	fmt.Printf("xec %s (%s, built %s)\n", info.GitCommit, info.GitBranch, info.BuildTime)
	return nil
}

func execAndPrint(e *engine.Engine, cmd *command.Command) error {
	res, err := e.Execute(context.Background(), cmd)
	if err != nil {
		return err
	}
	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}

func main() {
	var cli CLI

	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, ".xec.yaml", "~/.xec.yaml"),
		kong.Description("Run commands across local, ssh, container, and cluster-pod targets."),
	)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	kongcompletion.Register(parser, kongcompletion.WithPredictor("file", complete.PredictFiles("*")))

	cfg := engine.DefaultConfig()
	cfg.Logging.Level = logLevel(cli.LogLevel)
	cfg.Logging.Path = cli.LogFile

	eng, shutdown, err := engine.New(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xec: %v\n", err)
		os.Exit(1)
	}
	defer shutdown(context.Background())

	err = kctx.Run(&Context{eng: eng})
	kctx.FatalIfErrorf(err)
}
