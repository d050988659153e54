package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/xec-sh/xec-go/internal/result"
)

// TransformKind enumerates the built-in pipe transform primitives (§4.2).
type TransformKind int

const (
	TransformUpper TransformKind = iota
	TransformGrep
	TransformReplace
	TransformTee
)

// Transform is a built-in pipe stage that doesn't require spawning another
// process.
type Transform struct {
	Kind        TransformKind
	Pattern     string // TransformGrep: regex; TransformReplace: literal match
	Replacement string // TransformReplace
	TeeWriter   io.Writer
}

// PipeTarget is the discriminated union of everything source.Pipe(...) can
// feed into (§4.2, §4.11).
type PipeTarget struct {
	Command   *Object
	Writer    io.Writer
	LineFunc  func(line string) error
	Transform *Transform
}

// PipeOptions configures a single pipe stage (§4.11).
type PipeOptions struct {
	ThrowOnError  bool
	Encoding      string
	LineByLine    bool
	LineSeparator string
}

// DefaultPipeOptions mirrors the enumerated defaults in §4.11.
func DefaultPipeOptions() PipeOptions {
	return PipeOptions{
		ThrowOnError:  true,
		Encoding:      "utf-8",
		LineByLine:    true,
		LineSeparator: "\n",
	}
}

// Pipe builds a new Object whose execution runs src to completion with
// stdout captured, then feeds that output into target per §4.11's rules.
// Cancelling the returned Object is transitive to src (§5).
func Pipe(runner Runner, src *Object, target PipeTarget, opts PipeOptions) *Object {
	pipedCmd := src.cmd.Clone()
	// The composite pipe Object shares src's cancel token so kill() on the
	// pipe terminal cancels its source, per §4.10/§5.
	pr := RunnerFunc(func(ctx context.Context, _ *Command) (*result.Result, error) {
		return runPipe(ctx, runner, src, target, opts)
	})
	return New(pr, pipedCmd)
}

func runPipe(ctx context.Context, runner Runner, src *Object, target PipeTarget, opts PipeOptions) (*result.Result, error) {
	srcCmd := src.cmd.Clone()
	srcCmd.Stdout = PipeSink
	srcRes, err := runner.Run(ctx, srcCmd)
	if err != nil {
		if !srcCmd.Nothrow && opts.ThrowOnError {
			return nil, err
		}
		if srcRes == nil {
			// nothrow source failed below the adapter layer (every
			// adapter's Run returns nil, err on failure) — there's no
			// Result to feed downstream, so surface the original error
			// rather than dereferencing a nil *result.Result.
			return nil, err
		}
	}

	switch {
	case target.Command != nil:
		downstream := target.Command.cmd.Clone()
		downstream.Stdin = srcRes.Buffer()
		res, derr := runner.Run(ctx, downstream)
		return res, derr

	case target.Writer != nil:
		if _, werr := target.Writer.Write(srcRes.Buffer()); werr != nil {
			return nil, &result.AdapterError{Adapter: "pipe", Operation: "write", Wrapped: werr}
		}
		return srcRes, nil

	case target.LineFunc != nil:
		sep := opts.LineSeparator
		if sep == "" {
			sep = "\n"
		}
		for _, line := range strings.Split(string(srcRes.Buffer()), sep) {
			if line == "" {
				continue
			}
			if ferr := callLineFunc(target.LineFunc, line); ferr != nil {
				return nil, &result.AdapterError{Adapter: "pipe", Operation: "lineFunc", Wrapped: ferr}
			}
		}
		return srcRes, nil

	case target.Transform != nil:
		out, terr := applyTransform(*target.Transform, srcRes.Buffer())
		if terr != nil {
			return nil, terr
		}
		clone := *srcRes
		clone.Stdout = out
		return &clone, nil
	}

	return srcRes, nil
}

// callLineFunc isolates the callback invocation so a panic thrown by a
// caller-supplied line processor surfaces as an error instead of crashing
// the pipe (Open Question in §9: resolved as an AdapterError carrying the
// thrown value).
func callLineFunc(fn func(string) error, line string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("line func panicked: %v", r)
		}
	}()
	return fn(line)
}

func applyTransform(t Transform, in []byte) ([]byte, error) {
	switch t.Kind {
	case TransformUpper:
		return bytes.ToUpper(in), nil
	case TransformGrep:
		re, err := regexp.Compile(t.Pattern)
		if err != nil {
			return nil, &result.ValidationError{Field: "pipe.grep", Reason: "invalid pattern", Wrapped: err}
		}
		var out bytes.Buffer
		for _, line := range strings.Split(string(in), "\n") {
			if re.MatchString(line) {
				out.WriteString(line)
				out.WriteByte('\n')
			}
		}
		return out.Bytes(), nil
	case TransformReplace:
		return []byte(strings.ReplaceAll(string(in), t.Pattern, t.Replacement)), nil
	case TransformTee:
		if t.TeeWriter != nil {
			if _, err := t.TeeWriter.Write(in); err != nil {
				return nil, &result.AdapterError{Adapter: "pipe", Operation: "tee", Wrapped: err}
			}
		}
		return in, nil
	default:
		return in, nil
	}
}
