// Package ambient implements the "within" scoped, flow-local default
// configuration described in §4.13 and the design-note replacement for a
// tagged-template's ambient context: explicit context passing instead of
// thread-local state, so concurrent sibling tasks never observe each
// other's defaults.
package ambient

import (
	"context"

	"github.com/xec-sh/xec-go/internal/command"
)

// Defaults is the ambient configuration layer any Engine call made during
// a within() must observe (§4.2's defaults chain: "ambient context").
type Defaults struct {
	Cwd         string
	Env         map[string]string
	AdapterKind command.AdapterKind
	CancelToken *command.CancelToken
}

type ctxKey struct{}

// From returns the ambient Defaults attached to ctx, if any.
func From(ctx context.Context) (Defaults, bool) {
	d, ok := ctx.Value(ctxKey{}).(Defaults)
	return d, ok
}

// Within runs fn with an ambient context layering partial over whatever
// ambient Defaults are already present on ctx (nested within() calls
// compose, innermost wins per field). The new context is only visible to
// fn and anything fn derives from it — it cannot leak to a concurrent
// sibling goroutine that captured ctx before this call.
func Within(ctx context.Context, partial Defaults, fn func(ctx context.Context) error) error {
	merged := partial
	if parent, ok := From(ctx); ok {
		merged = mergeDefaults(parent, partial)
	}
	return fn(context.WithValue(ctx, ctxKey{}, merged))
}

func mergeDefaults(base, override Defaults) Defaults {
	out := base
	if override.Cwd != "" {
		out.Cwd = override.Cwd
	}
	if override.AdapterKind != "" {
		out.AdapterKind = override.AdapterKind
	}
	if override.CancelToken != nil {
		out.CancelToken = override.CancelToken
	}
	if len(override.Env) > 0 {
		merged := make(map[string]string, len(base.Env)+len(override.Env))
		for k, v := range base.Env {
			merged[k] = v
		}
		for k, v := range override.Env {
			merged[k] = v
		}
		out.Env = merged
	}
	return out
}
