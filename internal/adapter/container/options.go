package container

import (
	"reflect"
	"strconv"
	"strings"
)

// toArgs flattens a flag-tagged options struct into CLI arguments, the same
// reflect-driven convention the teacher's options.ToArgs[T] uses to turn
// apple-container option structs into argv, generalized here to drive any
// docker-CLI-compatible runtime (docker, podman, nerdctl) instead of a
// single fixed `container` binary.
func toArgs(v any) []string {
	if v == nil {
		return nil
	}
	var out []string
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := rv.Field(i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			out = append(out, toArgs(fv.Addr().Interface())...)
			continue
		}

		flag, ok := field.Tag.Lookup("flag")
		if !ok || fv.IsZero() {
			continue
		}

		switch fv.Kind() {
		case reflect.Bool:
			out = append(out, flag)
		case reflect.String:
			out = append(out, flag, fv.String())
		case reflect.Int, reflect.Int64:
			out = append(out, flag, strconv.FormatInt(fv.Int(), 10))
		case reflect.Slice:
			for j := 0; j < fv.Len(); j++ {
				out = append(out, flag, reflect.Value(fv.Index(j)).String())
			}
		case reflect.Map:
			keys := fv.MapKeys()
			for _, k := range keys {
				out = append(out, flag, k.String()+"="+fv.MapIndex(k).String())
			}
		}
	}
	return out
}

// RunOptions configures an ephemeral container creation (§4.6).
type RunOptions struct {
	Workdir    string            `flag:"--workdir"`
	User       string            `flag:"--user"`
	Env        map[string]string `flag:"--env"`
	Network    string            `flag:"--network"`
	Volume     []string          `flag:"--volume"`
	Publish    []string          `flag:"--publish"`
	Name       string            `flag:"--name"`
	AutoRemove bool              `flag:"--rm"`
	Detach     bool              `flag:"--detach"`
	TTY        bool              `flag:"--tty"`
	Interactive bool             `flag:"--interactive"`
}

// ExecOptions configures exec-in-existing-container (§4.6).
type ExecOptions struct {
	Workdir     string            `flag:"--workdir"`
	User        string            `flag:"--user"`
	Env         map[string]string `flag:"--env"`
	TTY         bool              `flag:"--tty"`
	Interactive bool              `flag:"--interactive"`
}

func splitLines(s string) []string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
