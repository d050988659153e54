// Package sanitize strips arguments from noisy or sensitive commands before
// they are logged or surfaced in an error, per spec §4.9.
package sanitize

import (
	"os"
	"strings"
)

// sensitiveCommands is the configured set of program names whose argument
// list is elided from sanitized command strings, because those arguments
// routinely carry file paths or credentials.
var sensitiveCommands = map[string]bool{
	"cat":    true,
	"ls":     true,
	"rm":     true,
	"cp":     true,
	"chmod":  true,
	"chown":  true,
	"echo":   true,
	"printf": true,
	"grep":   true,
	"find":   true,
}

// DisableEnvVar is the test-environment flag that bypasses sanitization
// entirely (§6 "environment variables consumed").
const DisableEnvVar = "XEC_SANITIZE_DISABLE"

// Bypassed reports whether sanitization is disabled for this process.
func Bypassed() bool {
	return os.Getenv(DisableEnvVar) != ""
}

// Command returns a sanitized reconstruction of program+args suitable for
// logs and Result.Command / error strings. It never includes password
// material — callers must not pass password fields to argv in the first
// place (see the sudo askpass flow in adapter/ssh).
func Command(program string, args []string) string {
	if Bypassed() {
		return join(program, args)
	}
	base := baseName(program)
	if sensitiveCommands[base] && len(args) > 0 {
		return base + " [args redacted]"
	}
	return join(program, args)
}

func join(program string, args []string) string {
	if len(args) == 0 {
		return program
	}
	return program + " " + strings.Join(args, " ")
}

func baseName(program string) string {
	i := strings.LastIndexByte(program, '/')
	if i < 0 {
		return program
	}
	return program[i+1:]
}
