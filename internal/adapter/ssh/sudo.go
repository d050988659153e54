package ssh

import (
	"fmt"

	"github.com/xec-sh/xec-go/internal/command"
)

// wrapSudo rewrites program+args to run under sudo according to cfg's
// escalation method (§3 SudoConfig), mirroring how the local/container
// adapters wrap shells: build a single POSIX-escaped command line and hand
// it to `sh -c`, rather than trying to juggle argv across sudo's own
// flag-parsing quirks.
func wrapSudo(cfg *command.SudoConfig, line string) (string, []byte) {
	if cfg == nil || !cfg.Enabled {
		return line, nil
	}

	switch cfg.Method {
	case command.SudoEcho:
		return fmt.Sprintf("echo %s | sudo -S -p '' -- sh -c %s",
			command.EscapePOSIX(cfg.Password), command.EscapePOSIX(line)), nil

	case command.SudoAskpass, command.SudoSecureAskpass:
		// Relies on SUDO_ASKPASS being set in the target session's
		// environment by the caller; sudo -A reads the password from
		// that helper rather than stdin, so no credentials travel over
		// the SSH channel as command-line text.
		return fmt.Sprintf("sudo -A -- sh -c %s", command.EscapePOSIX(line)), nil

	case command.SudoStdin:
		fallthrough
	default:
		// Password is written to the session's stdin once the command
		// starts, so sudo -S reads it from the pipe instead of a tty.
		return fmt.Sprintf("sudo -S -p '' -- sh -c %s", command.EscapePOSIX(line)), []byte(cfg.Password + "\n")
	}
}
