package local

import "syscall"

// signalByName maps the subset of POSIX signal names the engine's public
// surface uses (timeoutSignal, kill()) to syscall values. Unknown names
// fall back to SIGTERM.
var signalByName = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

func resolveSignal(name string) syscall.Signal {
	if name == "" {
		return syscall.SIGTERM
	}
	if s, ok := signalByName[name]; ok {
		return s
	}
	return syscall.SIGTERM
}

var nameBySignal = func() map[syscall.Signal]string {
	m := make(map[syscall.Signal]string, len(signalByName))
	for name, sig := range signalByName {
		m[sig] = name
	}
	return m
}()

// signalName renders a syscall.Signal back to its "SIGxxx" form, falling
// back to the kernel's own description for signals outside our enumerated
// set.
func signalName(sig syscall.Signal) string {
	if name, ok := nameBySignal[sig]; ok {
		return name
	}
	return sig.String()
}
