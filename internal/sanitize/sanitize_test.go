package sanitize

import (
	"os"
	"testing"
)

func TestCommand(t *testing.T) {
	os.Unsetenv(DisableEnvVar)
	tests := map[string]struct {
		program string
		args    []string
		want    string
	}{
		"non-sensitive keeps args": {"uname", []string{"-a"}, "uname -a"},
		"sensitive redacts args":   {"cat", []string{"/etc/passwd"}, "cat [args redacted]"},
		"sensitive no args":        {"cat", nil, "cat"},
		"full path basename":       {"/bin/rm", []string{"-rf", "/tmp/x"}, "rm [args redacted]"},
		"no args at all":           {"ls", nil, "ls"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := Command(tc.program, tc.args); got != tc.want {
				t.Errorf("Command(%q, %v) = %q, want %q", tc.program, tc.args, got, tc.want)
			}
		})
	}
}

func TestCommandBypassed(t *testing.T) {
	os.Setenv(DisableEnvVar, "1")
	defer os.Unsetenv(DisableEnvVar)
	if !Bypassed() {
		t.Fatal("Bypassed() should report true once the env var is set")
	}
	if got, want := Command("cat", []string{"/etc/passwd"}), "cat /etc/passwd"; got != want {
		t.Errorf("Command() = %q, want %q (sanitization disabled)", got, want)
	}
}
