package ssh

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/kevinburke/ssh_config"
	"github.com/mitchellh/go-homedir"

	"github.com/xec-sh/xec-go/internal/command"
)

// resolved is a target after merging explicit SSHTarget fields with
// ~/.ssh/config, the way the teacher's sshimmer.go leans on
// kevinburke/ssh_config to read the user's existing config rather than
// re-deriving connection parameters by hand.
type resolved struct {
	host           string
	port           int
	user           string
	identityFile   string
	strictHostKeys bool
}

// resolveTarget fills in anything SSHTarget left unset by consulting the
// user's ssh_config (Host/HostName/Port/User/IdentityFile directives),
// falling back to conservative defaults.
func resolveTarget(t *command.SSHTarget) resolved {
	r := resolved{
		host:           t.Host,
		port:           t.Port,
		user:           t.User,
		strictHostKeys: true,
	}

	cfg := loadUserConfig()
	if cfg != nil {
		alias := t.Host
		if hostName := cfg.Get(alias, "HostName"); hostName != "" {
			r.host = hostName
		}
		if r.port == 0 {
			if p := cfg.Get(alias, "Port"); p != "" {
				if n, err := strconv.Atoi(p); err == nil {
					r.port = n
				}
			}
		}
		if r.user == "" {
			r.user = cfg.Get(alias, "User")
		}
		if id := cfg.Get(alias, "IdentityFile"); id != "" {
			r.identityFile = expandHome(id)
		}
	}

	if r.port == 0 {
		r.port = 22
	}
	if r.user == "" {
		r.user = os.Getenv("USER")
	}
	return r
}

func loadUserConfig() *ssh_config.Config {
	path := expandHome("~/.ssh/config")
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil
	}
	return cfg
}

func expandHome(p string) string {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return p
	}
	return filepath.Clean(expanded)
}

func (r resolved) addr() string {
	return r.host + ":" + strconv.Itoa(r.port)
}
