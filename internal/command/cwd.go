package command

import (
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

// ResolveCwd implements the §8 round-trip law: cd(x).cd(y) = cd(resolve(x,y))
// where resolve expands a leading "~" first, then joins against the current
// cwd, then normalizes the result.
func ResolveCwd(current, next string) string {
	expanded, err := homedir.Expand(next)
	if err != nil {
		expanded = next
	}
	if filepath.IsAbs(expanded) || current == "" {
		return filepath.Clean(expanded)
	}
	return filepath.Clean(filepath.Join(current, expanded))
}
