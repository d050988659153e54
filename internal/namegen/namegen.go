// Package namegen derives human-memorable identifiers for ephemeral
// containers and pods, following the teacher's use of
// goombaio/namegenerator for sandbox IDs (cmd/sand/new_cmd.go).
package namegen

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/goombaio/namegenerator"
)

// Ephemeral returns a name of the form "xec-<image-basename>-<timestamp>-<rand>"
// for an ephemeral container or pod created from image, per §4.10/§4.11's
// "ephemeral resources get a generated, human-readable name unless the
// caller supplies one".
func Ephemeral(image string) string {
	base := path.Base(image)
	if idx := strings.IndexByte(base, ':'); idx >= 0 {
		base = base[:idx]
	}
	seed := time.Now().UTC().UnixNano()
	gen := namegenerator.NewNameGenerator(seed)
	return fmt.Sprintf("xec-%s-%d-%s", base, time.Now().UTC().Unix(), gen.Generate())
}
