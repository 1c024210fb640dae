// Package hooks runs the per-package hook scripts. Hooks are the engine's
// only extension point and their contract is deliberately narrow: a script
// at a well-known path, a fixed set of environment variables, and exit-code
// semantics.
package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/trexfeathers/conda-rpms/pkg/dist"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// Action names one hook point in the install/remove lifecycle.
type Action string

const (
	PreLink   Action = "pre-link"
	PostLink  Action = "post-link"
	PreUnlink Action = "pre-unlink"
)

// Runner locates and executes hook scripts inside a prefix.
type Runner struct {
	// BinDir is the prefix-relative directory holding hook scripts.
	BinDir string
	// Ext is the hook script extension.
	Ext string
}

// ScriptPath returns where the hook script for a distribution would live:
// <prefix>/<bin>/.<name>-<action>.<ext>.
func (r Runner) ScriptPath(prefix string, d dist.Distribution, action Action) string {
	return filepath.Join(prefix, r.BinDir,
		fmt.Sprintf(".%s-%s.%s", d.Name, action, r.Ext))
}

// Run executes the hook script for a distribution if one exists. A missing
// script is success. The script receives PREFIX, PKG_NAME, PKG_VERSION and
// PKG_BUILDNUM; pre-link additionally receives SOURCE_DIR. A non-zero exit
// is returned as a HOOK_FAILED error for the caller to classify.
func (r Runner) Run(prefix string, d dist.Distribution, action Action, envPrefix string) error {
	logger := logging.GetLogger("hooks")

	path := r.ScriptPath(prefix, d, action)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if envPrefix == "" {
		envPrefix = prefix
	}

	cmd := exec.Command("/bin/bash", path)
	cmd.Env = append(os.Environ(),
		"PREFIX="+envPrefix,
		"PKG_NAME="+d.Name,
		"PKG_VERSION="+d.Version,
		"PKG_BUILDNUM="+d.Build,
	)
	if action == PreLink {
		cmd.Env = append(cmd.Env, "SOURCE_DIR="+prefix)
	}

	logger.Debug().Str("script", path).Str("dist", d.String()).Msg("running hook")
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, errors.ErrHookFailed,
			"%s hook failed for %s: %s", action, d, output)
	}
	return nil
}
