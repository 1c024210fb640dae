// Package menu defines the optional desktop-menu integration point. The
// engine calls an Installer only when one was injected; absence of the
// facility is not an error.
package menu

import (
	"path/filepath"
	"strings"

	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// Installer integrates a package's menu descriptors with the desktop
// environment. Implementations are supplied by the caller.
type Installer interface {
	// Install registers (or, with remove set, unregisters) one menu
	// descriptor file inside the prefix.
	Install(prefix, menuFile string, remove bool) error
}

// Apply runs the installer over every Menu/*.json descriptor in files.
// A nil installer or a descriptor failure never blocks the surrounding
// install or removal; failures are logged and skipped.
func Apply(inst Installer, prefix string, files []string, remove bool) {
	if inst == nil {
		return
	}
	logger := logging.GetLogger("menu")

	for _, f := range files {
		if !strings.HasPrefix(f, "Menu/") || !strings.HasSuffix(f, ".json") {
			continue
		}
		if err := inst.Install(prefix, filepath.Join(prefix, f), remove); err != nil {
			logger.Error().Err(err).Str("menu", f).Bool("remove", remove).
				Msg("menu integration failed")
		}
	}
}
