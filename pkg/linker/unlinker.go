package linker

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/trexfeathers/conda-rpms/pkg/dist"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/fileutil"
	"github.com/trexfeathers/conda-rpms/pkg/hooks"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
	"github.com/trexfeathers/conda-rpms/pkg/menu"
)

// Unlink removes a linked distribution from prefix. Removal is maximally
// tolerant: a failing pre-unlink hook or files already gone never block
// cleanup. The link record is deleted last, so an interrupted removal
// still reports the package as linked and can simply be retried.
func (l *Linker) Unlink(prefix, name string) error {
	logger := logging.GetLogger("linker")

	d, err := dist.Parse(name)
	if err != nil {
		return err
	}
	if l.cfg.IsIgnored(d.Name) {
		logger.Warn().Str("dist", name).Msg("ignored on this platform")
		return nil
	}

	release, err := l.locker.Acquire(prefix)
	if err != nil {
		return err
	}
	defer release()

	if err := l.hooks.Run(prefix, d, hooks.PreUnlink, ""); err != nil {
		logger.Warn().Err(err).Str("dist", name).Msg("pre-unlink hook failed, continuing")
	}

	rec := l.store.IsLinked(prefix, name)
	if rec == nil {
		return errors.Newf(errors.ErrNotLinked, "%s is not linked in %s", name, prefix)
	}
	files := rec.Files()

	menu.Apply(l.menu, prefix, files, true)

	parents := make(map[string]bool)
	for _, f := range files {
		dst := filepath.Join(prefix, f)
		parents[filepath.Dir(dst)] = true
		if err := os.Remove(dst); err != nil {
			logger.Debug().Err(err).Str("dst", dst).Msg("file already gone")
		}
	}

	// The record goes last: a crash above leaves a retryable removal,
	// never a silently forgotten package.
	if err := l.store.Remove(prefix, name); err != nil {
		return err
	}

	pruneEmptyDirs(prefix, l.store.StateDir(prefix), parents)

	logger.Info().Str("dist", name).Str("prefix", prefix).Msg("unlinked")
	return nil
}

// pruneEmptyDirs removes every directory that held a removed file and is
// now empty, walking each parent chain up to the prefix root,
// deepest-first so chains of empty parents collapse.
func pruneEmptyDirs(prefix, stateDir string, parents map[string]bool) {
	candidates := make(map[string]bool)
	for dir := range parents {
		for len(dir) > len(prefix) {
			candidates[dir] = true
			dir = filepath.Dir(dir)
		}
	}
	// In case nothing else is left in the environment.
	candidates[stateDir] = true
	candidates[prefix] = true

	sorted := make([]string, 0, len(candidates))
	for dir := range candidates {
		sorted = append(sorted, dir)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})

	for _, dir := range sorted {
		fileutil.RemoveEmptyDir(dir)
	}
}
