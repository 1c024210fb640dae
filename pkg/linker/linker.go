// Package linker orchestrates installing extracted distributions into a
// prefix and removing them again. An install runs pre-link hook, per-file
// placement, prefix relocation, noarch-python steps and post-link hook, and
// only then commits the link record: the record's existence is what makes a
// distribution "linked", so a crash mid-install never corrupts the
// prefix's view of itself.
package linker

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trexfeathers/conda-rpms/pkg/cache"
	"github.com/trexfeathers/conda-rpms/pkg/config"
	"github.com/trexfeathers/conda-rpms/pkg/dist"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/fileutil"
	"github.com/trexfeathers/conda-rpms/pkg/hooks"
	"github.com/trexfeathers/conda-rpms/pkg/lock"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
	"github.com/trexfeathers/conda-rpms/pkg/menu"
	"github.com/trexfeathers/conda-rpms/pkg/meta"
	"github.com/trexfeathers/conda-rpms/pkg/noarch"
	"github.com/trexfeathers/conda-rpms/pkg/relocate"
)

// Linker installs and removes distributions. Construct with New.
type Linker struct {
	cfg    config.Config
	cache  *cache.Cache
	store  *meta.Store
	hooks  hooks.Runner
	locker lock.Locker
	menu   menu.Installer
}

// New builds a Linker. menuInst may be nil; locker must be the same
// instance used by the cache so that nested acquisitions are re-entrant.
func New(cfg config.Config, c *cache.Cache, locker lock.Locker, menuInst menu.Installer) *Linker {
	return &Linker{
		cfg:    cfg,
		cache:  c,
		store:  meta.NewStore(cfg.StateDir),
		hooks:  hooks.Runner{BinDir: cfg.BinDir, Ext: cfg.HookExt},
		locker: locker,
		menu:   menuInst,
	}
}

// Store exposes the link-record store for queries.
func (l *Linker) Store() *meta.Store {
	return l.store
}

// Linked returns the canonical names of every distribution linked in prefix.
func (l *Linker) Linked(prefix string) []string {
	return l.store.Linked(prefix)
}

// Link installs one extracted distribution into prefix. Files embedding
// the build placeholder are relocated to targetPrefix (defaulting to
// prefix itself, the two differ when staging an image of another root).
//
// The record is committed last: if the process dies earlier, files may be
// on disk with no record. Link self-heals such leftovers by removing a
// pre-existing destination file (with a warning) before placing, but does
// not run a reconciliation pass; retrying the install is the cleanup.
func (l *Linker) Link(prefix, name string, lt LinkType, targetPrefix string) error {
	logger := logging.GetLogger("linker")

	d, err := dist.Parse(name)
	if err != nil {
		return err
	}
	if l.cfg.IsIgnored(d.Name) {
		logger.Warn().Str("dist", name).Msg("ignored on this platform")
		return nil
	}
	if targetPrefix == "" {
		targetPrefix = prefix
	}

	// Cache lock before prefix lock, everywhere, to keep concurrent link
	// and unlink deadlock-free.
	releaseCache, err := l.locker.Acquire(l.cache.Dir())
	if err != nil {
		return err
	}
	defer releaseCache()
	releasePrefix, err := l.locker.Acquire(prefix)
	if err != nil {
		return err
	}
	defer releasePrefix()

	if l.store.IsLinked(prefix, name) != nil {
		logger.Warn().Str("dist", name).Msg("stale link record found, replacing")
		if err := l.store.Remove(prefix, name); err != nil {
			return err
		}
	}

	if err := l.hooks.Run(prefix, d, hooks.PreLink, targetPrefix); err != nil {
		return err
	}

	sourceDir := l.cache.SourceDir(name)
	infoDir := l.cache.InfoDir(name)

	files, err := fileutil.ReadLines(filepath.Join(infoDir, "files"))
	if err != nil {
		return errors.Wrapf(err, errors.ErrLinkFailed,
			"%s is not extracted: no file manifest", name)
	}
	hasPrefix := relocate.ReadHasPrefix(filepath.Join(infoDir, "has_prefix"), l.cfg.Placeholder)
	noLink := cache.ReadNoLink(infoDir)

	index, err := cache.ReadIndex(infoDir)
	if err != nil {
		return errors.Wrapf(err, errors.ErrLinkFailed,
			"%s is not extracted: no index metadata", name)
	}

	noarchType := cache.NoarchType(index)
	var pyVersion, sitePackages, pythonBin string
	if noarchType == noarch.TypePython {
		pyVersion, err = noarch.PythonVersion(l.store.Linked(prefix))
		if err != nil {
			return err
		}
		sitePackages = noarch.SitePackages(pyVersion)
		pythonBin = noarch.PythonBin(pyVersion)
	}

	// Every file actually placed, including derived artifacts, in
	// manifest order: this is what the record will track for removal.
	allFiles := make([]string, 0, len(files))

	for _, f := range files {
		src := filepath.Join(sourceDir, f)

		dstRel := f
		if noarchType == noarch.TypePython {
			dstRel = noarch.TargetPath(f, sitePackages)
		}
		dst := filepath.Join(prefix, dstRel)
		allFiles = append(allFiles, dstRel)

		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			logger.Error().Err(err).Str("dst", dst).Msg("cannot create parent directory")
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			logger.Warn().Str("dst", dst).Msg("file already exists, replacing")
			if err := os.Remove(dst); err != nil {
				logger.Error().Err(err).Str("dst", dst).Msg("failed to remove existing file")
			}
		}

		use := lt
		if _, relocated := hasPrefix[f]; relocated || noLink[f] || isSymlink(src) {
			use = LinkCopy
		}
		if err := place(src, dst, use); err != nil {
			logger.Error().Err(err).Str("src", src).Str("dst", dst).
				Str("type", use.String()).Msg("failed to place file")
		}
	}

	if noarchType == noarch.TypePython {
		allFiles, err = l.noarchSteps(prefix, infoDir, pyVersion, pythonBin, allFiles)
		if err != nil {
			return err
		}
	}

	// The cache-warming pseudo-package stops here: no relocation, no
	// hooks, no record.
	if d.IsCacheOnly() {
		return nil
	}

	relocated := make([]string, 0, len(hasPrefix))
	for f := range hasPrefix {
		relocated = append(relocated, f)
	}
	sort.Strings(relocated)
	for _, f := range relocated {
		entry := hasPrefix[f]
		err := relocate.UpdatePrefix(filepath.Join(prefix, f), targetPrefix,
			entry.Placeholder, entry.Mode)
		if err != nil {
			if errors.IsErrorCode(err, errors.ErrPadding) {
				return errors.Newf(errors.ErrPadding,
					"placeholder %q too short in %s (file %s)", entry.Placeholder, name, f)
			}
			return err
		}
	}

	menu.Apply(l.menu, prefix, files, false)

	if err := l.hooks.Run(prefix, d, hooks.PostLink, targetPrefix); err != nil {
		return err
	}

	extra := meta.Record{
		"url":   l.cache.ReadOrigin(name),
		"files": allFiles,
		"link": map[string]interface{}{
			"source": sourceDir,
			"type":   lt.String(),
		},
	}
	if channel, ok := index["channel"].(string); ok {
		extra["channel"] = cache.StripCredentials(channel)
	}
	if _, ok := index["icon"]; ok {
		if icondata := cache.ReadIconData(sourceDir); icondata != "" {
			extra["icondata"] = icondata
		}
	}

	if err := l.store.Create(prefix, name, index, extra); err != nil {
		return err
	}
	logger.Info().Str("dist", name).Str("prefix", prefix).
		Str("type", lt.String()).Msg("linked")
	return nil
}

// noarchSteps synthesizes entry points and compiles bytecode, returning
// the file list extended with every derived artifact.
func (l *Linker) noarchSteps(prefix, infoDir, pyVersion, pythonBin string, allFiles []string) ([]string, error) {
	logger := logging.GetLogger("linker")

	lj, err := cache.ReadLinkJSON(infoDir)
	if err != nil {
		return allFiles, errors.Wrap(err, errors.ErrLinkFailed, "unreadable link.json")
	}

	pythonExe := filepath.Join(prefix, pythonBin)

	for _, ep := range lj.Noarch.EntryPoints {
		command, module, function, err := noarch.ParseEntryPoint(ep)
		if err != nil {
			return allFiles, err
		}
		scriptRel := filepath.Join(l.cfg.BinDir, command)
		err = noarch.CreateEntryPoint(filepath.Join(prefix, scriptRel), pythonExe, module, function)
		if err != nil {
			return allFiles, err
		}
		allFiles = append(allFiles, scriptRel)
	}

	for _, f := range allFiles {
		if !strings.HasSuffix(f, ".py") {
			continue
		}
		pycRel := noarch.PycPath(f, pyVersion)
		err := noarch.CompilePyc(pythonExe, filepath.Join(prefix, f), filepath.Join(prefix, pycRel))
		if err != nil {
			logger.Warn().Err(err).Str("py", f).Msg("bytecode compilation skipped")
			continue
		}
		allFiles = append(allFiles, pycRel)
	}

	return allFiles, nil
}

// LinkAll installs every extracted distribution into prefix, probing
// hard-link capability once and committing to one strategy for the whole
// batch. Returns the strategy used.
func (l *Linker) LinkAll(prefix, targetPrefix string) (LinkType, error) {
	dists := l.cache.Extracted()
	if len(dists) == 0 {
		return LinkCopy, errors.New(errors.ErrLinkFailed, "nothing extracted to link")
	}

	lt := LinkCopy
	if TryHardLink(l.cache, prefix, dists[0]) {
		lt = LinkHard
	}
	for _, name := range dists {
		if err := l.Link(prefix, name, lt, targetPrefix); err != nil {
			return lt, err
		}
	}
	return lt, nil
}

// Messages surfaces and consumes the prefix's .messages.txt left behind by
// post-link scripts. Returns "" when there are none.
func Messages(prefix string) string {
	path := filepath.Join(prefix, ".messages.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	_ = fileutil.RemoveAll(path, 1)
	return string(data)
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
