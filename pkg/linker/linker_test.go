package linker_test

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trexfeathers/conda-rpms/pkg/cache"
	"github.com/trexfeathers/conda-rpms/pkg/config"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/linker"
	"github.com/trexfeathers/conda-rpms/pkg/lock"
	"github.com/trexfeathers/conda-rpms/pkg/meta"
)

// newEngine builds a Linker over a fresh cache and prefix.
func newEngine(t *testing.T, mutate func(*config.Config)) (*linker.Linker, *cache.Cache, string) {
	t.Helper()

	cacheDir := filepath.Join(t.TempDir(), "pkgs")
	prefix := filepath.Join(t.TempDir(), "env")
	require.NoError(t, os.MkdirAll(cacheDir, 0755))
	require.NoError(t, os.MkdirAll(prefix, 0755))

	cfg := config.Default()
	cfg.CacheDir = cacheDir
	cfg.Locking = "none"
	if mutate != nil {
		mutate(&cfg)
	}

	locker := lock.NewNoop()
	c := cache.New(cacheDir, locker)
	return linker.New(cfg, c, locker, nil), c, prefix
}

// writeExtracted lays out an already extracted distribution in the cache.
// extraInfo entries land under info/ next to the generated manifest.
func writeExtracted(t *testing.T, cacheDir, name, index string, files map[string]string, extraInfo map[string]string) {
	t.Helper()

	src := filepath.Join(cacheDir, name)
	manifest := make([]string, 0, len(files))
	for rel, content := range files {
		path := filepath.Join(src, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		manifest = append(manifest, rel)
	}
	sort.Strings(manifest)

	infoDir := filepath.Join(src, "info")
	require.NoError(t, os.MkdirAll(infoDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(infoDir, "files"),
		[]byte(strings.Join(manifest, "\n")+"\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(infoDir, "index.json"), []byte(index), 0644))
	for rel, content := range extraInfo {
		require.NoError(t, os.WriteFile(filepath.Join(infoDir, rel), []byte(content), 0644))
	}
}

const plainIndex = `{"name": "foo", "version": "1.0", "build": "0"}`

func TestLink_Unlink_RoundTrip(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/foo/data.txt": "payload\n",
		"share/doc/README": "docs\n",
	}, nil)

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	content, err := os.ReadFile(filepath.Join(prefix, "lib", "foo", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(content))
	assert.Equal(t, []string{"foo-1.0-0"}, l.Linked(prefix))

	rec := l.Store().IsLinked(prefix, "foo-1.0-0")
	require.NotNil(t, rec)
	assert.ElementsMatch(t, []string{"lib/foo/data.txt", "share/doc/README"}, rec.Files())
	link, ok := rec["link"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hard-link", link["type"])

	require.NoError(t, l.Unlink(prefix, "foo-1.0-0"))

	assert.Empty(t, l.Linked(prefix), "linked set restored")
	_, err = os.Lstat(filepath.Join(prefix, "lib"))
	assert.True(t, os.IsNotExist(err), "directories that existed only for the package are pruned")
}

func TestLink_CopyStrategy_IdenticalContent(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/blob": "\x00\x01\x02binary blob",
	}, nil)

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkCopy, ""))

	got, err := os.ReadFile(filepath.Join(prefix, "lib", "blob"))
	require.NoError(t, err)
	assert.Equal(t, "\x00\x01\x02binary blob", string(got))
}

func TestLink_TextRelocation(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"bin/activate": "export ROOT=/opt/sentinel\nexport PATH=/opt/sentinel/bin:$PATH\n",
	}, map[string]string{
		"has_prefix": "/opt/sentinel text bin/activate\n",
	})

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	got, err := os.ReadFile(filepath.Join(prefix, "bin", "activate"))
	require.NoError(t, err)
	assert.Contains(t, string(got), prefix)
	assert.NotContains(t, string(got), "/opt/sentinel")

	// Relocation targets are always placed as private copies: the cache
	// original must still carry the placeholder.
	src, err := os.ReadFile(filepath.Join(c.SourceDir("foo-1.0-0"), "bin", "activate"))
	require.NoError(t, err)
	assert.Contains(t, string(src), "/opt/sentinel")
}

func TestLink_BinaryRelocation_PaddingErrorIsFatal(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	// The placeholder is shorter than any real prefix, so relocation
	// cannot fit the replacement.
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/libfoo.so": "junk/s/lib\x00junk",
	}, map[string]string{
		"has_prefix": "/s binary lib/libfoo.so\n",
	})

	err := l.Link(prefix, "foo-1.0-0", linker.LinkHard, "")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrPadding))
	assert.Contains(t, err.Error(), "foo-1.0-0")

	assert.Empty(t, l.Linked(prefix), "a failed install must not be recorded")
}

func TestLink_SymlinkSourceCopiedAsSymlink(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/libfoo.so.1": "elf bytes",
	}, nil)

	// Add a relative symlink to the manifest by hand.
	src := c.SourceDir("foo-1.0-0")
	require.NoError(t, os.Symlink("libfoo.so.1", filepath.Join(src, "lib", "libfoo.so")))
	manifest := "lib/libfoo.so\nlib/libfoo.so.1\n"
	require.NoError(t, os.WriteFile(filepath.Join(src, "info", "files"), []byte(manifest), 0644))

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	target, err := os.Readlink(filepath.Join(prefix, "lib", "libfoo.so"))
	require.NoError(t, err)
	assert.Equal(t, "libfoo.so.1", target, "relative symlinks are preserved, not resolved")
}

func TestLink_PreLinkHookFailureAbortsBeforePlacement(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "x",
	}, nil)

	hookPath := filepath.Join(prefix, "bin", ".foo-pre-link.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(hookPath), 0755))
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/bash\nexit 1\n"), 0755))

	err := l.Link(prefix, "foo-1.0-0", linker.LinkHard, "")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrHookFailed))

	_, err = os.Lstat(filepath.Join(prefix, "lib", "data"))
	assert.True(t, os.IsNotExist(err), "no file may be placed after a failed pre-link hook")
	assert.Empty(t, l.Linked(prefix))
}

func TestLink_PostLinkHookFailureIsFatal(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "x",
	}, nil)

	hookPath := filepath.Join(prefix, "bin", ".foo-post-link.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(hookPath), 0755))
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/bash\nexit 1\n"), 0755))

	err := l.Link(prefix, "foo-1.0-0", linker.LinkHard, "")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrHookFailed))
	assert.Empty(t, l.Linked(prefix),
		"an installed-but-not-configured package must not be recorded")
}

func TestLink_StaleRecordIsReplaced(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "x",
	}, nil)

	// Simulate a record left over without files.
	require.NoError(t, l.Store().Create(prefix, "foo-1.0-0",
		map[string]interface{}{"name": "foo"}, meta.Record{"files": []string{}}))

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkCopy, ""))

	assert.Equal(t, []string{"foo-1.0-0"}, l.Linked(prefix))
	rec := l.Store().IsLinked(prefix, "foo-1.0-0")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"lib/data"}, rec.Files(), "fresh record wins")
}

func TestLink_IgnoredName(t *testing.T) {
	l, c, prefix := newEngine(t, func(cfg *config.Config) {
		cfg.IgnoredNames = []string{"foo"}
	})
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "x",
	}, nil)

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	assert.Empty(t, l.Linked(prefix))
	_, err := os.Lstat(filepath.Join(prefix, "lib"))
	assert.True(t, os.IsNotExist(err))
}

func TestLink_CachePseudoPackageSkipsRecord(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "_cache-0.0-x0",
		`{"name": "_cache", "version": "0.0", "build": "x0"}`,
		map[string]string{"lib/warm": "x"}, nil)

	require.NoError(t, l.Link(prefix, "_cache-0.0-x0", linker.LinkHard, ""))

	_, err := os.Stat(filepath.Join(prefix, "lib", "warm"))
	assert.NoError(t, err, "files are placed to warm the cache")
	assert.Empty(t, l.Linked(prefix), "the pseudo-package is never recorded")
}

func TestLink_DirtyDestinationReplaced(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "fresh",
	}, nil)

	stale := filepath.Join(prefix, "lib", "data")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	got, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestUnlink_MissingFilesTolerated(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/a": "x",
		"lib/b": "y",
	}, nil)
	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	require.NoError(t, os.Remove(filepath.Join(prefix, "lib", "a")))

	require.NoError(t, l.Unlink(prefix, "foo-1.0-0"))
	assert.Empty(t, l.Linked(prefix))
	_, err := os.Lstat(filepath.Join(prefix, "lib"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnlink_NotLinked(t *testing.T) {
	l, _, prefix := newEngine(t, nil)
	err := l.Unlink(prefix, "ghost-1.0-0")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrNotLinked))
}

func TestUnlink_PreUnlinkHookFailureDoesNotBlockCleanup(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "x",
	}, nil)
	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	hookPath := filepath.Join(prefix, "bin", ".foo-pre-unlink.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(hookPath), 0755))
	require.NoError(t, os.WriteFile(hookPath, []byte("#!/bin/bash\nexit 1\n"), 0755))

	require.NoError(t, l.Unlink(prefix, "foo-1.0-0"))
	assert.Empty(t, l.Linked(prefix))
}

func TestLinkedSetConsistency(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	for _, name := range []string{"foo-1.0-0", "bar-2.0-1"} {
		writeExtracted(t, c.Dir(), name, plainIndex, map[string]string{
			"lib/" + name: "x",
		}, nil)
	}

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))
	require.NoError(t, l.Link(prefix, "bar-2.0-1", linker.LinkHard, ""))
	assert.Equal(t, []string{"bar-2.0-1", "foo-1.0-0"}, l.Linked(prefix))

	require.NoError(t, l.Unlink(prefix, "foo-1.0-0"))
	assert.Equal(t, []string{"bar-2.0-1"}, l.Linked(prefix))

	require.NoError(t, l.Unlink(prefix, "bar-2.0-1"))
	assert.Empty(t, l.Linked(prefix))
}

func TestTryHardLink(t *testing.T) {
	_, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "x",
	}, nil)

	// Cache and prefix live on the same filesystem here.
	assert.True(t, linker.TryHardLink(c, prefix, "foo-1.0-0"))

	_, err := os.Lstat(filepath.Join(prefix, ".tmp-foo-1.0-0"))
	assert.True(t, os.IsNotExist(err), "probe file is always cleaned up")
}

func TestTryHardLink_PrunesProbeOnlyPrefix(t *testing.T) {
	_, c, _ := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", plainIndex, map[string]string{
		"lib/data": "x",
	}, nil)

	probePrefix := filepath.Join(t.TempDir(), "not-yet-created")
	linker.TryHardLink(c, probePrefix, "foo-1.0-0")

	_, err := os.Lstat(probePrefix)
	assert.True(t, os.IsNotExist(err), "a prefix created only for the probe is pruned")
}

func TestLinkAll(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	for _, name := range []string{"foo-1.0-0", "bar-2.0-1"} {
		writeExtracted(t, c.Dir(), name, plainIndex, map[string]string{
			"lib/" + name: "x",
		}, nil)
	}

	lt, err := l.LinkAll(prefix, "")
	require.NoError(t, err)
	assert.Equal(t, linker.LinkHard, lt, "same-filesystem batch commits to hard links")
	assert.Equal(t, []string{"bar-2.0-1", "foo-1.0-0"}, l.Linked(prefix))
}

func TestLinkAll_NothingExtracted(t *testing.T) {
	l, _, prefix := newEngine(t, nil)
	_, err := l.LinkAll(prefix, "")
	assert.Error(t, err)
}

const noarchIndex = `{"name": "foo", "version": "1.0", "build": "0", "noarch": "python"}`

// fakePython mimics `python -Wi -m py_compile <file>` closely enough for the
// bytecode step: it drops a tagged file under __pycache__.
const fakePython = `#!/bin/bash
src="${!#}"
dir=$(dirname "$src")
base=$(basename "$src" .py)
mkdir -p "$dir/__pycache__"
echo bytecode > "$dir/__pycache__/$base.cpython-35.pyc"
`

func linkFakePython(t *testing.T, l *linker.Linker, prefix string) {
	t.Helper()
	require.NoError(t, l.Store().Create(prefix, "python-3.5.0-0",
		map[string]interface{}{"name": "python", "version": "3.5.0", "build": "0"},
		meta.Record{"files": []string{}}))
	exe := filepath.Join(prefix, "bin", "python3.5")
	require.NoError(t, os.MkdirAll(filepath.Dir(exe), 0755))
	require.NoError(t, os.WriteFile(exe, []byte(fakePython), 0755))
}

func TestLink_NoarchPython(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	linkFakePython(t, l, prefix)

	writeExtracted(t, c.Dir(), "foo-1.0-0", noarchIndex, map[string]string{
		"site-packages/pkg/mod.py": "def main():\n    return 0\n",
		"python-scripts/helper":    "#!/usr/bin/env python\n",
	}, map[string]string{
		"link.json": `{"noarch": {"type": "python", "entry_points": ["tool = pkg.mod:main"]}}`,
	})

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	sp := filepath.Join(prefix, "lib", "python3.5", "site-packages")
	_, err := os.Stat(filepath.Join(sp, "pkg", "mod.py"))
	assert.NoError(t, err, "site-packages entries land in the versioned directory")
	_, err = os.Stat(filepath.Join(prefix, "bin", "helper"))
	assert.NoError(t, err, "python-scripts entries land in bin")

	script, err := os.ReadFile(filepath.Join(prefix, "bin", "tool"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "#!"+filepath.Join(prefix, "bin", "python3.5"))
	assert.Contains(t, string(script), "from pkg.mod import main")
	info, err := os.Stat(filepath.Join(prefix, "bin", "tool"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0111, "entry point must be executable")

	rec := l.Store().IsLinked(prefix, "foo-1.0-0")
	require.NotNil(t, rec)
	assert.ElementsMatch(t, []string{
		"lib/python3.5/site-packages/pkg/mod.py",
		"lib/python3.5/site-packages/pkg/__pycache__/mod.cpython-35.pyc",
		"bin/helper",
		"bin/tool",
	}, rec.Files(), "record tracks remapped paths and derived artifacts")

	require.NoError(t, l.Unlink(prefix, "foo-1.0-0"))
	_, err = os.Lstat(filepath.Join(prefix, "bin", "tool"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(sp, "pkg"))
	assert.True(t, os.IsNotExist(err), "emptied package directories are pruned")
	_, err = os.Stat(filepath.Join(prefix, "bin", "python3.5"))
	assert.NoError(t, err, "other packages' files survive")
}

func TestLink_NoarchPython_CompileFailureIsNotFatal(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	linkFakePython(t, l, prefix)
	// Break the interpreter so py_compile fails.
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "python3.5"),
		[]byte("#!/bin/bash\nexit 1\n"), 0755))

	writeExtracted(t, c.Dir(), "foo-1.0-0", noarchIndex, map[string]string{
		"site-packages/pkg/mod.py": "x = 1\n",
	}, nil)

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	rec := l.Store().IsLinked(prefix, "foo-1.0-0")
	require.NotNil(t, rec)
	assert.Equal(t, []string{"lib/python3.5/site-packages/pkg/mod.py"}, rec.Files(),
		"no bytecode is recorded when compilation fails")
}

func TestLink_NoarchPython_ExistingEntryPointKept(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	linkFakePython(t, l, prefix)

	own := filepath.Join(prefix, "bin", "tool")
	require.NoError(t, os.WriteFile(own, []byte("#!/bin/sh\necho mine\n"), 0755))

	writeExtracted(t, c.Dir(), "foo-1.0-0", noarchIndex, map[string]string{
		"site-packages/pkg/mod.py": "def main():\n    return 0\n",
	}, map[string]string{
		"link.json": `{"noarch": {"type": "python", "entry_points": ["tool = pkg.mod:main"]}}`,
	})

	require.NoError(t, l.Link(prefix, "foo-1.0-0", linker.LinkHard, ""))

	got, err := os.ReadFile(own)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho mine\n", string(got), "the existing file wins")
}

func TestLink_NoarchPython_NoPythonLinked(t *testing.T) {
	l, c, prefix := newEngine(t, nil)
	writeExtracted(t, c.Dir(), "foo-1.0-0", noarchIndex, map[string]string{
		"site-packages/pkg/mod.py": "x = 1\n",
	}, nil)

	err := l.Link(prefix, "foo-1.0-0", linker.LinkHard, "")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrPythonNotFound))

	_, err = os.Lstat(filepath.Join(prefix, "lib"))
	assert.True(t, os.IsNotExist(err), "the failure comes before any placement")
}

func TestMessages(t *testing.T) {
	prefix := t.TempDir()
	assert.Empty(t, linker.Messages(prefix))

	path := filepath.Join(prefix, ".messages.txt")
	require.NoError(t, os.WriteFile(path, []byte("post-link says hi\n"), 0644))

	assert.Equal(t, "post-link says hi\n", linker.Messages(prefix))
	_, err := os.Lstat(path)
	assert.True(t, os.IsNotExist(err), "messages are consumed")
}
