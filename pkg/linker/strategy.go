package linker

import (
	"io"
	"os"
	"path/filepath"

	"github.com/trexfeathers/conda-rpms/pkg/cache"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/fileutil"
)

// LinkType selects how one file is placed into a prefix.
type LinkType int

const (
	// LinkHard shares the inode with the cache copy. Fastest, but cannot
	// cross filesystems.
	LinkHard LinkType = iota + 1
	// LinkSoft points a symlink at the cache copy.
	LinkSoft
	// LinkCopy duplicates content and metadata. Always possible, and
	// mandatory for files that will be relocated.
	LinkCopy
)

func (lt LinkType) String() string {
	switch lt {
	case LinkHard:
		return "hard-link"
	case LinkSoft:
		return "soft-link"
	case LinkCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// place puts src at dst using the chosen method.
func place(src, dst string, lt LinkType) error {
	switch lt {
	case LinkHard:
		return os.Link(src, dst)
	case LinkSoft:
		return os.Symlink(src, dst)
	case LinkCopy:
		return copyFile(src, dst)
	default:
		return errors.Newf(errors.ErrInternal, "unexpected link type %d", lt)
	}
}

// copyFile duplicates src at dst, preserving mode and modification time.
// A relative symlink is recreated as a symlink rather than resolved, so
// packages shipping internal relative links keep working.
func copyFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(target) {
			return os.Symlink(target, dst)
		}
		// Absolute symlink: fall through and copy the pointed-to content.
		info, err = os.Stat(src)
		if err != nil {
			return err
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// TryHardLink probes whether hard-linking from the cache into the prefix
// works, by linking one known cache file to a scratch path. The probe file
// is always cleaned up, and a prefix created only for the probe is pruned.
// Callers use the answer to commit to one strategy for a whole operation
// rather than mixing hard links and copies.
func TryHardLink(c *cache.Cache, prefix, name string) bool {
	src := filepath.Join(c.InfoDir(name), "index.json")
	dst := filepath.Join(prefix, ".tmp-"+name)

	if err := os.MkdirAll(prefix, 0755); err != nil {
		return false
	}
	defer func() {
		_ = fileutil.RemoveAll(dst, 1)
		fileutil.RemoveEmptyDir(prefix)
	}()

	return os.Link(src, dst) == nil
}
