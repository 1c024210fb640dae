package cache

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

var (
	magicGzip  = []byte{0x1f, 0x8b}
	magicBzip2 = []byte{'B', 'Z', 'h'}
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// Extract unpacks the archive of a distribution into its source directory,
// making it available for linkage. Extraction is idempotent: files already
// in place are overwritten with identical content, and the archive itself
// is untouched. When running as root on Linux, ownership of every extracted
// file is normalized to root rather than inherited from the archive.
func (c *Cache) Extract(name string) error {
	logger := logging.GetLogger("cache")

	release, err := c.locker.Acquire(c.dir)
	if err != nil {
		return err
	}
	defer release()

	archivePath := c.ArchivePath(name)
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, errors.ErrArchiveMissing,
			"archive for %s not in cache", name)
	}
	defer f.Close()

	reader, err := decompressor(f)
	if err != nil {
		return errors.Wrapf(err, errors.ErrArchiveCorrupt,
			"cannot decompress %s", archivePath)
	}

	target := c.SourceDir(name)
	if err := unpackTar(reader, target); err != nil {
		return errors.Wrapf(err, errors.ErrArchiveCorrupt,
			"cannot extract %s", archivePath)
	}

	if runtime.GOOS == "linux" && os.Geteuid() == 0 {
		// Extracted as root: own the tree rather than trusting
		// archive-embedded ownership.
		err := filepath.Walk(target, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			return os.Lchown(path, 0, 0)
		})
		if err != nil {
			return errors.Wrapf(err, errors.ErrCacheExtract,
				"cannot normalize ownership under %s", target)
		}
	}

	logger.Info().Str("dist", name).Str("target", target).Msg("extracted")
	return nil
}

// decompressor picks the codec from the archive's magic bytes. Payloads
// are bzip2 by convention; gzip and xz archives are accepted too.
func decompressor(f *os.File) (io.Reader, error) {
	head := make([]byte, len(magicXz))
	if _, err := io.ReadFull(f, head); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, magicBzip2):
		return bzip2.NewReader(f), nil
	case bytes.HasPrefix(head, magicGzip):
		return gzip.NewReader(f)
	case bytes.HasPrefix(head, magicXz):
		return xz.NewReader(f)
	default:
		return nil, errors.New(errors.ErrArchiveCorrupt, "unrecognized archive format")
	}
}

func unpackTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		rel := filepath.Clean(header.Name)
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
			continue
		}
		target := filepath.Join(destDir, rel)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()|0700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			// Replace a stale link so re-extraction stays idempotent.
			if _, err := os.Lstat(target); err == nil {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if _, err := os.Lstat(target); err == nil {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.Link(filepath.Join(destDir, header.Linkname), target); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// The open perm only applies on create; enforce it on overwrite too.
	return os.Chmod(target, perm)
}
