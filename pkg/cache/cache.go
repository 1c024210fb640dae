// Package cache manages the local package cache: which distributions are
// fetched (archive present) and which are extracted (unpacked directory
// with readable info metadata). The cache may be shared between many
// prefixes, so every mutation is taken under the cache directory lock.
package cache

import (
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/trexfeathers/conda-rpms/pkg/dist"
	"github.com/trexfeathers/conda-rpms/pkg/fileutil"
	"github.com/trexfeathers/conda-rpms/pkg/lock"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

const deleteRetries = 5

// Cache is a handle on one package cache directory.
type Cache struct {
	dir    string
	locker lock.Locker
}

// New returns a Cache rooted at dir, serialized by locker.
func New(dir string, locker lock.Locker) *Cache {
	return &Cache{dir: dir, locker: locker}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// ArchivePath returns the path of the packed archive for a distribution.
func (c *Cache) ArchivePath(name string) string {
	return filepath.Join(c.dir, name+dist.ArchiveExt)
}

// SourceDir returns the extraction directory for a distribution.
func (c *Cache) SourceDir(name string) string {
	return filepath.Join(c.dir, name)
}

// InfoDir returns the metadata directory of an extracted distribution.
func (c *Cache) InfoDir(name string) string {
	return filepath.Join(c.SourceDir(name), "info")
}

// Fetched returns the sorted canonical names of every distribution whose
// archive file exists. A missing cache directory is an empty set.
func (c *Cache) Fetched() []string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), dist.ArchiveExt) {
			names = append(names, dist.TrimArchiveExt(e.Name()))
		}
	}
	sort.Strings(names)
	return names
}

// IsFetched reports whether the archive for a distribution exists.
func (c *Cache) IsFetched(name string) bool {
	info, err := os.Stat(c.ArchivePath(name))
	return err == nil && !info.IsDir()
}

// RemoveFetched evicts the archive of a distribution from the cache.
func (c *Cache) RemoveFetched(name string) error {
	release, err := c.locker.Acquire(c.dir)
	if err != nil {
		return err
	}
	defer release()
	return fileutil.RemoveAll(c.ArchivePath(name), deleteRetries)
}

// Extracted returns the sorted canonical names of every distribution whose
// unpacked tree carries readable info/files and info/index.json. A missing
// cache directory is an empty set.
func (c *Cache) Extracted() []string {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && c.IsExtracted(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// IsExtracted reports whether a distribution's unpacked tree is complete
// enough to link from.
func (c *Cache) IsExtracted(name string) bool {
	return isFile(filepath.Join(c.InfoDir(name), "files")) &&
		isFile(filepath.Join(c.InfoDir(name), "index.json"))
}

// RemoveExtracted evicts the unpacked tree of a distribution.
func (c *Cache) RemoveExtracted(name string) error {
	release, err := c.locker.Acquire(c.dir)
	if err != nil {
		return err
	}
	defer release()
	return fileutil.RemoveAll(c.SourceDir(name), deleteRetries)
}

// ReadOrigin returns the URL the archive of a distribution was fetched
// from, read from the cache's urls.txt (last matching entry wins), with
// any embedded credentials stripped. Empty when unknown.
func (c *Cache) ReadOrigin(name string) string {
	data, err := os.ReadFile(filepath.Join(c.dir, "urls.txt"))
	if err != nil {
		return ""
	}
	urls := strings.Fields(string(data))
	for i := len(urls) - 1; i >= 0; i-- {
		if strings.HasSuffix(urls[i], "/"+name+dist.ArchiveExt) {
			return StripCredentials(urls[i])
		}
	}
	return ""
}

// StripCredentials removes userinfo and channel access tokens
// (a "/t/<token>" path segment) from a URL.
func StripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	if strings.HasPrefix(u.Path, "/t/") {
		if i := strings.Index(u.Path[3:], "/"); i >= 0 {
			u.Path = u.Path[3+i:]
		}
	}
	return u.String()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		logger := logging.GetLogger("cache")
		logger.Debug().Err(err).Str("path", path).Msg("unreadable info file")
		return false
	}
	f.Close()
	return true
}
