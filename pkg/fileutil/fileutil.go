// Package fileutil provides the low-level filesystem helpers shared by the
// cache and linker: forceful deletion with retry, empty-directory pruning
// and manifest line reading.
package fileutil

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// RemoveAll completely deletes path, whether it is a file, a symlink (dead
// or alive) or a directory tree. Directory deletion is retried up to
// maxRetries times with an increasing delay, since trees being scanned by
// other processes can fail transiently.
func RemoveAll(path string, maxRetries int) error {
	logger := logging.GetLogger("fileutil")

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if !info.IsDir() {
		return os.Remove(path)
	}

	for i := 0; i < maxRetries; i++ {
		err = os.RemoveAll(path)
		if err == nil {
			return nil
		}
		logger.Debug().Err(err).Str("path", path).Int("attempt", i).
			Msg("delete failed, retrying")
		time.Sleep(time.Duration(i) * time.Second)
	}
	// Final attempt, error goes to the caller.
	return os.RemoveAll(path)
}

// RemoveEmptyDir removes path if it is an empty directory. A missing or
// non-empty directory is not an error.
func RemoveEmptyDir(path string) {
	// rmdir fails on anything but an empty directory.
	_ = os.Remove(path)
}

// ReadLines reads a manifest-style file: one entry per line, surrounding
// whitespace trimmed, blank lines and '#' comments skipped. Order is
// preserved.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
