// Package relocate rewrites the build-time placeholder prefix embedded in
// package files to the real installation prefix. Text files are rewritten
// freely; binary files are rewritten in place, padding with NUL bytes so
// the file length never changes.
package relocate

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"

	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// DefaultPlaceholder is the sentinel path baked into packages built without
// an explicit per-file placeholder. The string is split so that running the
// relocator over its own source leaves it unchanged.
const DefaultPlaceholder = "/opt/anaconda1anaconda2" +
	"anaconda3"

// Mode selects the substitution strategy for one file.
type Mode string

const (
	// ModeText replaces every occurrence; the file length may change.
	ModeText Mode = "text"
	// ModeBinary replaces in place, padding with NULs up to the next
	// embedded NUL terminator; the file length must not change.
	ModeBinary Mode = "binary"
)

// BinaryReplace substitutes oldPrefix with newPrefix inside data, padding
// each rewritten region with NUL bytes so that the output has exactly the
// same length as the input. If newPrefix is longer than oldPrefix the
// binary did not reserve enough space and a PADDING error is returned;
// data is never partially rewritten.
func BinaryReplace(data, oldPrefix, newPrefix []byte) ([]byte, error) {
	pat, err := regexp.Compile(regexp.QuoteMeta(string(oldPrefix)) + `([^\x00]*?)\x00`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "bad placeholder pattern")
	}

	var padErr error
	res := pat.ReplaceAllFunc(data, func(match []byte) []byte {
		occurrences := bytes.Count(match, oldPrefix)
		padding := (len(oldPrefix) - len(newPrefix)) * occurrences
		if padding < 0 {
			padErr = errors.Newf(errors.ErrPadding,
				"placeholder %q too short for %q", oldPrefix, newPrefix)
			return match
		}
		out := bytes.ReplaceAll(match, oldPrefix, newPrefix)
		return append(out, bytes.Repeat([]byte{0}, padding)...)
	})
	if padErr != nil {
		return nil, padErr
	}
	if len(res) != len(data) {
		return nil, errors.Newf(errors.ErrInternal,
			"binary replacement changed file length: %d != %d", len(res), len(data))
	}
	return res, nil
}

// UpdatePrefix rewrites every occurrence of placeholder in the file at path
// with newPrefix, honouring mode. The write is skipped entirely when the
// substitution is a no-op, and the file's permission bits are preserved
// exactly across the rewrite.
func UpdatePrefix(path, newPrefix, placeholder string, mode Mode) error {
	logger := logging.GetLogger("relocate")

	real, err := filepath.EvalSymlinks(path)
	if err == nil {
		path = real
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrRelocate, "cannot read %s", path)
	}

	var newData []byte
	switch mode {
	case ModeText:
		newData = bytes.ReplaceAll(data, []byte(placeholder), []byte(newPrefix))
	case ModeBinary:
		newData, err = BinaryReplace(data, []byte(placeholder), []byte(newPrefix))
		if err != nil {
			return err
		}
	default:
		return errors.Newf(errors.ErrInvalidInput, "invalid relocation mode: %q", mode)
	}

	if bytes.Equal(newData, data) {
		return nil
	}

	info, err := os.Lstat(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrRelocate, "cannot stat %s", path)
	}
	if err := os.WriteFile(path, newData, info.Mode().Perm()); err != nil {
		return errors.Wrapf(err, errors.ErrRelocate, "cannot write %s", path)
	}
	if err := os.Chmod(path, info.Mode().Perm()); err != nil {
		return errors.Wrapf(err, errors.ErrRelocate, "cannot restore mode of %s", path)
	}

	logger.Debug().Str("path", path).Str("mode", string(mode)).Msg("prefix rewritten")
	return nil
}
