// Package dist handles canonical distribution identifiers of the form
// name-version-build (e.g. "numpy-1.11.0-py27_0").
package dist

import (
	"strings"

	"github.com/trexfeathers/conda-rpms/pkg/errors"
)

// ArchiveExt is the canonical archive suffix for a packed distribution.
const ArchiveExt = ".tar.bz2"

// Distribution identifies one package instance. Immutable once parsed.
type Distribution struct {
	Name    string
	Version string
	Build   string
}

// Parse splits a canonical identifier into its name, version and build
// components. The name may itself contain hyphens; the version and build
// are always the trailing two hyphen-delimited fields.
func Parse(s string) (Distribution, error) {
	s = TrimArchiveExt(s)
	i := strings.LastIndex(s, "-")
	if i <= 0 {
		return Distribution{}, errors.Newf(errors.ErrInvalidDist,
			"not a canonical name-version-build identifier: %q", s)
	}
	j := strings.LastIndex(s[:i], "-")
	if j <= 0 {
		return Distribution{}, errors.Newf(errors.ErrInvalidDist,
			"not a canonical name-version-build identifier: %q", s)
	}
	return Distribution{
		Name:    s[:j],
		Version: s[j+1 : i],
		Build:   s[i+1:],
	}, nil
}

// Name returns the package name of a canonical identifier, or the input
// unchanged when it does not carry version and build fields.
func Name(s string) string {
	d, err := Parse(s)
	if err != nil {
		return s
	}
	return d.Name
}

// String reassembles the canonical identifier.
func (d Distribution) String() string {
	return d.Name + "-" + d.Version + "-" + d.Build
}

// IsCacheOnly reports whether this is the internal pseudo-package that
// exists only to warm the filesystem cache and is never recorded as linked.
func (d Distribution) IsCacheOnly() bool {
	return d.Name == "_cache"
}

// TrimArchiveExt strips the archive suffix from an identifier or filename.
func TrimArchiveExt(s string) string {
	return strings.TrimSuffix(s, ArchiveExt)
}
