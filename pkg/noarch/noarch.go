// Package noarch implements the installation steps specific to
// platform-independent Python packages: remapping archive paths into the
// environment's versioned site-packages, synthesizing entry-point scripts
// and compiling bytecode.
package noarch

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// TypePython is the noarch flavour this package handles.
const TypePython = "python"

var pythonDistPattern = regexp.MustCompile(`^python-(\d+\.\d+)`)

// PythonVersion determines the major.minor version of the python already
// linked in the environment, from the set of linked distribution names.
// A noarch package cannot be installed without one.
func PythonVersion(linked []string) (string, error) {
	for _, name := range linked {
		if m := pythonDistPattern.FindStringSubmatch(name); m != nil {
			return m[1], nil
		}
	}
	return "", errors.New(errors.ErrPythonNotFound,
		"python has not been linked in the environment")
}

// SitePackages returns the prefix-relative versioned site-packages
// directory for a python version.
func SitePackages(pyVersion string) string {
	return filepath.Join("lib", "python"+pyVersion, "site-packages")
}

// PythonBin returns the prefix-relative versioned interpreter path.
func PythonBin(pyVersion string) string {
	return filepath.Join("bin", "python"+pyVersion)
}

// TargetPath remaps an archive-relative path to its place in the
// environment: site-packages/ entries land in the versioned site-packages,
// python-scripts/ entries land in bin/, everything else passes through.
func TargetPath(srcRel, sitePackages string) string {
	if strings.HasPrefix(srcRel, "site-packages/") {
		return strings.Replace(srcRel, "site-packages", sitePackages, 1)
	}
	if strings.HasPrefix(srcRel, "python-scripts/") {
		return strings.Replace(srcRel, "python-scripts", "bin", 1)
	}
	return srcRel
}

// PycPath returns the bytecode sibling path for a .py file: the python 2
// layout appends "c", python 3 nests an interpreter-tagged name under
// __pycache__.
func PycPath(pyPath, pyVersion string) string {
	verString := strings.ReplaceAll(pyVersion, ".", "")
	if strings.HasPrefix(verString, "2") {
		return pyPath + "c"
	}
	dir, pyFile := filepath.Split(pyPath)
	ext := filepath.Ext(pyFile)
	base := strings.TrimSuffix(pyFile, ext)
	pycFile := fmt.Sprintf("__pycache__/%s.cpython-%s%sc", base, verString, ext)
	if dir == "" {
		return pycFile
	}
	return filepath.Join(dir, pycFile)
}

// CompilePyc compiles one .py file to the given bytecode path using the
// environment's interpreter. Failure is not fatal to an install: the
// source file still runs via on-demand compilation.
func CompilePyc(pythonExe, pyPath, pycPath string) error {
	logger := logging.GetLogger("noarch")

	if _, err := os.Lstat(pycPath); err == nil {
		logger.Warn().Str("pyc", pycPath).Msg("bytecode file already exists")
	}

	cmd := exec.Command(pythonExe, "-Wi", "-m", "py_compile", pyPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, errors.ErrLinkFailed,
			"bytecode compilation failed for %s: %s", pyPath, output)
	}
	if _, err := os.Stat(pycPath); err != nil {
		return errors.Newf(errors.ErrLinkFailed,
			"bytecode file missing after compilation: %s", pycPath)
	}
	return nil
}
