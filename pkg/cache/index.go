package cache

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/trexfeathers/conda-rpms/pkg/fileutil"
)

// ReadIndex reads info/index.json of an extracted distribution as the raw
// metadata document carried into the link record.
func ReadIndex(infoDir string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Join(infoDir, "index.json"))
	if err != nil {
		return nil, err
	}
	var index map[string]interface{}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// NoarchType returns the platform-independence flavour declared by the
// index metadata: the value of "noarch", or "python" for the deprecated
// `noarch_python: true` spelling, or "" for arch-specific packages.
func NoarchType(index map[string]interface{}) string {
	switch v := index["noarch"].(type) {
	case string:
		return v
	case bool:
		if v {
			return "python"
		}
	}
	if v, ok := index["noarch_python"].(bool); ok && v {
		return "python"
	}
	return ""
}

// ReadNoLink returns the set of manifest paths that must always be placed
// by copy, from info/no_link and info/no_softlink.
func ReadNoLink(infoDir string) map[string]bool {
	res := make(map[string]bool)
	for _, fn := range []string{"no_link", "no_softlink"} {
		lines, err := fileutil.ReadLines(filepath.Join(infoDir, fn))
		if err != nil {
			continue
		}
		for _, line := range lines {
			res[line] = true
		}
	}
	return res
}

// LinkJSON is the noarch declaration carried in info/link.json.
type LinkJSON struct {
	Noarch struct {
		Type        string   `json:"type"`
		EntryPoints []string `json:"entry_points"`
	} `json:"noarch"`
}

// ReadLinkJSON reads info/link.json if present; a missing file returns a
// zero declaration.
func ReadLinkJSON(infoDir string) (LinkJSON, error) {
	var lj LinkJSON
	data, err := os.ReadFile(filepath.Join(infoDir, "link.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return lj, nil
		}
		return lj, err
	}
	err = json.Unmarshal(data, &lj)
	return lj, err
}

// ReadIconData returns the base64-encoded info/icon.png of an extracted
// distribution, or "" when there is none.
func ReadIconData(sourceDir string) string {
	data, err := os.ReadFile(filepath.Join(sourceDir, "info", "icon.png"))
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
