package relocate

import (
	"strings"

	"github.com/google/shlex"
	"github.com/trexfeathers/conda-rpms/pkg/fileutil"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// Entry describes the relocation directive for one manifest file.
type Entry struct {
	Placeholder string
	Mode        Mode
}

// ReadHasPrefix reads an info/has_prefix file and returns a map from
// manifest-relative path to its relocation directive. Each line is either
// the shell-quoted triple "placeholder mode path", or a bare path which
// implies defaultPlaceholder in text mode. A missing file yields an
// empty map.
func ReadHasPrefix(path, defaultPlaceholder string) map[string]Entry {
	if defaultPlaceholder == "" {
		defaultPlaceholder = DefaultPlaceholder
	}
	logger := logging.GetLogger("relocate")

	res := make(map[string]Entry)
	lines, err := fileutil.ReadLines(path)
	if err != nil {
		return res
	}
	for _, line := range lines {
		fields, err := shlex.Split(line)
		if err != nil || len(fields) != 3 {
			// Old-style single-field line: the whole line is the path.
			res[strings.Trim(line, `"'`)] = Entry{
				Placeholder: defaultPlaceholder,
				Mode:        ModeText,
			}
			continue
		}
		res[fields[2]] = Entry{
			Placeholder: fields[0],
			Mode:        Mode(fields[1]),
		}
	}
	if len(res) > 0 {
		logger.Debug().Str("path", path).Int("entries", len(res)).Msg("has_prefix read")
	}
	return res
}
