package noarch

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/logging"
)

// maxShebangLength is the kernel's limit on interpreter lines; longer
// shebangs are rewritten through /usr/bin/env.
const maxShebangLength = 127

const entryPointTemplate = `# -*- coding: utf-8 -*-
import re
import sys
from %s import %s
if __name__ == '__main__':
    sys.argv[0] = re.sub(r'(-script\.pyw?|\.exe)?$', '', sys.argv[0])
    sys.exit(%s())
`

// Three capture groups: whole shebang, executable, options.
var shebangPattern = regexp.MustCompile(`(?m)^(#!(?: *)(/(?:\\ |[^ \n\r\t])*)(.*))$`)

// ParseEntryPoint splits a "command = module:function" declaration.
func ParseEntryPoint(definition string) (command, module, function string, err error) {
	j := strings.LastIndex(definition, ":")
	if j < 0 {
		return "", "", "", errors.Newf(errors.ErrInvalidInput,
			"malformed entry point: %q", definition)
	}
	cmdMod, function := definition[:j], definition[j+1:]
	i := strings.LastIndex(cmdMod, "=")
	if i < 0 {
		return "", "", "", errors.Newf(errors.ErrInvalidInput,
			"malformed entry point: %q", definition)
	}
	command = strings.TrimSpace(cmdMod[:i])
	module = strings.TrimSpace(cmdMod[i+1:])
	function = strings.TrimSpace(function)
	return command, module, function, nil
}

// ReplaceLongShebang rewrites an over-long interpreter line to the
// indirect "#!/usr/bin/env <name> <options>" form.
func ReplaceLongShebang(data []byte) []byte {
	m := shebangPattern.FindSubmatch(data)
	if m == nil {
		return data
	}
	whole, executable, options := m[1], m[2], m[3]
	if len(whole) <= maxShebangLength {
		return data
	}
	parts := strings.Split(string(executable), "/")
	name := parts[len(parts)-1]
	newShebang := fmt.Sprintf("#!/usr/bin/env %s%s", name, options)
	return []byte(strings.Replace(string(data), string(whole), newShebang, 1))
}

// CreateEntryPoint synthesizes an executable script at target whose body
// imports module and exits via function, with a shebang pointing at
// pythonPath. An already existing target wins: the conflict is logged and
// the file is left alone.
func CreateEntryPoint(target, pythonPath, module, function string) error {
	logger := logging.GetLogger("noarch")

	if _, err := os.Lstat(target); err == nil {
		logger.Warn().Str("target", target).Msg("entry point already exists, keeping it")
		return nil
	}

	importName := strings.SplitN(function, ".", 2)[0]
	body := fmt.Sprintf(entryPointTemplate, module, importName, function)

	shebang := string(ReplaceLongShebang([]byte("#!" + pythonPath + "\n")))
	if err := os.WriteFile(target, []byte(shebang+body), 0644); err != nil {
		return errors.Wrapf(err, errors.ErrLinkFailed,
			"cannot write entry point %s", target)
	}
	return makeExecutable(target)
}

func makeExecutable(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrLinkFailed,
			"cannot make %s executable", path)
	}
	return os.Chmod(path, info.Mode().Perm()|0111)
}
