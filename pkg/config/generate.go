package config

import (
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// GenerateConfigContent renders the current defaults as a TOML file with
// every value commented out, ready to drop next to an environment.
func GenerateConfigContent() (string, error) {
	cfg := Default()
	// The generated file should show the sentinel defaults, not the
	// machine-specific expansions.
	cfg.CacheDir = ""
	cfg.Placeholder = ""

	raw, err := toml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return commentOutConfigValues(string(raw)), nil
}

// commentOutConfigValues comments out every assignment line, keeping blank
// lines, existing comments and section headers as-is.
func commentOutConfigValues(content string) string {
	lines := strings.Split(content, "\n")
	var result []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			result = append(result, line)
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			result = append(result, line)
			continue
		}
		if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
			result = append(result, line)
			continue
		}
		result = append(result, "# "+line)
	}

	return strings.Join(result, "\n")
}
