package nspin

import (
	"fmt"
	"os"
	"strings"
)

// applySysctls writes each "key=value" entry under /proc/sys, replacing
// "." with "/" in the key, grounded on original_source/pinns/src/sysctl.c's
// configure_sysctls. Entries may be wrapped in a single leading and
// trailing quote, matching the C parser's tolerance for values produced
// by shell-quoted callers.
func applySysctls(entries []string) error {
	for _, raw := range entries {
		key, value, err := splitSysctl(raw)
		if err != nil {
			return err
		}
		path := "/proc/sys/" + strings.ReplaceAll(key, ".", "/")
		if err := os.WriteFile(path, []byte(value), 0644); err != nil {
			return fmt.Errorf("failed to write sysctl %s: %w", path, err)
		}
	}
	return nil
}

func splitSysctl(entry string) (key, value string, err error) {
	entry = strings.TrimPrefix(entry, "'")
	key, value, found := strings.Cut(entry, "=")
	if !found {
		return "", "", fmt.Errorf("sysctl must be in the form key=value, got %q", entry)
	}
	if key == "" {
		return "", "", fmt.Errorf("sysctl key is empty in %q", entry)
	}
	value = strings.TrimSuffix(value, "'")
	if value == "" {
		return "", "", fmt.Errorf("sysctl value is empty in %q", entry)
	}
	return key, value, nil
}
