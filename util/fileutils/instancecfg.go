package fileutils

import (
	"errors"
	"maps"
	"os"
	"slices"
	"strings"
)

// SetConfigOptions updates key=value pairs in a MultiMC instance.cfg style
// file, preserving every line it does not own. The file is created when
// missing; keys not present yet are appended in sorted order.
func SetConfigOptions(path string, options map[string]string) error {
	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		if trimmed := strings.TrimRight(string(data), "\n"); trimmed != "" {
			lines = strings.Split(trimmed, "\n")
		}
	}

	pending := maps.Clone(options)
	for i, line := range lines {
		key, _, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if value, hit := pending[key]; hit {
			lines[i] = key + "=" + value
			delete(pending, key)
		}
	}
	keys := make([]string, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		lines = append(lines, key+"="+pending[key])
	}

	return WriteFileAtomic(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
