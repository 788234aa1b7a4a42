package pipeline

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ReadList parses a newline separated list of report filenames. Blank lines
// and lines starting with # are dropped.
func ReadList(r io.Reader) ([]string, error) {
	var filenames []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if name, ok := listEntry(scanner.Text()); ok {
			filenames = append(filenames, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading filename list")
	}
	return filenames, nil
}

// cleanList drops empty filenames; every other entry is kept as given.
func cleanList(filenames []string) []string {
	cleaned := make([]string, 0, len(filenames))
	for _, f := range filenames {
		if f != "" {
			cleaned = append(cleaned, f)
		}
	}
	return cleaned
}

func listEntry(line string) (string, bool) {
	name := strings.TrimSpace(line)
	if name == "" || strings.HasPrefix(name, "#") {
		return "", false
	}
	return name, true
}
