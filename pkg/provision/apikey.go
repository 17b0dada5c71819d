package provision

import (
	"bufio"
	"errors"
	"strings"
)

const (
	apiKeyPrefix = "API Key:"
	redacted     = "[redacted]"
)

// ErrNoAPIKey is returned when key creation output has no usable key line.
var ErrNoAPIKey = errors.New("no API key in output")

// APIKeyError carries the creation output with every key line redacted.
type APIKeyError struct {
	Output string
}

func (e *APIKeyError) Error() string {
	return "failed to parse API key from output:\n" + e.Output
}

func (e *APIKeyError) Unwrap() error { return ErrNoAPIKey }

// ParseAPIKey extracts the secret from the first "API Key: <secret>" line
// of key creation output.
func ParseAPIKey(output string) (string, error) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), apiKeyPrefix); ok {
			if key := strings.TrimSpace(rest); key != "" {
				return key, nil
			}
			line = redacted
		}
		lines = append(lines, line)
	}
	return "", &APIKeyError{Output: RedactAPIKeys(strings.Join(lines, "\n"))}
}

// RedactAPIKeys replaces every key line in output.
func RedactAPIKeys(output string) string {
	lines := strings.Split(output, "\n")
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), apiKeyPrefix) {
			lines[i] = redacted
		}
	}
	return strings.Join(lines, "\n")
}
