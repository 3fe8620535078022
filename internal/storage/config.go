package storage

import (
	"maps"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// raw returns the trimmed value for key and whether it was set to something non-empty.
func raw(config map[string]string, key string) (string, bool) {
	v, ok := config[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// GetString returns the value for key, or defaultValue when it is missing or empty.
func GetString(config map[string]string, key, defaultValue string) string {
	if v, ok := raw(config, key); ok {
		return v
	}
	return defaultValue
}

// GetBool parses true/false, 1/0 and yes/no (case-insensitive).
func GetBool(config map[string]string, key string, defaultValue bool) (bool, error) {
	v, ok := raw(config, key)
	if !ok {
		return defaultValue, nil
	}

	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, &ConfigError{Field: key, Value: v, Message: "must be a boolean (true/false, 1/0, yes/no)"}
}

// GetInt parses a base-10 integer.
func GetInt(config map[string]string, key string, defaultValue int) (int, error) {
	v, ok := raw(config, key)
	if !ok {
		return defaultValue, nil
	}

	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: "must be an integer", Cause: err}
	}
	return i, nil
}

// GetDuration accepts Go duration strings ("5s", "1m30s") or plain integers as seconds.
func GetDuration(config map[string]string, key string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := raw(config, key)
	if !ok {
		return defaultValue, nil
	}

	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, &ConfigError{Field: key, Value: v, Message: "must be a duration (e.g., '5s', '1m30s') or integer seconds"}
}

// GetBytes parses a byte size such as "50MiB", "5 GB" or "1048576".
func GetBytes(config map[string]string, key string, defaultValue int64) (int64, error) {
	v, ok := raw(config, key)
	if !ok {
		return defaultValue, nil
	}
	n, err := ParseBytes(v)
	if err != nil {
		return 0, &ConfigError{Field: key, Value: v, Message: err.Error()}
	}
	return n, nil
}

// ParseBytes converts a human byte size into a byte count.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, &ConfigError{Value: s, Message: "must be a byte size (e.g., '50MiB', '5GB')", Cause: err}
	}
	if n > math.MaxInt64 {
		return 0, &ConfigError{Value: s, Message: "byte size overflows int64"}
	}
	return int64(n), nil
}

// FormatBytes renders n in IEC units for logs and reports.
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// ExpandPath expands ~ to the user's home directory and cleans the path.
func ExpandPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
		return path
	}
	return filepath.Clean(path)
}

// MergeConfig returns a new map holding dst overlaid by src.
func MergeConfig(dst, src map[string]string) map[string]string {
	result := make(map[string]string, len(dst)+len(src))
	maps.Copy(result, dst)
	maps.Copy(result, src)
	return result
}
