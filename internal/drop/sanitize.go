package drop

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	unknownFilename = "unknown_file"
	maxFilenameLen  = 200
	filenameHead    = 100
	filenameTail    = 50
)

// SanitizeFilename makes a client-supplied name safe to echo back in a
// Content-Disposition header and to log.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r == utf8.RuneError, unicode.IsControl(r):
			continue
		case strings.ContainsRune(`<>:"/\|?*`, r):
			continue
		}
		b.WriteRune(r)
	}

	clean := strings.TrimSpace(strings.TrimLeft(b.String(), "."))
	if clean == "" || clean == "." || clean == ".." {
		return unknownFilename
	}
	if len(clean) > maxFilenameLen {
		clean = truncateMiddle(clean)
	}
	return clean
}

// truncateMiddle keeps about filenameHead leading and filenameTail trailing
// bytes, cut on rune boundaries.
func truncateMiddle(s string) string {
	head := filenameHead
	for head > 0 && !utf8.RuneStart(s[head]) {
		head--
	}
	tail := len(s) - filenameTail
	for tail < len(s) && !utf8.RuneStart(s[tail]) {
		tail++
	}
	return s[:head] + "..." + s[tail:]
}
