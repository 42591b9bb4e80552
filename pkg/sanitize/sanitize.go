// Package sanitize normalizes user-supplied file names and e-mail addresses.
package sanitize

import (
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxFilenameBytes matches the common filesystem limit for one path element
const maxFilenameBytes = 255

var (
	controlChars   = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	emailForbidden = regexp.MustCompile(`[<>;\\\s]`)
)

// SanitizeFilename reduces name to a single path element without control
// characters. Directory parts in either separator style are dropped. It
// returns "" when nothing usable remains.
func SanitizeFilename(name string) string {
	name = controlChars.ReplaceAllString(name, "")
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	for len(name) > maxFilenameBytes {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	return name
}

// SanitizeEmail lowercases and trims an e-mail address and strips characters
// that never appear in one
func SanitizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	return emailForbidden.ReplaceAllString(email, "")
}
