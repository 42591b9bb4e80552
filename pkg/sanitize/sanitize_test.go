package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"report.pdf":           "report.pdf",
		"  notes.txt ":         "notes.txt",
		"../../etc/passwd":     "passwd",
		`C:\Users\bob\cv.docx`: "cv.docx",
		"bad\x00na\x1fme.txt":  "badname.txt",
		"..":                   "",
		"dir/":                 "dir",
		"":                     "",
		"/":                    "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}

func TestSanitizeFilename_TruncatesOnRuneBoundary(t *testing.T) {
	name := strings.Repeat("é", 200) + ".txt"
	got := SanitizeFilename(name)
	assert.LessOrEqual(t, len(got), maxFilenameBytes)
	assert.True(t, strings.HasPrefix(name, got))
	assert.NotContains(t, got, "\uFFFD")
}

func TestSanitizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", SanitizeEmail("  Alice@Example.COM "))
	assert.Equal(t, "bob@example.com", SanitizeEmail("<bob@example.com>;"))
	assert.Equal(t, "", SanitizeEmail("   "))
}
