package execution

import (
	"regexp"
	"strings"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeLine strips ANSI escape sequences emitted by colorized POC scripts
// and replaces invalid UTF-8 so binary output never corrupts the stored log.
func sanitizeLine(line string) string {
	line = ansiEscape.ReplaceAllString(line, "")
	return strings.ToValidUTF8(line, "�")
}
