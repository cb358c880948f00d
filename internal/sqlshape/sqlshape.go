// Package sqlshape reduces SQL text to a literal-free "shape" so that
// structurally identical statements group together without persisting
// literal (potentially sensitive) values.
package sqlshape

import (
	"regexp"
	"strings"
)

// MaxShapeLen caps the normalized shape so oversized statements do not
// bloat span storage.
const MaxShapeLen = 2000

var (
	singleQuoted = regexp.MustCompile(`'(?:''|[^'])*'`)
	doubleQuoted = regexp.MustCompile(`"(?:""|[^"])*"`)
	numericLit   = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// Normalize replaces quoted string literals and bare numeric literals with
// "?", collapses whitespace runs to single spaces, trims, and truncates to
// MaxShapeLen. Deterministic and free of I/O.
func Normalize(sql string) string {
	out := singleQuoted.ReplaceAllString(sql, "?")
	out = doubleQuoted.ReplaceAllString(out, "?")
	out = numericLit.ReplaceAllString(out, "?")
	out = strings.TrimSpace(whitespace.ReplaceAllString(out, " "))
	if len(out) > MaxShapeLen {
		out = out[:MaxShapeLen]
	}
	return out
}
