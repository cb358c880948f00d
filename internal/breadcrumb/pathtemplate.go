package breadcrumb

import (
	"regexp"
	"strings"
)

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	longHexSegment = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// PathTemplate collapses identifier-shaped path segments to ":id" so
// breadcrumbs and metrics group by route shape instead of exploding per
// entity. Numeric, UUID, and long-hex segments are considered identifiers.
func PathTemplate(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) || longHexSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
