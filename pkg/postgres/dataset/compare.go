package dataset

import (
	"fmt"
	"strings"
)

// attrChangeClause builds a null-safe inequality clause over the given
// attributes, OR-combined: "src.a IS DISTINCT FROM tgt.a OR ...". An empty
// attribute list yields an empty string, the absence of a clause rather than
// a false condition.
func attrChangeClause(attrs []string, srcAlias, tgtAlias string) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		parts = append(parts, fmt.Sprintf("%s.%s IS DISTINCT FROM %s.%s", srcAlias, attr, tgtAlias, attr))
	}
	return strings.Join(parts, " OR ")
}
