package dataset

import (
	"fmt"
	"strings"
)

// mergeActionExpr builds the three-way change classification for one joined
// row. Branch order is significant: a missing current row always classifies
// as an insert, a tracked-attribute change beats a type-1 change, and rows
// that match neither fall through to NULL and are dropped. With no configured
// attribute lists only the insert branch is reachable.
func (d *DimensionType2Dataset) mergeActionExpr(srcAlias, tgtAlias string) string {
	var b strings.Builder

	missing := make([]string, 0, len(d.mergeKeys))
	for _, key := range d.mergeKeys {
		missing = append(missing, fmt.Sprintf("%s.%s IS NULL", tgtAlias, key))
	}
	fmt.Fprintf(&b, "CASE WHEN %s THEN '%s'", strings.Join(missing, " AND "), actionInsert)

	if clause := attrChangeClause(d.scd2Cols, srcAlias, tgtAlias); clause != "" {
		fmt.Fprintf(&b, " WHEN %s THEN '%s'", clause, actionUpdateClose)
	}
	if clause := attrChangeClause(d.scd1Cols, srcAlias, tgtAlias); clause != "" {
		fmt.Fprintf(&b, " WHEN %s THEN '%s'", clause, actionUpdate)
	}

	b.WriteString(" ELSE NULL END")
	return b.String()
}
