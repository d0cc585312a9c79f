package dataset

import (
	"fmt"
	"strings"
)

// mergeSQL builds the atomic conditional merge for one operation id. The
// match condition pairs the merge key with the effective time, so the
// close-old staged row (which reuses the target's effective time) always
// matches and updates, while the open-new row never matches and inserts.
func (d *DimensionType2Dataset) mergeSQL() string {
	writeCols := append(append([]string{}, d.processedCols...), d.effCol, d.endCol, d.curCol)

	sets := make([]string, 0, len(writeCols))
	values := make([]string, 0, len(writeCols))
	for _, c := range writeCols {
		sets = append(sets, fmt.Sprintf("%s = %s.%s", c, srcAlias, c))
		values = append(values, fmt.Sprintf("%s.%s", srcAlias, c))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS %s\nUSING (\n%s\n) AS %s\nON %s AND %s.%s = %s.%s\n",
		d.TableName(), tgtAlias, d.stagedSelect(), srcAlias,
		d.joinCondition(srcAlias, tgtAlias), srcAlias, d.effCol, tgtAlias, d.effCol)
	fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(sets, ", "))
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(writeCols, ", "), strings.Join(values, ", "))

	return b.String()
}
