package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/lakeops/dimsync/pkg/postgres"
)

// GetCurrentRow returns the current row for the given merge key values, in
// merge-key column order, as a column-name-to-value map. It returns nil when
// the entity has no current row.
func (d *DimensionType2Dataset) GetCurrentRow(ctx context.Context, conn postgres.Connection, keyValues ...any) (map[string]any, error) {
	if len(keyValues) != len(d.mergeKeys) {
		return nil, fmt.Errorf("got %d key values, expected %d", len(keyValues), len(d.mergeKeys))
	}

	conds := make([]string, 0, len(d.mergeKeys)+1)
	for i, key := range d.mergeKeys {
		conds = append(conds, fmt.Sprintf("%s = $%d", key, i+1))
	}
	conds = append(conds, fmt.Sprintf("%s IS NOT DISTINCT FROM TRUE", d.curCol))

	selectCols := append(append([]string{}, d.processedCols...), d.effCol, d.endCol, d.curCol)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1",
		strings.Join(selectCols, ", "), d.TableName(), strings.Join(conds, " AND "))

	rows, err := conn.Query(ctx, query, keyValues...)
	if err != nil {
		return nil, fmt.Errorf("failed to query current row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error reading current row: %w", err)
		}
		return nil, nil
	}

	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to scan current row: %w", err)
	}

	row := make(map[string]any, len(selectCols))
	for i, c := range selectCols {
		row[c] = values[i]
	}
	return row, nil
}
