package dataset

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// opIDColumn isolates concurrently loaded batches inside one staging table.
const opIDColumn = "__op_id"

// Aliases used throughout the staged select.
const (
	srcAlias    = "src"
	tgtAlias    = "tgt"
	joinedAlias = "j"
	rankAlias   = "rn"
	rankColumn  = "__rank"
)

// ensureStaging creates the staging table for this dimension if it does not
// exist yet. Staging is engine bookkeeping, so it is not part of the target's
// migrations; UNLOGGED because its rows are disposable per operation.
func (d *DimensionType2Dataset) ensureStaging(ctx context.Context, exec execer) error {
	var cols strings.Builder
	fmt.Fprintf(&cols, "%s uuid NOT NULL", opIDColumn)
	for _, name := range d.cols {
		fmt.Fprintf(&cols, ", %s %s", name, d.colTypes[name])
	}
	ddl := fmt.Sprintf("CREATE UNLOGGED TABLE IF NOT EXISTS %s (%s)", d.StagingTableName(), cols.String())
	if _, err := exec.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_op_id_idx ON %s (%s)",
		d.StagingTableName(), d.StagingTableName(), opIDColumn)
	if _, err := exec.Exec(ctx, idx); err != nil {
		return fmt.Errorf("failed to create staging index: %w", err)
	}
	return nil
}

// batchCopySource adapts a writeRowFn to pgx.CopyFrom, prepending the
// operation id and validating row width as rows are pulled.
type batchCopySource struct {
	opID     uuid.UUID
	count    int
	colCount int
	rowFn    func(int) ([]any, error)

	i    int
	vals []any
	err  error
}

func (s *batchCopySource) Next() bool {
	if s.err != nil || s.i >= s.count {
		return false
	}
	row, err := s.rowFn(s.i)
	if err != nil {
		s.err = fmt.Errorf("failed to get row data %d: %w", s.i, err)
		return false
	}
	if len(row) != s.colCount {
		s.err = fmt.Errorf("row %d has %d columns, expected exactly %d", s.i, len(row), s.colCount)
		return false
	}
	s.vals = append(append(s.vals[:0], s.opID), row...)
	s.i++
	return true
}

func (s *batchCopySource) Values() ([]any, error) {
	return s.vals, nil
}

func (s *batchCopySource) Err() error {
	return s.err
}

// loadStaging copies the change batch into the staging table under the given
// operation id. writeRowFn must return values in the order declared by the
// schema's Columns.
func (d *DimensionType2Dataset) loadStaging(
	ctx context.Context,
	tx pgx.Tx,
	opID uuid.UUID,
	count int,
	writeRowFn func(int) ([]any, error),
) error {
	src := &batchCopySource{
		opID:     opID,
		count:    count,
		colCount: len(d.cols),
		rowFn:    writeRowFn,
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{d.StagingTableName()}, append([]string{opIDColumn}, d.cols...), src)
	if err != nil {
		if src.err != nil {
			return src.err
		}
		return fmt.Errorf("failed to copy batch into staging: %w", err)
	}
	if src.err != nil {
		return src.err
	}

	d.log.Debug("loaded change batch into staging", "table", d.StagingTableName(), "op_id", opID, "rows", copied)
	return nil
}

// mergeTimestampExpr is the source timestamp of every change row inside the
// batch CTE: the configured timestamp column cast to timestamptz, or the
// batch-time parameter when the schema has no timestamp column.
func (d *DimensionType2Dataset) mergeTimestampExpr() string {
	if d.tsCol != "" {
		return fmt.Sprintf("s.%s::timestamptz", d.tsCol)
	}
	return "$2::timestamptz"
}

// needsBatchTimeParam reports whether the staged select references the $2
// batch-time parameter.
func (d *DimensionType2Dataset) needsBatchTimeParam() bool {
	return d.tsCol == ""
}

// stagedSelect builds the query producing the staged rows for one operation
// id ($1): incoming rows are joined to the current-only view of the target,
// classified, duplicated through a two-row cross join so a UC change yields a
// close-old and an open-new row, and resolved column by column so the two
// duplicates diverge. NULL-classified rows never survive the final filter.
func (d *DimensionType2Dataset) stagedSelect() string {
	var b strings.Builder

	// Batch CTE: the processed columns plus the derived merge timestamp.
	b.WriteString("WITH batch AS (\n    SELECT ")
	for _, c := range d.processedCols {
		fmt.Fprintf(&b, "s.%s, ", c)
	}
	fmt.Fprintf(&b, "%s AS __merge_ts\n    FROM %s s\n    WHERE s.%s = $1\n)", d.mergeTimestampExpr(), d.StagingTableName(), opIDColumn)

	// Joined CTE: left join to the current-only view, classify, and carry
	// both sides of every processed column forward.
	b.WriteString(", joined AS (\n    SELECT\n        ")
	fmt.Fprintf(&b, "%s AS __merge_action,\n        %s.__merge_ts AS __merge_ts,\n        ", d.mergeActionExpr(srcAlias, tgtAlias), srcAlias)
	fmt.Fprintf(&b, "%s.%s AS __tgt_effective_time,\n        %s.%s AS __tgt_end_time", tgtAlias, d.effCol, tgtAlias, d.endCol)
	for _, c := range d.processedCols {
		fmt.Fprintf(&b, ",\n        %s.%s AS __src_%s,\n        %s.%s AS __tgt_%s", srcAlias, c, c, tgtAlias, c, c)
	}
	fmt.Fprintf(&b, "\n    FROM batch %s\n    LEFT JOIN %s %s\n        ON %s AND %s.%s IS NOT DISTINCT FROM TRUE\n)",
		srcAlias, d.TableName(), tgtAlias, d.joinCondition(srcAlias, tgtAlias), tgtAlias, d.curCol)

	exprs := TemporalExprs{
		Action:              joinedAlias + ".__merge_action",
		Rank:                rankAlias + "." + rankColumn,
		MergeTS:             joinedAlias + ".__merge_ts",
		TargetEffectiveTime: joinedAlias + ".__tgt_effective_time",
		TargetEndTime:       joinedAlias + ".__tgt_end_time",
	}

	// Final select: duplicate via cross join, keep rank 2 only for UC, and
	// resolve each column so the close-old row preserves target values.
	b.WriteString("\nSELECT")
	for _, c := range d.processedCols {
		fmt.Fprintf(&b, "\n    CASE WHEN %s = '%s' AND %s = %d THEN %s.__tgt_%s ELSE %s.__src_%s END AS %s,",
			exprs.Action, actionUpdateClose, exprs.Rank, rankCloseOld, joinedAlias, c, joinedAlias, c, c)
	}
	fmt.Fprintf(&b, "\n    %s AS %s,", d.TemporalPolicy.EffectiveTime(exprs), d.effCol)
	fmt.Fprintf(&b, "\n    %s AS %s,", d.TemporalPolicy.EndTime(exprs), d.endCol)
	fmt.Fprintf(&b, "\n    %s AS %s", d.TemporalPolicy.IsCurrent(exprs), d.curCol)
	fmt.Fprintf(&b, "\nFROM joined %s\nCROSS JOIN (VALUES (1), (2)) AS %s (%s)", joinedAlias, rankAlias, rankColumn)
	fmt.Fprintf(&b, "\nWHERE %s IS NOT NULL\n  AND (%s = '%s' OR %s = %d)",
		exprs.Action, exprs.Action, actionUpdateClose, exprs.Rank, rankOpenNew)

	return b.String()
}

func (d *DimensionType2Dataset) joinCondition(srcAlias, tgtAlias string) string {
	parts := make([]string, 0, len(d.mergeKeys))
	for _, key := range d.mergeKeys {
		parts = append(parts, fmt.Sprintf("%s.%s = %s.%s", srcAlias, key, tgtAlias, key))
	}
	return strings.Join(parts, " AND ")
}
