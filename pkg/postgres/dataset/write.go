package dataset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lakeops/dimsync/pkg/metrics"
	"github.com/lakeops/dimsync/pkg/postgres"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WriteConfig is per-operation configuration for Apply.
type WriteConfig struct {
	// OpID isolates this batch inside the staging table. Zero means a new id
	// is generated.
	OpID uuid.UUID

	// Timestamp overrides the batch time used when the schema has no
	// timestamp column. Zero means the dataset clock's current time.
	Timestamp time.Time

	// CleanupStaging controls whether the batch's staging rows are deleted
	// after a successful merge. Nil defaults to true; retaining rows is
	// useful when debugging a batch.
	CleanupStaging *bool
}

// Apply synchronizes one change batch into the dimension table: the batch is
// copied into staging, classified against the current-only view of the
// target, expanded into staged rows, and written with one atomic merge.
// writeRowFn must return each row's values in the order declared by the
// schema's Columns. Nothing is written when any validation fails, and merge
// conflicts from the database (for example two changes for the same merge key
// within one batch) propagate unmodified; the caller retries the whole batch
// with corrected input.
func (d *DimensionType2Dataset) Apply(
	ctx context.Context,
	conn postgres.Connection,
	count int,
	writeRowFn func(int) ([]any, error),
	cfg *WriteConfig,
) error {
	if count == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled before apply: %w", ctx.Err())
	default:
	}

	if cfg == nil {
		cfg = &WriteConfig{}
	}
	opID := cfg.OpID
	if opID == uuid.Nil {
		opID = uuid.New()
	}
	cleanupStaging := true
	if cfg.CleanupStaging != nil {
		cleanupStaging = *cfg.CleanupStaging
	}
	batchTime := cfg.Timestamp
	if batchTime.IsZero() {
		batchTime = d.Clock.Now()
	}
	batchTime = batchTime.UTC().Truncate(time.Microsecond)

	d.log.Debug("applying change batch", "table", d.TableName(), "op_id", opID, "count", count)
	start := time.Now()

	if err := d.ensureStaging(ctx, conn); err != nil {
		return err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := d.loadStaging(ctx, tx, opID, count, writeRowFn); err != nil {
		return err
	}
	metrics.StagedRows.WithLabelValues(d.TableName()).Add(float64(count))

	d.warnDuplicateKeys(ctx, tx, opID)

	args := []any{opID}
	if d.needsBatchTimeParam() {
		args = append(args, batchTime)
	}

	tag, err := tx.Exec(ctx, d.mergeSQL(), args...)
	if err != nil {
		metrics.Merges.WithLabelValues(d.TableName(), "error").Inc()
		return fmt.Errorf("failed to merge into %s: %w", d.TableName(), err)
	}

	if cleanupStaging {
		deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", d.StagingTableName(), opIDColumn)
		if _, err := tx.Exec(ctx, deleteSQL, opID); err != nil {
			return fmt.Errorf("failed to clean up staging rows: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.Merges.WithLabelValues(d.TableName(), "error").Inc()
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	metrics.Merges.WithLabelValues(d.TableName(), "ok").Inc()
	metrics.MergedRows.WithLabelValues(d.TableName()).Add(float64(tag.RowsAffected()))
	metrics.MergeDuration.WithLabelValues(d.TableName()).Observe(time.Since(start).Seconds())

	d.log.Debug("applied change batch", "table", d.TableName(), "op_id", opID, "merged_rows", tag.RowsAffected())
	return nil
}

// warnDuplicateKeys logs when a batch carries more than one row for the same
// merge key. The engine classifies only against the current target state, so
// such batches are ambiguous; the merge either resolves or rejects them and
// the caller is expected to pre-deduplicate.
func (d *DimensionType2Dataset) warnDuplicateKeys(ctx context.Context, q querier, opID uuid.UUID) {
	keyTuple := strings.Join(d.mergeKeys, ", ")
	query := fmt.Sprintf("SELECT count(*) - count(DISTINCT (%s)) FROM %s WHERE %s = $1",
		keyTuple, d.StagingTableName(), opIDColumn)

	var dupes int64
	if err := q.QueryRow(ctx, query, opID).Scan(&dupes); err != nil {
		d.log.Debug("failed to check batch for duplicate merge keys", "table", d.TableName(), "error", err)
		return
	}
	if dupes > 0 {
		d.log.Warn("change batch contains multiple rows for the same merge key; pre-deduplicate for deterministic ordering",
			"table", d.TableName(), "op_id", opID, "duplicates", dupes)
	}
}
