package dataset

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lakeops/dimsync/pkg/postgres"
)

type customerVersion struct {
	email   string
	segment string
	eff     time.Time
	end     *time.Time
	cur     bool
}

func queryCustomerVersions(t *testing.T, conn postgres.Connection, ds *DimensionType2Dataset, customerID string) []customerVersion {
	t.Helper()
	query := fmt.Sprintf(`
		SELECT email, segment, _scd2_effective_time, _scd2_end_time, _scd2_is_current
		FROM %s
		WHERE customer_id = $1
		ORDER BY _scd2_effective_time
	`, ds.TableName())

	rows, err := conn.Query(t.Context(), query, customerID)
	require.NoError(t, err)
	defer rows.Close()

	var versions []customerVersion
	for rows.Next() {
		var v customerVersion
		require.NoError(t, rows.Scan(&v.email, &v.segment, &v.eff, &v.end, &v.cur))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())
	return versions
}

func stagingRowCount(t *testing.T, conn postgres.Connection, ds *DimensionType2Dataset, opID uuid.UUID) int64 {
	t.Helper()
	var count int64
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = $1", ds.StagingTableName(), opIDColumn)
	require.NoError(t, conn.QueryRow(t.Context(), query, opID).Scan(&count))
	return count
}

func TestDimsync_Postgres_Dataset_DimensionType2_Apply(t *testing.T) {
	t.Parallel()
	log := testLogger()
	conn := testConn(t)
	ctx := t.Context()

	schema := customerSchema()
	ds, err := NewDimensionType2Dataset(log, schema)
	require.NoError(t, err)
	createDimTable(t, conn, ds, schema)

	t1 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	row := func(id, email, segment string, ts time.Time) []any {
		return []any{id, email, segment, ts}
	}

	t.Run("insert_new_entity", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust1", "a@example.com", "gold", t1), nil
		}, nil)
		require.NoError(t, err)

		current, err := ds.GetCurrentRow(ctx, conn, "cust1")
		require.NoError(t, err)
		require.NotNil(t, current)
		require.Equal(t, "a@example.com", current["email"])
		require.Equal(t, "gold", current["segment"])
		require.WithinDuration(t, t1, current["_scd2_effective_time"].(time.Time), 0)
		require.Nil(t, current["_scd2_end_time"])
		require.Equal(t, true, current["_scd2_is_current"])
	})

	t.Run("tracked_change_closes_old_and_opens_new", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust2", "old@example.com", "gold", t1), nil
		}, nil)
		require.NoError(t, err)

		err = ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust2", "new@example.com", "gold", t2), nil
		}, nil)
		require.NoError(t, err)

		versions := queryCustomerVersions(t, conn, ds, "cust2")
		require.Len(t, versions, 2)

		closed := versions[0]
		require.Equal(t, "old@example.com", closed.email)
		require.WithinDuration(t, t1, closed.eff, 0)
		require.NotNil(t, closed.end)
		require.WithinDuration(t, t2, *closed.end, 0)
		require.False(t, closed.cur)

		open := versions[1]
		require.Equal(t, "new@example.com", open.email)
		require.WithinDuration(t, t2, open.eff, 0)
		require.Nil(t, open.end)
		require.True(t, open.cur)

		// Intervals are contiguous: the old row ends exactly where the new
		// one begins.
		require.True(t, closed.end.Equal(open.eff))
	})

	t.Run("overwrite_change_updates_in_place", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust3", "c@example.com", "silver", t1), nil
		}, nil)
		require.NoError(t, err)

		err = ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust3", "c@example.com", "platinum", t2), nil
		}, nil)
		require.NoError(t, err)

		versions := queryCustomerVersions(t, conn, ds, "cust3")
		require.Len(t, versions, 1, "overwrite-only change must not produce a new version")
		require.Equal(t, "platinum", versions[0].segment)
		require.WithinDuration(t, t1, versions[0].eff, 0, "effective time is preserved on overwrite")
		require.Nil(t, versions[0].end)
		require.True(t, versions[0].cur)
	})

	t.Run("identical_row_is_a_noop", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust4", "d@example.com", "gold", t1), nil
		}, nil)
		require.NoError(t, err)

		err = ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust4", "d@example.com", "gold", t2), nil
		}, nil)
		require.NoError(t, err)

		versions := queryCustomerVersions(t, conn, ds, "cust4")
		require.Len(t, versions, 1)
		require.WithinDuration(t, t1, versions[0].eff, 0)
	})

	t.Run("close_old_row_preserves_target_values", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust5", "before@example.com", "silver", t1), nil
		}, nil)
		require.NoError(t, err)

		// Change both the tracked and the overwrite-only attribute. The
		// closed row must keep the target's values for both.
		err = ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust5", "after@example.com", "gold", t2), nil
		}, nil)
		require.NoError(t, err)

		versions := queryCustomerVersions(t, conn, ds, "cust5")
		require.Len(t, versions, 2)
		require.Equal(t, "before@example.com", versions[0].email)
		require.Equal(t, "silver", versions[0].segment)
		require.Equal(t, "after@example.com", versions[1].email)
		require.Equal(t, "gold", versions[1].segment)
	})

	t.Run("at_most_one_current_row_per_entity", func(t *testing.T) {
		for i, ts := range []time.Time{t1, t2, t3} {
			email := fmt.Sprintf("v%d@example.com", i+1)
			err := ds.Apply(ctx, conn, 1, func(int) ([]any, error) {
				return row("cust6", email, "gold", ts), nil
			}, nil)
			require.NoError(t, err)
		}

		versions := queryCustomerVersions(t, conn, ds, "cust6")
		require.Len(t, versions, 3)
		currents := 0
		for _, v := range versions {
			if v.cur {
				currents++
				require.Nil(t, v.end)
			} else {
				require.NotNil(t, v.end)
			}
		}
		require.Equal(t, 1, currents)
		require.Equal(t, "v3@example.com", versions[2].email)
	})

	t.Run("multiple_entities_in_one_batch", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 3, func(i int) ([]any, error) {
			return row(fmt.Sprintf("batch%d", i+1), fmt.Sprintf("b%d@example.com", i+1), "gold", t1), nil
		}, nil)
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			current, err := ds.GetCurrentRow(ctx, conn, fmt.Sprintf("batch%d", i))
			require.NoError(t, err)
			require.NotNil(t, current)
			require.Equal(t, fmt.Sprintf("b%d@example.com", i), current["email"])
		}
	})

	t.Run("duplicate_merge_keys_warn_but_proceed", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 2, func(i int) ([]any, error) {
			return row("cust7", fmt.Sprintf("dup%d@example.com", i+1), "gold", t1.Add(time.Duration(i)*time.Minute)), nil
		}, nil)
		require.NoError(t, err)

		versions := queryCustomerVersions(t, conn, ds, "cust7")
		require.Len(t, versions, 2, "both duplicates classify against the pre-batch target state")
	})

	t.Run("staging_rows_cleaned_up_by_default", func(t *testing.T) {
		opID := uuid.New()
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust8", "h@example.com", "gold", t1), nil
		}, &WriteConfig{OpID: opID})
		require.NoError(t, err)
		require.Equal(t, int64(0), stagingRowCount(t, conn, ds, opID))
	})

	t.Run("staging_rows_retained_when_cleanup_disabled", func(t *testing.T) {
		opID := uuid.New()
		cleanup := false
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return row("cust9", "i@example.com", "gold", t1), nil
		}, &WriteConfig{OpID: opID, CleanupStaging: &cleanup})
		require.NoError(t, err)
		require.Equal(t, int64(1), stagingRowCount(t, conn, ds, opID))
	})

	t.Run("empty_batch_is_a_noop", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 0, nil, nil)
		require.NoError(t, err)
	})

	t.Run("context_cancellation", func(t *testing.T) {
		cancelledCtx, cancel := context.WithCancel(ctx)
		cancel()
		err := ds.Apply(cancelledCtx, conn, 1, func(i int) ([]any, error) {
			return row("cust10", "j@example.com", "gold", t1), nil
		}, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "context cancel")
	})

	t.Run("row_width_too_narrow", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return []any{"cust11"}, nil
		}, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "expected exactly")
	})

	t.Run("row_width_too_wide", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return append(row("cust12", "l@example.com", "gold", t1), "extra"), nil
		}, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "expected exactly")
	})

	t.Run("row_fn_error_aborts_batch", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 2, func(i int) ([]any, error) {
			if i == 1 {
				return nil, fmt.Errorf("boom")
			}
			return row("cust13", "m@example.com", "gold", t1), nil
		}, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to get row data")

		// The whole batch is rolled back, including row 0.
		current, err := ds.GetCurrentRow(ctx, conn, "cust13")
		require.NoError(t, err)
		require.Nil(t, current)
	})

	t.Run("get_current_row_key_count_mismatch", func(t *testing.T) {
		_, err := ds.GetCurrentRow(ctx, conn, "cust1", "extra")
		require.Error(t, err)
		require.Contains(t, err.Error(), "expected 1")
	})
}

func TestDimsync_Postgres_Dataset_DimensionType2_BatchTime(t *testing.T) {
	t.Parallel()
	log := testLogger()
	conn := testConn(t)
	ctx := t.Context()

	// No timestamp column: the whole batch is stamped with one time.
	schema := customerSchema()
	schema.name = "subscriber"
	schema.columns = []string{"customer_id text", "email text", "segment text"}
	schema.tsColumn = ""
	ds, err := NewDimensionType2Dataset(log, schema)
	require.NoError(t, err)
	createDimTable(t, conn, ds, schema)

	t1 := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

	t.Run("explicit_batch_timestamp", func(t *testing.T) {
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return []any{"sub1", "s1@example.com", "gold"}, nil
		}, &WriteConfig{Timestamp: t1})
		require.NoError(t, err)

		current, err := ds.GetCurrentRow(ctx, conn, "sub1")
		require.NoError(t, err)
		require.NotNil(t, current)
		require.WithinDuration(t, t1, current["_scd2_effective_time"].(time.Time), 0)
	})

	t.Run("clock_supplies_default_timestamp", func(t *testing.T) {
		ds.Clock = clockwork.NewFakeClockAt(t2)
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return []any{"sub1", "s1-changed@example.com", "gold"}, nil
		}, nil)
		require.NoError(t, err)

		current, err := ds.GetCurrentRow(ctx, conn, "sub1")
		require.NoError(t, err)
		require.NotNil(t, current)
		require.Equal(t, "s1-changed@example.com", current["email"])
		require.WithinDuration(t, t2, current["_scd2_effective_time"].(time.Time), 0)
	})

	t.Run("timestamp_truncated_to_microseconds", func(t *testing.T) {
		nanos := time.Date(2024, 2, 1, 11, 0, 0, 123456789, time.UTC)
		err := ds.Apply(ctx, conn, 1, func(i int) ([]any, error) {
			return []any{"sub2", "s2@example.com", "gold"}, nil
		}, &WriteConfig{Timestamp: nanos})
		require.NoError(t, err)

		current, err := ds.GetCurrentRow(ctx, conn, "sub2")
		require.NoError(t, err)
		require.NotNil(t, current)
		require.WithinDuration(t, nanos.Truncate(time.Microsecond), current["_scd2_effective_time"].(time.Time), 0)
	})
}

func TestDimsync_Postgres_Dataset_DimensionType2_SentinelEndTime(t *testing.T) {
	t.Parallel()
	log := testLogger()
	conn := testConn(t)
	ctx := t.Context()

	schema := customerSchema()
	schema.name = "account"
	ds, err := NewDimensionType2Dataset(log, schema)
	require.NoError(t, err)

	endOfTime := time.Date(9999, 12, 31, 23, 59, 59, 999999000, time.UTC)
	ds.TemporalPolicy = SentinelEndTimePolicy{EndOfTime: endOfTime}
	createDimTable(t, conn, ds, schema)

	t1 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	row := func(email string, ts time.Time) []any {
		return []any{"acct1", email, "gold", ts}
	}

	err = ds.Apply(ctx, conn, 1, func(i int) ([]any, error) { return row("a@example.com", t1), nil }, nil)
	require.NoError(t, err)

	current, err := ds.GetCurrentRow(ctx, conn, "acct1")
	require.NoError(t, err)
	require.NotNil(t, current)
	require.WithinDuration(t, endOfTime, current["_scd2_end_time"].(time.Time), 0, "open rows carry the sentinel instead of NULL")

	err = ds.Apply(ctx, conn, 1, func(i int) ([]any, error) { return row("b@example.com", t2), nil }, nil)
	require.NoError(t, err)

	query := fmt.Sprintf(`
		SELECT email, _scd2_end_time, _scd2_is_current
		FROM %s
		WHERE customer_id = $1
		ORDER BY _scd2_effective_time
	`, ds.TableName())
	rows, err := conn.Query(ctx, query, "acct1")
	require.NoError(t, err)
	defer rows.Close()

	type version struct {
		email string
		end   time.Time
		cur   bool
	}
	var versions []version
	for rows.Next() {
		var v version
		require.NoError(t, rows.Scan(&v.email, &v.end, &v.cur))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())
	require.Len(t, versions, 2)
	require.WithinDuration(t, t2, versions[0].end, 0)
	require.False(t, versions[0].cur)
	require.WithinDuration(t, endOfTime, versions[1].end, 0)
	require.True(t, versions[1].cur)
}
