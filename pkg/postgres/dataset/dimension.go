package dataset

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/jonboulle/clockwork"
)

// Default names for the temporal columns tracked on every type-2 dimension
// row. The struct name is a column-name prefix; the three fields become
// <struct>_<field> columns on the target table.
const (
	DefaultTemporalStructName = "_scd2"
	DefaultEffectiveTimeField = "effective_time"
	DefaultEndTimeField       = "end_time"
	DefaultIsCurrentField     = "is_current"
)

// Merge action codes attached to every staged row. I inserts a new entity,
// U updates type-1 attributes in place, UC closes the current row and opens
// a new one. Rows that classify to NULL are dropped before staging.
const (
	actionInsert      = "I"
	actionUpdate      = "U"
	actionUpdateClose = "UC"
)

// Duplication ranks produced by the cross join. Rank 1 is the open-new row
// (source values, fresh effective time); rank 2 is the close-old row (target
// values, closed interval) and only survives for UC changes.
const (
	rankOpenNew  = 1
	rankCloseOld = 2
)

// DimensionSchema describes a type-2 dimension target and the shape of its
// incoming change rows. Columns returns "name type" definitions in the order
// change rows are produced. MergeKeyColumns identify a logical entity across
// its history. SCD2Columns are tracked with history, SCD1Columns with
// overwrite-only semantics. IncludeColumns (empty means all declared columns)
// minus ExcludeColumns selects the columns the engine processes.
// TimestampColumn, when non-empty, names a temporal-typed column used to
// order changes; when empty the engine stamps the batch with the current
// time. TemporalStructName and TemporalFieldNames may return empty values to
// take the defaults. AutoGeneratedColumns are owned by the target table and
// never written by the engine.
type DimensionSchema interface {
	Name() string
	Columns() []string
	MergeKeyColumns() []string
	SCD2Columns() []string
	SCD1Columns() []string
	IncludeColumns() []string
	ExcludeColumns() []string
	TimestampColumn() string
	TemporalStructName() string
	TemporalFieldNames() (effectiveTime, endTime, isCurrent string)
	AutoGeneratedColumns() []string
}

// DimensionType2Dataset merges change batches into a history-tracking
// dimension table. One Apply call performs one atomic merge; concurrent
// applies against the same target are the caller's responsibility to
// serialize.
type DimensionType2Dataset struct {
	log    *slog.Logger
	schema DimensionSchema

	cols          []string // declared column names, staging order
	colTypes      map[string]string
	processedCols []string // columns the merge reads and writes
	mergeKeys     []string
	scd2Cols      []string
	scd1Cols      []string
	tsCol         string
	effCol        string
	endCol        string
	curCol        string

	// TemporalPolicy derives the temporal columns of every staged row.
	// Replace it to substitute alternate policies (e.g. sentinel end-of-time
	// values instead of NULL).
	TemporalPolicy TemporalPolicy

	// Clock supplies the default batch timestamp when the schema has no
	// timestamp column and the write config carries none.
	Clock clockwork.Clock
}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func NewDimensionType2Dataset(log *slog.Logger, schema DimensionSchema) (*DimensionType2Dataset, error) {
	if schema.Name() == "" {
		return nil, fmt.Errorf("table_name is required")
	}
	if !identifierRe.MatchString(schema.Name()) {
		return nil, fmt.Errorf("table name %q contains illegal characters", schema.Name())
	}
	if len(schema.Columns()) == 0 {
		return nil, fmt.Errorf("columns is required")
	}

	cols, colTypes, err := parseColumnDefs(schema.Columns())
	if err != nil {
		return nil, fmt.Errorf("failed to parse column definitions: %w", err)
	}

	mergeKeys := schema.MergeKeyColumns()
	if len(mergeKeys) == 0 {
		return nil, fmt.Errorf("merge key is required")
	}

	structName := schema.TemporalStructName()
	if structName == "" {
		structName = DefaultTemporalStructName
	}
	effField, endField, curField := schema.TemporalFieldNames()
	if effField == "" {
		effField = DefaultEffectiveTimeField
	}
	if endField == "" {
		endField = DefaultEndTimeField
	}
	if curField == "" {
		curField = DefaultIsCurrentField
	}
	for _, name := range []string{structName, effField, endField, curField} {
		if !identifierRe.MatchString(name) {
			return nil, fmt.Errorf("temporal column name %q contains illegal characters", name)
		}
	}

	d := &DimensionType2Dataset{
		log:            log,
		schema:         schema,
		cols:           cols,
		colTypes:       colTypes,
		mergeKeys:      mergeKeys,
		scd2Cols:       schema.SCD2Columns(),
		scd1Cols:       schema.SCD1Columns(),
		tsCol:          schema.TimestampColumn(),
		effCol:         structName + "_" + effField,
		endCol:         structName + "_" + endField,
		curCol:         structName + "_" + curField,
		TemporalPolicy: DefaultTemporalPolicy{},
		Clock:          clockwork.NewRealClock(),
	}

	for _, group := range []struct {
		label string
		attrs []string
	}{
		{"merge key", mergeKeys},
		{"scd2", d.scd2Cols},
		{"scd1", d.scd1Cols},
		{"include", schema.IncludeColumns()},
		{"exclude", schema.ExcludeColumns()},
	} {
		for _, attr := range group.attrs {
			if !slices.Contains(cols, attr) {
				return nil, fmt.Errorf("%s column %q is not a declared column", group.label, attr)
			}
		}
	}

	if d.tsCol != "" {
		colType, ok := colTypes[d.tsCol]
		if !ok {
			return nil, fmt.Errorf("timestamp column %q is not a declared column", d.tsCol)
		}
		if !isTemporalType(colType) {
			return nil, fmt.Errorf("timestamp column %q must be of date or timestamp type, got %q", d.tsCol, colType)
		}
	}

	include := schema.IncludeColumns()
	if len(include) == 0 {
		include = cols
	}
	skipped := append([]string{d.effCol, d.endCol, d.curCol, opIDColumn}, schema.AutoGeneratedColumns()...)
	for _, c := range include {
		if slices.Contains(schema.ExcludeColumns(), c) || slices.Contains(skipped, c) {
			continue
		}
		d.processedCols = append(d.processedCols, c)
	}

	for _, attr := range slices.Concat(mergeKeys, d.scd2Cols, d.scd1Cols) {
		if !slices.Contains(d.processedCols, attr) {
			return nil, fmt.Errorf("column %q is required for the merge and must not be excluded", attr)
		}
	}

	return d, nil
}

// TableName returns the target dimension table name.
func (d *DimensionType2Dataset) TableName() string {
	return "dim_" + d.schema.Name()
}

// StagingTableName returns the staging table that receives change batches
// before the merge.
func (d *DimensionType2Dataset) StagingTableName() string {
	return d.TableName() + "_staging"
}

// TemporalColumns returns the physical names of the effective-time, end-time
// and is-current columns on the target table.
func (d *DimensionType2Dataset) TemporalColumns() (effectiveTime, endTime, isCurrent string) {
	return d.effCol, d.endCol, d.curCol
}

// parseColumnDefs splits "name type" definitions into ordered names and a
// name-to-type lookup.
func parseColumnDefs(defs []string) ([]string, map[string]string, error) {
	names := make([]string, 0, len(defs))
	types := make(map[string]string, len(defs))
	for _, def := range defs {
		fields := strings.Fields(def)
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("column definition %q must be \"name type\"", def)
		}
		name := fields[0]
		if !identifierRe.MatchString(name) {
			return nil, nil, fmt.Errorf("column name %q contains illegal characters", name)
		}
		if _, dup := types[name]; dup {
			return nil, nil, fmt.Errorf("column %q is declared more than once", name)
		}
		names = append(names, name)
		types[name] = strings.Join(fields[1:], " ")
	}
	return names, types, nil
}

func isTemporalType(colType string) bool {
	up := strings.ToUpper(strings.TrimSpace(colType))
	return strings.HasPrefix(up, "TIMESTAMP") || up == "DATE"
}
