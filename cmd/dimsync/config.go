package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// fileConfig describes the dimensions the CLI applies batches to. It is the
// JSON counterpart of the dataset.DimensionSchema interface plus the NDJSON
// input file per dimension.
type fileConfig struct {
	Dimensions []*dimensionConfig `json:"dimensions"`
}

type dimensionConfig struct {
	DimensionName      string   `json:"name"`
	ColumnDefs         []string `json:"columns"`
	MergeKeys          []string `json:"merge_key_columns"`
	SCD2Attrs          []string `json:"scd2_columns"`
	SCD1Attrs          []string `json:"scd1_columns"`
	Include            []string `json:"include_columns"`
	Exclude            []string `json:"exclude_columns"`
	TSColumn           string   `json:"timestamp_column"`
	StructName         string   `json:"temporal_struct_name"`
	EffectiveTimeField string   `json:"effective_time_field"`
	EndTimeField       string   `json:"end_time_field"`
	IsCurrentField     string   `json:"is_current_field"`
	AutoGenerated      []string `json:"target_auto_generated_columns"`
	Input              string   `json:"input"`
}

// dimensionConfig implements dataset.DimensionSchema.

func (c *dimensionConfig) Name() string                   { return c.DimensionName }
func (c *dimensionConfig) Columns() []string              { return c.ColumnDefs }
func (c *dimensionConfig) MergeKeyColumns() []string      { return c.MergeKeys }
func (c *dimensionConfig) SCD2Columns() []string          { return c.SCD2Attrs }
func (c *dimensionConfig) SCD1Columns() []string          { return c.SCD1Attrs }
func (c *dimensionConfig) IncludeColumns() []string       { return c.Include }
func (c *dimensionConfig) ExcludeColumns() []string       { return c.Exclude }
func (c *dimensionConfig) TimestampColumn() string        { return c.TSColumn }
func (c *dimensionConfig) TemporalStructName() string     { return c.StructName }
func (c *dimensionConfig) AutoGeneratedColumns() []string { return c.AutoGenerated }

func (c *dimensionConfig) TemporalFieldNames() (string, string, string) {
	return c.EffectiveTimeField, c.EndTimeField, c.IsCurrentField
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg fileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if len(cfg.Dimensions) == 0 {
		return nil, fmt.Errorf("config file declares no dimensions")
	}
	for _, dim := range cfg.Dimensions {
		if dim.Input == "" {
			return nil, fmt.Errorf("dimension %q declares no input file", dim.DimensionName)
		}
	}
	return &cfg, nil
}
