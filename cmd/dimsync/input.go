package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// loadNDJSON reads one change batch from a newline-delimited JSON file and
// returns the rows in the dimension's declared column order. Temporal-typed
// columns accept RFC 3339 strings; a missing key becomes NULL.
func loadNDJSON(path string, dim *dimensionConfig) ([][]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	colNames := make([]string, 0, len(dim.ColumnDefs))
	colTypes := make(map[string]string, len(dim.ColumnDefs))
	for _, def := range dim.ColumnDefs {
		fields := strings.Fields(def)
		if len(fields) < 2 {
			return nil, fmt.Errorf("column definition %q must be \"name type\"", def)
		}
		colNames = append(colNames, fields[0])
		colTypes[fields[0]] = strings.ToUpper(strings.Join(fields[1:], " "))
	}

	var rows [][]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("failed to parse line %d: %w", lineNo, err)
		}

		row := make([]any, 0, len(colNames))
		for _, name := range colNames {
			value, ok := record[name]
			if !ok || value == nil {
				row = append(row, nil)
				continue
			}
			converted, err := convertValue(value, colTypes[name])
			if err != nil {
				return nil, fmt.Errorf("line %d, column %q: %w", lineNo, name, err)
			}
			row = append(row, converted)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}

	return rows, nil
}

func convertValue(value any, colType string) (any, error) {
	if strings.HasPrefix(colType, "TIMESTAMP") || colType == "DATE" {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected an RFC 3339 string for a %s column, got %T", colType, value)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse timestamp: %w", err)
		}
		return ts, nil
	}

	// JSON numbers arrive as float64; integer columns need integral values.
	if f, ok := value.(float64); ok && isIntegerType(colType) {
		i := int64(f)
		if float64(i) != f {
			return nil, fmt.Errorf("expected an integer for a %s column, got %v", colType, f)
		}
		return i, nil
	}

	return value, nil
}

func isIntegerType(colType string) bool {
	switch colType {
	case "SMALLINT", "INT", "INTEGER", "BIGINT", "INT2", "INT4", "INT8":
		return true
	}
	return false
}
