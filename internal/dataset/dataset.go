package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Table is a loaded CSV dataset: ordered header plus string rows. Values stay
// as strings until an aggregation needs them as numbers.
type Table struct {
	Name    string
	Columns []string
	Rows    [][]string
}

// LoadCSV reads a CSV file into a Table. The first record is the header.
func LoadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty csv: %s", filepath.Base(path))
	}

	return &Table{
		Name:    filepath.Base(path),
		Columns: records[0],
		Rows:    records[1:],
	}, nil
}

// Head renders the header and first n rows, the preview shown to the LLM in
// place of a dataframe dump.
func (t *Table) Head(n int) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(t.Columns, ", "))
	for i, row := range t.Rows {
		if i >= n {
			break
		}
		sb.WriteString("\n")
		sb.WriteString(strings.Join(row, ", "))
	}
	return sb.String()
}

// ColumnIndex finds a column by name, case-insensitively.
func (t *Table) ColumnIndex(name string) (int, bool) {
	for i, c := range t.Columns {
		if strings.EqualFold(strings.TrimSpace(c), strings.TrimSpace(name)) {
			return i, true
		}
	}
	return 0, false
}

// IsNumeric reports whether every non-empty value in the column parses as a
// number. Unknown columns report false.
func (t *Table) IsNumeric(name string) bool {
	idx, ok := t.ColumnIndex(name)
	if !ok {
		return false
	}
	any := false
	for _, row := range t.Rows {
		if idx >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[idx])
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
		any = true
	}
	return any
}

// AggRow is one group of an aggregation result. Group is empty when the
// aggregation was not grouped.
type AggRow struct {
	Group string
	Value float64
}

// Aggregate computes metric over valueCol, optionally grouped by groupCol.
// Supported metrics: count, sum, mean, min, max. Groups keep first-appearance
// order. Non-numeric values are skipped for everything but count.
func (t *Table) Aggregate(metric, valueCol, groupCol string) ([]AggRow, error) {
	metric = canonicalMetric(metric)
	switch metric {
	case "count", "sum", "mean", "min", "max":
	default:
		return nil, fmt.Errorf("unknown metric: %s", metric)
	}

	valIdx := -1
	if metric != "count" {
		idx, ok := t.ColumnIndex(valueCol)
		if !ok {
			return nil, fmt.Errorf("unknown column: %s", valueCol)
		}
		valIdx = idx
	}

	groupIdx := -1
	if groupCol != "" {
		idx, ok := t.ColumnIndex(groupCol)
		if !ok {
			return nil, fmt.Errorf("unknown column: %s", groupCol)
		}
		groupIdx = idx
	}

	type acc struct {
		count    int
		sum      float64
		min, max float64
		seen     bool
	}
	accs := make(map[string]*acc)
	var order []string

	for _, row := range t.Rows {
		group := ""
		if groupIdx >= 0 {
			if groupIdx >= len(row) {
				continue
			}
			group = strings.TrimSpace(row[groupIdx])
		}
		a := accs[group]
		if a == nil {
			a = &acc{}
			accs[group] = a
			order = append(order, group)
		}

		if metric == "count" {
			a.count++
			continue
		}
		if valIdx >= len(row) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[valIdx]), 64)
		if err != nil {
			continue
		}
		a.count++
		a.sum += v
		if !a.seen || v < a.min {
			a.min = v
		}
		if !a.seen || v > a.max {
			a.max = v
		}
		a.seen = true
	}

	var results []AggRow
	for _, group := range order {
		a := accs[group]
		var value float64
		switch metric {
		case "count":
			value = float64(a.count)
		case "sum":
			value = a.sum
		case "mean":
			if a.count == 0 {
				continue
			}
			value = a.sum / float64(a.count)
		case "min":
			if !a.seen {
				continue
			}
			value = a.min
		case "max":
			if !a.seen {
				continue
			}
			value = a.max
		}
		results = append(results, AggRow{Group: group, Value: value})
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("no rows to aggregate")
	}
	return results, nil
}

func canonicalMetric(metric string) string {
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "avg", "average", "mean":
		return "mean"
	case "":
		return "count"
	default:
		return strings.ToLower(strings.TrimSpace(metric))
	}
}

// FindCSV returns the first CSV file in dir, mirroring how a project's
// dataset is picked for analysis.
func FindCSV(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read project dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no csv files found in project")
}
