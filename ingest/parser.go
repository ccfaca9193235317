package ingest

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/portalis/dirimport/errors"
)

// Options controls how the parser maps delimited input to records
type Options struct {
	// UniqueColumn is the required unique-identifier column, matched
	// case-insensitively against the header row
	UniqueColumn string

	// PopulationColumn is the optional population-identifier column
	PopulationColumn string

	// Delimiter defaults to comma when zero
	Delimiter rune
}

// Dataset is the parsed form of one input file
type Dataset struct {
	Columns []string  `json:"columns"`
	Records []*Record `json:"records"`
}

// Total returns the number of records in the dataset
func (d *Dataset) Total() int {
	return len(d.Records)
}

// ParseReader parses delimited text with a header row into typed records.
// Any structural failure (empty input, missing unique-identifier column,
// field-count mismatch, blank unique value) wraps errors.ErrParse and fails
// the whole session before any record is dispatched. Per-record data
// problems beyond that are left to the import loop.
func ParseReader(r io.Reader, opts Options) (*Dataset, error) {
	if opts.UniqueColumn == "" {
		return nil, errors.NewParseError("unique-identifier column name is required")
	}

	cr := csv.NewReader(r)
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.NewParseError("input is empty")
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrParse, err.Error())
	}

	columns := make([]string, len(header))
	uniqueIdx := -1
	populationIdx := -1
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.NewParseError("header column %d is blank", i+1)
		}
		columns[i] = name

		if strings.EqualFold(name, opts.UniqueColumn) {
			uniqueIdx = i
		}
		if opts.PopulationColumn != "" && strings.EqualFold(name, opts.PopulationColumn) {
			populationIdx = i
		}
	}

	if uniqueIdx == -1 {
		return nil, errors.NewParseError("missing required column %q in header %v", opts.UniqueColumn, columns)
	}

	var records []*Record
	line := 1 // header was line 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			// csv.Reader reports field-count mismatches here
			return nil, errors.Wrap(errors.ErrParse, err.Error())
		}

		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			fields[col] = strings.TrimSpace(row[i])
		}

		unique := strings.TrimSpace(row[uniqueIdx])
		if unique == "" {
			return nil, errors.NewParseError("line %d: blank value in unique-identifier column %q", line, columns[uniqueIdx])
		}

		rawPopulation := ""
		if populationIdx != -1 {
			rawPopulation = strings.TrimSpace(row[populationIdx])
		}

		records = append(records, &Record{
			LineNumber:    line,
			Fields:        fields,
			UniqueValue:   unique,
			RawPopulation: rawPopulation,
			Outcome:       OutcomePending,
		})
	}

	return &Dataset{Columns: columns, Records: records}, nil
}
