package datasets

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

// ErrNoInput is returned when a command is run without an input file.
var ErrNoInput = errors.New("Please select an input file.")

// ErrNotSpreadsheet is returned by ReadSpreadsheet for non-.xlsx paths.
var ErrNotSpreadsheet = errors.New("input is not an .xlsx spreadsheet")

// MissingColumnsError reports required columns absent from a table header.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return "the input file is missing the following required columns: " + strings.Join(e.Columns, ", ")
}

// Table is the untyped content of a spreadsheet or text table. Rows never
// include the header.
type Table struct {
	Header []string
	Rows   [][]string

	colIndex map[string]int
}

// NewTable builds a Table and indexes its header.
func NewTable(header []string, rows [][]string) *Table {
	t := &Table{Header: header, Rows: rows, colIndex: make(map[string]int, len(header))}
	for i, col := range header {
		name := strings.TrimSpace(col)
		// first occurrence wins, like a header lookup by name
		if _, ok := t.colIndex[name]; !ok {
			t.colIndex[name] = i
		}
	}
	return t
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// HasColumn reports whether the header contains name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.colIndex[name]
	return ok
}

// MissingColumns returns the required columns absent from the header, in the
// order they were requested.
func (t *Table) MissingColumns(required ...string) []string {
	var missing []string
	for _, col := range required {
		if !t.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	return missing
}

// Require returns a *MissingColumnsError if any required column is absent.
func (t *Table) Require(required ...string) error {
	if missing := t.MissingColumns(required...); len(missing) > 0 {
		return &MissingColumnsError{Columns: missing}
	}
	return nil
}

// Cell returns the raw cell at (row, column); short rows read as empty.
func (t *Table) Cell(row int, column string) (string, error) {
	if row < 0 || row >= len(t.Rows) {
		return "", fmt.Errorf("row %d out of range [0, %d)", row, len(t.Rows))
	}
	idx, ok := t.colIndex[column]
	if !ok {
		return "", &MissingColumnsError{Columns: []string{column}}
	}
	record := t.Rows[row]
	if idx >= len(record) {
		return "", nil
	}
	return record[idx], nil
}

// Float parses the cell at (row, column) as a float64.
func (t *Table) Float(row int, column string) (float64, error) {
	cell, err := t.Cell(row, column)
	if err != nil {
		return 0, err
	}
	v, err := parseFloat(cell)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s at row %d: %w", column, row, err)
	}
	return v, nil
}

// ReadTable reads path, dispatching on its extension: .xlsx is read as a
// workbook (first sheet), anything else as Latin-1 tab-separated text.
func ReadTable(path string) (*Table, error) {
	if IsSpreadsheet(path) {
		return readXLSX(path)
	}
	return readTSV(path)
}

// ReadSpreadsheet reads an .xlsx workbook and rejects any other format.
func ReadSpreadsheet(path string) (*Table, error) {
	if !IsSpreadsheet(path) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSpreadsheet)
	}
	return readXLSX(path)
}

func readXLSX(path string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q of %s: %w", sheets[0], path, err)
	}
	return tableFromRecords(path, rows)
}

func readTSV(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(file))
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		records = append(records, record)
	}
	return tableFromRecords(path, records)
}

func tableFromRecords(path string, records [][]string) (*Table, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%s is empty: no header row", path)
	}
	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.TrimSpace(col)
	}
	rows := make([][]string, 0, len(records)-1)
	for _, record := range records[1:] {
		if blankRecord(record) {
			continue
		}
		rows = append(rows, record)
	}
	return NewTable(header, rows), nil
}

func blankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// WriteTable writes header and rows to path: .xlsx as a new workbook with
// numeric cells, anything else as tab-separated text. Row values may be int,
// float64 or string. The write is atomic and replaces any existing file.
func WriteTable(path string, header []string, rows [][]any) error {
	if IsSpreadsheet(path) {
		return writeXLSX(path, header, rows)
	}
	return writeTSV(path, header, rows)
}

func writeTSV(path string, header []string, rows [][]any) error {
	return WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		cw.Comma = '\t'
		if err := cw.Write(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
		record := make([]string, len(header))
		for i, row := range rows {
			record = record[:0]
			for _, v := range row {
				record = append(record, formatCell(v))
			}
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("failed to write row %d: %w", i, err)
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

func writeXLSX(path string, header []string, rows [][]any) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	headerRow := make([]any, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headerRow); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := row
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}
	return WriteFileAtomic(path, func(w io.Writer) error {
		return f.Write(w)
	})
}

func formatCell(v any) string {
	switch x := v.(type) {
	case float64:
		return FormatFloat(x)
	case int:
		return strconv.Itoa(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
