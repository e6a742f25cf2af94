// Package tabular reads guest spreadsheets (CSV and XLSX) into sheets of
// raw string cells and writes XLSX workbooks for templates and exports.
//
// Cells are never interpreted here: dates stay as text or Excel serial
// numbers and documents keep their original formatting. Interpretation is
// the validator's job.
package tabular

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	ErrFileTooLarge = errors.New("file too large")
	ErrUnsupported  = errors.New("unsupported file type")
	ErrEmpty        = errors.New("empty file")
	ErrTooManyRows  = errors.New("file too large: row limit exceeded")
)

// Row is one data row with its position in the source file.
type Row struct {
	Sheet string   `json:"sheet,omitempty"`
	Line  int      `json:"line"`
	Cells []string `json:"cells"`
}

// Sheet is a header plus data rows. Cells are padded to the header width.
type Sheet struct {
	Name   string   `json:"name"`
	Header []string `json:"header"`
	Rows   []Row    `json:"rows"`
}

// File is a parsed upload. CSV files always have exactly one sheet.
type File struct {
	Name   string  `json:"name"`
	Sheets []Sheet `json:"sheets"`
}

// Options bounds and tunes parsing.
type Options struct {
	// MaxBytes rejects larger inputs (0 = unlimited).
	MaxBytes int64

	// MaxRows rejects files with more data rows across all sheets (0 = unlimited).
	MaxRows int

	// Sheets restricts XLSX parsing to these sheet names (empty = all).
	Sheets []string

	// Comma forces the CSV delimiter; 0 sniffs ',', ';' or tab from the header line.
	Comma rune

	// Charset is "utf-8" (default) or "windows-1252" for CSV input.
	Charset string
}

// Read dispatches on the file extension.
func Read(name string, r io.Reader, opts Options) (*File, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return ReadCSV(name, r, opts)
	case ".xlsx", ".xlsm":
		return ReadXLSX(name, r, opts)
	default:
		return nil, fmt.Errorf("%w: %q (use .xlsx or .csv)", ErrUnsupported, filepath.Ext(name))
	}
}

// RowCount returns the number of data rows across all sheets.
func (f *File) RowCount() int {
	n := 0
	for _, s := range f.Sheets {
		n += len(s.Rows)
	}
	return n
}

// Combine merges all sheets into one, so a single column mapping covers
// the whole file. The combined header is the union of sheet headers in
// first-seen order, matched case-insensitively; a row gets a blank for
// columns its own sheet lacks. Rows keep their sheet name and line.
func (f *File) Combine() Sheet {
	if len(f.Sheets) == 1 {
		return f.Sheets[0]
	}

	out := Sheet{Name: f.Name}
	index := make(map[string]int)
	for _, s := range f.Sheets {
		for _, h := range s.Header {
			key := headerKey(h)
			if _, ok := index[key]; ok {
				continue
			}
			index[key] = len(out.Header)
			out.Header = append(out.Header, strings.TrimSpace(h))
		}
	}

	for _, s := range f.Sheets {
		pos := make([]int, len(s.Header))
		for i, h := range s.Header {
			pos[i] = index[headerKey(h)]
		}
		for _, row := range s.Rows {
			cells := make([]string, len(out.Header))
			for i, v := range row.Cells {
				if i < len(pos) {
					cells[pos[i]] = v
				}
			}
			out.Rows = append(out.Rows, Row{Sheet: row.Sheet, Line: row.Line, Cells: cells})
		}
	}
	return out
}

func headerKey(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// isBlank reports whether every cell is empty after trimming.
func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// sheetFromRecords turns raw records into a Sheet: the first non-blank
// record is the header, blank records are dropped, and every data row is
// trimmed and padded to the header width. lines holds the 1-based source
// line of each record; nil means records are consecutive from line 1.
func sheetFromRecords(name string, records [][]string, lines []int, budget *int) (Sheet, error) {
	sheet := Sheet{Name: name}
	headerSeen := false

	for i, rec := range records {
		if isBlank(rec) {
			continue
		}
		if !headerSeen {
			sheet.Header = trimHeader(rec)
			headerSeen = true
			continue
		}

		if budget != nil {
			if *budget <= 0 {
				return Sheet{}, ErrTooManyRows
			}
			*budget--
		}

		cells := make([]string, len(sheet.Header))
		for j := 0; j < len(cells) && j < len(rec); j++ {
			cells[j] = strings.TrimSpace(rec[j])
		}
		line := i + 1
		if lines != nil {
			line = lines[i]
		}
		sheet.Rows = append(sheet.Rows, Row{Sheet: name, Line: line, Cells: cells})
	}
	return sheet, nil
}

// trimHeader trims labels and drops trailing empty header cells that
// spreadsheet tools leave behind formatted but unused columns.
func trimHeader(rec []string) []string {
	header := make([]string, len(rec))
	last := -1
	for i, h := range rec {
		header[i] = strings.TrimSpace(h)
		if header[i] != "" {
			last = i
		}
	}
	return header[:last+1]
}

func rowBudget(max int) *int {
	if max <= 0 {
		return nil
	}
	return &max
}
