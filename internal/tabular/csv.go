package tabular

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReadCSV parses a delimited text file into a single sheet.
func ReadCSV(name string, r io.Reader, opts Options) (*File, error) {
	src, err := wrapInput(r, opts.Charset, opts.MaxBytes)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(src)
	comma := opts.Comma
	if comma == 0 {
		comma = sniffDelimiter(br)
	}

	cr := csv.NewReader(br)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	var (
		records [][]string
		lines   []int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, ErrFileTooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("parse csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		records = append(records, rec)
		lines = append(lines, line)
	}

	sheet, err := sheetFromRecords(name, records, lines, rowBudget(opts.MaxRows))
	if err != nil {
		return nil, err
	}
	if len(sheet.Header) == 0 || len(sheet.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s has no data rows", ErrEmpty, name)
	}
	sheet.Name = ""
	for i := range sheet.Rows {
		sheet.Rows[i].Sheet = ""
	}

	return &File{Name: name, Sheets: []Sheet{sheet}}, nil
}

// sniffDelimiter picks the most frequent of ',', ';' and tab on the first
// line. Spanish-locale Excel writes ';'.
func sniffDelimiter(br *bufio.Reader) rune {
	peek, _ := br.Peek(4096)
	line := string(peek)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	best, bestCount := ',', strings.Count(line, ",")
	for _, c := range []rune{';', '\t'} {
		if n := strings.Count(line, string(c)); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}
