package tabular

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ReadXLSX parses every selected worksheet. Cells are read raw, so date
// cells arrive as Excel serial numbers instead of locale-formatted text.
// Empty sheets are skipped.
func ReadXLSX(name string, r io.Reader, opts Options) (*File, error) {
	f, err := excelize.OpenReader(&limitReader{reader: r, max: opts.MaxBytes})
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	names, err := selectSheets(f.GetSheetList(), opts.Sheets)
	if err != nil {
		return nil, err
	}

	out := &File{Name: name}
	budget := rowBudget(opts.MaxRows)
	for _, sheetName := range names {
		records, err := f.GetRows(sheetName, excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", sheetName, err)
		}
		sheet, err := sheetFromRecords(sheetName, records, nil, budget)
		if err != nil {
			return nil, err
		}
		if len(sheet.Header) == 0 || len(sheet.Rows) == 0 {
			continue
		}
		out.Sheets = append(out.Sheets, sheet)
	}

	if len(out.Sheets) == 0 {
		return nil, fmt.Errorf("%w: %s has no data rows", ErrEmpty, name)
	}
	return out, nil
}

func selectSheets(all, wanted []string) ([]string, error) {
	if len(wanted) == 0 {
		return all, nil
	}
	present := make(map[string]bool, len(all))
	for _, s := range all {
		present[strings.TrimSpace(s)] = true
	}
	var out []string
	for _, w := range wanted {
		w = strings.TrimSpace(w)
		if !present[w] {
			return nil, fmt.Errorf("sheet %q not found", w)
		}
		out = append(out, w)
	}
	return out, nil
}

// ListSheets returns the workbook's sheet names in workbook order. With
// onlyNumeric set it keeps sheets named by a number (one sheet per day of
// the month is the usual register layout) sorted numerically.
func ListSheets(r io.Reader, onlyNumeric bool) ([]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	names := f.GetSheetList()
	if !onlyNumeric {
		return names, nil
	}

	type numbered struct {
		name string
		n    int
	}
	var nums []numbered
	for _, s := range names {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			nums = append(nums, numbered{s, n})
		}
	}
	sort.SliceStable(nums, func(i, j int) bool { return nums[i].n < nums[j].n })

	out := make([]string, len(nums))
	for i, n := range nums {
		out[i] = n.name
	}
	return out, nil
}

// Workbook describes a single-sheet XLSX document.
type Workbook struct {
	Sheet  string
	Header []string
	Widths []float64
	Rows   [][]any
}

// Write renders the workbook to w with a bold, filled header row.
func (wb Workbook) Write(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := wb.Sheet
	if sheet == "" {
		sheet = "Sheet1"
	}
	if sheet != "Sheet1" {
		index, err := f.NewSheet(sheet)
		if err != nil {
			return fmt.Errorf("create sheet: %w", err)
		}
		f.SetActiveSheet(index)
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return fmt.Errorf("delete default sheet: %w", err)
		}
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	header := make([]any, len(wb.Header))
	for i, h := range wb.Header {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(wb.Header) > 0 {
		last, err := excelize.CoordinatesToCellName(len(wb.Header), 1)
		if err != nil {
			return fmt.Errorf("header range: %w", err)
		}
		if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
			return fmt.Errorf("style header: %w", err)
		}
	}

	for i, width := range wb.Widths {
		if width <= 0 {
			continue
		}
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("column name: %w", err)
		}
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return fmt.Errorf("set column width: %w", err)
		}
	}

	for i, row := range wb.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("row %d: %w", i+2, err)
		}
		values := row
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
