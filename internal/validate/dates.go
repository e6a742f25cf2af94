package validate

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/scah/internal/storage"
)

// TwoDigitYearPivot: two-digit years that would land more than this many
// years after the reference year belong to the previous century.
var TwoDigitYearPivot = 20

// minExcelSerial is 1910-01-01 as an Excel day number. Smaller numbers are
// more likely a bare year or a room number than a date.
const minExcelSerial = 3654

// Day-first layouts are tried before month-first, so 03/04/2024 is the
// 3rd of April. A US date is only recognized when the day exceeds 12.
var (
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"02/01/2006", "2/1/2006", "02-01-2006", "2-1-2006", "02.01.2006", "2.1.2006",
		"01/02/2006", "1/2/2006",
		"20060102",
	}
	twoDigitYearLayouts = []string{
		"02/01/06", "2/1/06", "02-01-06", "2-1-06", "02.01.06", "2.1.06",
	}

	excelSerialPattern = regexp.MustCompile(`^\d{1,5}(\.\d+)?$`)
	isoPrefixPattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[ T]`)
)

// ParseDate reads a calendar date in any accepted layout, including Excel
// serial day numbers. ref anchors the two-digit year pivot.
func ParseDate(s string, ref time.Time) (storage.Date, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return storage.Date{}, false
	}

	// Timestamps exported from other tools: keep the date part.
	if isoPrefixPattern.MatchString(s) {
		s = s[:10]
	}

	if excelSerialPattern.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < minExcelSerial {
			return storage.Date{}, false
		}
		t, err := excelize.ExcelDateToTime(f, false)
		if err != nil {
			return storage.Date{}, false
		}
		return storage.NewDate(t), true
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return storage.NewDate(t), true
		}
	}

	if ref.IsZero() {
		ref = time.Now()
	}
	pivot := ref.Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivot {
				t = t.AddDate(-100, 0, 0)
			}
			return storage.NewDate(t), true
		}
	}
	return storage.Date{}, false
}

// ageAt returns whole years between birth and at.
func ageAt(birth, at storage.Date) int {
	age := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		age--
	}
	return age
}
