package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"qrattend/internal/attendance"
)

var header = []string{"Teacher", "Email", "Course", "Status", "Check-in", "Check-out", "Day"}

// SessionsWorkbook renders one day's attendance rows as an xlsx workbook:
// bold filtered header, one row per session.
func SessionsWorkbook(rows []attendance.Row, loc *time.Location) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	sheet := "Attendance"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	bold, _ := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	for col, h := range header {
		cell := fmt.Sprintf("%s1", colName(col+1))
		if err := f.SetCellStr(sheet, cell, h); err != nil {
			return nil, fmt.Errorf("set cell %s: %w", cell, err)
		}
	}
	end := colName(len(header)) + "1"
	_ = f.SetCellStyle(sheet, "A1", end, bold)
	_ = f.AutoFilter(sheet, "A1:"+end, nil)

	for r, row := range rows {
		values := []string{
			row.TeacherName,
			row.TeacherEmail,
			row.CourseName,
			string(row.Status),
			clock(row.CheckIn, loc),
			clock(row.CheckOut, loc),
			row.Day,
		}
		for c, val := range values {
			cell := fmt.Sprintf("%s%d", colName(c+1), r+2)
			if err := f.SetCellStr(sheet, cell, val); err != nil {
				return nil, fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}

	// width from header length, floor of 12
	for c := 1; c <= len(header); c++ {
		w := float64(len(header[c-1])) * 1.4
		if w < 12 {
			w = 12
		}
		_ = f.SetColWidth(sheet, colName(c), colName(c), w)
	}

	return f.WriteToBuffer()
}

func clock(t *time.Time, loc *time.Location) string {
	if t == nil {
		return ""
	}
	return t.In(loc).Format("15:04:05")
}

func colName(n int) string {
	s := ""
	for n > 0 {
		n--
		s = string(rune('A'+(n%26))) + s
		n /= 26
	}
	return s
}
