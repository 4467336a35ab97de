package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/Stronautt/epic-report-generator/internal/models"
)

const summarySheet = "Summary"

// ExportXLSX writes the report as a workbook: a summary sheet mirroring the
// PDF summary table plus one sheet per epic listing its child issues.
func ExportXLSX(data *models.ReportData) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := createSummarySheet(f, data); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}

	for i := range data.Epics {
		if err := createEpicSheet(f, &data.Epics[i]); err != nil {
			return nil, fmt.Errorf("failed to create sheet for %s: %w", data.Epics[i].Key, err)
		}
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to drop default sheet: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func headerStyle(f *excelize.File) (int, error) {
	return f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#0052CC"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true, Color: "#FFFFFF"},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
		Border: []excelize.Border{
			{Type: "left", Color: "#000000", Style: 1},
			{Type: "right", Color: "#000000", Style: 1},
			{Type: "top", Color: "#000000", Style: 1},
			{Type: "bottom", Color: "#000000", Style: 1},
		},
	})
}

func createSummarySheet(f *excelize.File, data *models.ReportData) error {
	index, err := f.NewSheet(summarySheet)
	if err != nil {
		return err
	}
	f.SetActiveSheet(index)

	style, err := headerStyle(f)
	if err != nil {
		return err
	}

	headers := []string{
		"Epic Key", "Summary", "Progress (%)", "Status",
		"Total Issues", "Completed", "Unestimated",
		"Total SP", "Done SP", "Assignee",
	}
	for col, header := range headers {
		cell := cellName(col+1, 1)
		f.SetCellValue(summarySheet, cell, header)
		f.SetCellStyle(summarySheet, cell, cell, style)
	}

	n := len(data.Epics)
	if len(data.Metrics) < n {
		n = len(data.Metrics)
	}
	for i := 0; i < n; i++ {
		epic := &data.Epics[i]
		m := data.Metrics[i]
		row := i + 2

		assignee := epic.Assignee
		if assignee == "" {
			assignee = "Unassigned"
		}

		f.SetCellValue(summarySheet, cellName(1, row), epic.Key)
		f.SetCellValue(summarySheet, cellName(2, row), epic.Summary)
		f.SetCellValue(summarySheet, cellName(3, row), m.Progress)
		f.SetCellValue(summarySheet, cellName(4, row), epic.Status)
		f.SetCellValue(summarySheet, cellName(5, row), m.TotalIssues)
		f.SetCellValue(summarySheet, cellName(6, row), m.CompletedIssues)
		f.SetCellValue(summarySheet, cellName(7, row), m.UnestimatedIssues)
		f.SetCellValue(summarySheet, cellName(8, row), m.TotalSP)
		f.SetCellValue(summarySheet, cellName(9, row), m.CompletedSP)
		f.SetCellValue(summarySheet, cellName(10, row), assignee)
	}

	f.SetColWidth(summarySheet, "A", "A", 12)
	f.SetColWidth(summarySheet, "B", "B", 50)
	f.SetColWidth(summarySheet, "C", "C", 12)
	f.SetColWidth(summarySheet, "D", "D", 16)
	f.SetColWidth(summarySheet, "E", "G", 12)
	f.SetColWidth(summarySheet, "H", "I", 10)
	f.SetColWidth(summarySheet, "J", "J", 20)

	return f.SetPanes(summarySheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func createEpicSheet(f *excelize.File, epic *models.Epic) error {
	sheetName := sanitizeSheetName(epic.Key)
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}

	style, err := headerStyle(f)
	if err != nil {
		return err
	}

	headers := []string{
		"#", "Key", "Summary", "Type", "Status",
		"Category", "Story Points", "Created", "Resolved", "Assignee",
	}
	for col, header := range headers {
		cell := cellName(col+1, 1)
		f.SetCellValue(sheetName, cell, header)
		f.SetCellStyle(sheetName, cell, cell, style)
	}

	for i, child := range epic.Children {
		row := i + 2
		f.SetCellValue(sheetName, cellName(1, row), i+1)
		f.SetCellValue(sheetName, cellName(2, row), child.Key)
		f.SetCellValue(sheetName, cellName(3, row), child.Summary)
		f.SetCellValue(sheetName, cellName(4, row), child.IssueType)
		f.SetCellValue(sheetName, cellName(5, row), child.Status)
		f.SetCellValue(sheetName, cellName(6, row), child.StatusCategory)
		if child.StoryPoints != nil {
			f.SetCellValue(sheetName, cellName(7, row), *child.StoryPoints)
		}
		f.SetCellValue(sheetName, cellName(8, row), formatDatePtr(child.Created))
		f.SetCellValue(sheetName, cellName(9, row), formatDatePtr(child.Resolved))
		f.SetCellValue(sheetName, cellName(10, row), child.Assignee)
	}

	f.SetColWidth(sheetName, "A", "A", 5)
	f.SetColWidth(sheetName, "B", "B", 12)
	f.SetColWidth(sheetName, "C", "C", 50)
	f.SetColWidth(sheetName, "D", "F", 14)
	f.SetColWidth(sheetName, "G", "I", 12)
	f.SetColWidth(sheetName, "J", "J", 20)

	return f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func cellName(col, row int) string {
	return fmt.Sprintf("%s%d", columnLetter(col), row)
}

func columnLetter(col int) string {
	result := ""
	for col > 0 {
		col--
		result = string(rune('A'+col%26)) + result
		col /= 26
	}
	return result
}

// sanitizeSheetName strips the characters Excel forbids in sheet names and
// clips to the 31-character limit.
func sanitizeSheetName(name string) string {
	replacer := strings.NewReplacer(
		"/", "-",
		"\\", "-",
		"?", "",
		"*", "",
		":", "-",
		"[", "(",
		"]", ")",
	)
	name = replacer.Replace(name)
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
