package report

import (
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/Stronautt/epic-report-generator/internal/chart"
	"github.com/Stronautt/epic-report-generator/internal/models"
)

// Page dimensions in mm, landscape 16:9.
const (
	pageW  = 406.0
	pageH  = 228.4
	margin = 18.0
)

// chartDPI is the resolution charts are rendered at before embedding.
const chartDPI = 150

var monthsFull = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var monthsAbbr = [12]string{
	"Jan", "Feb", "Mar", "Apr", "May", "Jun",
	"Jul", "Aug", "Sep", "Oct", "Nov", "Dec",
}

type rgb struct{ r, g, b int }

type palette struct {
	accent  rgb
	text    rgb
	muted   rgb
	bg      rgb
	surface rgb
	green   rgb
	yellow  rgb
	red     rgb
	rowAlt  rgb
	grid    rgb
}

var lightPalette = palette{
	accent:  hexRGB("#0052CC"),
	text:    hexRGB("#172B4D"),
	muted:   hexRGB("#6B778C"),
	bg:      hexRGB("#FFFFFF"),
	surface: hexRGB("#F4F5F7"),
	green:   hexRGB("#36B37E"),
	yellow:  hexRGB("#FFAB00"),
	red:     hexRGB("#DE350B"),
	rowAlt:  hexRGB("#F8F9FA"),
	grid:    hexRGB("#DFE1E6"),
}

var darkPalette = palette{
	accent:  hexRGB("#2979FF"),
	text:    hexRGB("#E0E0E0"),
	muted:   hexRGB("#90A4AE"),
	bg:      hexRGB("#1E1E1E"),
	surface: hexRGB("#263238"),
	green:   hexRGB("#66BB6A"),
	yellow:  hexRGB("#FFA726"),
	red:     hexRGB("#EF5350"),
	rowAlt:  hexRGB("#252525"),
	grid:    hexRGB("#37474F"),
}

func hexRGB(s string) rgb {
	var c rgb
	fmt.Sscanf(s, "#%02x%02x%02x", &c.r, &c.g, &c.b)
	return c
}

type pdfBuilder struct {
	pdf  *fpdf.Fpdf
	pal  palette
	tr   func(string) string
	dark bool
}

// GeneratePDF builds the full report document and returns it as bytes.
// Page sequence: title page, epic summary table, then one page per epic.
func GeneratePDF(data *models.ReportData) ([]byte, error) {
	pal := lightPalette
	if data.Config.DarkMode {
		pal = darkPalette
	}

	slog.Info("Generating PDF",
		"epics", len(data.Epics),
		"dark", data.Config.DarkMode,
		"title", data.Config.Title)

	// fpdf swaps Wd and Ht for landscape orientation.
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "L",
		UnitStr:        "mm",
		Size:           fpdf.SizeType{Wd: pageH, Ht: pageW},
	})
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetHeaderFunc(func() {
		pdf.SetFillColor(pal.bg.r, pal.bg.g, pal.bg.b)
		pdf.Rect(0, 0, pageW, pageH, "F")
	})

	b := &pdfBuilder{
		pdf:  pdf,
		pal:  pal,
		tr:   pdf.UnicodeTranslatorFromDescriptor(""),
		dark: data.Config.DarkMode,
	}

	slog.Debug("Building title page")
	b.titlePage(data.Config)

	slog.Debug("Building summary table", "epics", len(data.Epics))
	b.summaryPage(data)

	n := len(data.Epics)
	if len(data.Metrics) < n {
		n = len(data.Metrics)
	}
	for i := 0; i < n; i++ {
		slog.Debug("Building epic page", "index", i+1, "total", n, "epic", data.Epics[i].Key)
		if err := b.epicPage(&data.Epics[i], data.Metrics[i]); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to build PDF: %w", err)
	}
	slog.Info("PDF built", "bytes", buf.Len(), "pages", pdf.PageCount())
	return buf.Bytes(), nil
}

func (b *pdfBuilder) setText(c rgb) {
	b.pdf.SetTextColor(c.r, c.g, c.b)
}

// -- title page --------------------------------------------------------------

func (b *pdfBuilder) titlePage(cfg models.ReportConfig) {
	pdf := b.pdf
	pdf.AddPage()

	pdf.SetY(margin + 60)
	b.setText(b.pal.text)
	pdf.SetFont("Helvetica", "B", 36)
	pdf.MultiCell(0, 15.5, b.tr(cfg.Title), "", "C", false)
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 18)
	b.setText(b.pal.muted)
	if cfg.ProjectDisplayName != "" {
		pdf.MultiCell(0, 8.5, b.tr(cfg.ProjectDisplayName), "", "C", false)
		pdf.Ln(4)
	}
	pdf.MultiCell(0, 8.5, formatDateFull(cfg.ReportDate), "", "C", false)

	if cfg.Author != "" {
		pdf.Ln(3)
		pdf.MultiCell(0, 8.5, b.tr("Prepared by "+cfg.Author), "", "C", false)
	}

	if cfg.Confidential && cfg.CompanyName != "" {
		pdf.Ln(30)
		notice := fmt.Sprintf(
			"CONFIDENTIAL — This document is the property of %s "+
				"and is intended solely for the use of the intended recipient(s). "+
				"Unauthorized distribution is prohibited.",
			cfg.CompanyName)
		b.setText(b.pal.red)
		pdf.SetFont("Helvetica", "", 9)
		pdf.MultiCell(0, 4.5, b.tr(notice), "", "C", false)
	}
}

// -- summary page ------------------------------------------------------------

const summaryRowH = 8.0

func (b *pdfBuilder) summaryPage(data *models.ReportData) {
	pdf := b.pdf
	pdf.AddPage()

	b.setText(b.pal.text)
	pdf.SetFont("Helvetica", "B", 22)
	pdf.CellFormat(0, 10, "Epic Progress Summary", "", 1, "L", false, 0, "")
	pdf.Ln(4)

	availW := pageW - 2*margin
	widths := []float64{
		availW * 0.08, // Key
		availW * 0.22, // Summary
		availW * 0.12, // Progress
		availW * 0.09, // Status
		availW * 0.06, // Total
		availW * 0.06, // Done
		availW * 0.06, // Unest.
		availW * 0.08, // Total SP
		availW * 0.08, // Done SP
		availW * 0.12, // Assignee
	}

	b.summaryHeader(widths)

	n := len(data.Epics)
	if len(data.Metrics) < n {
		n = len(data.Metrics)
	}
	for i := 0; i < n; i++ {
		if pdf.GetY()+summaryRowH > pageH-margin {
			pdf.AddPage()
			b.summaryHeader(widths)
		}
		b.summaryRow(&data.Epics[i], data.Metrics[i], widths, (i+1)%2 == 0)
	}
}

func (b *pdfBuilder) summaryHeader(widths []float64) {
	pdf := b.pdf
	headers := []string{
		"Epic Key", "Summary", "Progress", "Status",
		"Total", "Done", "Unest.", "Total SP", "Done SP", "Assignee",
	}

	pdf.SetFillColor(b.pal.accent.r, b.pal.accent.g, b.pal.accent.b)
	pdf.SetDrawColor(b.pal.grid.r, b.pal.grid.g, b.pal.grid.b)
	pdf.SetLineWidth(0.2)
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Helvetica", "B", 9)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 9, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func (b *pdfBuilder) summaryRow(epic *models.Epic, m models.EpicMetrics, widths []float64, shaded bool) {
	pdf := b.pdf

	fill := b.pal.bg
	if shaded {
		fill = b.pal.rowAlt
	}
	pdf.SetFillColor(fill.r, fill.g, fill.b)
	pdf.SetDrawColor(b.pal.grid.r, b.pal.grid.g, b.pal.grid.b)
	b.setText(b.pal.text)
	pdf.SetFont("Helvetica", "", 9)

	summary := epic.Summary
	if r := []rune(summary); len(r) > 80 {
		summary = string(r[:80]) + "..."
	}
	assignee := epic.Assignee
	if assignee == "" {
		assignee = "Unassigned"
	}

	b.cell(widths[0], epic.Key, "L")
	b.cell(widths[1], summary, "L")
	b.progressCell(widths[2], m.Progress, shaded)
	b.cell(widths[3], epic.Status, "L")
	b.cell(widths[4], strconv.Itoa(m.TotalIssues), "R")
	b.cell(widths[5], strconv.Itoa(m.CompletedIssues), "R")
	b.cell(widths[6], strconv.Itoa(m.UnestimatedIssues), "R")
	b.cell(widths[7], fmt.Sprintf("%.0f", m.TotalSP), "R")
	b.cell(widths[8], fmt.Sprintf("%.0f", m.CompletedSP), "R")
	b.cell(widths[9], assignee, "L")
	pdf.Ln(-1)
}

func (b *pdfBuilder) cell(w float64, text, align string) {
	b.pdf.CellFormat(w, summaryRowH, b.tr(text), "1", 0, align, true, 0, "")
}

// progressCell draws a proportional bar with the same 5% granularity as the
// twenty-segment indicator, colored by completion band, plus the percentage.
func (b *pdfBuilder) progressCell(w float64, pct float64, shaded bool) {
	pdf := b.pdf
	x, y := pdf.GetX(), pdf.GetY()

	pdf.CellFormat(w, summaryRowH, "", "1", 0, "L", true, 0, "")

	barColor := b.pal.red
	switch {
	case pct >= 75:
		barColor = b.pal.green
	case pct >= 25:
		barColor = b.pal.yellow
	}

	const textW = 11.0
	trackX := x + 1.5
	trackY := y + summaryRowH/2 - 1.25
	trackW := w - textW - 4
	segments := int(pct / 5)
	if segments < 1 {
		segments = 1
	}
	if segments > 20 {
		segments = 20
	}

	pdf.SetFillColor(barColor.r, barColor.g, barColor.b)
	pdf.SetAlpha(0.35, "Normal")
	pdf.Rect(trackX, trackY, trackW, 2.5, "F")
	pdf.SetAlpha(1, "Normal")
	pdf.Rect(trackX, trackY, trackW*float64(segments)/20, 2.5, "F")

	b.setText(b.pal.text)
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetXY(x+w-textW-1.5, y)
	pdf.CellFormat(textW, summaryRowH, fmt.Sprintf("%.0f%%", pct), "", 0, "R", false, 0, "")

	pdf.SetXY(x+w, y)
	pdf.SetFont("Helvetica", "", 9)
	fill := b.pal.bg
	if shaded {
		fill = b.pal.rowAlt
	}
	pdf.SetFillColor(fill.r, fill.g, fill.b)
}

// -- per-epic pages ----------------------------------------------------------

func (b *pdfBuilder) epicPage(epic *models.Epic, m models.EpicMetrics) error {
	pdf := b.pdf
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 22)
	b.setText(b.pal.accent)
	pdf.Write(10, b.tr(epic.Key))
	b.setText(b.pal.text)
	pdf.Write(10, b.tr(" — "+epic.Summary))
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 12)
	pdf.Write(5.5, "Status: ")
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Write(5.5, b.tr(epic.Status))
	pdf.Ln(10)

	availW := pageW - 2*margin
	chartW := availW * 0.62
	summaryW := availW * 0.35
	gap := availW * 0.03
	topY := pdf.GetY()

	png, err := chart.Render(m, chartDPI, b.dark)
	if err != nil {
		return fmt.Errorf("failed to render chart for %s: %w", epic.Key, err)
	}
	if png != nil {
		b.embedChart(epic.Key, png, margin, topY, chartW)
	} else {
		pdf.SetFont("Helvetica", "I", 9)
		b.setText(b.pal.muted)
		pdf.SetXY(margin, topY)
		pdf.CellFormat(chartW, 5, "No chart data available", "", 0, "L", false, 0, "")
	}

	b.metricsSidebar(m, margin+chartW+gap, topY, summaryW)
	return nil
}

func (b *pdfBuilder) embedChart(key string, png []byte, x, y, maxW float64) {
	pdf := b.pdf
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	name := fmt.Sprintf("chart-%s-%d", key, pdf.PageNo())
	info := pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(png))
	if info == nil {
		return
	}

	w := maxW
	if w > 240 {
		w = 240
	}
	h := w * info.Height() / info.Width()
	if h > 120 {
		h = 120
		w = h * info.Width() / info.Height()
	}
	pdf.ImageOptions(name, x, y, w, h, false, opts, 0, "")
}

type metricRow struct {
	label   string
	value   string
	section bool
}

const (
	sidebarRowH     = 7.0
	sidebarSectionH = 8.5
)

func (b *pdfBuilder) metricsSidebar(m models.EpicMetrics, x, y, w float64) {
	pdf := b.pdf

	cycle := "N/A"
	if m.AvgCycleTimeDays != nil && *m.AvgCycleTimeDays != 0 {
		cycle = fmt.Sprintf("%.1f days", *m.AvgCycleTimeDays)
	}
	velocity := "N/A"
	if m.VelocitySPPerWeek != nil && *m.VelocitySPPerWeek != 0 {
		velocity = fmt.Sprintf("%.1f SP/wk", *m.VelocitySPPerWeek)
	}
	scope := "N/A"
	if m.ScopeChangePct != nil {
		scope = fmt.Sprintf("%.0f%%", *m.ScopeChangePct)
	}
	forecast := "N/A"
	if m.ForecastDate != nil {
		forecast = formatDateAbbr(*m.ForecastDate)
	}

	rows := []metricRow{
		{label: "Summary", section: true},
		{label: "Total Issues", value: strconv.Itoa(m.TotalIssues)},
		{label: "Completed", value: strconv.Itoa(m.CompletedIssues)},
		{label: "Open", value: strconv.Itoa(m.OpenIssues)},
		{label: "Unestimated", value: strconv.Itoa(m.UnestimatedIssues)},
		{label: "Total SP", value: fmt.Sprintf("%.0f", m.TotalSP)},
		{label: "Done SP", value: fmt.Sprintf("%.0f", m.CompletedSP)},
		{label: "Remaining SP", value: fmt.Sprintf("%.0f", m.RemainingSP)},
		{label: "Avg Cycle Time", value: cycle},
		{label: "Additional", section: true},
		{label: "Velocity (4wk)", value: velocity},
		{label: "Scope Change", value: scope},
		{label: "Blocked", value: strconv.Itoa(m.BlockedIssues)},
		{label: "Forecast", value: forecast},
	}

	labelW := w * 0.55
	rowY := y
	for _, row := range rows {
		if row.section {
			pdf.SetFillColor(b.pal.surface.r, b.pal.surface.g, b.pal.surface.b)
			pdf.Rect(x, rowY, w, sidebarSectionH, "F")
			b.setText(b.pal.text)
			pdf.SetFont("Helvetica", "B", 14)
			pdf.SetXY(x+1.5, rowY)
			pdf.CellFormat(w-1.5, sidebarSectionH, row.label, "", 0, "L", false, 0, "")
			pdf.SetDrawColor(b.pal.accent.r, b.pal.accent.g, b.pal.accent.b)
			pdf.SetLineWidth(0.2)
			pdf.Line(x, rowY+sidebarSectionH, x+w, rowY+sidebarSectionH)
			rowY += sidebarSectionH
			continue
		}

		b.setText(b.pal.muted)
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetXY(x+1.5, rowY)
		pdf.CellFormat(labelW-1.5, sidebarRowH, row.label, "", 0, "L", false, 0, "")
		b.setText(b.pal.text)
		pdf.SetFont("Helvetica", "", 12)
		pdf.SetXY(x+labelW, rowY)
		pdf.CellFormat(w-labelW, sidebarRowH, b.tr(row.value), "", 0, "L", false, 0, "")
		rowY += sidebarRowH
	}
}

// -- date formatting ---------------------------------------------------------

// formatDateFull renders "June 09, 2025" with fixed English month names so
// documents look the same on any host locale.
func formatDateFull(t time.Time) string {
	return fmt.Sprintf("%s %02d, %d", monthsFull[t.Month()-1], t.Day(), t.Year())
}

func formatDateAbbr(t time.Time) string {
	return fmt.Sprintf("%s %02d, %d", monthsAbbr[t.Month()-1], t.Day(), t.Year())
}
