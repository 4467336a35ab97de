package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Stronautt/epic-report-generator/internal/metrics"
	"github.com/Stronautt/epic-report-generator/internal/models"
	"github.com/Stronautt/epic-report-generator/internal/report"
)

// Format selects the generated document type.
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatXLSX Format = "xlsx"
)

// EpicSource fetches one Epic and its children. *jira.Client implements it.
type EpicSource interface {
	FetchEpic(ctx context.Context, epicKey, spField, epicLinkField string) (*models.Epic, error)
}

// ProgressFunc receives generation progress as a message and a 0-100 percent.
type ProgressFunc func(message string, percent int)

// Engine drives a full report run: fetch every Epic, compute metrics, and
// render the document.
type Engine struct {
	source EpicSource
	logger *slog.Logger
	now    func() time.Time
}

func NewEngine(source EpicSource, logger *slog.Logger) *Engine {
	return &Engine{
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// Generate fetches every configured Epic, computes its metrics, and renders
// the document in the requested format. An Epic that cannot be fetched adds
// a message to the report's Errors and does not abort the run; Epics and
// Metrics stay index-aligned. When keys were requested but none could be
// fetched, the report comes back with nil document bytes and the caller
// decides how to surface the errors. Cancellation is observed between
// fetches.
func (e *Engine) Generate(ctx context.Context, cfg models.ReportConfig, format Format, progress ProgressFunc) (*models.ReportData, []byte, error) {
	if progress == nil {
		progress = func(string, int) {}
	}

	data := models.NewReportData(cfg)
	total := len(cfg.EpicKeys)
	e.logger.Info("Building report", "epics", total, "format", format)

	for i, key := range cfg.EpicKeys {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		progress(fmt.Sprintf("Fetching %s…", key), int(float64(i+1)/float64(total)*70))
		e.logger.Debug("Fetching epic", "current", i+1, "total", total, "epic", key)

		epic, err := e.source.FetchEpic(ctx, key, cfg.StoryPointsField, cfg.EpicLinkField)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			e.logger.Warn("Epic not found or inaccessible", "epic", key, "error", err)
			data.Errors = append(data.Errors, fmt.Sprintf("Epic %s not found. Check the key and try again.", key))
			continue
		}

		m := metrics.Calculate(epic, e.now())
		data.Epics = append(data.Epics, *epic)
		data.Metrics = append(data.Metrics, m)
		e.logger.Debug("Fetched epic",
			"epic", key,
			"children", m.TotalIssues,
			"progress", fmt.Sprintf("%.1f%%", m.Progress))
	}

	e.logger.Info("Fetch complete", "epics", len(data.Epics), "errors", len(data.Errors))

	if total > 0 && len(data.Epics) == 0 {
		e.logger.Warn("No epics fetched, nothing to render")
		return data, nil, nil
	}

	progress(fmt.Sprintf("Generating %s…", strings.ToUpper(string(format))), 85)
	doc, err := renderDocument(data, format)
	if err != nil {
		return data, nil, err
	}

	e.logger.Info("Report generated", "format", format, "epics", len(data.Epics), "bytes", len(doc))
	return data, doc, nil
}

func renderDocument(data *models.ReportData, format Format) ([]byte, error) {
	switch format {
	case FormatPDF:
		return report.GeneratePDF(data)
	case FormatXLSX:
		return report.ExportXLSX(data)
	default:
		return nil, fmt.Errorf("unsupported report format: %s", format)
	}
}
