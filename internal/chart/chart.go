package chart

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/Stronautt/epic-report-generator/internal/models"
)

// DefaultDPI matches the resolution the PDF embeds charts at.
const DefaultDPI = 150

const (
	widthUnits  = 7.2
	heightUnits = 3.6
	fillAlpha   = 178 // 0.7 of 255
)

var monthsAbbr = [12]string{
	"Jan", "Feb", "Mar", "Apr", "May", "Jun",
	"Jul", "Aug", "Sep", "Oct", "Nov", "Dec",
}

type palette struct {
	totalSP    drawing.Color
	doneSP     drawing.Color
	cumIssues  drawing.Color
	cumUnest   drawing.Color
	weekend    drawing.Color
	label      drawing.Color
	grid       drawing.Color
	bg         drawing.Color
	legendFace drawing.Color
}

var lightPalette = palette{
	totalSP:    drawing.ColorFromHex("e0e0e0"),
	doneSP:     drawing.ColorFromHex("4c9aff"),
	cumIssues:  drawing.ColorFromHex("0747a6"),
	cumUnest:   drawing.ColorFromHex("8b6914"),
	weekend:    drawing.ColorFromHex("f4f5f7"),
	label:      drawing.ColorFromHex("505f79"),
	grid:       drawing.ColorFromHex("dfe1e6"),
	bg:         drawing.ColorFromHex("ffffff"),
	legendFace: drawing.ColorFromHex("ffffff"),
}

var darkPalette = palette{
	totalSP:    drawing.ColorFromHex("455a64"),
	doneSP:     drawing.ColorFromHex("2979ff"),
	cumIssues:  drawing.ColorFromHex("82b1ff"),
	cumUnest:   drawing.ColorFromHex("ffb74d"),
	weekend:    drawing.ColorFromHex("263238"),
	label:      drawing.ColorFromHex("b0bec5"),
	grid:       drawing.ColorFromHex("37474f"),
	bg:         drawing.ColorFromHex("1e1e1e"),
	legendFace: drawing.ColorFromHex("263238"),
}

// Render draws the trend chart for one epic and returns it as PNG bytes.
// Returns nil bytes and no error when the metrics carry no time series;
// callers treat that as "no chart available".
func Render(m models.EpicMetrics, dpi int, dark bool) ([]byte, error) {
	if len(m.Dates) == 0 {
		slog.Debug("No time-series data, skipping chart")
		return nil, nil
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	slog.Debug("Rendering chart", "points", len(m.Dates), "dark", dark, "dpi", dpi)
	pal := lightPalette
	if dark {
		pal = darkPalette
	}

	dates := m.Dates
	totalSP := m.TotalSPOverTime
	doneSP := m.CompletedSPOverTime
	cumIssues := m.CumulativeIssues
	cumUnest := m.CumulativeUnestimated

	// A single sample has no span to step across; hold it for one day so
	// the axes still have a range.
	if len(dates) == 1 {
		dates = []time.Time{dates[0], dates[0].AddDate(0, 0, 1)}
		totalSP = []float64{totalSP[0], totalSP[0]}
		doneSP = []float64{doneSP[0], doneSP[0]}
		cumIssues = []int{cumIssues[0], cumIssues[0]}
		cumUnest = []int{cumUnest[0], cumUnest[0]}
	}

	spTop := axisTop(maxFloat(totalSP))
	issueTop := axisTop(float64(maxInt(cumIssues)))

	bandX, bandY := stepPoints(dates, weekendBand(dates, spTop))
	totalX, totalY := stepPoints(dates, totalSP)
	doneX, doneY := stepPoints(dates, doneSP)
	issuesX, issuesY := stepPoints(dates, intsToFloats(cumIssues))
	unestX, unestY := stepPoints(dates, intsToFloats(cumUnest))

	graph := chart.Chart{
		Width:      int(widthUnits * float64(dpi)),
		Height:     int(heightUnits * float64(dpi)),
		DPI:        float64(dpi),
		Background: chart.Style{FillColor: pal.bg},
		Canvas:     chart.Style{FillColor: pal.bg},
		XAxis: chart.XAxis{
			Style: chart.Style{
				FontSize:            7,
				FontColor:           pal.label,
				StrokeColor:         pal.grid,
				TextRotationDegrees: 30,
			},
			ValueFormatter: englishDateFormatter,
		},
		YAxis: chart.YAxis{
			Name:      "Story Points",
			NameStyle: chart.Style{FontSize: 8, FontColor: pal.label},
			Style: chart.Style{
				FontSize:    7,
				FontColor:   pal.label,
				StrokeColor: pal.grid,
			},
			GridMajorStyle: chart.Style{StrokeColor: pal.grid, StrokeWidth: 0.3},
			GridMinorStyle: chart.Style{Hidden: true},
			Range:          &chart.ContinuousRange{Min: 0, Max: spTop},
		},
		YAxisSecondary: chart.YAxis{
			Name:      "Issues",
			NameStyle: chart.Style{FontSize: 8, FontColor: pal.label},
			Style: chart.Style{
				FontSize:    7,
				FontColor:   pal.label,
				StrokeColor: pal.grid,
			},
			Range: &chart.ContinuousRange{Min: 0, Max: issueTop},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				// Weekend shading sits behind the data series and is
				// kept out of the legend by its empty name.
				XValues: bandX,
				YValues: bandY,
				Style: chart.Style{
					StrokeColor: pal.weekend,
					StrokeWidth: 1,
					FillColor:   pal.weekend,
				},
			},
			chart.TimeSeries{
				Name:    "Total Story Points",
				XValues: totalX,
				YValues: totalY,
				Style: chart.Style{
					StrokeColor: pal.totalSP,
					StrokeWidth: 1,
					FillColor:   pal.totalSP.WithAlpha(fillAlpha),
				},
			},
			chart.TimeSeries{
				Name:    "Completed Story Points",
				XValues: doneX,
				YValues: doneY,
				Style: chart.Style{
					StrokeColor: pal.doneSP,
					StrokeWidth: 1,
					FillColor:   pal.doneSP.WithAlpha(fillAlpha),
				},
			},
			chart.TimeSeries{
				Name:    "Cumulative Issues",
				YAxis:   chart.YAxisSecondary,
				XValues: issuesX,
				YValues: issuesY,
				Style: chart.Style{
					StrokeColor: pal.cumIssues,
					StrokeWidth: 1.5,
				},
			},
			chart.TimeSeries{
				Name:    "Unestimated Issues",
				YAxis:   chart.YAxisSecondary,
				XValues: unestX,
				YValues: unestY,
				Style: chart.Style{
					StrokeColor:     pal.cumUnest,
					StrokeWidth:     1.5,
					StrokeDashArray: []float64{5.0, 5.0},
				},
			},
		},
	}
	// The legend reads series off the chart it is given; hand it a copy
	// without the weekend band so the band never gets a legend entry.
	legendSource := graph
	legendSource.Series = graph.Series[1:]
	graph.Elements = []chart.Renderable{
		chart.Legend(&legendSource, chart.Style{
			FontSize:    6,
			FontColor:   pal.label,
			FillColor:   pal.legendFace,
			StrokeColor: pal.grid,
		}),
	}

	var buf bytes.Buffer
	if err := graph.Render(chart.PNG, &buf); err != nil {
		return nil, fmt.Errorf("failed to render chart: %w", err)
	}
	slog.Debug("Chart rendered", "bytes", buf.Len())
	return buf.Bytes(), nil
}

// stepPoints expands daily samples into hold-until-next-sample points so the
// series draws as a step function instead of straight-line interpolation.
func stepPoints(dates []time.Time, values []float64) ([]time.Time, []float64) {
	xs := make([]time.Time, 0, len(dates)*2)
	ys := make([]float64, 0, len(dates)*2)
	for i := range dates {
		if i > 0 {
			xs = append(xs, dates[i])
			ys = append(ys, values[i-1])
		}
		xs = append(xs, dates[i])
		ys = append(ys, values[i])
	}
	return xs, ys
}

// weekendBand returns a series that rises to height on Saturdays and Sundays
// and stays at zero on weekdays. Step expansion turns it into vertical bands.
func weekendBand(dates []time.Time, height float64) []float64 {
	vals := make([]float64, len(dates))
	for i, d := range dates {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			vals[i] = height
		}
	}
	return vals
}

// englishDateFormatter formats axis ticks with fixed English month names so
// charts render identically regardless of host locale.
func englishDateFormatter(v interface{}) string {
	var t time.Time
	switch typed := v.(type) {
	case time.Time:
		t = typed
	case int64:
		t = time.Unix(0, typed)
	case float64:
		t = time.Unix(0, int64(typed))
	default:
		return ""
	}
	return fmt.Sprintf("%s %02d", monthsAbbr[t.Month()-1], t.Day())
}

func axisTop(peak float64) float64 {
	if peak <= 0 {
		return 1
	}
	return peak * 1.05
}

func maxFloat(vals []float64) float64 {
	var peak float64
	for _, v := range vals {
		if v > peak {
			peak = v
		}
	}
	return peak
}

func maxInt(vals []int) int {
	var peak int
	for _, v := range vals {
		if v > peak {
			peak = v
		}
	}
	return peak
}

func intsToFloats(vals []int) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out
}
