package metrics

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Stronautt/epic-report-generator/internal/models"
)

// velocityWindowWeeks is the trailing window used for velocity and forecasting.
const velocityWindowWeeks = 4

// Calculate computes all metrics for a single epic from its child issues.
// The reference time now anchors the velocity window, the forecast, and the
// final day of the time series.
func Calculate(epic *models.Epic, now time.Time) models.EpicMetrics {
	m := models.NewEpicMetrics()
	children := epic.Children

	if len(children) == 0 {
		slog.Debug("Epic has no children, returning empty metrics", "epic", epic.Key)
		return m
	}

	m.TotalIssues = len(children)
	for _, c := range children {
		if c.Done() {
			m.CompletedIssues++
		}
		if c.Estimated() {
			m.TotalSP += c.Points()
			if c.Done() {
				m.CompletedSP += c.Points()
			}
		} else {
			m.UnestimatedIssues++
		}
		if strings.Contains(strings.ToLower(c.Status), "blocked") && !c.Done() {
			m.BlockedIssues++
		}
	}
	m.OpenIssues = m.TotalIssues - m.CompletedIssues
	m.RemainingSP = m.TotalSP - m.CompletedSP
	m.Progress = progress(m.CompletedSP, m.TotalSP, m.CompletedIssues, m.TotalIssues)
	m.AvgCycleTimeDays = avgCycleTime(children)
	m.VelocitySPPerWeek = velocity(children, now, velocityWindowWeeks)
	m.ScopeChangePct = scopeChange(children)
	m.ForecastDate = forecast(m.RemainingSP, m.VelocitySPPerWeek, now)

	buildTimeSeries(&m, children, now)

	slog.Debug("Calculated metrics",
		"epic", epic.Key,
		"progress", m.Progress,
		"completed", m.CompletedIssues,
		"total", m.TotalIssues,
		"completedSP", m.CompletedSP,
		"totalSP", m.TotalSP)
	return m
}

// progress blends story-point completion with issue-count completion so that
// an epic is only 100% when every issue is done, not just the heavy ones.
// Falls back to the plain issue ratio when nothing is estimated.
func progress(completedSP, totalSP float64, completedIssues, totalIssues int) float64 {
	if totalIssues == 0 {
		return 0
	}
	issueRatio := float64(completedIssues) / float64(totalIssues)
	if totalSP == 0 {
		return clampPct(issueRatio * 100)
	}
	return clampPct((completedSP / totalSP) * issueRatio * 100)
}

func clampPct(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// avgCycleTime returns the mean days from creation to resolution across done
// issues, or nil when no done issue carries both timestamps.
func avgCycleTime(children []models.Issue) *float64 {
	var sum float64
	var n int
	for _, c := range children {
		if c.Done() && c.Created != nil && c.Resolved != nil {
			sum += c.Resolved.Sub(*c.Created).Seconds() / 86400
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}

// velocity returns story points resolved per week over the trailing window,
// or nil when nothing estimated was resolved inside it.
func velocity(children []models.Issue, now time.Time, weeks int) *float64 {
	cutoff := now.Add(-time.Duration(weeks) * 7 * 24 * time.Hour)
	var sp float64
	for _, c := range children {
		if c.Estimated() && c.Done() && c.Resolved != nil && !c.Resolved.Before(cutoff) {
			sp += c.Points()
		}
	}
	if sp == 0 {
		return nil
	}
	v := sp / float64(weeks)
	return &v
}

// scopeChange returns the percentage of issues created more than a week after
// the earliest issue. Needs at least two issues, two of them dated.
func scopeChange(children []models.Issue) *float64 {
	if len(children) < 2 {
		return nil
	}
	var created []time.Time
	for _, c := range children {
		if c.Created != nil {
			created = append(created, *c.Created)
		}
	}
	if len(created) < 2 {
		return nil
	}
	sort.Slice(created, func(i, j int) bool { return created[i].Before(created[j]) })
	threshold := created[0].Add(7 * 24 * time.Hour)
	addedLater := 0
	for _, dt := range created {
		if dt.After(threshold) {
			addedLater++
		}
	}
	pct := float64(addedLater) / float64(len(children)) * 100
	return &pct
}

// forecast projects the completion date from the remaining story points at the
// current velocity. Nil when there is no velocity or nothing remains.
func forecast(remainingSP float64, velocity *float64, now time.Time) *time.Time {
	if velocity == nil || *velocity <= 0 || remainingSP <= 0 {
		return nil
	}
	weeksRemaining := remainingSP / *velocity
	d := dateOf(now).AddDate(0, 0, int(weeksRemaining*7))
	return &d
}

// buildTimeSeries fills the daily arrays from the earliest issue creation date
// through today. Total and unestimated counts accumulate by creation date;
// completed story points accumulate by resolution before each day's end.
func buildTimeSeries(m *models.EpicMetrics, children []models.Issue, now time.Time) {
	type datedIssue struct {
		issue   models.Issue
		created time.Time
	}
	var dated []datedIssue
	for _, c := range children {
		if c.Created != nil {
			dated = append(dated, datedIssue{issue: c, created: *c.Created})
		}
	}
	if len(dated) == 0 {
		return
	}

	minCreated := dated[0].created
	for _, d := range dated[1:] {
		if d.created.Before(minCreated) {
			minCreated = d.created
		}
	}
	minDate := dateOf(minCreated)
	maxDate := dateOf(now)
	if !minDate.Before(maxDate) {
		return
	}

	for day := minDate; !day.After(maxDate); day = day.AddDate(0, 0, 1) {
		dayEnd := time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.Local)

		var totalSP, doneSP float64
		var issues, unestimated int
		for _, d := range dated {
			if dateOf(d.created).After(day) {
				continue
			}
			issues++
			totalSP += d.issue.Points()
			if !d.issue.Estimated() {
				unestimated++
			}
			if d.issue.Done() && d.issue.Resolved != nil && !d.issue.Resolved.After(dayEnd) {
				doneSP += d.issue.Points()
			}
		}

		m.Dates = append(m.Dates, day)
		m.TotalSPOverTime = append(m.TotalSPOverTime, totalSP)
		m.CompletedSPOverTime = append(m.CompletedSPOverTime, doneSP)
		m.CumulativeIssues = append(m.CumulativeIssues, issues)
		m.CumulativeUnestimated = append(m.CumulativeUnestimated, unestimated)
	}
}

// dateOf strips the clock from t, keeping the calendar date as seen in t's
// own location.
func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
