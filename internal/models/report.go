package models

import "time"

// Default field mappings for Jira Cloud instances. The story-points field
// varies per instance; customfield_10014 is the common Epic Link id.
const (
	DefaultTitle            = "Epic Progress Report"
	DefaultStoryPointsField = "story_points"
	DefaultEpicLinkField    = "customfield_10014"
)

// EpicMetrics holds every derived statistic for one Epic. It is produced by
// the metrics engine and never hand-built except as an empty default for an
// Epic without children.
type EpicMetrics struct {
	TotalIssues       int        `json:"total_issues"`
	CompletedIssues   int        `json:"completed_issues"`
	OpenIssues        int        `json:"open_issues"`
	UnestimatedIssues int        `json:"unestimated_issues"`
	TotalSP           float64    `json:"total_sp"`
	CompletedSP       float64    `json:"completed_sp"`
	RemainingSP       float64    `json:"remaining_sp"`
	Progress          float64    `json:"progress"`
	AvgCycleTimeDays  *float64   `json:"avg_cycle_time_days,omitempty"`
	VelocitySPPerWeek *float64   `json:"velocity_sp_per_week,omitempty"`
	ScopeChangePct    *float64   `json:"scope_change_pct,omitempty"`
	BlockedIssues     int        `json:"blocked_issues"`
	ForecastDate      *time.Time `json:"forecast_date,omitempty"`

	// Daily time series, one entry per calendar day from the earliest
	// child-creation date through today. All five slices share one length.
	Dates                 []time.Time `json:"dates"`
	TotalSPOverTime       []float64   `json:"total_sp_over_time"`
	CompletedSPOverTime   []float64   `json:"completed_sp_over_time"`
	CumulativeIssues      []int       `json:"cumulative_issues"`
	CumulativeUnestimated []int       `json:"cumulative_unestimated"`
}

// NewEpicMetrics returns zero-valued metrics with independently owned
// empty series slices.
func NewEpicMetrics() EpicMetrics {
	return EpicMetrics{
		Dates:                 []time.Time{},
		TotalSPOverTime:       []float64{},
		CompletedSPOverTime:   []float64{},
		CumulativeIssues:      []int{},
		CumulativeUnestimated: []int{},
	}
}

// ReportConfig carries the user-supplied parameters for one report run.
type ReportConfig struct {
	ProjectKey         string    `json:"project_key"`
	EpicKeys           []string  `json:"epic_keys"`
	Title              string    `json:"title"`
	Author             string    `json:"author"`
	ProjectDisplayName string    `json:"project_display_name"`
	ReportDate         time.Time `json:"report_date"`
	Confidential       bool      `json:"confidential"`
	CompanyName        string    `json:"company_name"`
	StoryPointsField   string    `json:"story_points_field"`
	EpicLinkField      string    `json:"epic_link_field"`
	DarkMode           bool      `json:"dark_mode"`
}

// NewReportConfig returns a config with the standard defaults applied.
func NewReportConfig() ReportConfig {
	return ReportConfig{
		EpicKeys:         []string{},
		Title:            DefaultTitle,
		ReportDate:       time.Now(),
		StoryPointsField: DefaultStoryPointsField,
		EpicLinkField:    DefaultEpicLinkField,
	}
}

// ReportData is one full report run: the config, the successfully fetched
// epics with their metrics, and human-readable errors for the rest.
// Epics and Metrics are index-aligned; an Epic that failed to fetch appears
// in neither list and contributes an entry to Errors instead.
type ReportData struct {
	Config  ReportConfig  `json:"config"`
	Epics   []Epic        `json:"epics"`
	Metrics []EpicMetrics `json:"metrics"`
	Errors  []string      `json:"errors"`
}

// NewReportData returns an empty report for the given config.
func NewReportData(config ReportConfig) *ReportData {
	return &ReportData{
		Config:  config,
		Epics:   []Epic{},
		Metrics: []EpicMetrics{},
		Errors:  []string{},
	}
}
