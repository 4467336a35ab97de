package jira

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Stronautt/epic-report-generator/internal/models"
)

// fallbackStoryPointsField is the estimate field most Jira Cloud
// instances ship with.
const fallbackStoryPointsField = "customfield_10016"

// Wire representations of the Jira REST payloads. Only the fields the
// report needs are typed; the raw fields object is kept so configured
// custom fields can be looked up by id.
type searchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []wireIssue `json:"issues"`
}

type wireIssue struct {
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

type wireNamed struct {
	Name string `json:"name"`
}

type wireStatus struct {
	Name           string     `json:"name"`
	StatusCategory *wireNamed `json:"statusCategory"`
}

type wireUser struct {
	DisplayName string `json:"displayName"`
}

type issueFields struct {
	Summary        string      `json:"summary"`
	Status         *wireStatus `json:"status"`
	Resolution     *wireNamed  `json:"resolution"`
	IssueType      *wireNamed  `json:"issuetype"`
	Priority       *wireNamed  `json:"priority"`
	Assignee       *wireUser   `json:"assignee"`
	Reporter       *wireUser   `json:"reporter"`
	Created        string      `json:"created"`
	Updated        string      `json:"updated"`
	ResolutionDate string      `json:"resolutiondate"`
	Labels         []string    `json:"labels"`
	FixVersions    []wireNamed `json:"fixVersions"`
}

func epicFromWire(w *wireIssue) *models.Epic {
	var fields issueFields
	if err := json.Unmarshal(w.Fields, &fields); err != nil {
		slog.Debug("Failed to decode epic fields", "key", w.Key, "error", err)
	}

	epic := models.NewEpic(w.Key)
	epic.Summary = fields.Summary
	if fields.Status != nil {
		epic.Status = fields.Status.Name
	}
	if fields.Priority != nil {
		epic.Priority = fields.Priority.Name
	}
	if fields.Assignee != nil {
		epic.Assignee = fields.Assignee.DisplayName
	}
	if fields.Reporter != nil {
		epic.Reporter = fields.Reporter.DisplayName
	}
	epic.Created = parseTime(fields.Created)
	epic.Updated = parseTime(fields.Updated)
	if len(fields.Labels) > 0 {
		epic.Labels = fields.Labels
	}
	for _, v := range fields.FixVersions {
		epic.FixVersions = append(epic.FixVersions, v.Name)
	}
	return epic
}

func issueFromWire(w *wireIssue, spField string) models.Issue {
	var fields issueFields
	if err := json.Unmarshal(w.Fields, &fields); err != nil {
		slog.Debug("Failed to decode issue fields", "key", w.Key, "error", err)
	}

	issue := models.Issue{
		Key:            w.Key,
		Summary:        fields.Summary,
		StatusCategory: models.StatusCategoryToDo,
	}
	if fields.Status != nil {
		issue.Status = fields.Status.Name
		if fields.Status.StatusCategory != nil && fields.Status.StatusCategory.Name != "" {
			issue.StatusCategory = fields.Status.StatusCategory.Name
		}
	}
	if fields.Resolution != nil {
		issue.Resolution = fields.Resolution.Name
	}
	if fields.IssueType != nil {
		issue.IssueType = fields.IssueType.Name
	}
	if fields.Assignee != nil {
		issue.Assignee = fields.Assignee.DisplayName
	}
	issue.StoryPoints = extractStoryPoints(w.Fields, spField)
	issue.Created = parseTime(fields.Created)
	issue.Resolved = parseTime(fields.ResolutionDate)
	return issue
}

// extractStoryPoints reads the configured estimate field, falling back
// to fallbackStoryPointsField when it is absent or null. Numeric
// strings are accepted because some instances store estimates as text.
func extractStoryPoints(raw json.RawMessage, field string) *float64 {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil
	}

	for _, name := range []string{field, fallbackStoryPointsField} {
		if name == "" {
			continue
		}
		value, ok := all[name]
		if !ok {
			continue
		}

		var points *float64
		if err := json.Unmarshal(value, &points); err == nil && points != nil {
			return points
		}

		var text string
		if err := json.Unmarshal(value, &text); err == nil {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
				return &parsed
			}
		}
	}
	return nil
}

// Jira emits timestamps with a zone offset and no colon; duedate-style
// fields are bare dates.
var timeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339,
	"2006-01-02",
}

// parseTime returns nil for anything unparseable rather than failing
// the whole fetch.
func parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts
		}
	}
	return nil
}
