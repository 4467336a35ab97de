package models

import "time"

// Status categories used by Jira Cloud. Every issue status maps to exactly
// one of these three.
const (
	StatusCategoryToDo       = "To Do"
	StatusCategoryInProgress = "In Progress"
	StatusCategoryDone       = "Done"
)

// Issue represents one child work item of an Epic.
type Issue struct {
	Key            string     `json:"key"`
	Summary        string     `json:"summary"`
	Status         string     `json:"status"`
	StatusCategory string     `json:"status_category"`
	Resolution     string     `json:"resolution,omitempty"`
	IssueType      string     `json:"issue_type"`
	StoryPoints    *float64   `json:"story_points,omitempty"`
	Created        *time.Time `json:"created,omitempty"`
	Resolved       *time.Time `json:"resolved,omitempty"`
	Assignee       string     `json:"assignee,omitempty"`
}

// Done reports whether the issue's status category is "Done". Resolved may
// still be nil for a Done issue; callers must not assume otherwise.
func (i *Issue) Done() bool {
	return i.StatusCategory == StatusCategoryDone
}

// Estimated reports whether the issue carries a usable story-point estimate.
// Both a missing value and an explicit 0 count as unestimated.
func (i *Issue) Estimated() bool {
	return i.StoryPoints != nil && *i.StoryPoints != 0
}

// Points returns the story-point value, treating missing as 0.
func (i *Issue) Points() float64 {
	if i.StoryPoints == nil {
		return 0
	}
	return *i.StoryPoints
}

// Epic represents a Jira Epic and its child issues. Children are ordered by
// creation time ascending, as returned by the data source.
type Epic struct {
	Key         string     `json:"key"`
	Summary     string     `json:"summary"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority,omitempty"`
	Assignee    string     `json:"assignee,omitempty"`
	Reporter    string     `json:"reporter,omitempty"`
	Created     *time.Time `json:"created,omitempty"`
	Updated     *time.Time `json:"updated,omitempty"`
	Labels      []string   `json:"labels"`
	FixVersions []string   `json:"fix_versions"`
	Children    []Issue    `json:"children"`
}

// NewEpic returns an Epic with independently owned empty slices. Two epics
// must never alias the same underlying Children list.
func NewEpic(key string) *Epic {
	return &Epic{
		Key:         key,
		Labels:      []string{},
		FixVersions: []string{},
		Children:    []Issue{},
	}
}
