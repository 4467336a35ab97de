package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stronautt/epic-report-generator/internal/models"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func fptr(v float64) *float64     { return &v }
func tptr(t time.Time) *time.Time { return &t }

func makeIssue(key, category string, sp *float64) models.Issue {
	created := testNow.Add(-10 * 24 * time.Hour)
	status := "Open"
	if category == models.StatusCategoryDone {
		status = "Done"
	}
	return models.Issue{
		Key:            key,
		Summary:        "Issue " + key,
		Status:         status,
		StatusCategory: category,
		IssueType:      "Story",
		StoryPoints:    sp,
		Created:        &created,
		Assignee:       "Test User",
	}
}

func makeEpic(children ...models.Issue) *models.Epic {
	epic := models.NewEpic("PROJ-100")
	epic.Summary = "Test Epic"
	epic.Status = "In Progress"
	epic.Children = append(epic.Children, children...)
	return epic
}

func TestCalculate_EmptyEpic(t *testing.T) {
	m := Calculate(makeEpic(), testNow)

	assert.Zero(t, m.TotalIssues)
	assert.Zero(t, m.Progress)
	assert.Nil(t, m.AvgCycleTimeDays)
	assert.Nil(t, m.VelocitySPPerWeek)
	assert.Nil(t, m.ScopeChangePct)
	assert.Nil(t, m.ForecastDate)
	assert.Empty(t, m.Dates)
}

func TestCalculate_Progress(t *testing.T) {
	t.Run("all done", func(t *testing.T) {
		done1 := makeIssue("T-1", models.StatusCategoryDone, fptr(5))
		done1.Resolved = tptr(testNow)
		done2 := makeIssue("T-2", models.StatusCategoryDone, fptr(3))
		done2.Resolved = tptr(testNow)

		m := Calculate(makeEpic(done1, done2), testNow)

		assert.InDelta(t, 100.0, m.Progress, 0.001)
		assert.Equal(t, 2, m.CompletedIssues)
		assert.Equal(t, 8.0, m.CompletedSP)
	})

	t.Run("partial progress multiplies point and issue ratios", func(t *testing.T) {
		done := makeIssue("T-1", models.StatusCategoryDone, fptr(5))
		done.Resolved = tptr(testNow)
		todo := makeIssue("T-2", models.StatusCategoryToDo, fptr(5))

		m := Calculate(makeEpic(done, todo), testNow)

		// (5/10) * (1/2) * 100
		assert.InDelta(t, 25.0, m.Progress, 0.001)
	})

	t.Run("falls back to issue ratio without story points", func(t *testing.T) {
		done := makeIssue("T-1", models.StatusCategoryDone, nil)
		done.Resolved = tptr(testNow)
		todo := makeIssue("T-2", models.StatusCategoryToDo, nil)

		m := Calculate(makeEpic(done, todo), testNow)

		assert.InDelta(t, 50.0, m.Progress, 0.001)
	})
}

func TestCalculate_Counts(t *testing.T) {
	t.Run("nil and zero story points both count as unestimated", func(t *testing.T) {
		m := Calculate(makeEpic(
			makeIssue("T-1", models.StatusCategoryToDo, nil),
			makeIssue("T-2", models.StatusCategoryToDo, fptr(5)),
			makeIssue("T-3", models.StatusCategoryToDo, fptr(0)),
		), testNow)

		assert.Equal(t, 2, m.UnestimatedIssues)
	})

	t.Run("remaining story points", func(t *testing.T) {
		done := makeIssue("T-1", models.StatusCategoryDone, fptr(5))
		done.Resolved = tptr(testNow)
		inProgress := makeIssue("T-2", models.StatusCategoryInProgress, fptr(8))

		m := Calculate(makeEpic(done, inProgress), testNow)

		assert.Equal(t, 13.0, m.TotalSP)
		assert.Equal(t, 5.0, m.CompletedSP)
		assert.Equal(t, 8.0, m.RemainingSP)
		assert.Equal(t, 1, m.OpenIssues)
	})

	t.Run("blocked issues match on status text", func(t *testing.T) {
		blocked := makeIssue("T-1", models.StatusCategoryInProgress, fptr(3))
		blocked.Status = "Blocked"
		alsoBlocked := makeIssue("T-2", models.StatusCategoryToDo, fptr(2))
		alsoBlocked.Status = "Blocked by infra"
		doneBlocked := makeIssue("T-3", models.StatusCategoryDone, fptr(1))
		doneBlocked.Status = "Blocked"
		doneBlocked.Resolved = tptr(testNow)
		plain := makeIssue("T-4", models.StatusCategoryToDo, fptr(1))

		m := Calculate(makeEpic(blocked, alsoBlocked, doneBlocked, plain), testNow)

		assert.Equal(t, 2, m.BlockedIssues)
	})
}

func TestCalculate_CycleTime(t *testing.T) {
	t.Run("averages created to resolved in days", func(t *testing.T) {
		a := makeIssue("T-1", models.StatusCategoryDone, fptr(3))
		a.Created = tptr(testNow.Add(-5 * 24 * time.Hour))
		a.Resolved = tptr(testNow)
		b := makeIssue("T-2", models.StatusCategoryDone, fptr(2))
		b.Created = tptr(testNow.Add(-10 * 24 * time.Hour))
		b.Resolved = tptr(testNow)

		m := Calculate(makeEpic(a, b), testNow)

		require.NotNil(t, m.AvgCycleTimeDays)
		assert.InDelta(t, 7.5, *m.AvgCycleTimeDays, 0.1)
	})

	t.Run("nil when no done issue has both timestamps", func(t *testing.T) {
		done := makeIssue("T-1", models.StatusCategoryDone, fptr(3))
		done.Resolved = nil

		m := Calculate(makeEpic(done), testNow)

		assert.Nil(t, m.AvgCycleTimeDays)
	})
}

func TestCalculate_Velocity(t *testing.T) {
	t.Run("sums points resolved within trailing four weeks", func(t *testing.T) {
		recent := makeIssue("T-1", models.StatusCategoryDone, fptr(8))
		recent.Resolved = tptr(testNow.Add(-7 * 24 * time.Hour))
		old := makeIssue("T-2", models.StatusCategoryDone, fptr(20))
		old.Resolved = tptr(testNow.Add(-40 * 24 * time.Hour))

		m := Calculate(makeEpic(recent, old), testNow)

		require.NotNil(t, m.VelocitySPPerWeek)
		assert.InDelta(t, 2.0, *m.VelocitySPPerWeek, 0.001)
	})

	t.Run("nil when nothing resolved inside the window", func(t *testing.T) {
		old := makeIssue("T-1", models.StatusCategoryDone, fptr(20))
		old.Resolved = tptr(testNow.Add(-40 * 24 * time.Hour))

		m := Calculate(makeEpic(old), testNow)

		assert.Nil(t, m.VelocitySPPerWeek)
	})

	t.Run("nil when recent completions carry no estimate", func(t *testing.T) {
		recent := makeIssue("T-1", models.StatusCategoryDone, nil)
		recent.Resolved = tptr(testNow.Add(-2 * 24 * time.Hour))

		m := Calculate(makeEpic(recent), testNow)

		assert.Nil(t, m.VelocitySPPerWeek)
	})
}

func TestCalculate_ScopeChange(t *testing.T) {
	issueCreatedAt := func(key string, daysAgo int) models.Issue {
		issue := makeIssue(key, models.StatusCategoryToDo, fptr(3))
		issue.Created = tptr(testNow.Add(-time.Duration(daysAgo) * 24 * time.Hour))
		return issue
	}

	t.Run("percentage of issues added a week after the first", func(t *testing.T) {
		m := Calculate(makeEpic(
			issueCreatedAt("T-1", 20),
			issueCreatedAt("T-2", 19),
			issueCreatedAt("T-3", 10),
			issueCreatedAt("T-4", 8),
		), testNow)

		require.NotNil(t, m.ScopeChangePct)
		assert.InDelta(t, 50.0, *m.ScopeChangePct, 0.001)
	})

	t.Run("zero when everything was created up front", func(t *testing.T) {
		m := Calculate(makeEpic(
			issueCreatedAt("T-1", 20),
			issueCreatedAt("T-2", 18),
		), testNow)

		require.NotNil(t, m.ScopeChangePct)
		assert.Zero(t, *m.ScopeChangePct)
	})

	t.Run("nil for a single issue", func(t *testing.T) {
		m := Calculate(makeEpic(issueCreatedAt("T-1", 20)), testNow)
		assert.Nil(t, m.ScopeChangePct)
	})

	t.Run("nil when fewer than two issues are dated", func(t *testing.T) {
		dated := issueCreatedAt("T-1", 20)
		undated := makeIssue("T-2", models.StatusCategoryToDo, fptr(3))
		undated.Created = nil

		m := Calculate(makeEpic(dated, undated), testNow)

		assert.Nil(t, m.ScopeChangePct)
	})
}

func TestCalculate_Forecast(t *testing.T) {
	t.Run("projects remaining points at current velocity", func(t *testing.T) {
		done := makeIssue("T-1", models.StatusCategoryDone, fptr(8))
		done.Resolved = tptr(testNow.Add(-7 * 24 * time.Hour))
		todo := makeIssue("T-2", models.StatusCategoryToDo, fptr(8))

		m := Calculate(makeEpic(done, todo), testNow)

		// velocity 2 SP/wk, 8 SP remaining: four weeks out
		require.NotNil(t, m.ForecastDate)
		want := time.Date(2025, 7, 13, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, want, *m.ForecastDate)
	})

	t.Run("nil without velocity", func(t *testing.T) {
		todo := makeIssue("T-1", models.StatusCategoryToDo, fptr(8))

		m := Calculate(makeEpic(todo), testNow)

		assert.Nil(t, m.ForecastDate)
	})

	t.Run("nil when nothing remains", func(t *testing.T) {
		done := makeIssue("T-1", models.StatusCategoryDone, fptr(8))
		done.Resolved = tptr(testNow.Add(-7 * 24 * time.Hour))

		m := Calculate(makeEpic(done), testNow)

		assert.Nil(t, m.ForecastDate)
	})
}

func TestCalculate_TimeSeries(t *testing.T) {
	t.Run("spans earliest creation through today with aligned arrays", func(t *testing.T) {
		done := makeIssue("T-1", models.StatusCategoryDone, fptr(3))
		done.Created = tptr(testNow.Add(-5 * 24 * time.Hour))
		done.Resolved = tptr(testNow.Add(-2 * 24 * time.Hour))
		todo := makeIssue("T-2", models.StatusCategoryToDo, fptr(5))
		todo.Created = tptr(testNow.Add(-3 * 24 * time.Hour))

		m := Calculate(makeEpic(done, todo), testNow)

		require.Len(t, m.Dates, 6)
		assert.Equal(t, time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), m.Dates[0])
		assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), m.Dates[len(m.Dates)-1])
		assert.Len(t, m.TotalSPOverTime, len(m.Dates))
		assert.Len(t, m.CompletedSPOverTime, len(m.Dates))
		assert.Len(t, m.CumulativeIssues, len(m.Dates))
		assert.Len(t, m.CumulativeUnestimated, len(m.Dates))

		last := len(m.Dates) - 1
		assert.Equal(t, 8.0, m.TotalSPOverTime[last])
		assert.Equal(t, 3.0, m.CompletedSPOverTime[last])
		assert.Equal(t, 2, m.CumulativeIssues[last])
		assert.Zero(t, m.CumulativeUnestimated[last])
	})

	t.Run("cumulative counts never decrease", func(t *testing.T) {
		a := makeIssue("T-1", models.StatusCategoryDone, fptr(3))
		a.Created = tptr(testNow.Add(-12 * 24 * time.Hour))
		a.Resolved = tptr(testNow.Add(-4 * 24 * time.Hour))
		b := makeIssue("T-2", models.StatusCategoryToDo, nil)
		b.Created = tptr(testNow.Add(-6 * 24 * time.Hour))
		c := makeIssue("T-3", models.StatusCategoryInProgress, fptr(8))
		c.Created = tptr(testNow.Add(-2 * 24 * time.Hour))

		m := Calculate(makeEpic(a, b, c), testNow)

		require.NotEmpty(t, m.Dates)
		for i := 1; i < len(m.Dates); i++ {
			assert.GreaterOrEqual(t, m.CumulativeIssues[i], m.CumulativeIssues[i-1])
			assert.GreaterOrEqual(t, m.CumulativeUnestimated[i], m.CumulativeUnestimated[i-1])
			assert.GreaterOrEqual(t, m.TotalSPOverTime[i], m.TotalSPOverTime[i-1])
			assert.True(t, m.Dates[i].After(m.Dates[i-1]))
		}
	})

	t.Run("empty when no issue has a creation date", func(t *testing.T) {
		undated := makeIssue("T-1", models.StatusCategoryToDo, fptr(3))
		undated.Created = nil

		m := Calculate(makeEpic(undated), testNow)

		assert.Empty(t, m.Dates)
	})

	t.Run("empty when the earliest issue was created today", func(t *testing.T) {
		fresh := makeIssue("T-1", models.StatusCategoryToDo, fptr(3))
		fresh.Created = tptr(testNow)

		m := Calculate(makeEpic(fresh), testNow)

		assert.Empty(t, m.Dates)
	})
}
