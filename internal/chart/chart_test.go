package chart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stronautt/epic-report-generator/internal/models"
)

var pngMagic = []byte("\x89PNG")

func makeMetrics(days int) models.EpicMetrics {
	m := models.NewEpicMetrics()
	m.TotalIssues = 5
	m.CompletedIssues = 3
	m.OpenIssues = 2
	m.UnestimatedIssues = 1
	m.TotalSP = 20
	m.CompletedSP = 12
	m.RemainingSP = 8
	m.Progress = 60

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		m.Dates = append(m.Dates, start.AddDate(0, 0, i))
		m.TotalSPOverTime = append(m.TotalSPOverTime, float64(i+10))
		m.CompletedSPOverTime = append(m.CompletedSPOverTime, float64(i))
		m.CumulativeIssues = append(m.CumulativeIssues, i+1)
		m.CumulativeUnestimated = append(m.CumulativeUnestimated, 1)
	}
	return m
}

func TestRender(t *testing.T) {
	t.Run("returns PNG bytes", func(t *testing.T) {
		data, err := Render(makeMetrics(10), DefaultDPI, false)

		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, pngMagic, data[:4])
	})

	t.Run("returns nil for empty metrics", func(t *testing.T) {
		data, err := Render(models.NewEpicMetrics(), DefaultDPI, false)

		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("dark mode produces PNG", func(t *testing.T) {
		data, err := Render(makeMetrics(10), DefaultDPI, true)

		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, pngMagic, data[:4])
	})

	t.Run("higher dpi yields a larger payload", func(t *testing.T) {
		lo, err := Render(makeMetrics(10), 72, false)
		require.NoError(t, err)
		hi, err := Render(makeMetrics(10), 200, false)
		require.NoError(t, err)

		assert.Greater(t, len(hi), len(lo))
	})

	t.Run("single day of data still renders", func(t *testing.T) {
		m := models.NewEpicMetrics()
		m.Dates = []time.Time{time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
		m.TotalSPOverTime = []float64{5}
		m.CompletedSPOverTime = []float64{2}
		m.CumulativeIssues = []int{1}
		m.CumulativeUnestimated = []int{0}

		data, err := Render(m, DefaultDPI, false)

		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, pngMagic, data[:4])
	})

	t.Run("range covering a weekend renders", func(t *testing.T) {
		// June 7 2025 is a Saturday; the band path is exercised.
		m := makeMetrics(10)

		data, err := Render(m, 72, false)

		require.NoError(t, err)
		require.NotNil(t, data)
	})

	t.Run("non-positive dpi falls back to the default", func(t *testing.T) {
		data, err := Render(makeMetrics(5), 0, false)

		require.NoError(t, err)
		require.NotNil(t, data)
		assert.Equal(t, pngMagic, data[:4])
	})
}

func TestStepPoints(t *testing.T) {
	d0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d1 := d0.AddDate(0, 0, 1)
	d2 := d0.AddDate(0, 0, 2)

	xs, ys := stepPoints([]time.Time{d0, d1, d2}, []float64{1, 2, 3})

	require.Len(t, xs, 5)
	assert.Equal(t, []float64{1, 1, 2, 2, 3}, ys)
	assert.Equal(t, []time.Time{d0, d1, d1, d2, d2}, xs)
}

func TestWeekendBand(t *testing.T) {
	// June 6 2025 is a Friday.
	friday := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	dates := []time.Time{
		friday,
		friday.AddDate(0, 0, 1), // Saturday
		friday.AddDate(0, 0, 2), // Sunday
		friday.AddDate(0, 0, 3), // Monday
	}

	vals := weekendBand(dates, 10)

	assert.Equal(t, []float64{0, 10, 10, 0}, vals)
}

func TestEnglishDateFormatter(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		expected string
	}{
		{name: "time value", value: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC), expected: "Jan 05"},
		{name: "december", value: time.Date(2025, 12, 25, 0, 0, 0, 0, time.UTC), expected: "Dec 25"},
		{name: "unsupported type", value: "nope", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, englishDateFormatter(tt.value))
		})
	}
}
