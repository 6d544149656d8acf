package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/company-search/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(42 * time.Second)
	runs := []model.SearchRun{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			Query:        "commercial hvac contractors in ohio with fleet vehicles",
			Status:       model.RunStatusCompleted,
			DesiredCount: 10,
			ResultCount:  8,
			CostUSD:      0.1234,
			CreatedAt:    now,
			CompletedAt:  &done,
		},
		{
			ID:           "def12345-6789-0000-0000-000000000000",
			Query:        "dentists",
			Status:       model.RunStatusProcessing,
			DesiredCount: 5,
			CreatedAt:    now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "QUERY")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "commercial hvac contractors...")
	assert.Contains(t, output, "8/10")
	assert.Contains(t, output, "$0.1234")
	assert.Contains(t, output, "42s")
	assert.Contains(t, output, "processing")
	assert.Contains(t, output, "2025-06-15 10:30")
}

func TestComputeRunStats(t *testing.T) {
	now := time.Now()
	done := now.Add(10 * time.Second)
	runs := []model.SearchRun{
		{Status: model.RunStatusCompleted, DesiredCount: 10, ResultCount: 10, CostUSD: 0.5, CreatedAt: now, CompletedAt: &done},
		{Status: model.RunStatusCompleted, DesiredCount: 10, ResultCount: 4, CostUSD: 0.25, CreatedAt: now, CompletedAt: &done},
		{Status: model.RunStatusFailed, DesiredCount: 10, CostUSD: 0.05, CreatedAt: now, CompletedAt: &done},
		{Status: model.RunStatusProcessing, DesiredCount: 10, CreatedAt: now},
	}

	s := computeRunStats(runs)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.Short)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Processing)
	assert.Equal(t, 14, s.Companies)
	assert.InDelta(t, 0.8, s.CostUSD, 1e-9)
	assert.InDelta(t, 10.0, s.AvgDurSecs, 1e-9)

	var buf bytes.Buffer
	formatRunStats(&buf, s)
	assert.Contains(t, buf.String(), "Short of target:")
	assert.Contains(t, buf.String(), "Avg duration:")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
