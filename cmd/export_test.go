package main

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/company-search/internal/company"
)

func exportFixture() []company.RunResult {
	return []company.RunResult{
		{
			Company: company.CompanyRecord{
				ID: 1, Name: "Acme HVAC", Domain: "acmehvac.com", Industry: "HVAC",
				Location: "Columbus, OH", Sources: []string{"claude", "places"}, QualityScore: 80,
			},
			Source:     "claude",
			MatchScore: 0.8,
		},
		{
			Company:    company.CompanyRecord{ID: 2, Name: "Beta, Inc.", Sources: []string{"jina"}, QualityScore: 55},
			Source:     "jina",
			MatchScore: 0.55,
		},
	}
}

func TestWriteResultsCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResultsCSV(&buf, exportFixture()))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "Acme HVAC", rows[1][1])
	assert.Equal(t, "claude;places", rows[1][9])
	assert.Equal(t, "0.80", rows[1][12])
	assert.Equal(t, "Beta, Inc.", rows[2][1])
}

func TestWriteResultsXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResultsXLSX(&buf, exportFixture()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	sheet, ok := f.Sheet["companies"]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)
	assert.Equal(t, "name", sheet.Rows[0].Cells[1].String())
	assert.Equal(t, "Acme HVAC", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "acmehvac.com", sheet.Rows[1].Cells[2].String())

	score, err := sheet.Rows[2].Cells[10].Int()
	require.NoError(t, err)
	assert.Equal(t, 55, score)
}

func TestWriteResultsCSV_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResultsCSV(&buf, nil))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
