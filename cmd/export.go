package main

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/company-search/internal/company"
)

var exportHeader = []string{
	"id", "name", "domain", "website", "industry", "location",
	"employees", "revenue", "funding", "sources", "quality_score", "source", "match_score",
}

func exportRow(r company.RunResult) []string {
	c := r.Company
	return []string{
		strconv.FormatInt(c.ID, 10),
		c.Name,
		c.Domain,
		c.Website,
		c.Industry,
		c.Location,
		c.EmployeeHint,
		c.RevenueHint,
		c.FundingHint,
		strings.Join(c.Sources, ";"),
		strconv.Itoa(c.QualityScore),
		r.Source,
		strconv.FormatFloat(r.MatchScore, 'f', 2, 64),
	}
}

// writeResultsCSV writes one row per linked company.
func writeResultsCSV(w io.Writer, results []company.RunResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range results {
		if err := cw.Write(exportRow(r)); err != nil {
			return eris.Wrap(err, "export: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// writeResultsXLSX writes the linked companies to a single "companies" sheet.
func writeResultsXLSX(w io.Writer, results []company.RunResult) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("companies")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range exportHeader {
		header.AddCell().SetString(h)
	}
	for _, r := range results {
		row := sheet.AddRow()
		for i, v := range exportRow(r) {
			cell := row.AddCell()
			switch exportHeader[i] {
			case "id":
				cell.SetInt64(r.Company.ID)
			case "quality_score":
				cell.SetInt(r.Company.QualityScore)
			case "match_score":
				cell.SetFloat(r.MatchScore)
			default:
				cell.SetString(v)
			}
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}
