// Package model defines the shared types that flow through a company search run.
package model

import (
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a search run.
type RunStatus string

const (
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// SearchRun is one invocation of the search pipeline for one query.
type SearchRun struct {
	ID           string     `json:"id" db:"id"`
	AccountID    string     `json:"account_id" db:"account_id"`
	Query        string     `json:"query" db:"query"`
	DesiredCount int        `json:"desired_count" db:"desired_count"`
	Status       RunStatus  `json:"status" db:"status"`
	ResultCount  int        `json:"result_count" db:"result_count"`
	CostUSD      float64    `json:"cost_usd" db:"cost_usd"`
	Error        string     `json:"error,omitempty" db:"error"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// TargetProfile is the structured form of a free-text query.
type TargetProfile struct {
	Industries    []string `json:"industries,omitempty"`
	Locations     []string `json:"locations,omitempty"`
	CompanySizes  []string `json:"company_sizes,omitempty"`
	Technologies  []string `json:"technologies,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	FundingStages []string `json:"funding_stages,omitempty"`
	Description   string   `json:"description,omitempty"`
}

// IsEmpty reports whether the profile carries no usable criterion.
func (p TargetProfile) IsEmpty() bool {
	return len(p.Industries) == 0 &&
		len(p.Locations) == 0 &&
		len(p.CompanySizes) == 0 &&
		len(p.Technologies) == 0 &&
		len(p.Keywords) == 0 &&
		len(p.FundingStages) == 0 &&
		strings.TrimSpace(p.Description) == ""
}

// Summary renders the profile as compact prompt text.
func (p TargetProfile) Summary() string {
	var b strings.Builder
	line := func(label string, vals []string) {
		if len(vals) == 0 {
			return
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(strings.Join(vals, ", "))
		b.WriteString("\n")
	}
	line("Industries", p.Industries)
	line("Locations", p.Locations)
	line("Company sizes", p.CompanySizes)
	line("Technologies", p.Technologies)
	line("Keywords", p.Keywords)
	line("Funding stages", p.FundingStages)
	if p.Description != "" {
		b.WriteString("Description: ")
		b.WriteString(p.Description)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// WorkerState is the lifecycle state of a worker inside one run.
type WorkerState string

const (
	WorkerPending   WorkerState = "pending"
	WorkerRunning   WorkerState = "running"
	WorkerCompleted WorkerState = "completed"
	WorkerFailed    WorkerState = "failed"
)

// WorkerStatus tracks one worker for the lifetime of a run.
type WorkerStatus struct {
	Name           string      `json:"name"`
	State          WorkerState `json:"state"`
	CompaniesFound int         `json:"companies_found"`
	Error          string      `json:"error,omitempty"`
}
