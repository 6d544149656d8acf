package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"acme.com", "acme.com"},
		{"ACME.com", "acme.com"},
		{"https://www.acme.com/about", "acme.com"},
		{"http://acme.com:8080", "acme.com"},
		{"www.acme.io.", "acme.io"},
		{"  ", ""},
		{"localhost", ""},
		{"not a domain", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDomain(tt.in))
		})
	}
}

func TestCandidateKey(t *testing.T) {
	assert.Equal(t, "domain:acme.com", CandidateCompany{Name: "Acme", Domain: "www.Acme.com"}.Key())
	assert.Equal(t, "domain:acme.com", CandidateCompany{Name: "Acme", Website: "https://acme.com/x"}.Key())
	assert.Equal(t, "name:acme inc", CandidateCompany{Name: "  Acme Inc "}.Key())
}

func TestTokenUsage_AddAndShare(t *testing.T) {
	var total TokenUsage
	total.Add(TokenUsage{InputTokens: 100, OutputTokens: 40, Calls: 1, Cost: 0.02})
	total.Add(TokenUsage{InputTokens: 50, OutputTokens: 10, Calls: 1, Cost: 0.01})

	assert.Equal(t, 150, total.InputTokens)
	assert.Equal(t, 2, total.Calls)
	assert.InDelta(t, 0.03, total.Cost, 1e-9)

	share := total.Share(3)
	assert.Equal(t, 50, share.InputTokens)
	assert.InDelta(t, 0.01, share.Cost, 1e-9)
	assert.Equal(t, TokenUsage{}, total.Share(0))
}

func TestTargetProfile(t *testing.T) {
	assert.True(t, TargetProfile{}.IsEmpty())
	assert.True(t, TargetProfile{Description: "  "}.IsEmpty())

	p := TargetProfile{Industries: []string{"AI"}, Locations: []string{"Berlin"}, Description: "AI startups"}
	assert.False(t, p.IsEmpty())
	assert.Equal(t, "Industries: AI\nLocations: Berlin\nDescription: AI startups", p.Summary())
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunStatusProcessing.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
}
