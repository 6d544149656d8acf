package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCandidates(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		want  []string
		isErr bool
	}{
		{
			name: "bare array",
			text: `[{"name":"Acme","domain":"acme.com"},{"name":"Globex"}]`,
			want: []string{"Acme", "Globex"},
		},
		{
			name: "fenced with prose",
			text: "Here are some companies:\n```json\n[{\"name\":\"Acme\"}]\n```\nLet me know if you need more.",
			want: []string{"Acme"},
		},
		{
			name: "prose brackets before payload",
			text: `Results [verified] below: [{"company_name":"Initech"}]`,
			want: []string{"Initech"},
		},
		{
			name: "wrapped object",
			text: `{"companies":[{"name":"Acme"},{"name":""},{"domain":"nameless.com"}]}`,
			want: []string{"Acme"},
		},
		{
			name: "single object",
			text: `{"name":"Solo Corp","domain":"solo.io"}`,
			want: []string{"Solo Corp"},
		},
		{
			name:  "no json",
			text:  "I could not find any companies matching that request.",
			isErr: true,
		},
		{
			name: "truncated array salvages first object",
			text: `[{"name":"Acme"},{"name":"Glo`,
			want: []string{"Acme"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCandidates(tt.text, "claude")
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var names []string
			for _, c := range got {
				names = append(names, c.Name)
				assert.Equal(t, "claude", c.Source)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestParseCandidates_FlexibleFields(t *testing.T) {
	got, err := ParseCandidates(`[
		{"name":"Acme","website":"https://acme.com","employees":250,"revenue":"$10M","confidence":"85%","headquarters":"Berlin, Germany"},
		{"name":"Globex","confidence":1.7},
		{"name":"Initech","confidence":"high"},
		{"name":"Umbrella","score":0.3,"employee_count":"51-200"}
	]`, "perplexity")
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.Equal(t, "https://acme.com", got[0].Website)
	assert.Equal(t, "250", got[0].Employees)
	assert.Equal(t, "$10M", got[0].Revenue)
	assert.Equal(t, "Berlin, Germany", got[0].Location)
	assert.InDelta(t, 0.85, got[0].Confidence, 1e-9)

	assert.InDelta(t, 0.017, got[1].Confidence, 1e-9)
	assert.InDelta(t, DefaultConfidence, got[2].Confidence, 1e-9)
	assert.InDelta(t, 0.3, got[3].Confidence, 1e-9)
	assert.Equal(t, "51-200", got[3].Employees)
}
