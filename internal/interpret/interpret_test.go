package interpret

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/company-search/pkg/anthropic"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 400, OutputTokens: 100},
	}
}

func TestInterpret_StructuredProfile(t *testing.T) {
	ai := &mockAnthropicClient{}
	ai.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == anthropic.DefaultModel && len(req.Messages) == 1
	})).Return(textResponse("Here you go:\n```json\n"+`{
		"industries": ["Artificial Intelligence", "artificial intelligence"],
		"locations": ["Berlin"],
		"keywords": ["startup"],
		"description": "Early-stage AI companies based in Berlin",
		"query_variants": ["Berlin AI startups", "AI startups in Berlin", "machine learning companies Berlin"]
	}`+"\n```"), nil)

	out := New(ai, nil, Options{}).Interpret(context.Background(), "AI startups in Berlin")

	assert.False(t, out.Fallback)
	assert.Equal(t, []string{"Artificial Intelligence"}, out.Profile.Industries)
	assert.Equal(t, []string{"Berlin"}, out.Profile.Locations)
	assert.Equal(t, []string{
		"AI startups in Berlin",
		"Berlin AI startups",
		"machine learning companies Berlin",
	}, out.Variants)
	assert.Equal(t, 400, out.Usage.InputTokens)
	assert.Equal(t, 1, out.Usage.Calls)
	assert.Greater(t, out.Usage.Cost, 0.0)
	ai.AssertExpectations(t)
}

func TestInterpret_ProviderErrorFallsBack(t *testing.T) {
	ai := &mockAnthropicClient{}
	ai.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("overloaded"))

	out := New(ai, nil, Options{}).Interpret(context.Background(), "  fintech in Lisbon ")

	assert.True(t, out.Fallback)
	assert.Equal(t, []string{"fintech in Lisbon"}, out.Profile.Keywords)
	assert.Equal(t, "fintech in Lisbon", out.Profile.Description)
	assert.Equal(t, []string{"fintech in Lisbon"}, out.Variants)
	assert.Zero(t, out.Usage.Cost)
}

func TestInterpret_UnusableResponseFallsBackButKeepsUsage(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"prose", "I could not understand that request."},
		{"malformed", `{"industries": [`},
		{"empty profile", `{"industries": [], "query_variants": ["x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &mockAnthropicClient{}
			ai.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse(tt.text), nil)

			out := New(ai, nil, Options{}).Interpret(context.Background(), "dental clinics")
			assert.True(t, out.Fallback)
			assert.Equal(t, []string{"dental clinics"}, out.Variants)
			assert.Equal(t, 1, out.Usage.Calls)
		})
	}
}

func TestInterpret_NilClient(t *testing.T) {
	out := New(nil, nil, Options{}).Interpret(context.Background(), "solar installers")
	require.True(t, out.Fallback)
	assert.False(t, out.Profile.IsEmpty())
}

func TestVariants(t *testing.T) {
	got := Variants("raw query", []string{"", "RAW  query", "a", "b", "c", "d", "e", "f"})
	assert.Equal(t, []string{"raw query", "a", "b", "c", "d", "e"}, got)
	assert.Len(t, got, MaxVariants)
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, cleanJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, cleanJSON("Sure! {\"a\":1} Hope that helps."))
	assert.Empty(t, cleanJSON("no json here"))
}
