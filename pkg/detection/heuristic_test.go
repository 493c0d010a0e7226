package detection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/models"
)

func TestHeuristicStrategy_CompositeNameExactTokenMatch(t *testing.T) {
	s := NewHeuristicStrategy()
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "email_address"}, models.SampleData{})
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	byType := make(map[models.PiiType]models.PiiCandidate)
	for _, c := range candidates {
		byType[c.PiiType] = c
	}

	email, ok := byType[models.PiiEmail]
	require.True(t, ok)
	assert.InDelta(t, 0.9, email.Confidence, 1e-9)

	addr, ok := byType[models.PiiAddress]
	require.True(t, ok)
	assert.InDelta(t, 0.75, addr.Confidence, 1e-9)
}

func TestHeuristicStrategy_ExactSingleWordName(t *testing.T) {
	s := NewHeuristicStrategy()
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "email"}, models.SampleData{})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, models.PiiEmail, candidates[0].PiiType)
	assert.InDelta(t, 0.9, candidates[0].Confidence, 1e-9)
}

func TestHeuristicStrategy_SubstringWithoutTokenBoundaryScoresLower(t *testing.T) {
	s := NewHeuristicStrategy()
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "freemail"}, models.SampleData{})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, models.PiiEmail, candidates[0].PiiType)
	assert.InDelta(t, 0.9*multiplierSubstringName, candidates[0].Confidence, 1e-9)
}

func TestHeuristicStrategy_MultiWordKeywordTokenMatch(t *testing.T) {
	s := NewHeuristicStrategy()
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "social_security_number"}, models.SampleData{})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, models.PiiSSN, candidates[0].PiiType)
	assert.InDelta(t, 0.95, candidates[0].Confidence, 1e-9)
}

func TestHeuristicStrategy_CommentOnlyMatch(t *testing.T) {
	s := NewHeuristicStrategy()
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "val", Comment: "stores the customer phone"}, models.SampleData{})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, models.PiiPhone, candidates[0].PiiType)
	assert.InDelta(t, 0.8*multiplierCommentToken, candidates[0].Confidence, 1e-9)
}

func TestHeuristicStrategy_NoMatchYieldsNoCandidates(t *testing.T) {
	s := NewHeuristicStrategy()
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "total_amount"}, models.SampleData{})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestHasTokenMatch_ContiguousSubsequenceOnly(t *testing.T) {
	assert.True(t, hasTokenMatch([]string{"email", "address"}, "email"))
	assert.True(t, hasTokenMatch([]string{"social", "security", "number"}, "social_security"))
	assert.False(t, hasTokenMatch([]string{"security", "social", "number"}, "social_security"))
	assert.False(t, hasTokenMatch([]string{"emailaddress"}, "email"))
}
