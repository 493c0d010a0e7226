package detection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/models"
)

func sampleOf(values ...any) models.SampleData {
	return models.SampleData{Values: values}
}

func TestRegexStrategy_CreditCardWithLuhn(t *testing.T) {
	s := NewRegexStrategy()
	sample := sampleOf(
		"4111 1111 1111 1111",
		"4111-1111-1111-1111",
		"hello",
		"1234-5678-9012-3456",
		"5500 0000 0000 0004",
	)
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "card"}, sample)
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	cc := candidates[0]
	assert.Equal(t, models.PiiCreditCard, cc.PiiType)
	assert.InDelta(t, 0.9*0.6, cc.Confidence, 1e-9)
}

func TestRegexStrategy_FewerThanFiveValuesYieldsNoCandidates(t *testing.T) {
	s := NewRegexStrategy()
	sample := sampleOf("a@b.com", "c@d.com")
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{}, sample)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestLuhnValid_KnownGoodAndBad(t *testing.T) {
	assert.True(t, luhnValid("4111111111111111"))
	assert.False(t, luhnValid("1234567890123456"))
}

func TestValidSSN_ExcludesInvalidRanges(t *testing.T) {
	assert.False(t, validSSN("000-12-3456"))
	assert.False(t, validSSN("666-12-3456"))
	assert.False(t, validSSN("901-12-3456"))
	assert.True(t, validSSN("123-45-6789"))
}

func TestRegexStrategy_EmailMajority(t *testing.T) {
	s := NewRegexStrategy()
	sample := sampleOf("a@b.com", "c@d.com", "e@f.com", "g@h.com", "not-an-email")
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{}, sample)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, models.PiiEmail, candidates[0].PiiType)
}
