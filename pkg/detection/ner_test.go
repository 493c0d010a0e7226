package detection

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/ner"
)

type fakeNerClient struct {
	batches [][]ner.Entity
	err     error
}

func (f *fakeNerClient) Detect(_ context.Context, _ []string) ([][]ner.Entity, error) {
	return f.batches, f.err
}

func TestNerStrategy_ConfidenceIsMeanScoreTimesCoverage(t *testing.T) {
	client := &fakeNerClient{
		batches: [][]ner.Entity{
			{{Text: "John", Type: "PERSON", Score: 0.8}},
			{{Text: "Jane", Type: "PERSON", Score: 0.6}},
			{},
			{},
		},
	}
	s := NewNerStrategy(client)
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{Name: "name"}, sampleOf("John", "Jane", "x", "y"))
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	assert.Equal(t, models.PiiName, candidates[0].PiiType)
	// mean score = (0.8+0.6)/2 = 0.7, coverage = 2/4 = 0.5
	assert.InDelta(t, 0.35, candidates[0].Confidence, 1e-9)
}

func TestNerStrategy_PropagatesClientError(t *testing.T) {
	client := &fakeNerClient{err: errors.New("circuit open")}
	s := NewNerStrategy(client)
	_, err := s.Evaluate(context.Background(), models.ColumnInfo{}, sampleOf("a", "b"))
	assert.Error(t, err)
}

func TestNerStrategy_NoNonNullValuesYieldsNoCandidates(t *testing.T) {
	client := &fakeNerClient{}
	s := NewNerStrategy(client)
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{}, models.SampleData{})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestNerStrategy_UnrecognizedEntityTypeIgnored(t *testing.T) {
	client := &fakeNerClient{
		batches: [][]ner.Entity{{{Text: "x", Type: "MISC", Score: 0.9}}},
	}
	s := NewNerStrategy(client)
	candidates, err := s.Evaluate(context.Background(), models.ColumnInfo{}, sampleOf("x"))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
