package detection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/models"
)

func boolPtr(v bool) *bool { return &v }

type fakeStrategy struct {
	method     models.DetectionMethod
	candidates []models.PiiCandidate
	err        error
	calls      int
}

func (f *fakeStrategy) Method() models.DetectionMethod { return f.method }
func (f *fakeStrategy) Evaluate(_ context.Context, _ models.ColumnInfo, _ models.SampleData) ([]models.PiiCandidate, error) {
	f.calls++
	return f.candidates, f.err
}

func TestPipeline_HeuristicShortCircuitSkipsRegexAndNer(t *testing.T) {
	heuristic := &fakeStrategy{method: models.MethodHeuristic, candidates: []models.PiiCandidate{
		{PiiType: models.PiiSSN, Confidence: 0.95, Method: models.MethodHeuristic},
	}}
	regex := &fakeStrategy{method: models.MethodRegex}
	nerStrat := &fakeStrategy{method: models.MethodNER}

	p := NewPipeline(heuristic, regex, nerStrat, nil)
	results := p.Detect(context.Background(), map[string]models.SampleData{
		"a.b.c": {Column: models.ColumnInfo{Schema: "a", Table: "b", Name: "c"}},
	}, models.DetectionConfig{StopPipelineOnHighConfidence: boolPtr(true)})

	require.Len(t, results, 1)
	assert.True(t, results[0].HasPii)
	assert.Equal(t, models.PiiSSN, results[0].WinningType)
	assert.Equal(t, 0, regex.calls)
	assert.Equal(t, 0, nerStrat.calls)
}

func TestPipeline_FailedSampleShortCircuitsToNoPii(t *testing.T) {
	heuristic := &fakeStrategy{method: models.MethodHeuristic}
	regex := &fakeStrategy{method: models.MethodRegex}
	p := NewPipeline(heuristic, regex, nil, nil)

	results := p.Detect(context.Background(), map[string]models.SampleData{
		"a.b.c": {Column: models.ColumnInfo{Table: "b", Name: "c"}, Status: models.SampleStatusFailed},
	}, models.DetectionConfig{})

	require.Len(t, results, 1)
	assert.False(t, results[0].HasPii)
	assert.Empty(t, results[0].Candidates)
	assert.Equal(t, 0, heuristic.calls)
}

func TestPipeline_WinnerTieBreakPrefersRegexOverHeuristic(t *testing.T) {
	heuristic := &fakeStrategy{method: models.MethodHeuristic, candidates: []models.PiiCandidate{
		{PiiType: models.PiiAddress, Confidence: 0.6, Method: models.MethodHeuristic},
	}}
	regex := &fakeStrategy{method: models.MethodRegex, candidates: []models.PiiCandidate{
		{PiiType: models.PiiEmail, Confidence: 0.6, Method: models.MethodRegex},
	}}
	p := NewPipeline(heuristic, regex, nil, nil)

	results := p.Detect(context.Background(), map[string]models.SampleData{
		"a.b.c": {Column: models.ColumnInfo{Table: "b", Name: "c"}},
	}, models.DetectionConfig{HeuristicThreshold: 0.99, RegexThreshold: 0.99, StopPipelineOnHighConfidence: boolPtr(true)})

	require.Len(t, results, 1)
	assert.True(t, results[0].HasPii)
	assert.Len(t, results[0].Candidates, 2)
	assert.Equal(t, models.PiiEmail, results[0].WinningType)
}

func TestPipeline_BelowReportingThresholdYieldsNoPiiButKeepsCandidates(t *testing.T) {
	heuristic := &fakeStrategy{method: models.MethodHeuristic, candidates: []models.PiiCandidate{
		{PiiType: models.PiiAddress, Confidence: 0.4, Method: models.MethodHeuristic},
	}}
	regex := &fakeStrategy{method: models.MethodRegex}
	p := NewPipeline(heuristic, regex, nil, nil)

	results := p.Detect(context.Background(), map[string]models.SampleData{
		"a.b.c": {Column: models.ColumnInfo{Table: "b", Name: "c"}},
	}, models.DetectionConfig{ReportingThreshold: 0.5})

	require.Len(t, results, 1)
	assert.False(t, results[0].HasPii)
	assert.Equal(t, models.PiiUnknown, results[0].WinningType)
	assert.Len(t, results[0].Candidates, 1)
}

func TestPipeline_ResultsSortedByTableThenColumn(t *testing.T) {
	heuristic := &fakeStrategy{method: models.MethodHeuristic}
	regex := &fakeStrategy{method: models.MethodRegex}
	p := NewPipeline(heuristic, regex, nil, nil)

	results := p.Detect(context.Background(), map[string]models.SampleData{
		"x.users.z_col": {Column: models.ColumnInfo{Table: "users", Name: "z_col"}},
		"x.users.a_col": {Column: models.ColumnInfo{Table: "users", Name: "a_col"}},
		"x.accounts.b":  {Column: models.ColumnInfo{Table: "accounts", Name: "b"}},
	}, models.DetectionConfig{})

	require.Len(t, results, 3)
	assert.Equal(t, "accounts", results[0].Column.Table)
	assert.Equal(t, "users", results[1].Column.Table)
	assert.Equal(t, "a_col", results[1].Column.Name)
	assert.Equal(t, "z_col", results[2].Column.Name)
}
