package qianalyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/models"
)

func entropyPtr(v float64) *float64 { return &v }

func col(table, name string) models.ColumnInfo {
	return models.ColumnInfo{Table: table, Name: name}
}

func TestPearson_PerfectCorrelation(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	ys := []float64{2, 4, 6, 8, 10}
	assert.InDelta(t, 1.0, pearson(xs, ys), 1e-9)
}

func TestPearson_NoVariance(t *testing.T) {
	xs := []float64{1, 1, 1}
	ys := []float64{1, 2, 3}
	assert.Equal(t, 0.0, pearson(xs, ys))
}

func TestCramersV_PerfectAssociation(t *testing.T) {
	a := []string{"x", "x", "y", "y"}
	b := []string{"p", "p", "q", "q"}
	assert.InDelta(t, 1.0, cramersV(a, b), 1e-6)
}

func TestEligibleColumns_ExcludesPiiAndKeysAndLowCardinality(t *testing.T) {
	piiCol := col("users", "ssn")
	pkCol := models.ColumnInfo{Table: "users", Name: "id", PrimaryKey: true}
	lowCardCol := col("users", "flag")

	results := []models.DetectionResult{
		{Column: piiCol, HasPii: true},
		{Column: pkCol},
		{Column: lowCardCol},
	}
	sampleData := map[string]models.SampleData{
		piiCol.Key():     {Column: piiCol, Status: models.SampleStatusOK, TotalRows: 100, DistinctCount: 50},
		pkCol.Key():      {Column: pkCol, Status: models.SampleStatusOK, TotalRows: 100, DistinctCount: 100},
		lowCardCol.Key(): {Column: lowCardCol, Status: models.SampleStatusOK, TotalRows: 100, DistinctCount: 2},
	}

	eligible := eligibleColumns(results, sampleData, withQIDefaults(models.QIConfig{}))
	assert.Empty(t, eligible)
}

func TestAnalyze_GraphGroupsCorrelatedColumns(t *testing.T) {
	zip := col("users", "zip")
	city := col("users", "city")
	detectionResults := []models.DetectionResult{
		{Column: zip},
		{Column: city},
	}
	sampleData := map[string]models.SampleData{
		zip.Key(): {
			Column: zip, TotalRows: 100, DistinctCount: 10, Status: models.SampleStatusOK,
			Entropy: entropyPtr(2.5),
			Values:  repeatPairs(),
		},
		city.Key(): {
			Column: city, TotalRows: 100, DistinctCount: 10, Status: models.SampleStatusOK,
			Entropy: entropyPtr(2.5),
			Values:  repeatPairs(),
		},
	}

	cfg := models.QIConfig{Enabled: true, CorrelationThreshold: 0.5, MinDistinctValues: 2, MaxDistinctValueRatio: 0.9, MinGroupSize: 2, MaxGroupSize: 8, KAnonymityThreshold: 5, RiskThreshold: 0.01}
	groups := Analyze(detectionResults, sampleData, cfg)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Columns, 2)
	assert.True(t, detectionResults[0].IsQuasiIdentifier)
	assert.True(t, detectionResults[1].IsQuasiIdentifier)
}

func TestAnalyze_DisabledReturnsNil(t *testing.T) {
	groups := Analyze(nil, nil, models.QIConfig{Enabled: false})
	assert.Nil(t, groups)
}

// repeatPairs returns 10 distinct string values repeated 10 times each so
// two columns built from it are perfectly correlated categorical values.
func repeatPairs() []any {
	values := make([]any, 0, 100)
	labels := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, l := range labels {
		for i := 0; i < 10; i++ {
			values = append(values, l)
		}
	}
	return values
}
