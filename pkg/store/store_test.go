package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/models"
)

// fakeRow implements rowScanner by copying a fixed set of values into the
// Scan destinations in order, the same shape pgx.Row/pgx.Rows present to
// scanJob. Exercising scanJob this way covers its JSON-unmarshal and
// type-conversion logic without a live Postgres connection.
type fakeRow struct {
	values []any
	err    error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.values) {
		return errors.New("fakeRow: dest/value count mismatch")
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *uuid.UUID:
			*ptr = f.values[i].(uuid.UUID)
		case *[]string:
			*ptr = f.values[i].([]string)
		case *string:
			*ptr = f.values[i].(string)
		case *[]byte:
			*ptr = f.values[i].([]byte)
		case **time.Time:
			*ptr = f.values[i].(*time.Time)
		case *int64:
			*ptr = f.values[i].(int64)
		default:
			return errors.New("fakeRow: unsupported destination type")
		}
	}
	return nil
}

func TestScanJob_PopulatesFromRow(t *testing.T) {
	jobID := uuid.New()
	connID := uuid.New()
	started := time.Now()

	row := fakeRow{values: []any{
		jobID, connID, []string{"public.users"}, "req-123",
		[]byte(`{"SampleSize":100,"Method":"RANDOM","EntropyCalculation":false}`),
		[]byte(`{"HeuristicThreshold":0.7,"RegexThreshold":0.8,"NERThreshold":0.3,"ReportingThreshold":0.5,"StopPipelineOnHighConfidence":true,"MaxConcurrentColumns":5}`),
		[]byte(`{"Enabled":true,"CorrelationThreshold":0.7,"MinDistinctValues":5,"MaxDistinctValueRatio":0.8,"MinGroupSize":2,"MaxGroupSize":8,"KAnonymityThreshold":5,"RiskThreshold":0.7,"Algorithm":"GRAPH"}`),
		"COMPLETED", &started, (*time.Time)(nil),
		int64(42), int64(3), "",
	}}

	job, err := scanJob(row)
	require.NoError(t, err)

	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, connID, job.ConnectionID)
	assert.Equal(t, []string{"public.users"}, job.TargetTables)
	assert.Equal(t, models.StateCompleted, job.State)
	assert.Equal(t, int64(42), job.Counters.TotalColumnsScanned)
	assert.Equal(t, int64(3), job.Counters.PiiColumnsFound)
	assert.Equal(t, models.SamplingRandom, job.SamplingConfig.Method)
	assert.Equal(t, models.QIAlgorithmGraph, job.QIConfig.Algorithm)
	require.NotNil(t, job.DetectionConfig.StopPipelineOnHighConfidence)
	assert.True(t, *job.DetectionConfig.StopPipelineOnHighConfidence)
}

func TestScanJob_PropagatesScanError(t *testing.T) {
	row := fakeRow{err: errors.New("boom")}
	_, err := scanJob(row)
	assert.EqualError(t, err, "boom")
}

func TestScanJob_PropagatesMalformedConfigJSON(t *testing.T) {
	jobID := uuid.New()
	connID := uuid.New()
	started := time.Now()

	row := fakeRow{values: []any{
		jobID, connID, []string{"public.users"}, "req-123",
		[]byte(`not-json`),
		[]byte(`{}`),
		[]byte(`{}`),
		"PENDING", &started, (*time.Time)(nil),
		int64(0), int64(0), "",
	}}

	_, err := scanJob(row)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal sampling config")
}

func TestJobFilter_ZeroValueAppliesNoClauses(t *testing.T) {
	var filter JobFilter
	assert.Equal(t, uuid.Nil, filter.ConnectionID)
	assert.Empty(t, filter.State)
	assert.True(t, filter.Since.IsZero())
	assert.True(t, filter.Until.IsZero())
}

// ListJobs/GetJob/GetReport/CreateJob/UpdateState/SaveFinalResults all
// require a live *pgxpool.Pool and are exercised by integration tests
// against a real Postgres instance rather than here (this exercise has no
// testcontainers-go wiring, see DESIGN.md); scanJob and the filter defaults
// above are the pure-logic seam that doesn't need one.
