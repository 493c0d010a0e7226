package sampling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/models"
)

type fakeReader struct {
	values map[string][]any
	err    map[string]error
}

func (f *fakeReader) ReadSample(ctx context.Context, col models.ColumnInfo, cfg models.SamplingConfig) ([]any, int64, error) {
	if err, ok := f.err[col.Key()]; ok {
		return nil, 0, err
	}
	vals := f.values[col.Key()]
	return vals, int64(len(vals)), nil
}

func col(name string) models.ColumnInfo {
	return models.ColumnInfo{Schema: "public", Table: "users", Name: name}
}

func TestSample_ReturnsEntryForEveryColumn(t *testing.T) {
	reader := &fakeReader{
		values: map[string][]any{
			"public.users.a": {"x", "y", nil},
			"public.users.b": {"z"},
		},
	}
	s := New(reader, nil)
	results := s.Sample(context.Background(), []models.ColumnInfo{col("a"), col("b")}, models.SamplingConfig{SampleSize: 10, MaxConcurrentQueries: 2})

	require.Len(t, results, 2)
	assert.Equal(t, models.SampleStatusOK, results["public.users.a"].Status)
	assert.EqualValues(t, 1, results["public.users.a"].NullCount)
	assert.Equal(t, models.SampleStatusOK, results["public.users.b"].Status)
}

func TestSample_FailedColumnIsolated(t *testing.T) {
	reader := &fakeReader{
		values: map[string][]any{"public.users.a": {"x"}},
		err:    map[string]error{"public.users.b": apperrors.New(apperrors.KindSampling, "boom")},
	}
	s := New(reader, nil)
	results := s.Sample(context.Background(), []models.ColumnInfo{col("a"), col("b")}, models.SamplingConfig{SampleSize: 10, MaxConcurrentQueries: 2})

	require.Len(t, results, 2)
	assert.Equal(t, models.SampleStatusOK, results["public.users.a"].Status)
	assert.Equal(t, models.SampleStatusFailed, results["public.users.b"].Status)
	assert.NotEmpty(t, results["public.users.b"].Message)
}

func TestShannonEntropy_EmptyAndSingleton(t *testing.T) {
	assert.Equal(t, 0.0, shannonEntropy(nil))
	assert.Equal(t, 0.0, shannonEntropy([]any{"a", "a", "a"}))
}

func TestShannonEntropy_EquiprobableDistinctValues(t *testing.T) {
	values := []any{"a", "b", "c", "d"}
	// log2(4) = 2
	assert.InDelta(t, 2.0, shannonEntropy(values), 1e-9)
}

func TestDistinctCount(t *testing.T) {
	assert.EqualValues(t, 3, distinctCount([]any{"a", "b", "b", "c"}))
}
