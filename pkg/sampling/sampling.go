// Package sampling implements the Sampler (spec §4.3): it draws up to
// sampleSize values per column using a bounded-parallelism worker pool
// against a single connection, and computes null ratio and Shannon entropy.
// The worker pool is a single semaphore-bounded fan-out, since the Sampler
// has only one kind of task (a per-column query).
package sampling

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/models"
)

const defaultQueryTimeout = 10 * time.Second

// ColumnReader draws raw values for one column from a borrowed connection.
// Implementations are dialect-specific (postgres, mssql) and must preserve
// database-returned ordering and include nulls in the returned slice.
type ColumnReader interface {
	ReadSample(ctx context.Context, column models.ColumnInfo, cfg models.SamplingConfig) (values []any, totalRows int64, err error)
}

// Sampler draws samples for many columns concurrently, bounded by
// cfg.MaxConcurrentQueries, against a single connection (§4.3: "per job,
// not global").
type Sampler struct {
	reader ColumnReader
	logger *zap.Logger
}

// New constructs a Sampler backed by a dialect-specific ColumnReader.
func New(reader ColumnReader, logger *zap.Logger) *Sampler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{reader: reader, logger: logger.Named("sampler")}
}

// Sample draws SampleData for every column in columns. The returned map
// always contains an entry for every requested column, even if its task
// failed — a failed column's SampleData has Status=FAILED and a non-empty
// Message, and does not abort the rest of the batch.
func (s *Sampler) Sample(ctx context.Context, columns []models.ColumnInfo, cfg models.SamplingConfig) map[string]models.SampleData {
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 100
	}
	if cfg.MaxConcurrentQueries <= 0 {
		cfg.MaxConcurrentQueries = 5
	}

	results := make(map[string]models.SampleData, len(columns))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentQueries)

	for _, col := range columns {
		col := col
		g.Go(func() error {
			data := s.sampleColumn(gctx, col, cfg)
			mu.Lock()
			results[col.Key()] = data
			mu.Unlock()
			return nil
		})
	}
	// errgroup's inner tasks never return an error (failures are captured
	// per-column in SampleData), so Wait never propagates one; it only
	// blocks until every column task has finished.
	_ = g.Wait()

	return results
}

func (s *Sampler) sampleColumn(ctx context.Context, col models.ColumnInfo, cfg models.SamplingConfig) models.SampleData {
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()

	values, totalRows, err := s.reader.ReadSample(callCtx, col, cfg)
	if err != nil {
		s.logger.Warn("column sample failed",
			zap.String("column", col.Key()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return models.SampleData{Column: col, Status: models.SampleStatusFailed, Message: err.Error()}
	}

	data := models.SampleData{
		Column:    col,
		Values:    values,
		TotalRows: totalRows,
		Status:    models.SampleStatusOK,
	}
	for _, v := range values {
		if v == nil {
			data.NullCount++
		}
	}
	data.DistinctCount = distinctCount(data.NonNullValues())

	if cfg.EntropyCalculation {
		h := shannonEntropy(data.NonNullValues())
		data.Entropy = &h
	}

	return data
}

// shannonEntropy computes H = -Σ pᵢ log₂ pᵢ over the frequency distribution
// of values, rounded to 4 decimal places. H = 0 for empty or singleton-valued
// samples (§4.3).
func shannonEntropy(values []any) float64 {
	if len(values) == 0 {
		return 0
	}
	counts := make(map[any]int, len(values))
	for _, v := range values {
		counts[toComparable(v)]++
	}
	if len(counts) <= 1 {
		return 0
	}

	n := float64(len(values))
	var h float64
	for _, c := range counts {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return math.Round(h*10000) / 10000
}

func distinctCount(values []any) int64 {
	seen := make(map[any]struct{}, len(values))
	for _, v := range values {
		seen[toComparable(v)] = struct{}{}
	}
	return int64(len(seen))
}

// toComparable normalizes a driver-returned value into something usable as
// a map key (byte slices aren't comparable in Go).
func toComparable(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
