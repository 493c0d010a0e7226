// Package postgres implements the Sampler's ColumnReader for PostgreSQL,
// grounded on the existing postgres adapter's identifier-quoting
// convention (pgx.Identifier.Sanitize) from
// pkg/adapters/datasource/postgres/schema.go's qualifiedTableName helper.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/models"
	privsql "github.com/privsense/engine/pkg/sql"
)

// Reader implements sampling.ColumnReader against a *pgxpool.Pool. Logger is
// optional; a nil Logger discards the sanitized, truncated query it would
// otherwise emit at debug level before every sample read.
type Reader struct {
	Pool   *pgxpool.Pool
	Logger *zap.Logger
}

func (r *Reader) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func qualifiedTable(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// checkIdentifiers is a belt-and-suspenders check alongside pgx.Identifier's
// quoting: schema/table/column names originate from information_schema, but
// are still interpolated into query text rather than bound as parameters,
// so they're run through the same SQLi fingerprinting used at the sampler's
// external-facing boundaries.
func checkIdentifiers(col models.ColumnInfo) error {
	for name, value := range map[string]any{"schema": col.Schema, "table": col.Table, "column": col.Name} {
		if result := privsql.CheckParameterForInjection(name, value); result != nil {
			return apperrors.New(apperrors.KindSampling, fmt.Sprintf("identifier %q rejected: sqli pattern %s", name, result.Fingerprint))
		}
	}
	return nil
}

func (r *Reader) ReadSample(ctx context.Context, col models.ColumnInfo, cfg models.SamplingConfig) ([]any, int64, error) {
	if err := checkIdentifiers(col); err != nil {
		return nil, 0, err
	}

	tableRef := qualifiedTable(col.Schema, col.Table)
	colRef := pgx.Identifier{col.Name}.Sanitize()

	var query string
	switch cfg.Method {
	case models.SamplingSystematic:
		query = fmt.Sprintf(`SELECT %s FROM %s TABLESAMPLE SYSTEM (10) LIMIT $1`, colRef, tableRef)
	case models.SamplingStratified:
		// A representative stratified draw without a stratification key is
		// approximated with a random ordering, same as RANDOM; a caller
		// wanting true stratification supplies its own column-aware config
		// upstream of the Sampler (out of scope for the dialect reader).
		fallthrough
	default:
		query = fmt.Sprintf(`SELECT %s FROM %s ORDER BY random() LIMIT $1`, colRef, tableRef)
	}

	r.logger().Debug("executing sample query", zap.String("query", logging.SanitizeQuery(query)))

	rows, err := r.Pool.Query(ctx, query, cfg.SampleSize)
	if err != nil {
		return nil, 0, fmt.Errorf("sample %s: %w", col.Key(), err)
	}
	defer rows.Close()

	var values []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, 0, fmt.Errorf("scan sample value for %s: %w", col.Key(), err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate samples for %s: %w", col.Key(), err)
	}

	return values, int64(len(values)), nil
}
