// Package mssql implements the Sampler's ColumnReader for SQL Server,
// grounded on the existing mssql adapter's quoteName/
// buildFullyQualifiedName identifier-quoting helpers.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/models"
	privsql "github.com/privsense/engine/pkg/sql"
)

// Reader implements sampling.ColumnReader against a *sql.DB. Logger is
// optional; a nil Logger discards the sanitized, truncated query it would
// otherwise emit at debug level before every sample read.
type Reader struct {
	DB     *sql.DB
	Logger *zap.Logger
}

func (r *Reader) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func quoteName(identifier string) string {
	escaped := strings.ReplaceAll(identifier, "]", "]]")
	return fmt.Sprintf("[%s]", escaped)
}

func qualifiedTable(schema, table string) string {
	return fmt.Sprintf("%s.%s", quoteName(schema), quoteName(table))
}

// checkIdentifiers is a belt-and-suspenders check alongside bracket quoting:
// schema/table/column names originate from sys.tables/sys.columns but are
// still interpolated into query text rather than bound as parameters.
func checkIdentifiers(col models.ColumnInfo) error {
	for fieldName, value := range map[string]any{"schema": col.Schema, "table": col.Table, "column": col.Name} {
		if result := privsql.CheckParameterForInjection(fieldName, value); result != nil {
			return apperrors.New(apperrors.KindSampling, fmt.Sprintf("identifier %q rejected: sqli pattern %s", fieldName, result.Fingerprint))
		}
	}
	return nil
}

func (r *Reader) ReadSample(ctx context.Context, col models.ColumnInfo, cfg models.SamplingConfig) ([]any, int64, error) {
	if err := checkIdentifiers(col); err != nil {
		return nil, 0, err
	}

	schema, table, name := col.Schema, col.Table, col.Name
	sampleSize := cfg.SampleSize
	tableRef := qualifiedTable(schema, table)
	colRef := quoteName(name)

	query := fmt.Sprintf(`SELECT TOP (%d) %s FROM %s ORDER BY NEWID()`, sampleSize, colRef, tableRef)
	r.logger().Debug("executing sample query", zap.String("query", logging.SanitizeQuery(query)))

	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("sample %s.%s.%s: %w", schema, table, name, err)
	}
	defer rows.Close()

	var values []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, 0, fmt.Errorf("scan sample value for %s.%s.%s: %w", schema, table, name, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate samples for %s.%s.%s: %w", schema, table, name, err)
	}

	return values, int64(len(values)), nil
}
