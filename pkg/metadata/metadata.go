// Package metadata implements the Metadata Extractor (spec §4.2): given a
// borrowed connection handle and an optional table-name filter, it introspects
// the target database and returns a SchemaInfo snapshot with tables returned
// in a deterministic order so downstream sampling is reproducible.
package metadata

import (
	"context"
	"sort"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/registry"
)

// Extractor introspects a database through a borrowed handle.
type Extractor interface {
	// Extract enumerates tables matching filter (or all tables if filter is
	// empty), then for each table fetches columns, primary keys, and foreign
	// key relationships. Fails with MetadataError on any underlying read
	// failure; partial results are never returned.
	Extract(ctx context.Context, pool registry.Pool, filter []string) (models.SchemaInfo, error)
}

// SortTables orders tables by table name, and each table's columns by
// column name, using case-sensitive codepoint order; every dialect
// extractor shares this one rule. Catalog and schema are not compared, so
// tables with the same name in different schemas have no defined order
// relative to each other.
func SortTables(info *models.SchemaInfo) {
	sort.Slice(info.Tables, func(i, j int) bool {
		return info.Tables[i].Name < info.Tables[j].Name
	})
	for t := range info.Tables {
		cols := info.Tables[t].Columns
		sort.Slice(cols, func(i, j int) bool {
			return cols[i].Name < cols[j].Name
		})
	}
}

// Filtered reports whether table is included given an allow-list filter (an
// empty filter means "all tables").
func Filtered(filter []string, table string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == table {
			return true
		}
	}
	return false
}

// WrapError converts an underlying introspection failure into a
// apperrors.KindMetadata error, per §4.2/§7.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.KindMetadata, "schema introspection failed", err)
}
