// Package mssql implements the Metadata Extractor's SQL Server dialect,
// grounded on the existing mssql adapter's schema discovery
// queries (sys.tables/sys.columns/sys.foreign_keys), adapted to PrivSense's
// SchemaInfo model and simplified to SQL-authentication only — the
// Azure AD service-principal/user-delegation auth paths have no
// PrivSense ConnectionDescriptor field to bind to (§3 names only host,
// port, database, driver, credentials reference, TLS flag).
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/google/uuid"

	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/metadata"
	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/registry"
)

// pool wraps *sql.DB so it satisfies registry.Pool (Ping(ctx) error, Close()
// with no return value — database/sql's Close returns an error, so this
// wrapper swallows it the way the underlying pool wrapper does, logging
// being the caller's responsibility on Unregister's error path instead).
type pool struct{ db *sql.DB }

func (p *pool) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *pool) Close()                         { _ = p.db.Close() }

// DB extracts the underlying *sql.DB from a registry.Pool produced by
// Factory, so the Sampler's mssql ColumnReader can be built from a borrowed
// handle. Returns false if p was not produced by this package's Factory.
func DB(p registry.Pool) (*sql.DB, bool) {
	wrapped, ok := p.(*pool)
	if !ok {
		return nil, false
	}
	return wrapped.db, true
}

// Factory opens a *sql.DB for descriptor using SQL authentication.
func Factory(ctx context.Context, descriptor models.ConnectionDescriptor, decryptedCredentials string) (registry.Pool, error) {
	query := url.Values{}
	query.Add("database", descriptor.Database)
	if descriptor.TLS {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "disable")
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(descriptor.Username, decryptedCredentials),
		Host:     fmt.Sprintf("%s:%d", descriptor.Host, descriptor.Port),
		RawQuery: query.Encode(),
	}

	sanitizedDSN := logging.SanitizeConnectionString(u.String())

	db, err := sql.Open("sqlserver", u.String())
	if err != nil {
		return nil, fmt.Errorf("open mssql connection %s: %w", sanitizedDSN, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mssql connection %s: %w", sanitizedDSN, err)
	}
	return &pool{db: db}, nil
}

// Extractor implements metadata.Extractor for SQL Server.
type Extractor struct{}

var _ metadata.Extractor = Extractor{}

func (Extractor) Extract(ctx context.Context, p registry.Pool, filter []string) (models.SchemaInfo, error) {
	mp, ok := p.(*pool)
	if !ok {
		return models.SchemaInfo{}, metadata.WrapError(fmt.Errorf("not an mssql pool"))
	}

	tables, err := discoverTables(ctx, mp.db, filter)
	if err != nil {
		return models.SchemaInfo{}, metadata.WrapError(err)
	}
	fks, err := discoverForeignKeys(ctx, mp.db)
	if err != nil {
		return models.SchemaInfo{}, metadata.WrapError(err)
	}

	info := models.SchemaInfo{Catalog: "", Schema: "dbo", Tables: tables}
	attachRelationships(&info, fks)
	metadata.SortTables(&info)
	return info, nil
}

func discoverTables(ctx context.Context, db *sql.DB, filter []string) ([]models.TableInfo, error) {
	const query = `
		SET NOCOUNT ON;
		SELECT SCHEMA_NAME(t.schema_id) AS table_schema, t.name AS table_name,
		       CAST(ep.value AS NVARCHAR(MAX)) AS comment
		FROM sys.tables t
		LEFT JOIN sys.extended_properties ep
			ON ep.major_id = t.object_id AND ep.minor_id = 0 AND ep.name = 'MS_Description'
		WHERE t.is_ms_shipped = 0
		ORDER BY table_schema, table_name
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []models.TableInfo
	for rows.Next() {
		var schema, name string
		var comment sql.NullString
		if err := rows.Scan(&schema, &name, &comment); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if !metadata.Filtered(filter, name) {
			continue
		}
		cols, err := discoverColumns(ctx, db, schema, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, models.TableInfo{Name: name, Kind: models.TableKindTable, Comment: comment.String, Columns: cols})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func discoverColumns(ctx context.Context, db *sql.DB, schemaName, tableName string) ([]models.ColumnInfo, error) {
	const query = `
		SET NOCOUNT ON;
		SELECT
			c.name AS column_name,
			tp.name AS data_type,
			c.max_length AS size,
			c.is_nullable AS is_nullable,
			CASE WHEN pk.column_id IS NOT NULL THEN 1 ELSE 0 END AS is_primary_key,
			CASE WHEN fk.column_id IS NOT NULL THEN 1 ELSE 0 END AS is_foreign_key
		FROM sys.columns c
		INNER JOIN sys.types tp ON c.user_type_id = tp.user_type_id
		LEFT JOIN (
			SELECT ic.object_id, ic.column_id
			FROM sys.index_columns ic
			INNER JOIN sys.indexes i ON ic.object_id = i.object_id AND ic.index_id = i.index_id
			WHERE i.is_primary_key = 1
		) pk ON c.object_id = pk.object_id AND c.column_id = pk.column_id
		LEFT JOIN (
			SELECT fkc.parent_object_id AS object_id, fkc.parent_column_id AS column_id
			FROM sys.foreign_key_columns fkc
		) fk ON c.object_id = fk.object_id AND c.column_id = fk.column_id
		WHERE c.object_id = OBJECT_ID(QUOTENAME(@schema) + N'.' + QUOTENAME(@table))
		ORDER BY c.column_id
	`
	rows, err := db.QueryContext(ctx, query, sql.Named("schema", schemaName), sql.Named("table", tableName))
	if err != nil {
		return nil, fmt.Errorf("query columns for %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var cols []models.ColumnInfo
	for rows.Next() {
		var c models.ColumnInfo
		var nullable, isPK, isFK bool
		if err := rows.Scan(&c.Name, &c.DataType, &c.Size, &nullable, &isPK, &isFK); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.ID = uuid.New()
		c.Schema = schemaName
		c.Table = tableName
		c.Nullable = nullable
		c.PrimaryKey = isPK
		c.ForeignKey = isFK
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return cols, nil
}

type foreignKey struct {
	sourceSchema, sourceTable, sourceColumn string
	targetSchema, targetTable, targetColumn string
}

func discoverForeignKeys(ctx context.Context, db *sql.DB) ([]foreignKey, error) {
	const query = `
		SET NOCOUNT ON;
		SELECT
			SCHEMA_NAME(fk.schema_id), OBJECT_NAME(fk.parent_object_id),
			COL_NAME(fkc.parent_object_id, fkc.parent_column_id),
			SCHEMA_NAME(rt.schema_id), OBJECT_NAME(fk.referenced_object_id),
			COL_NAME(fkc.referenced_object_id, fkc.referenced_column_id)
		FROM sys.foreign_keys fk
		INNER JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
		INNER JOIN sys.tables rt ON fk.referenced_object_id = rt.object_id
		WHERE fk.is_ms_shipped = 0
	`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer rows.Close()

	var fks []foreignKey
	for rows.Next() {
		var fk foreignKey
		if err := rows.Scan(&fk.sourceSchema, &fk.sourceTable, &fk.sourceColumn,
			&fk.targetSchema, &fk.targetTable, &fk.targetColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return fks, nil
}

func attachRelationships(info *models.SchemaInfo, fks []foreignKey) {
	byName := make(map[string]*models.TableInfo, len(info.Tables))
	for i := range info.Tables {
		byName[info.Tables[i].Name] = &info.Tables[i]
	}
	for _, fk := range fks {
		rel := models.RelationshipInfo{
			SourceColumn: fk.sourceColumn, TargetColumn: fk.targetColumn,
			SourceTable: fk.sourceTable, TargetTable: fk.targetTable,
		}
		if src, ok := byName[fk.sourceTable]; ok {
			src.Relationships = append(src.Relationships, withRole(rel, models.RelationshipForeignKey))
		}
		if tgt, ok := byName[fk.targetTable]; ok {
			tgt.Relationships = append(tgt.Relationships, withRole(rel, models.RelationshipPrimaryKey))
		}
	}
}

func withRole(rel models.RelationshipInfo, role models.RelationshipRole) models.RelationshipInfo {
	rel.Role = role
	return rel
}
