// Package postgres implements the Metadata Extractor's PostgreSQL dialect,
// grounded on the existing postgres adapter's schema
// discovery queries (information_schema + pg_index primary-key detection),
// adapted to PrivSense's SchemaInfo/TableInfo/ColumnInfo/RelationshipInfo
// model instead of an ontology-inference TableMetadata shape.
package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/metadata"
	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/registry"
)

// Factory opens a *pgxpool.Pool for descriptor. *pgxpool.Pool already
// satisfies registry.Pool (Ping(ctx) error, Close()).
func Factory(ctx context.Context, descriptor models.ConnectionDescriptor, decryptedCredentials string) (registry.Pool, error) {
	connString := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		descriptor.Host, descriptor.Port, descriptor.Username, decryptedCredentials, descriptor.Database)
	if descriptor.TLS {
		connString += " sslmode=require"
	} else {
		connString += " sslmode=disable"
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string %s: %w", logging.SanitizeConnectionString(connString), err)
	}
	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// Extractor implements metadata.Extractor for PostgreSQL.
type Extractor struct{}

var _ metadata.Extractor = Extractor{}

func (Extractor) Extract(ctx context.Context, pool registry.Pool, filter []string) (models.SchemaInfo, error) {
	pgPool, ok := pool.(*pgxpool.Pool)
	if !ok {
		return models.SchemaInfo{}, metadata.WrapError(fmt.Errorf("not a postgres pool"))
	}

	tables, err := discoverTables(ctx, pgPool, filter)
	if err != nil {
		return models.SchemaInfo{}, metadata.WrapError(err)
	}

	fks, err := discoverForeignKeys(ctx, pgPool)
	if err != nil {
		return models.SchemaInfo{}, metadata.WrapError(err)
	}

	info := models.SchemaInfo{Catalog: "", Schema: "public", Tables: tables}
	attachRelationships(&info, fks)
	metadata.SortTables(&info)
	return info, nil
}

func discoverTables(ctx context.Context, pool *pgxpool.Pool, filter []string) ([]models.TableInfo, error) {
	const query = `
		SELECT t.table_schema, t.table_name, t.table_type, COALESCE(d.description, '') AS comment
		FROM information_schema.tables t
		LEFT JOIN pg_class c ON c.relname = t.table_name
		LEFT JOIN pg_namespace n ON n.oid = c.relnamespace AND n.nspname = t.table_schema
		LEFT JOIN pg_description d ON d.objoid = c.oid AND d.objsubid = 0
		WHERE t.table_type IN ('BASE TABLE', 'VIEW')
		  AND t.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY t.table_schema, t.table_name
	`
	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var tables []models.TableInfo
	for rows.Next() {
		var schema, name, tableType, comment string
		if err := rows.Scan(&schema, &name, &tableType, &comment); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if !metadata.Filtered(filter, name) {
			continue
		}
		kind := models.TableKindTable
		if tableType == "VIEW" {
			kind = models.TableKindView
		}
		cols, err := discoverColumns(ctx, pool, schema, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, models.TableInfo{Name: name, Kind: kind, Comment: comment, Columns: cols})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func discoverColumns(ctx context.Context, pool *pgxpool.Pool, schemaName, tableName string) ([]models.ColumnInfo, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			COALESCE(c.character_maximum_length, c.numeric_precision, 0) AS size,
			c.is_nullable = 'YES' AS is_nullable,
			COALESCE(pk.is_pk, false) AS is_primary_key,
			COALESCE(fk.is_fk, false) AS is_foreign_key,
			COALESCE(pgd.description, '') AS comment
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname AS column_name, true AS is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true AND n.nspname = $1 AND t.relname = $2
		) pk ON c.column_name = pk.column_name
		LEFT JOIN (
			SELECT kcu.column_name, true AS is_fk
			FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		) fk ON c.column_name = fk.column_name
		LEFT JOIN pg_class pgc ON pgc.relname = $2
		LEFT JOIN pg_namespace pgn ON pgn.oid = pgc.relnamespace AND pgn.nspname = $1
		LEFT JOIN pg_description pgd ON pgd.objoid = pgc.oid AND pgd.objsubid = c.ordinal_position
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`
	rows, err := pool.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns for %s.%s: %w", schemaName, tableName, err)
	}
	defer rows.Close()

	var cols []models.ColumnInfo
	for rows.Next() {
		var c models.ColumnInfo
		if err := rows.Scan(&c.Name, &c.DataType, &c.Size, &c.Nullable, &c.PrimaryKey, &c.ForeignKey, &c.Comment); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.ID = uuid.New()
		c.Schema = schemaName
		c.Table = tableName
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

func discoverForeignKeys(ctx context.Context, pool *pgxpool.Pool) ([]foreignKey, error) {
	const query = `
		SELECT
			kcu.table_schema, kcu.table_name, kcu.column_name,
			ccu.table_schema, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_name = ccu.constraint_name AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
	`
	rows, err := pool.Query(ctx, query)
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
		if src, ok := byName[fk.sourceTable]; ok {
			src.Relationships = append(src.Relationships, models.RelationshipInfo{
				SourceColumn: fk.sourceColumn, TargetColumn: fk.targetColumn,
				SourceTable: fk.sourceTable, TargetTable: fk.targetTable, Role: models.RelationshipForeignKey,
			})
		}
		if tgt, ok := byName[fk.targetTable]; ok {
			tgt.Relationships = append(tgt.Relationships, models.RelationshipInfo{
				SourceColumn: fk.sourceColumn, TargetColumn: fk.targetColumn,
				SourceTable: fk.sourceTable, TargetTable: fk.targetTable, Role: models.RelationshipPrimaryKey,
			})
		}
	}
}
