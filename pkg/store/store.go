// Package store implements the Persistence Layer (spec §4.8, §6.4) on
// Postgres via pgx/v5: write-ahead job state, one transaction for final scan
// results, and paginated reads by job id/connection id/state/time range.
//
// Grounded on the existing repository pattern (plain pgx queries,
// pgconn.PgError inspection for constraint violations) adapted from its
// per-request tenant-scoped connection to a single pgxpool.Pool, since
// PrivSense has no multi-tenant scope to thread through context.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/models"
)

// Repository implements orchestrator.Store and the read-side job/report
// queries behind the job control surface (§6.1, §6.4).
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger.Named("store")}
}

// CreateJob persists a job's initial PENDING state write-ahead, before any
// side effect of running it occurs (§4.7).
func (r *Repository) CreateJob(ctx context.Context, job models.ScanJob) error {
	samplingCfg, err := json.Marshal(job.SamplingConfig)
	if err != nil {
		return fmt.Errorf("marshal sampling config: %w", err)
	}
	detectionCfg, err := json.Marshal(job.DetectionConfig)
	if err != nil {
		return fmt.Errorf("marshal detection config: %w", err)
	}
	qiCfg, err := json.Marshal(job.QIConfig)
	if err != nil {
		return fmt.Errorf("marshal qi config: %w", err)
	}

	const query = `
		INSERT INTO scan_job (id, connection_id, target_tables, request_id, sampling_config, detection_config, qi_config, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = r.pool.Exec(ctx, query, job.ID, job.ConnectionID, job.TargetTables, job.RequestID, samplingCfg, detectionCfg, qiCfg, job.State)
	if err != nil {
		return apperrors.Wrap(apperrors.KindPersistence, "create job failed", err)
	}
	return nil
}

// UpdateState performs the single-row, non-transactional intermediate
// state-transition update (§4.8).
func (r *Repository) UpdateState(ctx context.Context, jobID uuid.UUID, state models.ScanState, errMsg string) error {
	const query = `
		UPDATE scan_job
		SET state = $1,
		    error_message = $2,
		    started_at = COALESCE(started_at, CASE WHEN $1 != 'PENDING' THEN now() END),
		    ended_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN now() ELSE ended_at END
		WHERE id = $3`
	tag, err := r.pool.Exec(ctx, query, string(state), errMsg, jobID)
	if err != nil {
		return apperrors.Wrap(apperrors.KindPersistence, "update job state failed", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrap(apperrors.KindNotFound, "job not found", apperrors.ErrNotFound)
	}
	return nil
}

// SaveFinalResults persists detection results, quasi-identifier groups, and
// the compliance report in a single transaction (§4.8): a COMPLETED job's
// report must always be atomically visible with its supporting detail.
func (r *Repository) SaveFinalResults(ctx context.Context, jobID uuid.UUID, results []models.DetectionResult, groups []models.QuasiIdentifierGroup, rep models.ComplianceReport) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.KindPersistence, "begin transaction failed", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Warn("rollback failed", zap.String("error", logging.SanitizeError(rbErr)))
		}
	}()

	if err := insertSchemaSnapshot(ctx, tx, jobID, rep.DatabaseSnapshot); err != nil {
		return err
	}
	if err := insertDetectionResults(ctx, tx, jobID, results); err != nil {
		return err
	}
	if err := insertQuasiIdentifierGroups(ctx, tx, jobID, groups); err != nil {
		return err
	}

	const reportQuery = `
		INSERT INTO compliance_report (scan_job_id, total_columns_scanned, pii_columns_found, started_at, ended_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, reportQuery, jobID, rep.TotalColumnsScanned, rep.PiiColumnsFound, rep.StartedAt, rep.EndedAt, rep.Duration.Milliseconds()); err != nil {
		return apperrors.Wrap(apperrors.KindPersistence, "insert compliance report failed", err)
	}

	const counterQuery = `UPDATE scan_job SET total_columns_scanned = $1, pii_columns_found = $2 WHERE id = $3`
	if _, err := tx.Exec(ctx, counterQuery, rep.TotalColumnsScanned, rep.PiiColumnsFound, jobID); err != nil {
		return apperrors.Wrap(apperrors.KindPersistence, "update job counters failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindPersistence, "commit final results failed", err)
	}
	return nil
}

func insertSchemaSnapshot(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, schema models.SchemaInfo) error {
	const snapshotQuery = `INSERT INTO schema_snapshot (scan_job_id, catalog, schema_name) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, snapshotQuery, jobID, schema.Catalog, schema.Schema); err != nil {
		return apperrors.Wrap(apperrors.KindPersistence, "insert schema snapshot failed", err)
	}

	const tableQuery = `INSERT INTO table_snapshot (scan_job_id, name, kind, comment) VALUES ($1, $2, $3, $4) RETURNING id`
	const columnQuery = `
		INSERT INTO column_snapshot (table_snapshot_id, schema_name, table_name, name, data_type, nullable, primary_key, foreign_key, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for _, table := range schema.Tables {
		var tableID int64
		if err := tx.QueryRow(ctx, tableQuery, jobID, table.Name, string(table.Kind), table.Comment).Scan(&tableID); err != nil {
			return apperrors.Wrap(apperrors.KindPersistence, "insert table snapshot failed", err)
		}
		for _, col := range table.Columns {
			if _, err := tx.Exec(ctx, columnQuery, tableID, col.Schema, col.Table, col.Name, col.DataType, col.Nullable, col.PrimaryKey, col.ForeignKey, col.Comment); err != nil {
				return apperrors.Wrap(apperrors.KindPersistence, "insert column snapshot failed", err)
			}
		}
	}
	return nil
}

func insertDetectionResults(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, results []models.DetectionResult) error {
	const resultQuery = `
		INSERT INTO detection_result (scan_job_id, schema_name, table_name, column_name, has_pii, winning_type, confidence, is_quasi_identifier, qi_risk_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`
	const candidateQuery = `
		INSERT INTO pii_candidate (detection_result_id, pii_type, confidence, method, evidence)
		VALUES ($1, $2, $3, $4, $5)`

	for _, dr := range results {
		var resultID int64
		err := tx.QueryRow(ctx, resultQuery,
			jobID, dr.Column.Schema, dr.Column.Table, dr.Column.Name,
			dr.HasPii, string(dr.WinningType), dr.Confidence,
			dr.IsQuasiIdentifier, dr.QuasiIdentifierRiskScore,
		).Scan(&resultID)
		if err != nil {
			return apperrors.Wrap(apperrors.KindPersistence, "insert detection result failed", err)
		}
		for _, c := range dr.Candidates {
			if _, err := tx.Exec(ctx, candidateQuery, resultID, string(c.PiiType), c.Confidence, string(c.Method), c.Evidence); err != nil {
				return apperrors.Wrap(apperrors.KindPersistence, "insert pii candidate failed", err)
			}
		}
	}
	return nil
}

func insertQuasiIdentifierGroups(ctx context.Context, tx pgx.Tx, jobID uuid.UUID, groups []models.QuasiIdentifierGroup) error {
	const query = `
		INSERT INTO quasi_identifier_group (scan_job_id, group_id, risk, method, columns)
		VALUES ($1, $2, $3, $4, $5)`
	for _, g := range groups {
		id := g.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		columnsJSON, err := json.Marshal(g.Columns)
		if err != nil {
			return fmt.Errorf("marshal qi group columns: %w", err)
		}
		if _, err := tx.Exec(ctx, query, jobID, id, g.Risk, string(g.Method), columnsJSON); err != nil {
			return apperrors.Wrap(apperrors.KindPersistence, "insert quasi-identifier group failed", err)
		}
	}
	return nil
}

// JobFilter narrows ListJobs reads by connection id, state, and submission
// time range (§4.8). Zero-valued fields are not applied.
type JobFilter struct {
	ConnectionID uuid.UUID
	State        models.ScanState
	Since        time.Time
	Until        time.Time
}

// GetJob reads a single job by id.
func (r *Repository) GetJob(ctx context.Context, jobID uuid.UUID) (models.ScanJob, error) {
	const query = `
		SELECT id, connection_id, target_tables, request_id, sampling_config, detection_config, qi_config,
		       state, started_at, ended_at, total_columns_scanned, pii_columns_found, error_message
		FROM scan_job WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ScanJob{}, apperrors.Wrap(apperrors.KindNotFound, "job not found", apperrors.ErrNotFound)
		}
		return models.ScanJob{}, apperrors.Wrap(apperrors.KindPersistence, "get job failed", err)
	}
	return job, nil
}

// ListJobs returns a page of jobs matching filter, most recently created
// first.
func (r *Repository) ListJobs(ctx context.Context, filter JobFilter, page, size int) (models.PagedResult[models.ScanJob], error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}

	where := "WHERE 1=1"
	args := []any{}
	argn := func() int { return len(args) }

	if filter.ConnectionID != uuid.Nil {
		args = append(args, filter.ConnectionID)
		where += fmt.Sprintf(" AND connection_id = $%d", argn())
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		where += fmt.Sprintf(" AND state = $%d", argn())
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where += fmt.Sprintf(" AND created_at >= $%d", argn())
	}
	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		where += fmt.Sprintf(" AND created_at <= $%d", argn())
	}

	var total int64
	countQuery := "SELECT COUNT(*) FROM scan_job " + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return models.PagedResult[models.ScanJob]{}, apperrors.Wrap(apperrors.KindPersistence, "count jobs failed", err)
	}

	args = append(args, size, (page-1)*size)
	query := fmt.Sprintf(`
		SELECT id, connection_id, target_tables, request_id, sampling_config, detection_config, qi_config,
		       state, started_at, ended_at, total_columns_scanned, pii_columns_found, error_message
		FROM scan_job %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, argn()-1, argn())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return models.PagedResult[models.ScanJob]{}, apperrors.Wrap(apperrors.KindPersistence, "list jobs failed", err)
	}
	defer rows.Close()

	var jobs []models.ScanJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return models.PagedResult[models.ScanJob]{}, apperrors.Wrap(apperrors.KindPersistence, "scan job row failed", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return models.PagedResult[models.ScanJob]{}, apperrors.Wrap(apperrors.KindPersistence, "list jobs iteration failed", err)
	}

	return models.PagedResult[models.ScanJob]{Items: jobs, Page: page, Size: size, TotalCount: total}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.ScanJob, error) {
	var job models.ScanJob
	var samplingCfg, detectionCfg, qiCfg []byte
	var state string
	err := row.Scan(
		&job.ID, &job.ConnectionID, &job.TargetTables, &job.RequestID,
		&samplingCfg, &detectionCfg, &qiCfg,
		&state, &job.StartedAt, &job.EndedAt,
		&job.Counters.TotalColumnsScanned, &job.Counters.PiiColumnsFound, &job.ErrorMessage,
	)
	if err != nil {
		return models.ScanJob{}, err
	}
	job.State = models.ScanState(state)
	if err := json.Unmarshal(samplingCfg, &job.SamplingConfig); err != nil {
		return models.ScanJob{}, fmt.Errorf("unmarshal sampling config: %w", err)
	}
	if err := json.Unmarshal(detectionCfg, &job.DetectionConfig); err != nil {
		return models.ScanJob{}, fmt.Errorf("unmarshal detection config: %w", err)
	}
	if err := json.Unmarshal(qiCfg, &job.QIConfig); err != nil {
		return models.ScanJob{}, fmt.Errorf("unmarshal qi config: %w", err)
	}
	return job, nil
}

// GetReport reads the compliance report for a COMPLETED job. A job that
// never reached COMPLETED has no row and returns apperrors.ErrNotFound
// (§4.8: "a FAILED job never has a readable ComplianceReport").
func (r *Repository) GetReport(ctx context.Context, jobID uuid.UUID) (models.ComplianceReport, error) {
	const reportQuery = `
		SELECT total_columns_scanned, pii_columns_found, started_at, ended_at, duration_ms
		FROM compliance_report WHERE scan_job_id = $1`
	var rep models.ComplianceReport
	var durationMs int64
	err := r.pool.QueryRow(ctx, reportQuery, jobID).Scan(&rep.TotalColumnsScanned, &rep.PiiColumnsFound, &rep.StartedAt, &rep.EndedAt, &durationMs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ComplianceReport{}, apperrors.Wrap(apperrors.KindNotFound, "report not found", apperrors.ErrNotFound)
		}
		return models.ComplianceReport{}, apperrors.Wrap(apperrors.KindPersistence, "get report failed", err)
	}
	rep.ScanID = jobID
	rep.Duration = time.Duration(durationMs) * time.Millisecond

	results, err := r.detectionResultsForJob(ctx, jobID)
	if err != nil {
		return models.ComplianceReport{}, err
	}
	rep.DetectionResults = results

	groups, err := r.quasiIdentifierGroupsForJob(ctx, jobID)
	if err != nil {
		return models.ComplianceReport{}, err
	}
	rep.QuasiIdentifierGroups = groups

	return rep, nil
}

func (r *Repository) detectionResultsForJob(ctx context.Context, jobID uuid.UUID) ([]models.DetectionResult, error) {
	const query = `
		SELECT id, schema_name, table_name, column_name, has_pii, winning_type, confidence, is_quasi_identifier, qi_risk_score
		FROM detection_result WHERE scan_job_id = $1 ORDER BY table_name, column_name`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindPersistence, "query detection results failed", err)
	}
	defer rows.Close()

	var results []models.DetectionResult
	var ids []int64
	for rows.Next() {
		var dr models.DetectionResult
		var id int64
		var winningType string
		if err := rows.Scan(&id, &dr.Column.Schema, &dr.Column.Table, &dr.Column.Name, &dr.HasPii, &winningType, &dr.Confidence, &dr.IsQuasiIdentifier, &dr.QuasiIdentifierRiskScore); err != nil {
			return nil, apperrors.Wrap(apperrors.KindPersistence, "scan detection result failed", err)
		}
		dr.WinningType = models.PiiType(winningType)
		results = append(results, dr)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindPersistence, "iterate detection results failed", err)
	}

	for i, id := range ids {
		candidates, err := r.candidatesForResult(ctx, id)
		if err != nil {
			return nil, err
		}
		results[i].Candidates = candidates
	}
	return results, nil
}

func (r *Repository) candidatesForResult(ctx context.Context, resultID int64) ([]models.PiiCandidate, error) {
	const query = `SELECT pii_type, confidence, method, evidence FROM pii_candidate WHERE detection_result_id = $1`
	rows, err := r.pool.Query(ctx, query, resultID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindPersistence, "query pii candidates failed", err)
	}
	defer rows.Close()

	var candidates []models.PiiCandidate
	for rows.Next() {
		var c models.PiiCandidate
		var piiType, method string
		if err := rows.Scan(&piiType, &c.Confidence, &method, &c.Evidence); err != nil {
			return nil, apperrors.Wrap(apperrors.KindPersistence, "scan pii candidate failed", err)
		}
		c.PiiType = models.PiiType(piiType)
		c.Method = models.DetectionMethod(method)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (r *Repository) quasiIdentifierGroupsForJob(ctx context.Context, jobID uuid.UUID) ([]models.QuasiIdentifierGroup, error) {
	const query = `SELECT group_id, risk, method, columns FROM quasi_identifier_group WHERE scan_job_id = $1`
	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindPersistence, "query qi groups failed", err)
	}
	defer rows.Close()

	var groups []models.QuasiIdentifierGroup
	for rows.Next() {
		var g models.QuasiIdentifierGroup
		var method string
		var columnsJSON []byte
		if err := rows.Scan(&g.ID, &g.Risk, &method, &columnsJSON); err != nil {
			return nil, apperrors.Wrap(apperrors.KindPersistence, "scan qi group failed", err)
		}
		g.Method = models.ClusteringMethod(method)
		if err := json.Unmarshal(columnsJSON, &g.Columns); err != nil {
			return nil, fmt.Errorf("unmarshal qi group columns: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
