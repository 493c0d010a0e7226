// Package orchestrator implements the Scan Orchestrator (spec §4.7, §5): a
// job state machine driving a database scan end to end — metadata
// extraction, sampling, PII detection, quasi-identifier analysis, and
// report assembly — with write-ahead status persistence, best-effort status
// notification, and bounded-latency cancellation.
//
// The worker-pool and notification-callback shape follows the same
// per-item-goroutine-plus-semaphore pattern used elsewhere in this
// codebase: a per-job goroutine, a semaphore bounding concurrent jobs, and
// a status event emitted on every state transition rather than a polled
// snapshot.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/detection"
	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/metadata"
	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/qianalyzer"
	"github.com/privsense/engine/pkg/registry"
	"github.com/privsense/engine/pkg/report"
	"github.com/privsense/engine/pkg/sampling"
)

const defaultCancellationDeadline = 30 * time.Second
const defaultMaxQueued = 100

// Store is the orchestrator's persistence dependency (spec §4.8). A
// pkg/store implementation backs it with Postgres.
type Store interface {
	CreateJob(ctx context.Context, job models.ScanJob) error
	UpdateState(ctx context.Context, jobID uuid.UUID, state models.ScanState, errMsg string) error
	SaveFinalResults(ctx context.Context, jobID uuid.UUID, results []models.DetectionResult, groups []models.QuasiIdentifierGroup, rep models.ComplianceReport) error
}

// Sink is the best-effort, non-blocking status notification contract
// (spec §6.3).
type Sink interface {
	Publish(event models.ScanStatusEvent)
}

// ReaderFactory builds a dialect-specific sample reader bound to a borrowed
// connection pool.
type ReaderFactory func(pool registry.Pool) sampling.ColumnReader

// Config bounds orchestrator concurrency and cancellation latency.
type Config struct {
	MaxConcurrentJobs    int
	MaxQueued            int
	CancellationDeadline time.Duration
}

// Orchestrator drives ScanJobs through the state machine in §4.7.
type Orchestrator struct {
	cfg        Config
	registry   *registry.Registry
	extractors map[models.Driver]metadata.Extractor
	readers    map[models.Driver]ReaderFactory
	pipeline   *detection.Pipeline
	store      Store
	sink       Sink
	logger     *zap.Logger

	sem chan struct{}

	mu       sync.Mutex
	jobs     map[uuid.UUID]*jobHandle
	terminal map[uuid.UUID]struct{}
	queued   int
}

type jobHandle struct {
	job    models.ScanJob
	cancel context.CancelFunc
	done   chan struct{}
}

// Deps wires the orchestrator's per-dialect collaborators and downstream
// components.
type Deps struct {
	Registry   *registry.Registry
	Extractors map[models.Driver]metadata.Extractor
	Readers    map[models.Driver]ReaderFactory
	Pipeline   *detection.Pipeline
	Store      Store
	Sink       Sink
	Logger     *zap.Logger
}

// New constructs an Orchestrator, applying spec defaults (§5).
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 10
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = defaultMaxQueued
	}
	if cfg.CancellationDeadline <= 0 {
		cfg.CancellationDeadline = defaultCancellationDeadline
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   deps.Registry,
		extractors: deps.Extractors,
		readers:    deps.Readers,
		pipeline:   deps.Pipeline,
		store:      deps.Store,
		sink:       deps.Sink,
		logger:     logger.Named("orchestrator"),
		sem:        make(chan struct{}, cfg.MaxConcurrentJobs),
		jobs:       make(map[uuid.UUID]*jobHandle),
		terminal:   make(map[uuid.UUID]struct{}),
	}
}

// Submit admits a ScanRequest, persists its PENDING state write-ahead, and
// starts the job asynchronously. Returns ResourceExhausted once the queue
// of not-yet-started jobs exceeds MaxQueued (§5).
func (o *Orchestrator) Submit(ctx context.Context, req models.ScanRequest) (uuid.UUID, error) {
	o.mu.Lock()
	if o.queued >= o.cfg.MaxQueued {
		o.mu.Unlock()
		return uuid.Nil, apperrors.New(apperrors.KindResourceExhausted, "scan queue is full")
	}
	o.queued++
	o.mu.Unlock()

	job := models.ScanJob{
		ID:              uuid.New(),
		ConnectionID:    req.ConnectionID,
		TargetTables:    req.TargetTables,
		SamplingConfig:  req.SamplingConfig,
		DetectionConfig: req.DetectionConfig,
		QIConfig:        req.QIConfig,
		RequestID:       req.RequestID,
		State:           models.StatePending,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		o.mu.Lock()
		o.queued--
		o.mu.Unlock()
		return uuid.Nil, apperrors.Wrap(apperrors.KindPersistence, "write-ahead job create failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &jobHandle{job: job, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.jobs[job.ID] = handle
	o.mu.Unlock()

	go o.run(runCtx, handle)
	return job.ID, nil
}

// Cancel requests cancellation of a running job. The job must reach a
// terminal state within CancellationDeadline or it is force-transitioned to
// FAILED (§5). Returns AlreadyTerminal for a job id that ran to completion,
// failure, or a prior cancellation, and NotFound only for a job id the
// orchestrator never admitted (§6.1).
func (o *Orchestrator) Cancel(jobID uuid.UUID) error {
	o.mu.Lock()
	handle, ok := o.jobs[jobID]
	_, terminal := o.terminal[jobID]
	o.mu.Unlock()
	if terminal {
		return apperrors.Wrap(apperrors.KindAlreadyTerminal, "job already reached a terminal state", apperrors.ErrAlreadyTerminal)
	}
	if !ok {
		return apperrors.Wrap(apperrors.KindNotFound, "unknown job", apperrors.ErrNotFound)
	}
	handle.cancel()

	go func() {
		select {
		case <-handle.done:
		case <-time.After(o.cfg.CancellationDeadline):
			ctx := context.Background()
			if err := o.store.UpdateState(ctx, jobID, models.StateFailed, "cancellation exceeded deadline"); err != nil {
				o.logger.Error("force-fail after cancellation deadline failed to persist", zap.String("job_id", jobID.String()), zap.String("error", logging.SanitizeError(err)))
			}
			o.publish(models.ScanStatusEvent{JobID: jobID, State: models.StateFailed, ErrorMessage: "cancellation exceeded deadline", Timestamp: nowFunc()})
		}
	}()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, h *jobHandle) {
	defer close(h.done)
	defer func() {
		o.mu.Lock()
		delete(o.jobs, h.job.ID)
		o.terminal[h.job.ID] = struct{}{}
		o.mu.Unlock()
	}()

	o.sem <- struct{}{}
	defer func() { <-o.sem }()
	// The job has left the queue once it holds a worker slot.
	o.mu.Lock()
	o.queued--
	o.mu.Unlock()

	job := h.job

	if err := o.transition(ctx, job.ID, models.StateExtractingMetadata, "extracting schema metadata"); err != nil {
		return
	}

	descriptor, err := o.registry.Lookup(job.ConnectionID)
	if err != nil {
		o.fail(ctx, job.ID, err)
		return
	}
	conn, err := o.registry.Borrow(ctx, job.ConnectionID)
	if err != nil {
		o.fail(ctx, job.ID, err)
		return
	}
	defer conn.Release()

	extractor, ok := o.extractors[descriptor.Driver]
	if !ok {
		o.fail(ctx, job.ID, apperrors.New(apperrors.KindMetadata, "no metadata extractor registered for driver "+string(descriptor.Driver)))
		return
	}
	schema, err := extractor.Extract(ctx, conn.Pool, job.TargetTables)
	if err != nil {
		// MetadataError propagates to FAILED per §7's propagation policy.
		o.fail(ctx, job.ID, err)
		return
	}

	if o.isCancelled(ctx, job.ID) {
		return
	}
	if err := o.transition(ctx, job.ID, models.StateSampling, "sampling columns"); err != nil {
		return
	}

	readerFactory, ok := o.readers[descriptor.Driver]
	if !ok {
		o.fail(ctx, job.ID, apperrors.New(apperrors.KindSampling, "no sample reader registered for driver "+string(descriptor.Driver)))
		return
	}
	sampler := sampling.New(readerFactory(conn.Pool), o.logger)
	columns := flattenColumns(schema)
	sampleMap := sampler.Sample(ctx, columns, job.SamplingConfig)

	if o.isCancelled(ctx, job.ID) {
		return
	}
	if err := o.transition(ctx, job.ID, models.StateDetectingPii, "running detection pipeline"); err != nil {
		return
	}

	detectionResults := o.pipeline.Detect(ctx, sampleMap, job.DetectionConfig)
	qiGroups := qianalyzer.Analyze(detectionResults, sampleMap, job.QIConfig)

	if o.isCancelled(ctx, job.ID) {
		return
	}
	if err := o.transition(ctx, job.ID, models.StateGeneratingReport, "assembling compliance report"); err != nil {
		return
	}

	startedAt := timeOrNow(job.StartedAt)
	rep := report.Assemble(job, schema, detectionResults, qiGroups, startedAt, nowFunc())

	if err := o.store.SaveFinalResults(ctx, job.ID, detectionResults, qiGroups, rep); err != nil {
		o.fail(ctx, job.ID, apperrors.Wrap(apperrors.KindPersistence, "saving final results failed", err))
		return
	}

	_ = o.transition(ctx, job.ID, models.StateCompleted, "")
}

func (o *Orchestrator) transition(ctx context.Context, jobID uuid.UUID, state models.ScanState, currentOp string) error {
	if err := o.store.UpdateState(ctx, jobID, state, ""); err != nil {
		o.logger.Error("state persistence failed", zap.String("job_id", jobID.String()), zap.String("error", logging.SanitizeError(err)))
		return apperrors.Wrap(apperrors.KindPersistence, "state transition persistence failed", err)
	}
	o.publish(models.ScanStatusEvent{JobID: jobID, State: state, CurrentOperation: currentOp, Timestamp: nowFunc()})
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, jobID uuid.UUID, err error) {
	msg := logging.SanitizeError(err)
	if uerr := o.store.UpdateState(ctx, jobID, models.StateFailed, msg); uerr != nil {
		o.logger.Error("failed to persist FAILED state", zap.String("job_id", jobID.String()), zap.String("error", logging.SanitizeError(uerr)))
	}
	o.publish(models.ScanStatusEvent{JobID: jobID, State: models.StateFailed, ErrorMessage: msg, Timestamp: nowFunc()})
}

func (o *Orchestrator) isCancelled(ctx context.Context, jobID uuid.UUID) bool {
	select {
	case <-ctx.Done():
		if err := o.store.UpdateState(ctx, jobID, models.StateCancelled, ""); err != nil {
			o.logger.Error("failed to persist CANCELLED state", zap.String("job_id", jobID.String()), zap.String("error", logging.SanitizeError(err)))
		}
		o.publish(models.ScanStatusEvent{JobID: jobID, State: models.StateCancelled, Timestamp: nowFunc()})
		return true
	default:
		return false
	}
}

func (o *Orchestrator) publish(event models.ScanStatusEvent) {
	if o.sink == nil {
		return
	}
	o.sink.Publish(event)
}

func flattenColumns(schema models.SchemaInfo) []models.ColumnInfo {
	var out []models.ColumnInfo
	for _, table := range schema.Tables {
		out = append(out, table.Columns...)
	}
	return out
}

func timeOrNow(t *time.Time) time.Time {
	if t == nil {
		return nowFunc()
	}
	return *t
}

// nowFunc is a seam for deterministic tests.
var nowFunc = time.Now
