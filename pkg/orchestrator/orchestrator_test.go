package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/detection"
	"github.com/privsense/engine/pkg/metadata"
	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/registry"
	"github.com/privsense/engine/pkg/sampling"
)

type fakePool struct{}

func (fakePool) Ping(context.Context) error { return nil }
func (fakePool) Close()                     {}

type fakeExtractor struct{ schema models.SchemaInfo }

func (f fakeExtractor) Extract(context.Context, registry.Pool, []string) (models.SchemaInfo, error) {
	return f.schema, nil
}

type fakeReader struct{}

func (fakeReader) ReadSample(context.Context, models.ColumnInfo, models.SamplingConfig) ([]any, int64, error) {
	return []any{"a", "b", "c"}, 3, nil
}

type recordingStore struct {
	mu        sync.Mutex
	states    []models.ScanState
	finalized bool
}

func (s *recordingStore) CreateJob(context.Context, models.ScanJob) error { return nil }
func (s *recordingStore) UpdateState(_ context.Context, _ uuid.UUID, state models.ScanState, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}
func (s *recordingStore) SaveFinalResults(context.Context, uuid.UUID, []models.DetectionResult, []models.QuasiIdentifierGroup, models.ComplianceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = true
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.ScanStatusEvent
}

func (s *recordingSink) Publish(event models.ScanStatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func newTestOrchestrator(t *testing.T, store *recordingStore, sink *recordingSink) (*Orchestrator, uuid.UUID) {
	t.Helper()
	reg := registry.New(registry.Config{}, map[models.Driver]registry.PoolFactory{
		models.DriverPostgres: func(context.Context, models.ConnectionDescriptor, string) (registry.Pool, error) {
			return fakePool{}, nil
		},
	}, nil, nil)
	connID, err := reg.Register(context.Background(), models.ConnectionDescriptor{Driver: models.DriverPostgres}, "secret")
	require.NoError(t, err)

	schema := models.SchemaInfo{Tables: []models.TableInfo{{
		Name: "users",
		Columns: []models.ColumnInfo{
			{Schema: "public", Table: "users", Name: "email"},
		},
	}}}

	pipeline := detection.NewPipeline(detection.NewHeuristicStrategy(), detection.NewRegexStrategy(), nil, nil)

	o := New(Config{}, Deps{
		Registry: reg,
		Extractors: map[models.Driver]metadata.Extractor{
			models.DriverPostgres: fakeExtractor{schema: schema},
		},
		Readers: map[models.Driver]ReaderFactory{
			models.DriverPostgres: func(registry.Pool) sampling.ColumnReader { return fakeReader{} },
		},
		Pipeline: pipeline,
		Store:    store,
		Sink:     sink,
	})
	return o, connID
}

func TestOrchestrator_SubmitRunsToCompletion(t *testing.T) {
	store := &recordingStore{}
	sink := &recordingSink{}
	o, connID := newTestOrchestrator(t, store, sink)

	jobID, err := o.Submit(context.Background(), models.ScanRequest{ConnectionID: connID})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, jobID)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.finalized
	}, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	states := append([]models.ScanState{}, store.states...)
	store.mu.Unlock()
	assert.Contains(t, states, models.StateExtractingMetadata)
	assert.Contains(t, states, models.StateSampling)
	assert.Contains(t, states, models.StateDetectingPii)
	assert.Contains(t, states, models.StateGeneratingReport)
	assert.Contains(t, states, models.StateCompleted)
}

type blockingReader struct{}

func (blockingReader) ReadSample(ctx context.Context, _ models.ColumnInfo, _ models.SamplingConfig) ([]any, int64, error) {
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

func TestOrchestrator_CancelMidSamplingReachesTerminalStateWithoutReport(t *testing.T) {
	store := &recordingStore{}
	sink := &recordingSink{}
	o, connID := newTestOrchestrator(t, store, sink)
	o.readers[models.DriverPostgres] = func(registry.Pool) sampling.ColumnReader { return blockingReader{} }
	o.cfg.CancellationDeadline = time.Second

	jobID, err := o.Submit(context.Background(), models.ScanRequest{ConnectionID: connID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.states) > 0 && store.states[len(store.states)-1] == models.StateSampling
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Cancel(jobID))

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		last := store.states[len(store.states)-1]
		return last == models.StateCancelled || last == models.StateFailed
	}, 3*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	finalized := store.finalized
	store.mu.Unlock()
	assert.False(t, finalized, "a cancelled job must never persist a compliance report")
}

func TestOrchestrator_CancelAlreadyTerminalJobIsDistinctFromUnknownJob(t *testing.T) {
	store := &recordingStore{}
	sink := &recordingSink{}
	o, connID := newTestOrchestrator(t, store, sink)

	jobID, err := o.Submit(context.Background(), models.ScanRequest{ConnectionID: connID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.finalized
	}, 2*time.Second, 10*time.Millisecond)

	err = o.Cancel(jobID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAlreadyTerminal))

	err = o.Cancel(uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
	assert.False(t, apperrors.Is(err, apperrors.KindAlreadyTerminal))
}

func TestOrchestrator_SubmitResourceExhaustedWhenQueueFull(t *testing.T) {
	store := &recordingStore{}
	sink := &recordingSink{}
	o, connID := newTestOrchestrator(t, store, sink)
	o.cfg.MaxQueued = 0

	_, err := o.Submit(context.Background(), models.ScanRequest{ConnectionID: connID})
	assert.Error(t, err)
}
