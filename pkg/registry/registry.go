// Package registry implements the Connection Registry (spec §4.1): it holds
// registered database connection descriptors and hands out pooled handles
// under a per-connection bounded concurrency ceiling. Grounded on the
// existing datasource connection manager pattern (TTL-based pooling,
// retried health checks), adapted from a multi-tenant pool cache keyed by
// project/user/datasource to a single-descriptor registry with a bounded
// in-flight handle semaphore per connection.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/crypto"
	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/retry"
)

// Pool is the minimal pool contract a dialect adapter must satisfy so the
// registry can health-check and close it without depending on pgxpool or
// database/sql directly.
type Pool interface {
	Ping(ctx context.Context) error
	Close()
}

// PoolFactory builds a dialect-specific connection pool for a descriptor.
// decryptedCredentials is the plaintext secret, decrypted just-in-time and
// never retained by the registry itself.
type PoolFactory func(ctx context.Context, descriptor models.ConnectionDescriptor, decryptedCredentials string) (Pool, error)

// Config holds Connection Registry settings (spec §4.1, §5).
type Config struct {
	MaxConcurrentHandles int
	HandleAcquireTimeout time.Duration
}

// Handle is a borrowed, live reference to a connection's pool. Callers must
// call Release exactly once when finished.
type Handle struct {
	Pool Pool

	registry *Registry
	id       uuid.UUID
}

// Release returns the handle's permit to the registry.
func (h *Handle) Release() {
	h.registry.release(h.id)
}

type entry struct {
	descriptor models.ConnectionDescriptor
	pool       Pool
	sem        chan struct{}
	liveCount  int
	mu         sync.Mutex
}

// Registry is the Connection Registry: register/lookup/borrow/release/unregister.
type Registry struct {
	cfg       Config
	factory   map[models.Driver]PoolFactory
	encryptor *crypto.CredentialEncryptor
	logger    *zap.Logger

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

// New constructs a Registry with the given dialect pool factories.
// encryptor decrypts each Register call's at-rest credentials blob
// just-in-time before it reaches a PoolFactory; a nil encryptor means
// callers pass already-plaintext credentials (tests; the binary refuses to
// start without PRIVSENSE_CREDENTIALS_KEY, so it always passes one).
func New(cfg Config, factories map[models.Driver]PoolFactory, encryptor *crypto.CredentialEncryptor, logger *zap.Logger) *Registry {
	if cfg.MaxConcurrentHandles <= 0 {
		cfg.MaxConcurrentHandles = 10
	}
	if cfg.HandleAcquireTimeout <= 0 {
		cfg.HandleAcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:       cfg,
		factory:   factories,
		encryptor: encryptor,
		logger:    logger.Named("registry"),
		entries:   make(map[uuid.UUID]*entry),
	}
}

// Register opens a pool for descriptor and adds it to the registry, assigning
// an id if the descriptor doesn't already carry one. credentials is the
// encrypted-at-rest blob described on models.ConnectionDescriptor.Credentials
// (crypto.CredentialEncryptor.Encrypt's output); Register decrypts it
// in-memory, hands the plaintext to the dialect's PoolFactory, and retains
// only the still-encrypted blob on the stored descriptor. Credentials are
// never logged in either form.
func (r *Registry) Register(ctx context.Context, descriptor models.ConnectionDescriptor, credentials string) (uuid.UUID, error) {
	factory, ok := r.factory[descriptor.Driver]
	if !ok {
		return uuid.Nil, apperrors.New(apperrors.KindValidation, "unsupported driver: "+string(descriptor.Driver))
	}
	if descriptor.ID == uuid.Nil {
		descriptor.ID = uuid.New()
	}

	plaintext := credentials
	if r.encryptor != nil {
		decrypted, err := r.encryptor.Decrypt(credentials)
		if err != nil {
			return uuid.Nil, apperrors.Wrap(apperrors.KindValidation, "decrypting connection credentials failed", err)
		}
		plaintext = decrypted
	}

	pool, err := retry.DoResultIfRetryable(ctx, retry.DefaultConfig(), func() (Pool, error) {
		return factory(ctx, descriptor, plaintext)
	})
	if err != nil {
		r.logger.Error("failed to open connection pool",
			zap.String("connectionID", descriptor.ID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return uuid.Nil, apperrors.Wrap(apperrors.KindConnection, "open pool failed", err)
	}

	descriptor.Credentials = credentials
	r.mu.Lock()
	r.entries[descriptor.ID] = &entry{
		descriptor: descriptor,
		pool:       pool,
		sem:        make(chan struct{}, r.cfg.MaxConcurrentHandles),
	}
	r.mu.Unlock()

	r.logger.Info("registered connection",
		zap.String("connectionID", descriptor.ID.String()),
		zap.String("driver", string(descriptor.Driver)),
	)
	return descriptor.ID, nil
}

// Lookup returns the descriptor for id with credentials scrubbed, never the
// live pool. Returns apperrors.ErrNotFound if unknown.
func (r *Registry) Lookup(id uuid.UUID) (models.ConnectionDescriptor, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return models.ConnectionDescriptor{}, apperrors.Wrap(apperrors.KindNotFound, "connection not registered", apperrors.ErrNotFound)
	}
	d := e.descriptor
	d.Credentials = ""
	return d, nil
}

// Borrow acquires a handle to id's pool, blocking until a permit frees up or
// ctx/the configured acquire timeout expires, whichever comes first. Returns
// ResourceExhausted on timeout.
func (r *Registry) Borrow(ctx context.Context, id uuid.UUID) (*Handle, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.Wrap(apperrors.KindNotFound, "connection not registered", apperrors.ErrNotFound)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, r.cfg.HandleAcquireTimeout)
	defer cancel()

	select {
	case e.sem <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, apperrors.Wrap(apperrors.KindResourceExhausted, "handle acquire timed out", apperrors.ErrResourceExhausted)
	}

	if err := e.pool.Ping(ctx); err != nil {
		<-e.sem
		return nil, apperrors.Wrap(apperrors.KindConnection, "pool unreachable", err)
	}

	e.mu.Lock()
	e.liveCount++
	e.mu.Unlock()

	return &Handle{Pool: e.pool, registry: r, id: id}, nil
}

func (r *Registry) release(id uuid.UUID) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.liveCount > 0 {
		e.liveCount--
	}
	e.mu.Unlock()
	<-e.sem
}

// Unregister closes and removes id's pool. Fails with Busy if handles are
// still live.
func (r *Registry) Unregister(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return apperrors.Wrap(apperrors.KindNotFound, "connection not registered", apperrors.ErrNotFound)
	}

	e.mu.Lock()
	live := e.liveCount
	e.mu.Unlock()
	if live > 0 {
		return apperrors.Wrap(apperrors.KindBusy, "connection has live handles", apperrors.ErrBusy)
	}

	e.pool.Close()
	delete(r.entries, id)
	r.logger.Info("unregistered connection", zap.String("connectionID", id.String()))
	return nil
}

// Stats describes current registry occupancy, useful for diagnostics.
type Stats struct {
	TotalConnections int
	LiveHandles      map[uuid.UUID]int
}

// Stats returns a snapshot of registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{TotalConnections: len(r.entries), LiveHandles: make(map[uuid.UUID]int, len(r.entries))}
	for id, e := range r.entries {
		e.mu.Lock()
		s.LiveHandles[id] = e.liveCount
		e.mu.Unlock()
	}
	return s
}
