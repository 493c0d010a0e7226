package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)

	"github.com/privsense/engine/pkg/config"
	"github.com/privsense/engine/pkg/crypto"
	"github.com/privsense/engine/pkg/database"
	"github.com/privsense/engine/pkg/detection"
	"github.com/privsense/engine/pkg/metadata"
	metadatamssql "github.com/privsense/engine/pkg/metadata/mssql"
	metadatapostgres "github.com/privsense/engine/pkg/metadata/postgres"
	"github.com/privsense/engine/pkg/middleware"
	"github.com/privsense/engine/pkg/models"
	"github.com/privsense/engine/pkg/ner"
	"github.com/privsense/engine/pkg/orchestrator"
	"github.com/privsense/engine/pkg/registry"
	"github.com/privsense/engine/pkg/sampling"
	samplingmssql "github.com/privsense/engine/pkg/sampling/mssql"
	samplingpostgres "github.com/privsense/engine/pkg/sampling/postgres"
	"github.com/privsense/engine/pkg/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// migrationsPath is relative to the process working directory, matching the
// convention of a top-level migrations/ directory alongside the binary.
const migrationsPath = "migrations"

// encryptCredentialFlag lets an operator produce the ciphertext that
// belongs in a CONN_<NAME>_CREDENTIALS env var, without hand-rolling the
// AES-GCM framing crypto.CredentialEncryptor expects. Exits the process
// once handled; it never starts the scan engine in the same invocation.
var encryptCredentialFlag = flag.String("encrypt-credential", "", "encrypt a plaintext connection credential with PRIVSENSE_CREDENTIALS_KEY and print the ciphertext, then exit")

func main() {
	flag.Parse()

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.CredentialsKey == "" {
		logger.Fatal("PRIVSENSE_CREDENTIALS_KEY is required. Generate with: openssl rand -base64 32")
	}
	credentialEncryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("failed to initialize credential encryptor", zap.Error(err))
	}

	if *encryptCredentialFlag != "" {
		ciphertext, err := credentialEncryptor.Encrypt(*encryptCredentialFlag)
		if err != nil {
			logger.Fatal("failed to encrypt credential", zap.Error(err))
		}
		fmt.Println(ciphertext)
		return
	}

	ctx := context.Background()
	storeDB, err := setupStoreDatabase(ctx, &cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to set up persistence layer", zap.Error(err))
	}
	defer storeDB.Close()

	repo := store.New(storeDB.Pool, logger)

	reg := registry.New(registry.Config{
		MaxConcurrentHandles: cfg.Registry.MaxConcurrentHandles,
		HandleAcquireTimeout: time.Duration(cfg.Registry.HandleAcquireTimeoutSeconds) * time.Second,
	}, map[models.Driver]registry.PoolFactory{
		models.DriverPostgres: metadatapostgres.Factory,
		models.DriverMSSQL:    metadatamssql.Factory,
	}, credentialEncryptor, logger)

	for _, conn := range cfg.Connections {
		registerStartupConnection(ctx, reg, conn, logger)
	}

	extractors := map[models.Driver]metadata.Extractor{
		models.DriverPostgres: metadatapostgres.Extractor{},
		models.DriverMSSQL:    metadatamssql.Extractor{},
	}

	pipeline := buildDetectionPipeline(cfg, logger)

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrentJobs:    cfg.Orchestrator.Workers,
		MaxQueued:            cfg.Orchestrator.MaxQueued,
		CancellationDeadline: time.Duration(cfg.Orchestrator.CancellationDeadlineSeconds) * time.Second,
	}, orchestrator.Deps{
		Registry:   reg,
		Extractors: extractors,
		Readers:    buildReaderFactories(logger),
		Pipeline:   pipeline,
		Store:      repo,
		Sink:       nil, // no notification sink wired; §6.1's consumer is an omitted HTTP layer
		Logger:     logger,
	})
	_ = orch // long-lived; Submit/Cancel/GetReport are called by the omitted HTTP layer (§6.1), not built here

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	handler := middleware.RequestLogger(logger)(mux)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: handler,
	}

	shutdownComplete := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
		close(shutdownComplete)
	}()

	logger.Info("starting privsense scan engine", zap.String("addr", cfg.BindAddr+":"+cfg.Port), zap.String("version", cfg.Version))
	var serveErr error
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		serveErr = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	} else {
		serveErr = server.ListenAndServe()
	}
	if serveErr != nil && serveErr != http.ErrServerClosed {
		logger.Fatal("server failed", zap.Error(serveErr))
	}

	<-shutdownComplete
	logger.Info("shutdown complete")
}

// buildDetectionPipeline wires the NER strategy only when an endpoint is
// configured; a failed startup health probe leaves the NER client in a
// permanently-disabled state (§4.4.3) rather than blocking the other two
// strategies.
func buildDetectionPipeline(cfg *config.Config, logger *zap.Logger) *detection.Pipeline {
	heuristic := detection.NewHeuristicStrategy()
	regex := detection.NewRegexStrategy()

	var nerStrategy detection.Strategy
	if cfg.NER.BaseURL != "" {
		nerClient := ner.NewClient(ner.Config{
			BaseURL:          cfg.NER.BaseURL,
			MaxSamples:       cfg.NER.MaxSamples,
			Timeout:          time.Duration(cfg.NER.TimeoutSeconds) * time.Second,
			FailureThreshold: cfg.NER.FailureThreshold,
			ResetTimeout:     time.Duration(cfg.NER.ResetTimeoutSeconds) * time.Second,
		}, logger)

		probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := nerClient.Probe(probeCtx); err != nil {
			logger.Warn("ner service startup health probe failed; NER strategy disabled for this process lifetime", zap.Error(err))
		}
		cancel()

		nerStrategy = detection.NewNerStrategy(nerClient)
	}

	return detection.NewPipeline(heuristic, regex, nerStrategy, logger)
}

func buildReaderFactories(logger *zap.Logger) map[models.Driver]orchestrator.ReaderFactory {
	return map[models.Driver]orchestrator.ReaderFactory{
		models.DriverPostgres: func(pool registry.Pool) sampling.ColumnReader {
			pgPool, _ := pool.(*pgxpool.Pool)
			return &samplingpostgres.Reader{Pool: pgPool, Logger: logger}
		},
		models.DriverMSSQL: func(pool registry.Pool) sampling.ColumnReader {
			db, _ := metadatamssql.DB(pool)
			return &samplingmssql.Reader{DB: db, Logger: logger}
		},
	}
}

// registerStartupConnection reads the CONN_<NAME>_CREDENTIALS env var —
// the AES-256-GCM ciphertext produced by `-encrypt-credential` — and hands
// it to the registry unmodified; the registry decrypts it just-in-time
// with the same PRIVSENSE_CREDENTIALS_KEY before opening the pool.
func registerStartupConnection(ctx context.Context, reg *registry.Registry, conn config.ConnectionConfig, logger *zap.Logger) {
	credentials := os.Getenv("CONN_" + conn.Name + "_CREDENTIALS")
	if credentials == "" {
		logger.Error("skipping startup connection: credentials env var not set", zap.String("connection", conn.Name))
		return
	}

	descriptor := models.ConnectionDescriptor{
		Name:     conn.Name,
		Driver:   models.Driver(conn.Driver),
		Host:     config.ResolveHostForDocker(conn.Host),
		Port:     conn.Port,
		Database: conn.Database,
		Username: conn.Username,
		TLS:      conn.TLS,
	}

	id, err := reg.Register(ctx, descriptor, credentials)
	if err != nil {
		logger.Error("failed to register startup connection", zap.String("connection", conn.Name), zap.Error(err))
		return
	}
	logger.Info("registered startup connection", zap.String("connection", conn.Name), zap.String("id", id.String()))
}

func setupStoreDatabase(ctx context.Context, cfg *config.StoreConfig, logger *zap.Logger) (*database.DB, error) {
	databaseURL := fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)

	logger.Info("running persistence-layer migrations")
	if err := runMigrations(databaseURL, logger); err != nil {
		return nil, err
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            databaseURL,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store database: %w", err)
	}
	return db, nil
}

func runMigrations(databaseURL string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect for migrations: %w", err)
	}

	if err := database.RunMigrations(db, migrationsPath); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}
