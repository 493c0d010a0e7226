package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupConfigTest creates config.yaml in a temp directory and changes to it.
func setupConfigTest(t *testing.T, yamlContent string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	originalDir, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(tmpDir))
	t.Cleanup(func() { _ = os.Chdir(originalDir) })

	return tmpDir
}

func TestLoad_Defaults(t *testing.T) {
	setupConfigTest(t, "env: local\n")

	cfg, err := Load("test-version")
	require.NoError(t, err)

	assert.Equal(t, "test-version", cfg.Version)
	assert.Equal(t, "8443", cfg.Port)
	assert.Equal(t, 100, cfg.Sampler.SampleSize)
	assert.Equal(t, "RANDOM", cfg.Sampler.Method)
	assert.Equal(t, 5, cfg.Sampler.MaxConcurrentQueries)
	assert.Equal(t, 0.7, cfg.Detection.HeuristicThreshold)
	assert.Equal(t, 0.8, cfg.Detection.RegexThreshold)
	assert.Equal(t, 0.3, cfg.Detection.NERThreshold)
	assert.Equal(t, 0.5, cfg.Detection.ReportingThreshold)
	assert.True(t, cfg.Detection.StopPipelineOnHighConfidence)
	assert.Equal(t, "GRAPH", cfg.QuasiIdentifier.Algorithm)
	assert.Equal(t, 2, cfg.QuasiIdentifier.MinGroupSize)
	assert.Equal(t, 10, cfg.Registry.MaxConcurrentHandles)
	assert.Equal(t, 100, cfg.Orchestrator.MaxQueued)
	assert.Equal(t, "http://localhost:8443", cfg.BaseURL)
}

func TestLoad_BaseURLHonorsTLS(t *testing.T) {
	dir := setupConfigTest(t, "env: local\nport: \"9443\"\n")
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("cert"), 0644))
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0644))

	setupConfigTest(t, "env: local\nport: \"9443\"\ntls_cert_path: "+certPath+"\ntls_key_path: "+keyPath+"\n")

	cfg, err := Load("v")
	require.NoError(t, err)
	assert.Equal(t, "https://localhost:9443", cfg.BaseURL)
}

func TestLoad_TLSRequiresBothFiles(t *testing.T) {
	setupConfigTest(t, "env: local\ntls_cert_path: /nonexistent/cert.pem\n")

	_, err := Load("v")
	assert.Error(t, err)
}

func TestStoreConfig_ConnectionString(t *testing.T) {
	c := StoreConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "privsense",
		Password: "secret",
		Database: "privsense",
		SSLMode:  "require",
	}
	assert.Equal(t, "host=db.internal port=5432 user=privsense password=secret dbname=privsense sslmode=require", c.ConnectionString())
}
