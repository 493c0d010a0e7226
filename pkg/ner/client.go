// Package ner implements the HTTP client for the remote entity-recognizer
// collaborator (spec §6.2), wrapped in a circuit breaker (§4.4.3). The
// breaker has no precedent in this codebase's other clients and is grounded on
// github.com/sony/gobreaker, the circuit-breaker library carried from the
// jordigilh-kubernaut example repo's go.mod, since its CLOSED/OPEN/HALF_OPEN
// state machine with a consecutive-failure trip condition and timed
// half-open probe is an exact match for §4.4.3's requirements.
package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/privsense/engine/pkg/apperrors"
	"github.com/privsense/engine/pkg/logging"
	"github.com/privsense/engine/pkg/retry"
)

// Config configures the NER client (spec §4.4.3, §6.2).
type Config struct {
	BaseURL          string
	MaxSamples       int
	Timeout          time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Entity is one recognized span returned by the remote recognizer.
type Entity struct {
	Text  string  `json:"text"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

type detectRequest struct {
	Samples []string `json:"samples"`
}

type detectResponse struct {
	Results [][]Entity `json:"results"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Client talks to the NER service behind a circuit breaker. The breaker's
// state is process-wide, matching §5's "process-wide, protected by a
// mutual-exclusion primitive" requirement for the NER strategy's state.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*detectResponse]
	logger  *zap.Logger

	// healthy starts false and is set true by the first successful Probe;
	// nothing sets it back to false. While it is false, Detect refuses to
	// call the recognizer.
	healthy bool
}

// NewClient constructs a Client and its circuit breaker from cfg.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ner")

	settings := gobreaker.Settings{
		Name:    "ner-detect-pii",
		Timeout: cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*detectResponse](settings),
		logger:  logger,
	}
}

// Probe consults the health endpoint once per call, retried with backoff
// against the startup race where the NER service is still booting; a
// non-200 or status != "ok" after retries are exhausted leaves the client
// disabled for the process lifetime.
func (c *Client) Probe(ctx context.Context) error {
	return retry.Do(ctx, &retry.Config{MaxRetries: 2, InitialDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, JitterFactor: 0.1}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/detect-pii/health", nil)
		if err != nil {
			return fmt.Errorf("build health request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return apperrors.Wrap(apperrors.KindNerService, "health probe failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return apperrors.New(apperrors.KindNerService, fmt.Sprintf("health probe returned status %d", resp.StatusCode))
		}

		var health healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return apperrors.Wrap(apperrors.KindNerService, "health probe decode failed", err)
		}
		if health.Status != "ok" {
			return apperrors.New(apperrors.KindNerService, "health probe reported status="+health.Status)
		}

		c.healthy = true
		return nil
	})
}

// Healthy reports whether the last Probe call succeeded.
func (c *Client) Healthy() bool { return c.healthy }

// Detect sends up to cfg.MaxSamples non-null values to the recognizer in a
// single batch, gated by the circuit breaker. Returns entities parallel to
// samples. One retry is attempted on timeout/connection failure (§4.4.3)
// before the breaker records the call as a failure.
func (c *Client) Detect(ctx context.Context, samples []string) ([][]Entity, error) {
	if !c.healthy {
		return nil, apperrors.New(apperrors.KindNerService, "ner client disabled: startup health probe never succeeded")
	}
	if len(samples) > c.cfg.MaxSamples {
		samples = samples[:c.cfg.MaxSamples]
	}

	retryCfg := &retry.Config{MaxRetries: 1, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterFactor: 0}
	resp, err := c.breaker.Execute(func() (*detectResponse, error) {
		return retry.DoResultIfRetryable(ctx, retryCfg, func() (*detectResponse, error) {
			return c.doDetect(ctx, samples)
		})
	})
	if err != nil {
		c.logger.Warn("ner detect call failed", zap.String("error", logging.SanitizeError(err)))
		return nil, apperrors.Wrap(apperrors.KindNerService, "detect-pii call failed", err)
	}
	return resp.Results, nil
}

func (c *Client) doDetect(ctx context.Context, samples []string) (*detectResponse, error) {
	body, err := json.Marshal(detectRequest{Samples: samples})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/detect-pii", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call detect-pii: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("detect-pii returned status %d: %s", resp.StatusCode, logging.TruncateString(string(data), 200))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
