// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ExecutorMode selects the executor implementation.
type ExecutorMode string

// Executor modes.
const (
	ExecutorStub ExecutorMode = "stub"
	ExecutorReal ExecutorMode = "real"
)

// RetryConfig bounds provider call retries.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay_seconds"`
	MaxDelay    time.Duration `json:"max_delay_seconds"`
}

// ProviderModel is one provider:model entry of the fallback chain.
type ProviderModel struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// AlertThresholds are compared against runtime metrics by /alerts.
type AlertThresholds struct {
	MaxErrorRate     float64 `json:"max_error_rate"`
	MaxP95LatencyMS  float64 `json:"max_p95_latency_ms"`
	MaxTotalCostUSD  float64 `json:"max_total_cost_usd"`
	MaxQueueDepth    int     `json:"max_queue_depth"`
}

// Config is the full service configuration.
type Config struct {
	HTTPPort string

	// AuthMode "token" requires X-Tenant-ID; "local" defaults the tenant.
	AuthMode string

	StoreBackend string // "postgres" or "memory"

	ExecutorMode ExecutorMode

	MaxRunsPerSession       int
	MaxUploadBytes          int64
	AllowedUploadMIMETypes  []string
	CostPerMillionTokens    float64
	SessionTTL              time.Duration
	ArtifactTTL             time.Duration
	CleanupInterval         time.Duration
	GracefulShutdownTimeout time.Duration

	WorkspaceRoot string
	ArtifactRoot  string

	ProviderRetry RetryConfig
	FallbackChain []ProviderModel
	Alerts        AlertThresholds

	AnthropicAPIKey string
}

// DefaultTenant is the tenant assigned when auth mode is "local".
const DefaultTenant = "local-dev"

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		AuthMode:     getEnv("AUTH_MODE", "local"),
		StoreBackend: getEnv("STORE_BACKEND", "postgres"),
		ExecutorMode: ExecutorMode(getEnv("EXECUTOR_MODE", string(ExecutorStub))),

		MaxRunsPerSession:       getEnvInt("MAX_RUNS_PER_SESSION", 50),
		MaxUploadBytes:          int64(getEnvInt("MAX_UPLOAD_BYTES", 2<<20)),
		AllowedUploadMIMETypes:  splitList(getEnv("ALLOWED_UPLOAD_MIME_TYPES", "text/plain,text/markdown,application/pdf")),
		CostPerMillionTokens:    getEnvFloat("COST_PER_MILLION_TOKENS", 3.0),
		SessionTTL:              getEnvSeconds("SESSION_TTL_SECONDS", 0),
		ArtifactTTL:             getEnvSeconds("ARTIFACT_TTL_SECONDS", 0),
		CleanupInterval:         getEnvSeconds("CLEANUP_INTERVAL_SECONDS", 300),
		GracefulShutdownTimeout: getEnvSeconds("GRACEFUL_SHUTDOWN_TIMEOUT_SECONDS", 30),

		WorkspaceRoot: getEnv("WORKSPACE_ROOT", "./data/workspaces"),
		ArtifactRoot:  getEnv("ARTIFACT_ROOT", "./data/artifacts"),

		ProviderRetry: RetryConfig{
			MaxAttempts: getEnvInt("PROVIDER_RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvSeconds("PROVIDER_RETRY_BASE_DELAY_SECONDS", 1),
			MaxDelay:    getEnvSeconds("PROVIDER_RETRY_MAX_DELAY_SECONDS", 30),
		},
		Alerts: AlertThresholds{
			MaxErrorRate:    getEnvFloat("ALERT_MAX_ERROR_RATE", 0.25),
			MaxP95LatencyMS: getEnvFloat("ALERT_MAX_P95_LATENCY_MS", 120000),
			MaxTotalCostUSD: getEnvFloat("ALERT_MAX_TOTAL_COST_USD", 50),
			MaxQueueDepth:   getEnvInt("ALERT_MAX_QUEUE_DEPTH", 25),
		},

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
	}

	chain, err := parseFallbackChain(getEnv("FALLBACK_CHAIN", "anthropic:claude-sonnet-4-5"))
	if err != nil {
		return nil, err
	}
	cfg.FallbackChain = chain

	switch cfg.ExecutorMode {
	case ExecutorStub, ExecutorReal:
	default:
		return nil, fmt.Errorf("invalid EXECUTOR_MODE %q: must be stub or real", cfg.ExecutorMode)
	}
	switch cfg.AuthMode {
	case "local", "token":
	default:
		return nil, fmt.Errorf("invalid AUTH_MODE %q: must be local or token", cfg.AuthMode)
	}
	switch cfg.StoreBackend {
	case "postgres", "memory":
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be postgres or memory", cfg.StoreBackend)
	}

	return cfg, nil
}

// parseFallbackChain parses a comma-separated "provider:model,…" list.
func parseFallbackChain(raw string) ([]ProviderModel, error) {
	var chain []ProviderModel
	for _, entry := range splitList(raw) {
		provider, model, ok := strings.Cut(entry, ":")
		if !ok || provider == "" || model == "" {
			return nil, fmt.Errorf("invalid FALLBACK_CHAIN entry %q: want provider:model", entry)
		}
		chain = append(chain, ProviderModel{Provider: provider, Model: model})
	}
	return chain, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
