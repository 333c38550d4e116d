// Package config loads process configuration from environment variables.
// Every required value is validated at load time and never silently
// defaulted, matching the fail-loud posture the rest of the engine expects
// from its inputs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// ErrNoRPCEndpoint is returned when none of the RPC priority variables resolve.
var ErrNoRPCEndpoint = errors.New("config: no RPC endpoint could be resolved from RPC_URL, <PROVIDER>_API_KEY, or legacy fallback")

// Config holds everything the engine needs at boot. All fields are populated
// by Load and validated before the engine's six loops ever start.
type Config struct {
	RPCURL string // resolved endpoint, priority 1/2/3 below

	PersistenceURL string
	PersistenceKey string

	InitialCapitalUSD  float64
	MaxConcurrentPools int
	MaxExposurePct     float64

	LogLevel string
}

// envProviderAPIKey is the environment variable carrying a provider API key
// used to construct a provider-templated RPC URL (priority 2). The template
// itself is provider-specific; operators set RPC_PROVIDER_URL_TEMPLATE with a
// single "%s" placeholder for the key.
const (
	envRPCURL              = "RPC_URL"
	envProviderAPIKey      = "RPC_PROVIDER_API_KEY"
	envProviderURLTemplate = "RPC_PROVIDER_URL_TEMPLATE"
	envLegacyRPCURL        = "LEGACY_RPC_URL"
	envPersistenceURL      = "PERSISTENCE_URL"
	envPersistenceKey      = "PERSISTENCE_KEY"
	envInitialCapitalUSD   = "INITIAL_CAPITAL_USD"
	envMaxConcurrentPools  = "MAX_CONCURRENT_POOLS"
	envMaxExposurePct      = "MAX_EXPOSURE_PCT"
	envLogLevel            = "LOG_LEVEL"

	defaultMaxConcurrentPools = 3
	defaultMaxExposurePct     = 0.30
)

// Load reads and validates configuration from the environment. Absence of all
// three RPC variants causes an immediate error the caller must treat as fatal
// before any loop starts.
func Load() (Config, error) {
	log.Info().Msg("loading engine configuration from environment")

	cfg := Config{
		MaxConcurrentPools: defaultMaxConcurrentPools,
		MaxExposurePct:     defaultMaxExposurePct,
		LogLevel:           "info",
	}

	rpcURL, err := resolveRPCURL()
	if err != nil {
		return Config{}, err
	}
	cfg.RPCURL = rpcURL

	cfg.PersistenceURL, err = getEnv(envPersistenceURL)
	if err != nil {
		return Config{}, err
	}
	cfg.PersistenceKey, err = getEnv(envPersistenceKey)
	if err != nil {
		return Config{}, err
	}

	cfg.InitialCapitalUSD, err = getEnvAsFloat64(envInitialCapitalUSD)
	if err != nil {
		return Config{}, err
	}
	if cfg.InitialCapitalUSD < 0 {
		return Config{}, fmt.Errorf("config: %s must be non-negative, got %f", envInitialCapitalUSD, cfg.InitialCapitalUSD)
	}

	if v, ok := os.LookupEnv(envMaxConcurrentPools); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: %s must be a positive integer, got %q", envMaxConcurrentPools, v)
		}
		cfg.MaxConcurrentPools = n
	}

	if v, ok := os.LookupEnv(envMaxExposurePct); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			return Config{}, fmt.Errorf("config: %s must be in (0,1], got %q", envMaxExposurePct, v)
		}
		cfg.MaxExposurePct = f
	}

	if v, ok := os.LookupEnv(envLogLevel); ok && v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	log.Debug().
		Str("rpcURL", redact(cfg.RPCURL)).
		Float64("initialCapitalUSD", cfg.InitialCapitalUSD).
		Int("maxConcurrentPools", cfg.MaxConcurrentPools).
		Float64("maxExposurePct", cfg.MaxExposurePct).
		Msg("configuration loaded")

	return cfg, nil
}

// resolveRPCURL implements the priority chain: RPC_URL, then a provider API
// key templated into RPC_PROVIDER_URL_TEMPLATE, then a legacy fallback.
func resolveRPCURL() (string, error) {
	if v, ok := os.LookupEnv(envRPCURL); ok && v != "" {
		return v, nil
	}

	if key, ok := os.LookupEnv(envProviderAPIKey); ok && key != "" {
		tmpl, ok := os.LookupEnv(envProviderURLTemplate)
		if !ok || !strings.Contains(tmpl, "%s") {
			return "", fmt.Errorf("config: %s is set but %s is missing or has no %%s placeholder", envProviderAPIKey, envProviderURLTemplate)
		}
		return fmt.Sprintf(tmpl, key), nil
	}

	if v, ok := os.LookupEnv(envLegacyRPCURL); ok && v != "" {
		log.Warn().Msg("using legacy RPC_URL fallback; migrate to RPC_URL or a provider API key")
		return v, nil
	}

	return "", ErrNoRPCEndpoint
}

func getEnv(key string) (string, error) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("config: environment variable %s is required but not set", key)
}

func getEnvAsFloat64(key string) (float64, error) {
	v, err := getEnv(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a valid float64, got %q", key, v)
	}
	return f, nil
}

func redact(url string) string {
	if len(url) <= 16 {
		return "***"
	}
	return url[:12] + "...redacted"
}
