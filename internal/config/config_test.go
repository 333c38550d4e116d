package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv(envPersistenceURL, "host=localhost dbname=engine")
	t.Setenv(envPersistenceKey, "secret")
	t.Setenv(envInitialCapitalUSD, "10000")
}

func TestLoadFailsWithoutAnyRPCVariable(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envRPCURL, "")
	t.Setenv(envProviderAPIKey, "")
	t.Setenv(envLegacyRPCURL, "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrNoRPCEndpoint)
}

func TestRPCURLTakesPriority(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envRPCURL, "https://rpc.example:443")
	t.Setenv(envLegacyRPCURL, "https://legacy.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://rpc.example:443", cfg.RPCURL)
}

func TestProviderKeyTemplatesURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envRPCURL, "")
	t.Setenv(envProviderAPIKey, "key-123")
	t.Setenv(envProviderURLTemplate, "https://provider.example/v1/%s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://provider.example/v1/key-123", cfg.RPCURL)
}

func TestProviderKeyWithoutTemplateFails(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envRPCURL, "")
	t.Setenv(envProviderAPIKey, "key-123")
	t.Setenv(envProviderURLTemplate, "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLegacyFallback(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envRPCURL, "")
	t.Setenv(envProviderAPIKey, "")
	t.Setenv(envLegacyRPCURL, "https://legacy.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://legacy.example", cfg.RPCURL)
}

func TestDefaultsAndOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envRPCURL, "https://rpc.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentPools)
	assert.Equal(t, 0.30, cfg.MaxExposurePct)

	t.Setenv(envMaxConcurrentPools, "5")
	t.Setenv(envMaxExposurePct, "0.5")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxConcurrentPools)
	assert.Equal(t, 0.5, cfg.MaxExposurePct)
}

func TestInvalidNumericValuesFail(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv(envRPCURL, "https://rpc.example")

	t.Setenv(envInitialCapitalUSD, "not-a-number")
	_, err := Load()
	require.Error(t, err)

	t.Setenv(envInitialCapitalUSD, "10000")
	t.Setenv(envMaxExposurePct, "1.5")
	_, err = Load()
	require.Error(t, err)
}
