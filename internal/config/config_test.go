package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("S3_HOST", "store.local")
	t.Setenv("S3_PORT", "9100")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("JOB_PREFIX", "tenants/jobs/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "store.local", cfg.S3Host)
	assert.Equal(t, 9100, cfg.S3Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "tenants/jobs/", cfg.JobPrefix)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("S3_PORT", "not-a-port")

	_, err := Load()
	assert.Error(t, err)
}

func TestEndpoints(t *testing.T) {
	cfg := &Config{S3Host: "minio", S3Port: 9000, MQTTHost: "mosquitto", MQTTPort: 8883}

	assert.Equal(t, "minio:9000", cfg.S3Endpoint())
	assert.Equal(t, "ssl://mosquitto:8883", cfg.MQTTEndpoint())

	cfg.DevMode = true
	assert.Equal(t, "tcp://mosquitto:8883", cfg.MQTTEndpoint())
}
