package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		t.Setenv(name, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "BACKEND", "JOB_SERVER_ENDPOINT", "QUEUE_USER", "QUEUE_PASS",
		"DOCKER_REGISTRY", "HIGH_PRIVACY_WORKSPACES_DIR", "MEDIUM_PRIVACY_WORKSPACES_DIR",
		"JOB_LOG_DIR", "DATABASE_FILE", "TMP_DIR", "LOCAL_RUN_MODE",
		"USING_DUMMY_DATA_BACKEND", "TEMP_DATABASE_NAME", "POLL_INTERVAL",
		"JOB_LOOP_INTERVAL", "MAX_WORKERS")
	t.Setenv("LOCAL_RUN_MODE", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "docker.opensafely.org", cfg.DockerRegistry)
	assert.Equal(t, "jobrunner.db", cfg.DatabaseFile)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, time.Second, cfg.JobLoopInterval)
	assert.Equal(t, 5, cfg.MaxWorkers)
}

func TestLoadRequiresHighPrivacyDirOutsideLocalRunMode(t *testing.T) {
	clearEnv(t, "LOCAL_RUN_MODE", "HIGH_PRIVACY_WORKSPACES_DIR")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HIGH_PRIVACY_WORKSPACES_DIR")
}

func TestLoadParsesDatabaseURLs(t *testing.T) {
	t.Setenv("LOCAL_RUN_MODE", "true")
	t.Setenv("DATABASE_URL_DEFAULT", "postgres://default")
	t.Setenv("DATABASE_URL_INCLUDE_T1_OE", "postgres://cohort-extractor")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://default", cfg.DatabaseURLs["default"])
	assert.Equal(t, "postgres://cohort-extractor", cfg.DatabaseURLs["include_t1_oe"])
}

func TestLoadInvalidDurationErrors(t *testing.T) {
	t.Setenv("LOCAL_RUN_MODE", "true")
	t.Setenv("POLL_INTERVAL", "not-a-duration")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
}

func TestLoadInvalidMaxWorkersErrors(t *testing.T) {
	t.Setenv("LOCAL_RUN_MODE", "true")
	t.Setenv("MAX_WORKERS", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}
