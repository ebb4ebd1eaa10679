package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is every environment-variable-driven setting the job runner reads,
// matching spec §6's "Environment" list field-for-field.
type Config struct {
	Backend           string
	JobServerEndpoint string
	QueueUser         string
	QueuePass         string

	PollInterval    time.Duration
	JobLoopInterval time.Duration
	MaxWorkers      int

	DockerRegistry string

	HighPrivacyWorkspacesDir   string
	MediumPrivacyWorkspacesDir string // empty disables medium-privacy mirroring

	JobLogDir    string
	DatabaseFile string
	TmpDir       string

	LocalRunMode          bool
	UsingDummyDataBackend bool
	TempDatabaseName      string

	// DatabaseURLs maps database name -> connection URL, populated from
	// every DATABASE_URL_<NAME> environment variable.
	DatabaseURLs map[string]string
}

// Load reads Config from the process environment, applying the same
// defaults a developer running this against a local Docker daemon would
// expect, and failing fast on anything required but absent.
func Load() (*Config, error) {
	cfg := &Config{
		Backend:           os.Getenv("BACKEND"),
		JobServerEndpoint: os.Getenv("JOB_SERVER_ENDPOINT"),
		QueueUser:         os.Getenv("QUEUE_USER"),
		QueuePass:         os.Getenv("QUEUE_PASS"),
		DockerRegistry:    getEnvDefault("DOCKER_REGISTRY", "docker.opensafely.org"),

		HighPrivacyWorkspacesDir:   os.Getenv("HIGH_PRIVACY_WORKSPACES_DIR"),
		MediumPrivacyWorkspacesDir: os.Getenv("MEDIUM_PRIVACY_WORKSPACES_DIR"),
		JobLogDir:                  os.Getenv("JOB_LOG_DIR"),
		DatabaseFile:               getEnvDefault("DATABASE_FILE", "jobrunner.db"),
		TmpDir:                     getEnvDefault("TMP_DIR", os.TempDir()),

		LocalRunMode:          getEnvBool("LOCAL_RUN_MODE", false),
		UsingDummyDataBackend: getEnvBool("USING_DUMMY_DATA_BACKEND", false),
		TempDatabaseName:      os.Getenv("TEMP_DATABASE_NAME"),

		DatabaseURLs: parseDatabaseURLs(os.Environ()),
	}

	var err error
	cfg.PollInterval, err = getEnvDuration("POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.JobLoopInterval, err = getEnvDuration("JOB_LOOP_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	cfg.MaxWorkers, err = getEnvInt("MAX_WORKERS", 5)
	if err != nil {
		return nil, err
	}

	if !cfg.LocalRunMode {
		if cfg.HighPrivacyWorkspacesDir == "" {
			return nil, fmt.Errorf("HIGH_PRIVACY_WORKSPACES_DIR must be set")
		}
		if cfg.DatabaseFile == "" {
			return nil, fmt.Errorf("DATABASE_FILE must be set")
		}
	}

	return cfg, nil
}

func getEnvDefault(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvBool(name string, fallback bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(name string, fallback int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}

func getEnvDuration(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}

// parseDatabaseURLs builds the database-name -> URL map from every
// DATABASE_URL_<NAME> environment variable, e.g. DATABASE_URL_DEFAULT maps
// to database name "default".
func parseDatabaseURLs(environ []string) map[string]string {
	const prefix = "DATABASE_URL_"
	urls := map[string]string{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		urls[name] = parts[1]
	}
	return urls
}
