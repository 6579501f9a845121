package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "localhost", cfg.Master.Host)
	assert.Equal(t, 9001, cfg.Master.Port)
	assert.Equal(t, "localhost:9001", cfg.Master.Endpoint())
	require.Len(t, cfg.Master.Storages, 1)
	assert.Equal(t, "disk", cfg.Master.Storages[0].Name)
	assert.Equal(t, "sharedfs", cfg.Master.Storages[0].Backend)
	assert.Equal(t, 60*time.Second, cfg.Worker.CleanupInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoaderPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dcf.yaml")
	yamlContent := `
master:
  port: 9100
  secret: from-file
worker:
  master_endpoint: "localhost:9100"
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	env := map[string]string{
		"DCF_SECRET":    "from-env",
		"DCF_LOG_LEVEL": "warn",
	}

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithEnv(func(k string) string { return env[k] }).
		WithCmdArgs(map[string]string{"logging.level": "error"}).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Master.Port)
	assert.Equal(t, "from-env", cfg.Master.Secret)
	assert.Equal(t, "from-env", cfg.Worker.Secret)
	assert.Equal(t, "localhost:9100", cfg.Worker.MasterEndpoint)
	assert.Equal(t, "error", cfg.Logging.Level)
	// untouched fields keep defaults
	assert.Equal(t, "localhost", cfg.Master.Host)
}

func TestLoaderMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).
		WithEnv(func(string) string { return "" }).
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoaderEnvDuration(t *testing.T) {
	cfg, err := NewLoader().
		WithEnv(func(k string) string {
			if k == "DCF_WORKER_CLEANUP_INTERVAL" {
				return "5s"
			}
			return ""
		}).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Worker.CleanupInterval)
}

func TestLoaderInvalidEnv(t *testing.T) {
	_, err := NewLoader().
		WithEnv(func(k string) string {
			if k == "DCF_MASTER_PORT" {
				return "not-a-port"
			}
			return ""
		}).
		Load()
	assert.Error(t, err)
}

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		value string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name:  "yaml tag path",
			path:  "worker.master_endpoint",
			value: "10.0.0.1:9001",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "10.0.0.1:9001", cfg.Worker.MasterEndpoint)
			},
		},
		{
			name:  "field name path",
			path:  "master.HandshakeTimeout",
			value: "3s",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3*time.Second, cfg.Master.HandshakeTimeout)
			},
		},
		{
			name:  "int field",
			path:  "worker.port",
			value: "7001",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7001, cfg.Worker.Port)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			require.NoError(t, setConfigValue(cfg, tt.path, tt.value))
			tt.check(t, cfg)
		})
	}
}

func TestSetConfigValueUnknownPath(t *testing.T) {
	err := setConfigValue(DefaultConfig(), "master.nope", "1")
	assert.Error(t, err)

	err = setConfigValue(DefaultConfig(), "master.port.deeper", "1")
	assert.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Master.Port = 70000
	cfg.Master.Storages = []StorageConfig{
		{Name: "a", Backend: "memory"},
		{Name: "a", Backend: "tape"},
	}
	cfg.Worker.MasterEndpoint = "no-port"
	cfg.Worker.CleanupInterval = 0
	cfg.Logging.Output = "file"

	err := cfg.Validate()
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)

	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	assert.True(t, fields["master.port"])
	assert.True(t, fields["master.storages[1].name"])
	assert.True(t, fields["master.storages[1].backend"])
	assert.True(t, fields["worker.master_endpoint"])
	assert.True(t, fields["worker.cleanup_interval"])
	assert.True(t, fields["logging.file_path"])
}

func TestIsValidAddress(t *testing.T) {
	assert.True(t, isValidAddress("localhost:9001"))
	assert.True(t, isValidAddress("127.0.0.1:80"))
	assert.True(t, isValidAddress(":9001"))
	assert.False(t, isValidAddress("localhost"))
	assert.False(t, isValidAddress("bad_host!:80"))
}
