package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/vaultgate/internal/config"
)

// chdir moves into an empty directory so a developer's .env cannot leak in.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)
	t.Setenv("VAULTGATE_CONFIG", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, config.StorageLocal, cfg.Storage.Driver)
	assert.Equal(t, config.ByteSize(10<<20), cfg.Validation.MaxSize)
	assert.Equal(t, "10 MiB", cfg.Validation.MaxSize.String())
	assert.Contains(t, cfg.Validation.BlockedExtensions, "php")
	assert.Equal(t, "sha256", cfg.Pipeline.HashAlgorithm)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Len(t, cfg.SigningSecret, 64, "random secret is hex encoded")
	assert.Equal(t, 5*time.Minute, cfg.SignedURLTTL)
	assert.False(t, cfg.TrustClientID)
	assert.Empty(t, cfg.TrustedProxies)
	assert.False(t, cfg.Validation.ASCIIOnlyFilenames)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "vaultgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
address: ":9090"
validation:
  max_size: 2MB
  allowed_extensions: [png, jpg]
  category_limits:
    image: 512KiB
  image:
    max_width: 800
storage:
  driver: local
  root: /srv/uploads
  public_url: https://cdn.example.com
rate_limit:
  enabled: true
  driver: file
  limit: 5
  window: 90s
  dir: /tmp/rl
kafka:
  brokers: [kafka:9092]
`), 0o600))

	t.Setenv("VAULTGATE_CONFIG", path)
	t.Setenv("VAULTGATE_RATE_LIMIT", "7")
	t.Setenv("VAULTGATE_MAX_FILE_SIZE", "3MiB")
	t.Setenv("VAULTGATE_SIGNING_SECRET", "s3cret")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address)
	assert.Equal(t, config.ByteSize(3<<20), cfg.Validation.MaxSize)
	assert.Equal(t, config.ByteSize(512<<10), cfg.Validation.CategoryLimits["image"])
	assert.Equal(t, []string{"png", "jpg"}, cfg.Validation.AllowedExtensions)
	assert.Equal(t, 800, cfg.Validation.Image.MaxWidth)
	assert.Equal(t, "/srv/uploads", cfg.Storage.Root)
	assert.Equal(t, 7, cfg.RateLimit.Limit)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, []string{"kafka:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "s3cret", cfg.SigningSecret)
}

func TestDotenvDoesNotOverrideEnvironment(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("VAULTGATE_ADDRESS=:7000\nVAULTGATE_STORAGE_ROOT=/from/dotenv\n"), 0o600))
	t.Setenv("VAULTGATE_CONFIG", "")
	t.Setenv("VAULTGATE_ADDRESS", ":6000")
	// Registered for cleanup so the value godotenv sets does not leak.
	t.Setenv("VAULTGATE_STORAGE_ROOT", "")
	require.NoError(t, os.Unsetenv("VAULTGATE_STORAGE_ROOT"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Address)
	assert.Equal(t, "/from/dotenv", cfg.Storage.Root)
}

func TestLoadBadFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("validation:\n  max_size: lots\n"), 0o600))

	_, err := config.LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid byte size")

	_, err = config.LoadFrom(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		key    string
		code   int
	}{
		{"empty root", func(c *config.Config) { c.Storage.Root = "" }, "storage.root", config.CodeMissing},
		{"unknown storage", func(c *config.Config) { c.Storage.Driver = "ftp" }, "storage.driver", config.CodeInvalid},
		{"s3 without bucket", func(c *config.Config) {
			c.Storage.Driver = config.StorageS3
			c.Storage.S3.Endpoint = "minio:9000"
		}, "storage.s3.bucket", config.CodeMissing},
		{"zero limit", func(c *config.Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Limit = 0
		}, "rate_limit.limit", config.CodeInvalid},
		{"short window", func(c *config.Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Window = 500 * time.Millisecond
		}, "rate_limit.window", config.CodeInvalid},
		{"postgres without url", func(c *config.Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Driver = config.LimiterPostgres
		}, "database_url", config.CodeMissingDependency},
		{"unknown limiter", func(c *config.Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.Driver = "etcd"
		}, "rate_limit.driver", config.CodeInvalid},
		{"unknown scanner", func(c *config.Config) { c.Scanner.Driver = "sophos" }, "scanner.driver", config.CodeInvalid},
		{"unknown hash", func(c *config.Config) { c.Pipeline.HashAlgorithm = "crc32" }, "pipeline.hash_algorithm", config.CodeInvalid},
		{"min above max", func(c *config.Config) { c.Validation.MinSize = 20 << 20 }, "validation.min_size", config.CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *config.Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.key, cfgErr.Key)
			assert.Equal(t, tt.code, cfgErr.Code())
		})
	}

	assert.NoError(t, config.Default().Validate())
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "missing required configuration: storage.root", config.Missing("storage.root").Error())
	assert.Equal(t, "invalid configuration for rate_limit.limit: 0 (expected a positive integer)",
		config.Invalid("rate_limit.limit", 0, "a positive integer").Error())
	assert.Equal(t, "missing dependency storage (required for upload manager)",
		config.MissingDependency("storage", "upload manager").Error())
}
