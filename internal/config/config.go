// Package config centralizes how VaultGate reads its settings and exposes them
// as strongly typed Go values. Settings come from, in increasing precedence,
// built-in defaults, an optional YAML file, a .env file and the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ByteSize is a size in bytes that YAML and the environment may spell as
// "10MB", "512KiB" or a plain integer.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	n, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", node.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size the way humans write it.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config represents runtime configuration for every VaultGate binary.
type Config struct {
	Address  string `yaml:"address"`
	LogLevel string `yaml:"log_level"`

	// TrustClientID lets callers pick their rate-limit bucket with the
	// X-Client-ID header. Leave it off unless a gateway sets the header.
	TrustClientID  bool     `yaml:"trust_client_id"`
	TrustedProxies []string `yaml:"trusted_proxies"`

	Validation ValidationConfig `yaml:"validation"`
	Storage    StorageConfig    `yaml:"storage"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Queue      QueueConfig      `yaml:"queue"`

	DatabaseURL string `yaml:"database_url"`

	// SigningSecret keys signed download links. A random one is generated
	// when unset, which invalidates links on restart.
	SigningSecret string        `yaml:"signing_secret"`
	SignedURLTTL  time.Duration `yaml:"signed_url_ttl"`
}

// ValidationConfig drives the validation chain.
type ValidationConfig struct {
	StopOnFirstError  bool     `yaml:"stop_on_first_error"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	BlockedExtensions []string `yaml:"blocked_extensions"`
	AllowedTypes      []string `yaml:"allowed_types"`

	// StrictMime rejects files whose sniffed type does not match ExtensionMap.
	StrictMime         bool                `yaml:"strict_mime"`
	ExtensionMap       map[string]string   `yaml:"extension_map"`
	MinSize            ByteSize            `yaml:"min_size"`
	MaxSize            ByteSize            `yaml:"max_size"`
	CategoryLimits     map[string]ByteSize `yaml:"category_limits"`
	RejectEmpty        bool                `yaml:"reject_empty"`
	MaxFilenameLength  int                 `yaml:"max_filename_length"`
	ForbiddenNames     []string            `yaml:"forbidden_names"`
	ForbiddenPatterns  []string            `yaml:"forbidden_patterns"`
	ASCIIOnlyFilenames bool                `yaml:"ascii_only_filenames"`
	Image              ImageConfig         `yaml:"image"`
	PDF                PDFConfig           `yaml:"pdf"`
}

// ImageConfig bounds image dimensions; zero disables a bound.
type ImageConfig struct {
	MinWidth       int     `yaml:"min_width"`
	MaxWidth       int     `yaml:"max_width"`
	MinHeight      int     `yaml:"min_height"`
	MaxHeight      int     `yaml:"max_height"`
	MinAspectRatio float64 `yaml:"min_aspect_ratio"`
	MaxAspectRatio float64 `yaml:"max_aspect_ratio"`
}

// PDFConfig bounds page counts; zero disables a bound.
type PDFConfig struct {
	MinPages int `yaml:"min_pages"`
	MaxPages int `yaml:"max_pages"`
}

// StorageConfig selects and configures the storage driver.
type StorageConfig struct {
	Driver    string   `yaml:"driver"`
	Root      string   `yaml:"root"`
	PublicURL string   `yaml:"public_url"`
	S3        S3Config `yaml:"s3"`
}

// S3Config is used when Driver is "s3".
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	PublicURL string `yaml:"public_url"`
}

// RateLimitConfig selects the limiter store and its window.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
	// Dir holds records for the file driver.
	Dir string `yaml:"dir"`
}

// ScannerConfig selects the virus scanner.
type ScannerConfig struct {
	Driver       string        `yaml:"driver"`
	SocketPath   string        `yaml:"socket"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ClamscanPath string        `yaml:"clamscan"`
	Timeout      time.Duration `yaml:"timeout"`
	AllowErrors  bool          `yaml:"allow_errors"`
}

// PipelineConfig tunes stored-name generation.
type PipelineConfig struct {
	PreserveFilenames bool   `yaml:"preserve_filenames"`
	HashAlgorithm     string `yaml:"hash_algorithm"`
	Destination       string `yaml:"destination"`
}

// RedisConfig is shared by the redis limiter store and asynq.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// KafkaConfig enables the event publisher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// QueueConfig enables post-upload processing through asynq.
type QueueConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Name        string `yaml:"name"`
	Concurrency int    `yaml:"concurrency"`
}

// Driver names.
const (
	StorageLocal = "local"
	StorageS3    = "s3"

	LimiterMemory   = "memory"
	LimiterFile     = "file"
	LimiterRedis    = "redis"
	LimiterPostgres = "postgres"

	ScannerNone   = "none"
	ScannerClamAV = "clamav"
)

const (
	// 10 << 20 equals 10 * 2^20 bytes.
	defaultAddress       = ":8080"
	defaultMaxFileSize   = 10 << 20
	defaultAllowedExts   = "jpg,jpeg,png,gif,webp,pdf,txt"
	defaultBlockedExts   = "php,phtml,exe,sh,bat,cmd,js"
	defaultStorageRoot   = "./storage/uploads"
	defaultRateLimit     = 60
	defaultRateWindow    = time.Minute
	defaultRateDir       = "./storage/ratelimit"
	defaultScanTimeout   = 30 * time.Second
	defaultSignedTTL     = 5 * time.Minute
	defaultWorkerCount   = 2
	defaultHashAlgorithm = "sha256"
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultKafkaTopic    = "file.events"
	defaultEnvFile       = ".env"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Address:  defaultAddress,
		LogLevel: "info",
		Validation: ValidationConfig{
			AllowedExtensions: splitList(defaultAllowedExts),
			BlockedExtensions: splitList(defaultBlockedExts),
			MaxSize:           defaultMaxFileSize,
		},
		Storage:      StorageConfig{Driver: StorageLocal, Root: defaultStorageRoot},
		RateLimit:    RateLimitConfig{Driver: LimiterMemory, Limit: defaultRateLimit, Window: defaultRateWindow, Dir: defaultRateDir},
		Scanner:      ScannerConfig{Driver: ScannerNone, Timeout: defaultScanTimeout},
		Pipeline:     PipelineConfig{HashAlgorithm: defaultHashAlgorithm},
		Redis:        RedisConfig{Addr: defaultRedisAddr},
		Kafka:        KafkaConfig{Topic: defaultKafkaTopic},
		Queue:        QueueConfig{Concurrency: defaultWorkerCount},
		SignedURLTTL: defaultSignedTTL,
	}
}

// Load reads configuration using the file named by VAULTGATE_CONFIG, if any.
// It follows Go's convention of returning (value, error) so callers can handle
// failures rather than panicking.
func Load() (*Config, error) { return LoadFrom("") }

// LoadFrom is Load with an explicit YAML path; an empty path falls back to
// VAULTGATE_CONFIG.
func LoadFrom(path string) (*Config, error) {
	if err := loadDotenv(defaultEnvFile); err != nil {
		return nil, err
	}
	cfg := Default()
	if path == "" {
		path = readEnv("VAULTGATE_CONFIG", "")
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.SigningSecret == "" {
		cfg.SigningSecret = randomSecret()
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = defaultWorkerCount
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedTTL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotenv populates the environment from a .env file without overriding
// variables that are already set. A missing file is fine.
func loadDotenv(name string) error {
	if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(name); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Address = readEnv("VAULTGATE_ADDRESS", c.Address)
	c.LogLevel = readEnv("VAULTGATE_LOG_LEVEL", c.LogLevel)
	c.TrustClientID = parseBool("VAULTGATE_TRUST_CLIENT_ID", c.TrustClientID)
	c.TrustedProxies = parseList("VAULTGATE_TRUSTED_PROXIES", c.TrustedProxies)
	if parseBool("DEBUG", false) {
		c.LogLevel = "debug"
	}

	v := &c.Validation
	v.AllowedExtensions = parseList("VAULTGATE_ALLOWED_EXTENSIONS", v.AllowedExtensions)
	v.BlockedExtensions = parseList("VAULTGATE_BLOCKED_EXTENSIONS", v.BlockedExtensions)
	v.AllowedTypes = parseList("VAULTGATE_ALLOWED_TYPES", v.AllowedTypes)
	v.StrictMime = parseBool("VAULTGATE_STRICT_MIME", v.StrictMime)
	v.MinSize = parseSize("VAULTGATE_MIN_FILE_SIZE", v.MinSize)
	v.MaxSize = parseSize("VAULTGATE_MAX_FILE_SIZE", v.MaxSize)
	v.MaxFilenameLength = parseInt("VAULTGATE_MAX_FILENAME_LENGTH", v.MaxFilenameLength)
	v.ASCIIOnlyFilenames = parseBool("VAULTGATE_ASCII_ONLY_FILENAMES", v.ASCIIOnlyFilenames)
	v.StopOnFirstError = parseBool("VAULTGATE_STOP_ON_FIRST_ERROR", v.StopOnFirstError)

	s := &c.Storage
	s.Driver = strings.ToLower(readEnv("VAULTGATE_STORAGE_DRIVER", s.Driver))
	s.Root = readEnv("VAULTGATE_STORAGE_ROOT", s.Root)
	s.PublicURL = readEnv("VAULTGATE_PUBLIC_URL", s.PublicURL)
	s.S3.Endpoint = readEnv("VAULTGATE_S3_ENDPOINT", s.S3.Endpoint)
	s.S3.AccessKey = readEnv("VAULTGATE_S3_ACCESS_KEY", s.S3.AccessKey)
	s.S3.SecretKey = readEnv("VAULTGATE_S3_SECRET_KEY", s.S3.SecretKey)
	s.S3.UseSSL = parseBool("VAULTGATE_S3_USE_SSL", s.S3.UseSSL)
	s.S3.Region = readEnv("VAULTGATE_S3_REGION", s.S3.Region)
	s.S3.Bucket = readEnv("VAULTGATE_S3_BUCKET", s.S3.Bucket)
	s.S3.Prefix = readEnv("VAULTGATE_S3_PREFIX", s.S3.Prefix)
	s.S3.PublicURL = readEnv("VAULTGATE_S3_PUBLIC_URL", s.S3.PublicURL)

	r := &c.RateLimit
	r.Enabled = parseBool("VAULTGATE_RATE_LIMIT_ENABLED", r.Enabled)
	r.Driver = strings.ToLower(readEnv("VAULTGATE_RATE_LIMIT_DRIVER", r.Driver))
	r.Limit = parseInt("VAULTGATE_RATE_LIMIT", r.Limit)
	r.Window = parseDuration("VAULTGATE_RATE_WINDOW", r.Window)
	r.Dir = readEnv("VAULTGATE_RATE_LIMIT_DIR", r.Dir)

	sc := &c.Scanner
	sc.Driver = strings.ToLower(readEnv("VAULTGATE_SCANNER", sc.Driver))
	sc.SocketPath = readEnv("VAULTGATE_CLAMAV_SOCKET", sc.SocketPath)
	sc.Host = readEnv("VAULTGATE_CLAMAV_HOST", sc.Host)
	sc.Port = parseInt("VAULTGATE_CLAMAV_PORT", sc.Port)
	sc.ClamscanPath = readEnv("VAULTGATE_CLAMSCAN_PATH", sc.ClamscanPath)
	sc.Timeout = parseDuration("VAULTGATE_SCAN_TIMEOUT", sc.Timeout)
	sc.AllowErrors = parseBool("VAULTGATE_ALLOW_SCAN_ERRORS", sc.AllowErrors)

	p := &c.Pipeline
	p.PreserveFilenames = parseBool("VAULTGATE_PRESERVE_FILENAMES", p.PreserveFilenames)
	p.HashAlgorithm = strings.ToLower(readEnv("VAULTGATE_HASH_ALGORITHM", p.HashAlgorithm))
	p.Destination = readEnv("VAULTGATE_DESTINATION", p.Destination)

	c.Redis.Addr = readEnv("VAULTGATE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = readEnv("VAULTGATE_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = parseInt("VAULTGATE_REDIS_DB", c.Redis.DB)

	c.Kafka.Brokers = parseList("VAULTGATE_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = readEnv("VAULTGATE_KAFKA_TOPIC", c.Kafka.Topic)

	c.Queue.Enabled = parseBool("VAULTGATE_QUEUE_ENABLED", c.Queue.Enabled)
	c.Queue.Name = readEnv("VAULTGATE_QUEUE_NAME", c.Queue.Name)
	c.Queue.Concurrency = parseInt("VAULTGATE_WORKERS", c.Queue.Concurrency)

	c.DatabaseURL = readEnv("VAULTGATE_DATABASE_URL", c.DatabaseURL)
	c.SigningSecret = parseSecret("VAULTGATE_SIGNING_SECRET", c.SigningSecret)
	c.SignedURLTTL = parseDuration("VAULTGATE_SIGNED_TTL", c.SignedURLTTL)
}

var hashAlgorithms = []string{"md5", "sha1", "sha256", "sha512"}

// Validate reports the first unusable setting as an *Error.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StorageLocal:
		if c.Storage.Root == "" {
			return Missing("storage.root")
		}
	case StorageS3:
		if c.Storage.S3.Endpoint == "" {
			return Missing("storage.s3.endpoint")
		}
		if c.Storage.S3.Bucket == "" {
			return Missing("storage.s3.bucket")
		}
	default:
		return Invalid("storage.driver", c.Storage.Driver, "local or s3")
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Driver {
		case LimiterMemory, LimiterRedis:
		case LimiterFile:
			if c.RateLimit.Dir == "" {
				return Missing("rate_limit.dir")
			}
		case LimiterPostgres:
			if c.DatabaseURL == "" {
				return MissingDependency("database_url", "the postgres rate limiter")
			}
		default:
			return Invalid("rate_limit.driver", c.RateLimit.Driver, "memory, file, redis or postgres")
		}
		if c.RateLimit.Limit <= 0 {
			return Invalid("rate_limit.limit", c.RateLimit.Limit, "a positive integer")
		}
		if c.RateLimit.Window < time.Second {
			return Invalid("rate_limit.window", c.RateLimit.Window, "at least 1s")
		}
	}

	switch c.Scanner.Driver {
	case ScannerNone, ScannerClamAV:
	default:
		return Invalid("scanner.driver", c.Scanner.Driver, "none or clamav")
	}

	if !slices.Contains(hashAlgorithms, c.Pipeline.HashAlgorithm) {
		return Invalid("pipeline.hash_algorithm", c.Pipeline.HashAlgorithm, strings.Join(hashAlgorithms, ", "))
	}
	if c.Validation.MinSize > 0 && c.Validation.MaxSize > 0 && c.Validation.MinSize > c.Validation.MaxSize {
		return Invalid("validation.min_size", c.Validation.MinSize, "at most validation.max_size")
	}
	return nil
}

func readEnv(key, def string) string {
	// LookupEnv returns (value, true) when the variable is present, mirroring
	// Go's pattern of providing extra information via multiple return values.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(val string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return splitList(v)
	}
	return def
}

func parseSize(key string, def ByteSize) ByteSize {
	// humanize.ParseBytes understands "10MB", "512KiB" and bare integers.
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := humanize.ParseBytes(v); err == nil {
			return ByteSize(parsed)
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	// time.ParseDuration understands inputs like "5m" or "30s".
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func randomSecret() string {
	// crypto/rand.Read fills a byte slice with secure random data.
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacksecret"))
	}
	return hex.EncodeToString(buf)
}
