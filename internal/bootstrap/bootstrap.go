// Package bootstrap assembles the upload pipeline and its collaborators from
// a loaded configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/dharsanguruparan/vaultgate/internal/config"
	"github.com/dharsanguruparan/vaultgate/internal/database"
	"github.com/dharsanguruparan/vaultgate/internal/events"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/pipeline"
	"github.com/dharsanguruparan/vaultgate/internal/queue"
	"github.com/dharsanguruparan/vaultgate/internal/ratelimit"
	"github.com/dharsanguruparan/vaultgate/internal/s3storage"
	"github.com/dharsanguruparan/vaultgate/internal/scan"
	"github.com/dharsanguruparan/vaultgate/internal/signing"
	"github.com/dharsanguruparan/vaultgate/internal/storage"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

// App holds every long-lived component. Close releases the connections it
// opened.
type App struct {
	Config     *config.Config
	Logger     logging.Logger
	Signer     *signing.Signer
	Disks      *storage.Manager
	Storage    storage.Storage
	Limiter    *ratelimit.Limiter
	Scanner    scan.Scanner
	Chain      *validation.Chain
	Dispatcher *events.Dispatcher
	Mirror     *events.Mirror
	Pipeline   *pipeline.Manager

	closers []func() error
}

// Option adjusts how New builds the App.
type Option func(*builder)

type builder struct {
	fs afero.Fs
}

// WithFs replaces the real disk under the local storage driver.
func WithFs(fs afero.Fs) Option { return func(b *builder) { b.fs = fs } }

// New builds the App. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, opts ...Option) (*App, error) {
	b := &builder{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(b)
	}
	app := &App{
		Config: cfg,
		Logger: logging.OrNop(logger),
		Signer: signing.NewSigner([]byte(cfg.SigningSecret)),
	}
	if err := app.build(ctx, b); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, b *builder) error {
	cfg := a.Config
	if err := a.buildStorage(ctx, b.fs); err != nil {
		return err
	}
	if err := a.buildLimiter(ctx); err != nil {
		return err
	}
	a.Scanner = BuildScanner(cfg.Scanner, a.Logger)
	chain, err := BuildChain(cfg.Validation, a.Logger)
	if err != nil {
		return err
	}
	a.Chain = chain
	a.buildEvents()

	popts := pipeline.Options{
		Storage:           a.Storage,
		Validator:         a.Chain,
		Scanner:           a.Scanner,
		Dispatcher:        a.Dispatcher,
		Logger:            a.Logger,
		PreserveFilenames: cfg.Pipeline.PreserveFilenames,
		HashAlgorithm:     cfg.Pipeline.HashAlgorithm,
		AllowScanErrors:   cfg.Scanner.AllowErrors,
	}
	// A nil *Limiter must not become a non-nil interface.
	if a.Limiter != nil {
		popts.Limiter = a.Limiter
	}
	a.Pipeline, err = pipeline.New(popts)
	return err
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) { a.closers = append(a.closers, fn) }

func (a *App) buildStorage(ctx context.Context, fs afero.Fs) error {
	cfg := a.Config.Storage
	a.Disks = storage.NewManager(a.Logger)
	switch cfg.Driver {
	case config.StorageS3:
		s, err := s3storage.New(s3storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			PublicURL: cfg.S3.PublicURL,
		})
		if err != nil {
			return fmt.Errorf("init s3 storage: %w", err)
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("ensure bucket: %w", err)
		}
		a.Disks.Add(config.StorageS3, s)
	default:
		l, err := storage.NewLocal(fs, storage.LocalConfig{
			Root:      cfg.Root,
			PublicURL: cfg.PublicURL,
			Signer:    a.Signer,
			Logger:    a.Logger,
		})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.Disks.Add(config.StorageLocal, l)
	}
	s, err := a.Disks.Disk("")
	if err != nil {
		return err
	}
	a.Storage = s
	return nil
}

func (a *App) buildLimiter(ctx context.Context) error {
	cfg := a.Config.RateLimit
	if !cfg.Enabled {
		return nil
	}
	var store ratelimit.Store
	switch cfg.Driver {
	case config.LimiterFile:
		fs, err := ratelimit.NewFileStore(cfg.Dir, ratelimit.WithStoreLogger(a.Logger))
		if err != nil {
			return err
		}
		store = fs
	case config.LimiterRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.onClose(client.Close)
		// Keys outlive the window by one more window so Cleanup is never needed.
		store = ratelimit.NewRedisStore(client, "", 2*cfg.Window, ratelimit.WithStoreLogger(a.Logger))
	case config.LimiterPostgres:
		pool, err := database.Connect(ctx, a.Config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.onClose(func() error { pool.Close(); return nil })
		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		store = ratelimit.NewPostgresStore(pool)
	default:
		store = ratelimit.NewMemoryStore()
	}
	l, err := ratelimit.New(store, ratelimit.Config{Limit: cfg.Limit, Window: cfg.Window}, ratelimit.WithLogger(a.Logger))
	if err != nil {
		return err
	}
	a.Limiter = l
	return nil
}

// BuildScanner returns the configured scanner.
func BuildScanner(cfg config.ScannerConfig, logger logging.Logger) scan.Scanner {
	if cfg.Driver != config.ScannerClamAV {
		return scan.Nop{}
	}
	return scan.NewClamAV(scan.ClamAVConfig{
		SocketPath:   cfg.SocketPath,
		Host:         cfg.Host,
		Port:         cfg.Port,
		ClamscanPath: cfg.ClamscanPath,
		Timeout:      cfg.Timeout,
	}, logger)
}

// BuildChain registers one validator per configured concern. Image and PDF
// checks are only added when a bound is set.
func BuildChain(cfg config.ValidationConfig, logger logging.Logger) (*validation.Chain, error) {
	names, err := validation.NewFilename(validation.FilenameConfig{
		Forbidden: cfg.ForbiddenNames,
		Patterns:  cfg.ForbiddenPatterns,
		MaxLength: cfg.MaxFilenameLength,
		ASCIIOnly: cfg.ASCIIOnlyFilenames,
	})
	if err != nil {
		return nil, config.Invalid("validation.forbidden_patterns", cfg.ForbiddenPatterns, err.Error())
	}
	chain := validation.NewChain(cfg.StopOnFirstError, logger).
		Add(names).
		Add(validation.NewExtension(cfg.AllowedExtensions, cfg.BlockedExtensions))

	if len(cfg.AllowedTypes) > 0 || cfg.StrictMime {
		chain.Add(validation.NewMimeType(validation.MimeConfig{
			Allowed:      cfg.AllowedTypes,
			ExtensionMap: cfg.ExtensionMap,
			Strict:       cfg.StrictMime,
		}))
	}

	limits := make(map[string]int64, len(cfg.CategoryLimits))
	for k, v := range cfg.CategoryLimits {
		limits[k] = int64(v)
	}
	chain.Add(validation.NewSize(validation.SizeConfig{
		Min:            int64(cfg.MinSize),
		Max:            int64(cfg.MaxSize),
		CategoryLimits: limits,
		RejectEmpty:    cfg.RejectEmpty,
	}))

	if img := cfg.Image; img != (config.ImageConfig{}) {
		chain.Add(validation.NewImageDimension(validation.DimensionConfig{
			MinWidth:       img.MinWidth,
			MaxWidth:       img.MaxWidth,
			MinHeight:      img.MinHeight,
			MaxHeight:      img.MaxHeight,
			MinAspectRatio: img.MinAspectRatio,
			MaxAspectRatio: img.MaxAspectRatio,
		}))
	}
	if cfg.PDF.MinPages > 0 || cfg.PDF.MaxPages > 0 {
		chain.Add(validation.NewPDFPages(cfg.PDF.MinPages, cfg.PDF.MaxPages))
	}
	return chain, nil
}

func (a *App) buildEvents() {
	a.Dispatcher = events.NewDispatcher(a.Logger)
	a.Mirror = events.NewMirror(nil)
	a.Mirror.Attach(a.Dispatcher, events.All...)

	if len(a.Config.Kafka.Brokers) > 0 {
		w := events.NewKafkaWriter(a.Config.Kafka.Brokers, a.Config.Kafka.Topic)
		a.onClose(w.Close)
		events.NewKafkaPublisher(w, a.Logger).Attach(a.Dispatcher, events.All...)
	}
}

// RedisOpt is the asynq connection shared by the queue client and worker.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

// EnableQueue makes every stored PDF enqueue a text extraction job.
func (a *App) EnableQueue() {
	client := asynq.NewClient(a.RedisOpt())
	a.onClose(client.Close)
	a.Dispatcher.AddSubscriber(queue.NewListener(client, a.Config.Queue.Name, a.Logger))
}
