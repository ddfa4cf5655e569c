package bootstrap_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/vaultgate/internal/bootstrap"
	"github.com/dharsanguruparan/vaultgate/internal/config"
	"github.com/dharsanguruparan/vaultgate/internal/events"
	"github.com/dharsanguruparan/vaultgate/internal/scan"
	"github.com/dharsanguruparan/vaultgate/internal/testutil"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Root = "/uploads"
	cfg.SigningSecret = "secret"
	return cfg
}

func TestNewWiresPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Limit = 2

	app, err := bootstrap.New(context.Background(), cfg, nil, bootstrap.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.Equal(t, []string{config.StorageLocal}, app.Disks.Names())
	assert.NotNil(t, app.Limiter)
	assert.IsType(t, scan.Nop{}, app.Scanner)

	var (
		mu   sync.Mutex
		seen []string
	)
	require.NoError(t, app.Mirror.Bus().Subscribe(events.AfterUpload, func(r events.Record) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r.Filename)
	}))

	out, err := app.Pipeline.Upload(context.Background(), testutil.Handle(t, "notes.txt", []byte("hi")), "docs", "cli")
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)
	assert.Equal(t, "1", out.RateLimitHeaders["X-RateLimit-Remaining"])

	mu.Lock()
	assert.Equal(t, []string{"notes.txt"}, seen)
	mu.Unlock()

	out, err = app.Pipeline.Upload(context.Background(), testutil.Handle(t, "run.sh", []byte("#!/bin/sh")), "", "cli")
	require.NoError(t, err)
	assert.False(t, out.Success)
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Driver = config.LimiterRedis
	cfg.RateLimit.Limit = 1
	cfg.RateLimit.Window = time.Minute
	cfg.Redis.Addr = mr.Addr()

	app, err := bootstrap.New(context.Background(), cfg, nil, bootstrap.WithFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	defer app.Close()

	ctx := context.Background()
	first, err := app.Limiter.Check(ctx, "k")
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	second, err := app.Limiter.Check(ctx, "k")
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Len(t, mr.Keys(), 1)
}

func TestBuildChain(t *testing.T) {
	v := config.Default().Validation
	chain, err := bootstrap.BuildChain(v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"filename", "extension", "size"}, chain.Names())

	v.AllowedTypes = []string{"image/png"}
	v.Image.MaxWidth = 100
	v.PDF.MaxPages = 3
	chain, err = bootstrap.BuildChain(v, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"filename", "extension", "mime_type", "size", "image_dimension", "pdf_pages"}, chain.Names())

	v.ForbiddenPatterns = []string{"("}
	_, err = bootstrap.BuildChain(v, nil)
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.CodeInvalid, cfgErr.Code())
}

func TestDefaultChainAcceptsUnicodeNames(t *testing.T) {
	v := config.Default().Validation
	chain, err := bootstrap.BuildChain(v, nil)
	require.NoError(t, err)
	out := chain.Validate(testutil.Handle(t, "résumé.txt", []byte("cv")))
	assert.True(t, out.Valid(), out.FirstError())

	v.ASCIIOnlyFilenames = true
	chain, err = bootstrap.BuildChain(v, nil)
	require.NoError(t, err)
	out = chain.Validate(testutil.Handle(t, "résumé.txt", []byte("cv")))
	assert.Equal(t, validation.CodeInvalidCharacters, out.FirstCode())
}

func TestBuildScanner(t *testing.T) {
	assert.IsType(t, scan.Nop{}, bootstrap.BuildScanner(config.ScannerConfig{Driver: config.ScannerNone}, nil))
	assert.IsType(t, &scan.ClamAV{}, bootstrap.BuildScanner(config.ScannerConfig{Driver: config.ScannerClamAV}, nil))
}

func TestNewClosesOnFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Validation.ForbiddenPatterns = []string{"["}
	app, err := bootstrap.New(context.Background(), cfg, nil, bootstrap.WithFs(afero.NewMemMapFs()))
	assert.Nil(t, app)
	assert.Error(t, err)
}
