package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/vaultgate/internal/config"
	"github.com/dharsanguruparan/vaultgate/internal/events"
	"github.com/dharsanguruparan/vaultgate/internal/file"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/pipeline"
	"github.com/dharsanguruparan/vaultgate/internal/ratelimit"
	"github.com/dharsanguruparan/vaultgate/internal/scan"
	"github.com/dharsanguruparan/vaultgate/internal/storage"
	"github.com/dharsanguruparan/vaultgate/internal/testutil"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

type fixedScanner struct{ outcome func(path string) *scan.Outcome }

func (s fixedScanner) Scan(_ context.Context, path string) *scan.Outcome { return s.outcome(path) }
func (fixedScanner) IsAvailable(context.Context) bool { return true }

type failingStorage struct{ storage.Storage }

func (failingStorage) WriteStream(_ context.Context, p string, _ io.Reader) (int64, error) {
	return 0, &storage.Error{Op: storage.OpWrite, Path: p, Reason: "disk full", Err: errors.New("no space left on device")}
}

type harness struct {
	fs      afero.Fs
	store   *storage.Local
	events  []string
	manager *pipeline.Manager
}

func newHarness(t *testing.T, mutate func(*pipeline.Options)) *harness {
	t.Helper()
	h := &harness{fs: afero.NewMemMapFs()}
	store, err := storage.NewLocal(h.fs, storage.LocalConfig{Root: "/uploads", PublicURL: "https://cdn.example.com/files"})
	require.NoError(t, err)
	h.store = store

	d := events.NewDispatcher(nil)
	for _, name := range events.All {
		d.AddListener(name, func(_ context.Context, ev *events.Event) error {
			h.events = append(h.events, ev.Name)
			return nil
		}, -100)
	}
	opts := pipeline.Options{Storage: store, Dispatcher: d, Logger: logging.NewTestLogger()}
	if mutate != nil {
		mutate(&opts)
	}
	h.manager, err = pipeline.New(opts)
	require.NoError(t, err)
	return h
}

func imageChain(t *testing.T) *validation.Chain {
	t.Helper()
	names, err := validation.NewFilename(validation.FilenameConfig{})
	require.NoError(t, err)
	return validation.NewChain(false, nil).
		Add(names).
		Add(validation.NewExtension([]string{"jpg", "jpeg", "png"}, []string{"php", "exe"})).
		Add(validation.NewSize(validation.SizeConfig{Max: 20 << 20})).
		Add(validation.NewImageDimension(validation.DimensionConfig{MaxWidth: 800, MaxHeight: 800}))
}

func TestUploadStoresCleanFile(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.Validator = imageChain(t) })
	f := testutil.Handle(t, "photo.PNG", testutil.PNG(t, 40, 30))

	out, err := h.manager.Upload(context.Background(), f, "images/2024/", "")
	require.NoError(t, err)
	require.True(t, out.Success, out.Error)

	assert.Equal(t, "photo.PNG", out.OriginalFilename)
	assert.Regexp(t, `^[0-9a-f]{64}\.PNG$`, out.StoredFilename)
	assert.Equal(t, "images/2024/"+out.StoredFilename, out.StoredPath)
	assert.Equal(t, "https://cdn.example.com/files/"+out.StoredPath, out.PublicURL)
	assert.Equal(t, "image/png", out.MimeType)
	assert.Equal(t, f.Size(), out.FileSize)
	assert.Len(t, out.ContentHash, 64)
	assert.Zero(t, out.ErrorCode)
	require.NotNil(t, out.Validation)
	assert.True(t, out.Validation.Valid())
	assert.Equal(t, scan.StatusSkipped, out.Scan.Status)

	stored, err := afero.ReadFile(h.fs, "/uploads/"+out.StoredPath)
	require.NoError(t, err)
	src, err := afero.ReadFile(afero.NewOsFs(), f.TempPath())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(src, stored))

	assert.Equal(t, []string{
		events.BeforeValidation, events.AfterValidation,
		events.BeforeScan, events.AfterScan,
		events.BeforeUpload, events.AfterUpload,
	}, h.events)
}

func TestUploadWithoutDestination(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "README", []byte("plain")), "", "")
	require.NoError(t, err)
	require.True(t, out.Success)
	assert.Regexp(t, `^[0-9a-f]{64}$`, out.StoredFilename)
	assert.Equal(t, out.StoredFilename, out.StoredPath)
}

func TestIdenticalContentGetsDistinctNames(t *testing.T) {
	h := newHarness(t, nil)
	data := []byte("same bytes")

	a, err := h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", data), "docs", "")
	require.NoError(t, err)
	b, err := h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", data), "docs", "")
	require.NoError(t, err)

	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.StoredFilename, b.StoredFilename)
}

func TestPreserveFilenames(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.PreserveFilenames = true })
	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "report.pdf", []byte("%PDF-")), "docs", "")
	require.NoError(t, err)
	assert.Equal(t, "docs/report.pdf", out.StoredPath)
}

func TestHashAlgorithm(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.HashAlgorithm = "md5" })
	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "a.bin", []byte{1, 2, 3}), "", "")
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9a-f]{32}\.bin$`, out.StoredFilename)

	_, err = pipeline.New(pipeline.Options{Storage: h.store, HashAlgorithm: "crc32"})
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.CodeInvalid, cfgErr.Code())
}

func TestNewRequiresStorage(t *testing.T) {
	_, err := pipeline.New(pipeline.Options{})
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, config.CodeMissingDependency, cfgErr.Code())
}

func TestBlockedExtensionFailsValidation(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.Validator = imageChain(t) })
	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "shell.php", []byte("<?php echo 1;")), "", "")
	require.NoError(t, err)

	assert.False(t, out.Success)
	assert.Equal(t, "File extension 'php' is blocked", out.Error)
	assert.Equal(t, validation.NumInvalidExtension, out.ErrorCode)
	require.NotNil(t, out.Validation)
	assert.True(t, out.Validation.HasCode(validation.CodeBlockedExtension))
	assert.Empty(t, out.StoredPath)

	assert.Equal(t, []string{
		events.BeforeValidation, events.AfterValidation, events.ValidationFailed,
	}, h.events)
	files, err := afero.ReadDir(h.fs, "/uploads")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestOversizedImageFailsDimensions(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.Validator = imageChain(t) })
	f := testutil.Handle(t, "big.jpg", testutil.JPEG(t, 1000, 1000, 10<<20))

	out, err := h.manager.Upload(context.Background(), f, "", "")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, out.Validation.HasCode(validation.CodeWidthTooLarge))
	assert.True(t, out.Validation.HasCode(validation.CodeHeightTooLarge))
	assert.Equal(t, validation.NumInvalidDimensions, out.ErrorCode)
	assert.Equal(t, 1000, out.Validation.Metadata["width"])
	assert.Equal(t, 1000, out.Validation.Metadata["height"])
}

func TestForbiddenFilenameIsFirstError(t *testing.T) {
	names, err := validation.NewFilename(validation.FilenameConfig{Forbidden: []string{"shell.php"}})
	require.NoError(t, err)
	h := newHarness(t, func(o *pipeline.Options) { o.Validator = validation.NewChain(false, nil).Add(names) })

	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "shell.php", []byte("abc")), "", "")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, validation.CodeForbiddenFilename, out.Validation.FirstCode())
	assert.Equal(t, validation.NumForbiddenName, out.ErrorCode)
}

func TestRateLimitRejectsSecondUpload(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter, err := ratelimit.New(ratelimit.NewMemoryStore(),
		ratelimit.Config{Limit: 1, Window: time.Minute},
		ratelimit.WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	var exceeded *events.Event
	h := newHarness(t, func(o *pipeline.Options) { o.Limiter = limiter })
	h.manager.Dispatcher().AddListener(events.RateLimitExceeded, func(_ context.Context, ev *events.Event) error {
		exceeded = ev
		return nil
	}, 0)

	first, err := h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.Equal(t, "0", first.RateLimitHeaders[ratelimit.HeaderRemaining])
	assert.NotContains(t, first.RateLimitHeaders, ratelimit.HeaderRetryAfter)

	h.events = nil
	second, err := h.manager.Upload(context.Background(), testutil.Handle(t, "b.txt", []byte("b")), "", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, ratelimit.CodeExceeded, second.ErrorCode)
	assert.Equal(t, "60", second.RateLimitHeaders[ratelimit.HeaderRetryAfter])
	assert.Equal(t, "1", second.RateLimitHeaders[ratelimit.HeaderLimit])
	assert.Equal(t, []string{events.RateLimitExceeded, events.UploadFailed}, h.events)

	require.NotNil(t, exceeded)
	assert.Equal(t, "10.0.0.1", exceeded.Get("identifier"))
	assert.Equal(t, 60, exceeded.Get("retry_after"))

	var rlErr *ratelimit.ExceededError
	require.ErrorAs(t, second.Cause(), &rlErr)
}

func TestCancelBeforeValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.manager.Dispatcher().AddListener(events.BeforeValidation, func(_ context.Context, ev *events.Event) error {
		ev.StopPropagation()
		return nil
	}, 10)

	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Cause(), pipeline.ErrCancelled)
	assert.Equal(t, []string{events.UploadFailed}, h.events)
}

func TestBeforeUploadSeesDestinationAndMayCancel(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.ReturnErrors = true })
	var dest string
	h.manager.Dispatcher().AddListener(events.BeforeUpload, func(_ context.Context, ev *events.Event) error {
		dest, _ = ev.Get("destination").(string)
		ev.StopPropagation()
		return nil
	}, 10)

	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "inbox/", "")
	require.ErrorIs(t, err, pipeline.ErrCancelled)
	assert.False(t, out.Success)
	assert.True(t, strings.HasPrefix(dest, "inbox/"))
	assert.True(t, strings.HasSuffix(dest, ".txt"))

	exists, err := afero.Exists(h.fs, "/uploads/"+dest)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListenerErrorFailsUpload(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.ReturnErrors = true })
	boom := errors.New("audit log unavailable")
	h.manager.Dispatcher().AddListener(events.AfterScan, func(context.Context, *events.Event) error { return boom }, 10)

	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "")
	require.ErrorIs(t, err, boom)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "audit log unavailable")
}

func TestListenerPanicBecomesFailure(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) { o.ReturnErrors = true })
	h.manager.Dispatcher().AddListener(events.BeforeScan, func(context.Context, *events.Event) error {
		var tags map[string]string
		tags["scanned"] = "yes"
		return nil
	}, 10)
	var reported any
	h.manager.Dispatcher().AddListener(events.UploadFailed, func(_ context.Context, ev *events.Event) error {
		reported = ev.Get("error")
		return nil
	}, 10)

	var (
		out *pipeline.Outcome
		err error
	)
	require.NotPanics(t, func() {
		out, err = h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "")
	})

	var panicked *pipeline.PanicError
	require.ErrorAs(t, err, &panicked)
	assert.Contains(t, panicked.Error(), "nil map")
	assert.False(t, out.Success)
	assert.Equal(t, "unexpected error during upload", out.Error)
	assert.Equal(t, out.Error, reported)
	assert.Equal(t, []string{events.BeforeValidation, events.UploadFailed}, h.events)
}

func TestPanickingFailureListenerIsContained(t *testing.T) {
	h := newHarness(t, nil)
	h.manager.Dispatcher().AddListener(events.UploadFailed, func(context.Context, *events.Event) error {
		panic("alerting down")
	}, 10)

	cancel := func(_ context.Context, ev *events.Event) error {
		ev.StopPropagation()
		return nil
	}
	h.manager.Dispatcher().AddListener(events.BeforeValidation, cancel, 10)

	var out *pipeline.Outcome
	require.NotPanics(t, func() {
		out, _ = h.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "")
	})
	assert.False(t, out.Success)
	var panicked *pipeline.PanicError
	assert.ErrorAs(t, out.Cause(), &panicked)
	assert.ErrorIs(t, out.Cause(), pipeline.ErrCancelled)
}

func TestInfectedFileIsRejected(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) {
		o.ReturnErrors = true
		o.Scanner = fixedScanner{outcome: func(p string) *scan.Outcome { return scan.Infected(p, "Eicar-Test-Signature") }}
	})
	out, err := h.manager.Upload(context.Background(), testutil.Handle(t, "eicar.txt", []byte("X5O!P%@AP")), "", "")

	var infected *scan.InfectedError
	require.ErrorAs(t, err, &infected)
	assert.Equal(t, "Eicar-Test-Signature", infected.VirusName)
	assert.Equal(t, scan.CodeInfected, out.ErrorCode)
	assert.Equal(t, scan.StatusInfected, out.Scan.Status)
	assert.Equal(t, []string{
		events.BeforeValidation, events.BeforeScan, events.AfterScan,
		events.VirusDetected, events.UploadFailed,
	}, h.events)
}

func TestScanErrorPolicy(t *testing.T) {
	broken := fixedScanner{outcome: func(p string) *scan.Outcome { return scan.Failed(p, "no scanner available") }}

	strict := newHarness(t, func(o *pipeline.Options) { o.Scanner = broken })
	out, err := strict.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, scan.CodeScanError, out.ErrorCode)

	lenient := newHarness(t, func(o *pipeline.Options) {
		o.Scanner = broken
		o.AllowScanErrors = true
	})
	out, err = lenient.manager.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, scan.StatusError, out.Scan.Status)
}

func TestStorageFailure(t *testing.T) {
	h := newHarness(t, nil)
	m, err := pipeline.New(pipeline.Options{
		Storage:      failingStorage{Storage: h.store},
		Dispatcher:   h.manager.Dispatcher(),
		ReturnErrors: true,
	})
	require.NoError(t, err)

	var failedWith any
	m.Dispatcher().AddListener(events.UploadFailed, func(_ context.Context, ev *events.Event) error {
		failedWith = ev.Get("error")
		return nil
	}, 0)

	out, err := m.Upload(context.Background(), testutil.Handle(t, "a.txt", []byte("a")), "", "")
	var storeErr *storage.Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, storage.OpWrite, storeErr.Op)
	assert.False(t, out.Success)
	assert.Equal(t, 2001, out.ErrorCode)
	assert.Contains(t, failedWith, "disk full")
	assert.NotContains(t, h.events, events.AfterUpload)
}

func TestUploadMultiple(t *testing.T) {
	h := newHarness(t, func(o *pipeline.Options) {
		o.Validator = imageChain(t)
		o.ReturnErrors = true
	})
	files := []*file.Handle{
		testutil.Handle(t, "ok.png", testutil.PNG(t, 10, 10)),
		testutil.Handle(t, "bad.exe", []byte("MZ")),
	}
	outs, err := h.manager.UploadMultiple(context.Background(), files, "batch", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.exe")
	require.Len(t, outs, 2)
	assert.True(t, outs[0].Success)
	assert.False(t, outs[1].Success)
}

func TestDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	out, err := h.manager.Upload(ctx, testutil.Handle(t, "a.txt", []byte("a")), "d", "")
	require.NoError(t, err)

	h.events = nil
	require.NoError(t, h.manager.Delete(ctx, out.StoredPath))
	exists, err := h.store.FileExists(ctx, out.StoredPath)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{events.BeforeDelete, events.AfterDelete}, h.events)
}

func TestDeleteVetoed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Write(ctx, "keep.txt", []byte("x")))
	h.manager.Dispatcher().AddListener(events.BeforeDelete, func(_ context.Context, ev *events.Event) error {
		if ev.Get("path") == "keep.txt" {
			ev.StopPropagation()
		}
		return nil
	}, 0)

	require.ErrorIs(t, h.manager.Delete(ctx, "keep.txt"), pipeline.ErrCancelled)
	exists, err := h.store.FileExists(ctx, "keep.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestIDs(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 64)
	a, err := pipeline.NewFileID(bytes.NewReader(seed))
	require.NoError(t, err)
	b, err := pipeline.NewFileID(bytes.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	u, err := pipeline.NewUserID(bytes.NewReader(seed))
	require.NoError(t, err)
	assert.NotEqual(t, a, u)

	r1, err := pipeline.NewFileID(nil)
	require.NoError(t, err)
	r2, err := pipeline.NewFileID(nil)
	require.NoError(t, err)
	assert.NotEqual(t, r1, r2)

	_, err = pipeline.NewUserID(bytes.NewReader(nil))
	assert.Error(t, err)
}
