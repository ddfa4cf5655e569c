// Package pipeline runs one uploaded file through rate limiting, validation,
// virus scanning and storage, emitting events at every stage boundary.
package pipeline

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/vaultgate/internal/config"
	"github.com/dharsanguruparan/vaultgate/internal/events"
	"github.com/dharsanguruparan/vaultgate/internal/file"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/ratelimit"
	"github.com/dharsanguruparan/vaultgate/internal/scan"
	"github.com/dharsanguruparan/vaultgate/internal/storage"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

// ErrCancelled is returned when a listener stops a cancelable event.
var ErrCancelled = errors.New("upload cancelled by event listener")

// PanicError carries a panic recovered inside the pipeline.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic during upload: %v", e.Value) }

// msgUnexpected is the outcome message for recovered panics; the panic value
// itself is only logged.
const msgUnexpected = "unexpected error during upload"

// guard runs fn and turns a panic into a *PanicError.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// RateChecker is satisfied by *ratelimit.Limiter.
type RateChecker interface {
	Check(ctx context.Context, identifier string) (*ratelimit.Outcome, error)
}

// Options wires a Manager. Only Storage is required.
type Options struct {
	Storage    storage.Storage
	Validator  validation.Validator
	Limiter    RateChecker
	Scanner    scan.Scanner
	Dispatcher *events.Dispatcher
	Logger     logging.Logger

	// PreserveFilenames stores files under their original name instead of a
	// hashed one. Callers accept the collision risk.
	PreserveFilenames bool
	// HashAlgorithm names the digest for stored names: md5, sha1, sha256
	// (default) or sha512.
	HashAlgorithm string
	// ReturnErrors makes Upload return the typed error of a failed stage
	// alongside the outcome.
	ReturnErrors bool
	// AllowScanErrors lets uploads through when the scanner cannot reach a
	// verdict.
	AllowScanErrors bool
	// Entropy feeds the per-upload name suffix; crypto/rand when nil.
	Entropy io.Reader
}

// Manager is the upload orchestrator. It is safe for concurrent use when its
// collaborators are.
type Manager struct {
	storage    storage.Storage
	validator  validation.Validator
	limiter    RateChecker
	scanner    scan.Scanner
	dispatcher *events.Dispatcher
	logger     logging.Logger

	preserveNames   bool
	newHash         func() hash.Hash
	returnErrors    bool
	allowScanErrors bool
	entropy         io.Reader
}

var hashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// New validates opts and builds a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Storage == nil {
		return nil, config.MissingDependency("storage", "upload manager")
	}
	algo := strings.ToLower(opts.HashAlgorithm)
	if algo == "" {
		algo = "sha256"
	}
	newHash, ok := hashes[algo]
	if !ok {
		return nil, config.Invalid("hash_algorithm", opts.HashAlgorithm, "one of md5, sha1, sha256, sha512")
	}
	m := &Manager{
		storage:         opts.Storage,
		validator:       opts.Validator,
		limiter:         opts.Limiter,
		scanner:         opts.Scanner,
		dispatcher:      opts.Dispatcher,
		logger:          logging.OrNop(opts.Logger),
		preserveNames:   opts.PreserveFilenames,
		newHash:         newHash,
		returnErrors:    opts.ReturnErrors,
		allowScanErrors: opts.AllowScanErrors,
		entropy:         opts.Entropy,
	}
	if m.scanner == nil {
		m.scanner = scan.Nop{}
	}
	if m.dispatcher == nil {
		m.dispatcher = events.NewDispatcher(m.logger)
	}
	if m.entropy == nil {
		m.entropy = rand.Reader
	}
	return m, nil
}

// Dispatcher returns the dispatcher listeners should register with.
func (m *Manager) Dispatcher() *events.Dispatcher { return m.dispatcher }

// Storage returns the store uploads are written to.
func (m *Manager) Storage() storage.Storage { return m.storage }

func codeOf(err error) (int, bool) {
	var c interface{ Code() int }
	if errors.As(err, &c) {
		return c.Code(), true
	}
	return 0, false
}

// Upload runs f through every stage and writes it under destination.
// identifier selects the rate-limit bucket; an empty identifier skips rate
// limiting. Failures are reported in the Outcome; the returned error is nil
// unless the Manager was built with ReturnErrors.
func (m *Manager) Upload(ctx context.Context, f *file.Handle, destination, identifier string) (*Outcome, error) {
	out := &Outcome{OriginalFilename: f.Name()}
	err := guard(func() error { return m.upload(ctx, f, destination, identifier, out) })
	if err == nil {
		return out, nil
	}

	var (
		failed   *validation.FailedError
		panicked *PanicError
	)
	switch {
	case errors.As(err, &panicked):
		out.fail(err, msgUnexpected)
		m.logger.Log(logging.LevelError, "upload panicked", "filename", f.Name(),
			"panic", panicked.Value, "stack", string(panicked.Stack))
		err = m.uploadFailed(ctx, f, err, out)
	case errors.As(err, &failed):
		out.fail(err, failed.Outcome.FirstError())
		if out.Error == "" {
			out.Error = "validation failed"
		}
		m.logger.Log(logging.LevelWarn, "upload validation failed", "filename", f.Name(), "error", out.Error)
	default:
		out.fail(err, "")
		level := logging.LevelError
		var exceeded *ratelimit.ExceededError
		var infected *scan.InfectedError
		if errors.As(err, &exceeded) || errors.As(err, &infected) {
			level = logging.LevelWarn
		}
		m.logger.Log(level, "upload failed", "filename", f.Name(), "error", err)
		err = m.uploadFailed(ctx, f, err, out)
	}

	if m.returnErrors {
		return out, err
	}
	return out, nil
}

// uploadFailed fires UploadFailed with the outcome's message. A listener error
// or panic is joined to err.
func (m *Manager) uploadFailed(ctx context.Context, f *file.Handle, err error, out *Outcome) error {
	ev := events.New(events.UploadFailed, f).With("error", out.Error)
	derr := guard(func() error {
		_, err := m.dispatcher.Dispatch(ctx, ev)
		return err
	})
	if derr == nil {
		return err
	}
	m.logger.Log(logging.LevelError, "upload_failed listener failed", "error", derr)
	err = errors.Join(err, derr)
	out.cause = err
	return err
}

func (m *Manager) dispatch(ctx context.Context, ev *events.Event) (*events.Event, error) {
	return m.dispatcher.Dispatch(ctx, ev)
}

// cancelable dispatches ev and reports ErrCancelled when a listener stopped it.
func (m *Manager) cancelable(ctx context.Context, ev *events.Event) error {
	ev, err := m.dispatch(ctx, ev)
	if err != nil {
		return err
	}
	if ev.IsPropagationStopped() {
		return ErrCancelled
	}
	return nil
}

func (m *Manager) upload(ctx context.Context, f *file.Handle, destination, identifier string, out *Outcome) error {
	if m.limiter != nil && identifier != "" {
		rl, err := m.limiter.Check(ctx, identifier)
		if err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		out.RateLimitHeaders = rl.Headers()
		if !rl.Allowed {
			ev := events.New(events.RateLimitExceeded, f).
				With("identifier", identifier).
				With("retry_after", rl.RetryAfter)
			if _, err := m.dispatch(ctx, ev); err != nil {
				return err
			}
			return rl.Err()
		}
	}

	if err := m.cancelable(ctx, events.New(events.BeforeValidation, f)); err != nil {
		return err
	}

	if m.validator != nil {
		result := m.validator.Validate(f)
		out.Validation = result
		ev := events.New(events.AfterValidation, f)
		ev.Validation = result
		if _, err := m.dispatch(ctx, ev); err != nil {
			return err
		}
		if !result.Valid() {
			ev := events.New(events.ValidationFailed, f)
			ev.Validation = result
			if _, err := m.dispatch(ctx, ev); err != nil {
				return err
			}
			return result.Err()
		}
	}

	if _, err := m.dispatch(ctx, events.New(events.BeforeScan, f)); err != nil {
		return err
	}
	verdict := m.scanner.Scan(ctx, f.TempPath())
	out.Scan = verdict
	ev := events.New(events.AfterScan, f)
	ev.Scan = verdict
	if _, err := m.dispatch(ctx, ev); err != nil {
		return err
	}
	switch verdict.Status {
	case scan.StatusInfected:
		ev := events.New(events.VirusDetected, f).With("virus", verdict.VirusName)
		ev.Scan = verdict
		if _, err := m.dispatch(ctx, ev); err != nil {
			return err
		}
		return verdict.Err()
	case scan.StatusError:
		if !m.allowScanErrors {
			return verdict.Err()
		}
		m.logger.Log(logging.LevelWarn, "scan error ignored", "filename", f.Name(), "error", verdict.ErrorMessage)
	}

	contentHash, err := f.ContentHash()
	if err != nil {
		return err
	}
	name, err := m.storedName(f, contentHash)
	if err != nil {
		return err
	}
	storedPath := name
	if dest := strings.TrimRight(destination, "/"); dest != "" {
		storedPath = dest + "/" + name
	}

	if err := m.cancelable(ctx, events.New(events.BeforeUpload, f).With("destination", storedPath)); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return &storage.Error{Op: storage.OpRead, Path: f.TempPath(), Reason: "failed to open source file", Err: err}
	}
	defer src.Close()
	if _, err := m.storage.WriteStream(ctx, storedPath, src); err != nil {
		return err
	}

	out.Success = true
	out.StoredFilename = name
	out.StoredPath = storedPath
	out.FileSize = f.Size()
	out.MimeType = f.Mime()
	out.ContentHash = contentHash
	if u, err := m.storage.PublicURL(storedPath); err == nil {
		out.PublicURL = u
	}

	done := events.New(events.AfterUpload, f).
		With("path", storedPath).
		With("stored_path", storedPath).
		With("filename", name)
	if _, err := m.dispatch(ctx, done); err != nil {
		out.Success = false
		return err
	}

	m.logger.Log(logging.LevelInfo, "file uploaded", "filename", name, "original", f.Name(), "size", f.Size())
	return nil
}

// storedName returns the name f is stored under. Hashed names mix in a fresh
// random suffix so identical content never collides.
func (m *Manager) storedName(f *file.Handle, contentHash string) (string, error) {
	if m.preserveNames {
		return f.Name(), nil
	}
	suffix, err := uuid.NewRandomFromReader(m.entropy)
	if err != nil {
		return "", fmt.Errorf("generate filename suffix: %w", err)
	}
	h := m.newHash()
	h.Write([]byte(contentHash + suffix.String()))
	name := hex.EncodeToString(h.Sum(nil))
	if ext := f.Extension(); ext != "" {
		name += "." + ext
	}
	return name, nil
}

// UploadMultiple uploads each file independently. With ReturnErrors the
// failures are joined.
func (m *Manager) UploadMultiple(ctx context.Context, files []*file.Handle, destination, identifier string) ([]*Outcome, error) {
	outs := make([]*Outcome, 0, len(files))
	var errs []error
	for _, f := range files {
		if f == nil {
			continue
		}
		out, err := m.Upload(ctx, f, destination, identifier)
		outs = append(outs, out)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
		}
	}
	return outs, errors.Join(errs...)
}

// Delete removes a stored file. A before_delete listener may veto it.
func (m *Manager) Delete(ctx context.Context, path string) error {
	if err := m.cancelable(ctx, events.New(events.BeforeDelete, nil).With("path", path)); err != nil {
		return err
	}
	if err := m.storage.Delete(ctx, path); err != nil {
		m.logger.Log(logging.LevelError, "delete failed", "path", path, "error", err)
		return err
	}
	if _, err := m.dispatch(ctx, events.New(events.AfterDelete, nil).With("path", path)); err != nil {
		return err
	}
	m.logger.Log(logging.LevelInfo, "file deleted", "path", path)
	return nil
}
