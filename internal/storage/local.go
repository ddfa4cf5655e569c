package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/signing"
)

// StreamBufferSize is the chunk size WriteStream copies with, so memory use
// does not grow with the file.
const StreamBufferSize = 32 << 10

// LocalConfig configures Local.
type LocalConfig struct {
	Root     string
	DirPerm  os.FileMode
	FilePerm os.FileMode
	// PublicURL is the base public URLs are built on; empty disables them.
	PublicURL string
	// Signer, when set, makes TemporaryURL return expiring signed links.
	Signer *signing.Signer
	Logger logging.Logger
}

// Local stores files under a fixed root on an afero filesystem.
type Local struct {
	fs        afero.Fs
	root      string
	dirPerm   os.FileMode
	filePerm  os.FileMode
	publicURL string
	signer    *signing.Signer
	logger    logging.Logger
}

var _ Storage = (*Local)(nil)

// NewLocal creates the root directory when missing. Use afero.NewOsFs for
// the real disk.
func NewLocal(fsys afero.Fs, cfg LocalConfig) (*Local, error) {
	if cfg.Root == "" {
		return nil, errors.New("storage root is empty")
	}
	l := &Local{
		fs:        fsys,
		root:      filepath.Clean(cfg.Root),
		dirPerm:   cfg.DirPerm,
		filePerm:  cfg.FilePerm,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		signer:    cfg.Signer,
		logger:    logging.OrNop(cfg.Logger),
	}
	if l.dirPerm == 0 {
		l.dirPerm = 0o755
	}
	if l.filePerm == 0 {
		l.filePerm = 0o644
	}
	if err := l.fs.MkdirAll(l.root, l.dirPerm); err != nil {
		return nil, &Error{Op: OpMkdir, Path: l.root, Err: err}
	}
	return l, nil
}

// Root returns the directory every path resolves under.
func (l *Local) Root() string { return l.root }

// CleanPath strips traversal sequences and leading separators from a
// caller-supplied path.
func CleanPath(p string) string {
	for {
		next := strings.ReplaceAll(strings.ReplaceAll(p, "../", ""), `..\`, "")
		if next == p {
			break
		}
		p = next
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (l *Local) full(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(CleanPath(p)))
}

func (l *Local) rel(full string) string {
	r, err := filepath.Rel(l.root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(r)
}

func (l *Local) exists(full string) (fs.FileInfo, bool, error) {
	info, err := l.fs.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// Write implements Storage.
func (l *Local) Write(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := l.full(p)
	if err := l.fs.MkdirAll(filepath.Dir(full), l.dirPerm); err != nil {
		return &Error{Op: OpMkdir, Path: p, Err: err}
	}
	l.logger.Log(logging.LevelDebug, "writing file", "path", p)
	if err := afero.WriteFile(l.fs, full, data, l.filePerm); err != nil {
		return &Error{Op: OpWrite, Path: p, Err: err}
	}
	if err := l.fs.Chmod(full, l.filePerm); err != nil {
		return &Error{Op: OpWrite, Path: p, Reason: "chmod", Err: err}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// WriteStream implements Storage. A partially written file is removed on
// failure.
func (l *Local) WriteStream(ctx context.Context, p string, r io.Reader) (int64, error) {
	full := l.full(p)
	if err := l.fs.MkdirAll(filepath.Dir(full), l.dirPerm); err != nil {
		return 0, &Error{Op: OpMkdir, Path: p, Err: err}
	}
	l.logger.Log(logging.LevelDebug, "writing stream to file", "path", p)

	f, err := l.fs.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, l.filePerm)
	if err != nil {
		return 0, &Error{Op: OpWrite, Path: p, Reason: "failed to open file for writing", Err: err}
	}
	n, err := io.CopyBuffer(f, ctxReader{ctx: ctx, r: r}, make([]byte, StreamBufferSize))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = l.fs.Remove(full)
		return n, &Error{Op: OpWrite, Path: p, Reason: "failed to copy stream", Err: err}
	}
	if err := l.fs.Chmod(full, l.filePerm); err != nil {
		return n, &Error{Op: OpWrite, Path: p, Reason: "chmod", Err: err}
	}
	return n, nil
}

// Read implements Storage.
func (l *Local) Read(ctx context.Context, p string) ([]byte, error) {
	rc, err := l.ReadStream(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &Error{Op: OpRead, Path: p, Err: err}
	}
	return data, nil
}

// ReadStream implements Storage. The caller closes the reader.
func (l *Local) ReadStream(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := l.fs.Open(l.full(p))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound(OpRead, p)
	}
	if err != nil {
		return nil, &Error{Op: OpRead, Path: p, Reason: "failed to open file for reading", Err: err}
	}
	return f, nil
}

// Delete implements Storage.
func (l *Local) Delete(_ context.Context, p string) error {
	full := l.full(p)
	info, ok, err := l.exists(full)
	if err != nil {
		return &Error{Op: OpDelete, Path: p, Err: err}
	}
	if !ok || info.IsDir() {
		return nil
	}
	l.logger.Log(logging.LevelDebug, "deleting file", "path", p)
	if err := l.fs.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Op: OpDelete, Path: p, Err: err}
	}
	return nil
}

// DeleteDirectory implements Storage. Children are removed before parents.
func (l *Local) DeleteDirectory(_ context.Context, p string) error {
	full := l.full(p)
	if full == l.root {
		return &Error{Op: OpDelete, Path: p, Reason: "refusing to delete storage root"}
	}
	info, ok, err := l.exists(full)
	if err != nil {
		return &Error{Op: OpDelete, Path: p, Err: err}
	}
	if !ok || !info.IsDir() {
		return nil
	}
	l.logger.Log(logging.LevelDebug, "deleting directory", "path", p)
	if err := l.fs.RemoveAll(full); err != nil {
		return &Error{Op: OpDelete, Path: p, Err: err}
	}
	return nil
}

// CreateDirectory implements Storage.
func (l *Local) CreateDirectory(_ context.Context, p string) error {
	l.logger.Log(logging.LevelDebug, "creating directory", "path", p)
	if err := l.fs.MkdirAll(l.full(p), l.dirPerm); err != nil {
		return &Error{Op: OpMkdir, Path: p, Err: err}
	}
	return nil
}

// FileExists implements Storage.
func (l *Local) FileExists(_ context.Context, p string) (bool, error) {
	info, ok, err := l.exists(l.full(p))
	if err != nil {
		return false, &Error{Op: OpRead, Path: p, Err: err}
	}
	return ok && !info.IsDir(), nil
}

// DirectoryExists implements Storage.
func (l *Local) DirectoryExists(_ context.Context, p string) (bool, error) {
	info, ok, err := l.exists(l.full(p))
	if err != nil {
		return false, &Error{Op: OpRead, Path: p, Err: err}
	}
	return ok && info.IsDir(), nil
}

// Move implements Storage.
func (l *Local) Move(_ context.Context, src, dst string) error {
	from, to := l.full(src), l.full(dst)
	if _, ok, err := l.exists(from); err != nil || !ok {
		if err == nil {
			err = ErrNotFound
		}
		return &Error{Op: OpMove, Path: src, Destination: dst, Err: err}
	}
	if err := l.fs.MkdirAll(filepath.Dir(to), l.dirPerm); err != nil {
		return &Error{Op: OpMkdir, Path: dst, Err: err}
	}
	l.logger.Log(logging.LevelDebug, "moving file", "source", src, "destination", dst)
	if err := l.fs.Rename(from, to); err != nil {
		return &Error{Op: OpMove, Path: src, Destination: dst, Err: err}
	}
	return nil
}

// Copy implements Storage.
func (l *Local) Copy(_ context.Context, src, dst string) error {
	from, to := l.full(src), l.full(dst)
	in, err := l.fs.Open(from)
	if errors.Is(err, os.ErrNotExist) {
		return &Error{Op: OpCopy, Path: src, Destination: dst, Err: ErrNotFound}
	}
	if err != nil {
		return &Error{Op: OpCopy, Path: src, Destination: dst, Err: err}
	}
	defer in.Close()

	if err := l.fs.MkdirAll(filepath.Dir(to), l.dirPerm); err != nil {
		return &Error{Op: OpMkdir, Path: dst, Err: err}
	}
	l.logger.Log(logging.LevelDebug, "copying file", "source", src, "destination", dst)
	out, err := l.fs.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, l.filePerm)
	if err != nil {
		return &Error{Op: OpCopy, Path: src, Destination: dst, Err: err}
	}
	_, err = io.CopyBuffer(out, in, make([]byte, StreamBufferSize))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &Error{Op: OpCopy, Path: src, Destination: dst, Err: err}
	}
	return nil
}

func (l *Local) stat(p string) (fs.FileInfo, error) {
	info, ok, err := l.exists(l.full(p))
	if err != nil {
		return nil, &Error{Op: OpRead, Path: p, Err: err}
	}
	if !ok {
		return nil, notFound(OpRead, p)
	}
	return info, nil
}

// FileSize implements Storage.
func (l *Local) FileSize(_ context.Context, p string) (int64, error) {
	info, err := l.stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// LastModified implements Storage.
func (l *Local) LastModified(_ context.Context, p string) (time.Time, error) {
	info, err := l.stat(p)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// MimeType implements Storage by sniffing the file head.
func (l *Local) MimeType(ctx context.Context, p string) (string, error) {
	rc, err := l.ReadStream(ctx, p)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	m, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", &Error{Op: OpRead, Path: p, Reason: "failed to determine mime type", Err: err}
	}
	return m.String(), nil
}

// ListContents implements Storage. A missing directory yields nothing. Deep
// listings are parent-first.
func (l *Local) ListContents(ctx context.Context, p string, deep bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		full := l.full(p)
		info, ok, err := l.exists(full)
		if err != nil {
			yield(Entry{}, &Error{Op: OpRead, Path: p, Err: err})
			return
		}
		if !ok || !info.IsDir() {
			return
		}

		if !deep {
			infos, err := afero.ReadDir(l.fs, full)
			if err != nil {
				yield(Entry{}, &Error{Op: OpRead, Path: p, Err: err})
				return
			}
			for _, fi := range infos {
				if ctx.Err() != nil || !yield(l.entry(filepath.Join(full, fi.Name()), fi), nil) {
					return
				}
			}
			return
		}

		err = afero.Walk(l.fs, full, func(walked string, fi fs.FileInfo, err error) error {
			if err != nil {
				if !yield(Entry{}, &Error{Op: OpRead, Path: l.rel(walked), Err: err}) {
					return filepath.SkipAll
				}
				return nil
			}
			if walked == full {
				return nil
			}
			if ctx.Err() != nil || !yield(l.entry(walked, fi), nil) {
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil && !errors.Is(err, filepath.SkipAll) {
			yield(Entry{}, &Error{Op: OpRead, Path: p, Err: err})
		}
	}
}

func (l *Local) entry(full string, fi fs.FileInfo) Entry {
	e := Entry{Path: l.rel(full), Type: TypeFile, Size: fi.Size(), LastModified: fi.ModTime()}
	if fi.IsDir() {
		e.Type = TypeDir
		e.Size = 0
	}
	return e
}

// PublicURL implements Storage.
func (l *Local) PublicURL(p string) (string, error) {
	if l.publicURL == "" {
		return "", ErrNoPublicURL
	}
	return l.publicURL + "/" + strings.TrimLeft(CleanPath(p), "/"), nil
}

// TemporaryURL implements Storage. Without a signer it is PublicURL.
func (l *Local) TemporaryURL(p string, expires time.Time) (string, error) {
	u, err := l.PublicURL(p)
	if err != nil || l.signer == nil {
		return u, err
	}
	q := l.signer.SignedQuery(signing.ScopeRead, CleanPath(p), expires)
	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("parse public url: %w", err)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}
