// Package s3storage implements the storage capability on an S3-compatible
// object store through minio-go. Directories are key prefixes.
package s3storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/vaultgate/internal/storage"
)

// Config describes the bucket and endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	// Prefix is prepended to every key, e.g. "uploads".
	Prefix string
	// PublicURL is the base public object URLs are built on.
	PublicURL string
}

// Storage wraps MinIO/S3 interactions for stored uploads.
type Storage struct {
	client    *minio.Client
	bucket    string
	region    string
	prefix    string
	publicURL string
}

var _ storage.Storage = (*Storage)(nil)

// New creates a MinIO client from the Config.
func New(cfg Config) (*Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is empty")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:    client,
		bucket:    cfg.Bucket,
		region:    cfg.Region,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// EnsureBucket makes sure the bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Key maps a storage path onto an object key.
func (s *Storage) Key(p string) string {
	p = storage.CleanPath(p)
	if s.prefix == "" {
		return p
	}
	if p == "" {
		return s.prefix
	}
	return s.prefix + "/" + p
}

func (s *Storage) dirKey(p string) string {
	k := s.Key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (s *Storage) rel(key string) string {
	if s.prefix != "" {
		key = strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
	}
	return strings.TrimSuffix(key, "/")
}

// IsNotFound reports whether err is a missing-object response.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchObject":
		return true
	}
	return false
}

func contentType(p string) string {
	if t := mime.TypeByExtension(path.Ext(p)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Write implements storage.Storage.
func (s *Storage) Write(ctx context.Context, p string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.Key(p), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType(p)})
	if err != nil {
		return &storage.Error{Op: storage.OpWrite, Path: p, Err: err}
	}
	return nil
}

// WriteStream implements storage.Storage. The object size is unknown up
// front, so minio uploads it in parts.
func (s *Storage) WriteStream(ctx context.Context, p string, r io.Reader) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, s.Key(p), r, -1,
		minio.PutObjectOptions{ContentType: contentType(p)})
	if err != nil {
		return 0, &storage.Error{Op: storage.OpWrite, Path: p, Err: err}
	}
	return info.Size, nil
}

// Read implements storage.Storage.
func (s *Storage) Read(ctx context.Context, p string) ([]byte, error) {
	rc, err := s.ReadStream(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		if IsNotFound(err) {
			return nil, &storage.Error{Op: storage.OpRead, Path: p, Err: storage.ErrNotFound}
		}
		return nil, &storage.Error{Op: storage.OpRead, Path: p, Err: err}
	}
	return buf, nil
}

// ReadStream implements storage.Storage.
func (s *Storage) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	if _, err := s.stat(ctx, p); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.Key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, &storage.Error{Op: storage.OpRead, Path: p, Err: err}
	}
	return obj, nil
}

// Delete implements storage.Storage.
func (s *Storage) Delete(ctx context.Context, p string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.Key(p), minio.RemoveObjectOptions{})
	if err != nil && !IsNotFound(err) {
		return &storage.Error{Op: storage.OpDelete, Path: p, Err: err}
	}
	return nil
}

// DeleteDirectory implements storage.Storage by removing every key under the
// prefix.
func (s *Storage) DeleteDirectory(ctx context.Context, p string) error {
	prefix := s.dirKey(p)
	if prefix == "" {
		return &storage.Error{Op: storage.OpDelete, Path: p, Reason: "refusing to delete bucket root"}
	}
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return &storage.Error{Op: storage.OpDelete, Path: s.rel(rerr.ObjectName), Err: rerr.Err}
		}
	}
	return nil
}

// CreateDirectory implements storage.Storage with a zero-byte marker object.
func (s *Storage) CreateDirectory(ctx context.Context, p string) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.dirKey(p), bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return &storage.Error{Op: storage.OpMkdir, Path: p, Err: err}
	}
	return nil
}

func (s *Storage) stat(ctx context.Context, p string) (minio.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.Key(p), minio.StatObjectOptions{})
	if IsNotFound(err) {
		return info, &storage.Error{Op: storage.OpRead, Path: p, Err: storage.ErrNotFound}
	}
	if err != nil {
		return info, &storage.Error{Op: storage.OpRead, Path: p, Err: err}
	}
	return info, nil
}

// FileExists implements storage.Storage.
func (s *Storage) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := s.stat(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DirectoryExists implements storage.Storage.
func (s *Storage) DirectoryExists(ctx context.Context, p string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.dirKey(p), MaxKeys: 1}) {
		if obj.Err != nil {
			return false, &storage.Error{Op: storage.OpRead, Path: p, Err: obj.Err}
		}
		return true, nil
	}
	return false, nil
}

// Copy implements storage.Storage with a server-side copy.
func (s *Storage) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: s.Key(dst)},
		minio.CopySrcOptions{Bucket: s.bucket, Object: s.Key(src)})
	if IsNotFound(err) {
		return &storage.Error{Op: storage.OpCopy, Path: src, Destination: dst, Err: storage.ErrNotFound}
	}
	if err != nil {
		return &storage.Error{Op: storage.OpCopy, Path: src, Destination: dst, Err: err}
	}
	return nil
}

// Move implements storage.Storage as copy then delete.
func (s *Storage) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		var serr *storage.Error
		if errors.As(err, &serr) {
			serr.Op = storage.OpMove
		}
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, s.Key(src), minio.RemoveObjectOptions{}); err != nil {
		return &storage.Error{Op: storage.OpMove, Path: src, Destination: dst, Reason: "remove source", Err: err}
	}
	return nil
}

// FileSize implements storage.Storage.
func (s *Storage) FileSize(ctx context.Context, p string) (int64, error) {
	info, err := s.stat(ctx, p)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// MimeType implements storage.Storage from the stored Content-Type.
func (s *Storage) MimeType(ctx context.Context, p string) (string, error) {
	info, err := s.stat(ctx, p)
	if err != nil {
		return "", err
	}
	return info.ContentType, nil
}

// LastModified implements storage.Storage.
func (s *Storage) LastModified(ctx context.Context, p string) (time.Time, error) {
	info, err := s.stat(ctx, p)
	if err != nil {
		return time.Time{}, err
	}
	return info.LastModified, nil
}

// ListContents implements storage.Storage. Shallow listings report common
// prefixes as directories.
func (s *Storage) ListContents(ctx context.Context, p string, deep bool) iter.Seq2[storage.Entry, error] {
	return func(yield func(storage.Entry, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		prefix := s.dirKey(p)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: deep}) {
			if obj.Err != nil {
				yield(storage.Entry{}, &storage.Error{Op: storage.OpRead, Path: p, Err: obj.Err})
				return
			}
			if obj.Key == prefix {
				continue
			}
			e := storage.Entry{Path: s.rel(obj.Key), Type: storage.TypeFile, Size: obj.Size, LastModified: obj.LastModified}
			if strings.HasSuffix(obj.Key, "/") {
				e.Type, e.Size = storage.TypeDir, 0
			}
			if obj.ETag != "" {
				e.Metadata = map[string]any{"etag": obj.ETag}
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// PublicURL implements storage.Storage.
func (s *Storage) PublicURL(p string) (string, error) {
	if s.publicURL == "" {
		return "", storage.ErrNoPublicURL
	}
	return s.publicURL + "/" + s.Key(p), nil
}

// TemporaryURL implements storage.Storage with a presigned GET URL.
func (s *Storage) TemporaryURL(p string, expires time.Time) (string, error) {
	u, err := s.client.PresignedGetObject(context.Background(), s.bucket, s.Key(p), time.Until(expires), url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}
