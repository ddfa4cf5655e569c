package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

const (
	lockName       = ".lock"
	lockRetryDelay = 5 * time.Millisecond
)

// FileStore keeps one JSON document per identifier under dir. File names are
// the SHA-256 of the identifier. Writers hold an exclusive lock on dir/.lock
// from read to write; readers hold it shared.
type FileStore struct {
	dir    string
	perm   os.FileMode
	logger logging.Logger
}

var _ Store = (*FileStore)(nil)

type fileRecord struct {
	Hits []int64 `json:"hits"`
}

// StoreOption customises a persistent store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	logger logging.Logger
}

// WithStoreLogger reports unreadable records through logger.
func WithStoreLogger(logger logging.Logger) StoreOption {
	return func(o *storeOptions) { o.logger = logger }
}

func applyStoreOptions(opts []StoreOption) storeOptions {
	var o storeOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrNop(o.logger)
	return o
}

// decodeRecord parses a stored record. A corrupt record is logged and read as
// empty so the identifier is not locked out.
func decodeRecord(logger logging.Logger, key string, data []byte) fileRecord {
	var rec fileRecord
	if len(data) == 0 {
		return rec
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		logger.Log(logging.LevelWarn, "corrupt rate limit record reset", "key", key, "error", err)
		return fileRecord{}
	}
	return rec
}

// NewFileStore creates dir when missing.
func NewFileStore(dir string, opts ...StoreOption) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("rate limit directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create rate limit directory: %w", err)
	}
	o := applyStoreOptions(opts)
	return &FileStore{dir: dir, perm: 0o644, logger: o.logger}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, hashKey(key)+".json")
}

// lock takes the directory lock. Each call opens its own descriptor, so
// goroutines of one process exclude each other as well as other processes.
func (s *FileStore) lock(ctx context.Context, shared bool) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(s.dir, lockName))
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = fl.TryRLockContext(ctx, lockRetryDelay)
	} else {
		ok, err = fl.TryLockContext(ctx, lockRetryDelay)
	}
	if err != nil {
		return nil, fmt.Errorf("lock rate limit directory: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock rate limit directory: %w", ctx.Err())
	}
	return fl, nil
}

func (s *FileStore) read(key string) ([]int64, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read rate limit file: %w", err)
	}
	return decodeRecord(s.logger, key, data).Hits, true, nil
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, key string) ([]int64, error) {
	fl, err := s.lock(ctx, true)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()
	hits, _, err := s.read(key)
	return hits, err
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, key string, fn func([]int64) []int64) ([]int64, error) {
	fl, err := s.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer fl.Unlock()

	hits, _, err := s.read(key)
	if err != nil {
		return nil, err
	}
	rec := fileRecord{Hits: fn(hits)}
	if rec.Hits == nil {
		rec.Hits = []int64{}
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode rate limit record: %w", err)
	}
	if err := os.WriteFile(s.path(key), out, s.perm); err != nil {
		return nil, fmt.Errorf("write rate limit file: %w", err)
	}
	return rec.Hits, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	fl, err := s.lock(ctx, false)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove rate limit file: %w", err)
	}
	return nil
}

// Cleanup implements Store using file modification times.
func (s *FileStore) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	fl, err := s.lock(ctx, false)
	if err != nil {
		return 0, err
	}
	defer fl.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read rate limit directory: %w", err)
	}
	n := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				n++
			}
		}
	}
	return n, nil
}
