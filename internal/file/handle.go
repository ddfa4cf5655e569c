// Package file models one uploaded item as it sits in a temporary file on
// disk, waiting to be validated, scanned and stored.
package file

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNoTempFile is returned when a Handle is built without a backing file.
var ErrNoTempFile = errors.New("temp file path is empty")

// Handle is a read-only view over one uploaded file. The detected MIME type
// and the content hash are computed on first use and cached for the lifetime
// of the handle. The temp file itself belongs to the caller, who removes it
// once the pipeline returns.
type Handle struct {
	name         string
	tempPath     string
	declaredMime string
	size         int64

	mimeOnce sync.Once
	mime     string
	mimeErr  error

	hashOnce sync.Once
	hash     string
	hashErr  error
}

// New stats tempPath and returns a Handle for it. name is the client-supplied
// file name and declaredMime the client-supplied content type (may be empty).
func New(name, tempPath, declaredMime string) (*Handle, error) {
	if tempPath == "" {
		return nil, ErrNoTempFile
	}
	info, err := os.Stat(tempPath)
	if err != nil {
		return nil, fmt.Errorf("stat temp file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("temp path %s is a directory", tempPath)
	}
	return &Handle{
		name:         name,
		tempPath:     tempPath,
		declaredMime: declaredMime,
		size:         info.Size(),
	}, nil
}

// Name returns the original client file name.
func (h *Handle) Name() string { return h.name }

// TempPath returns the path of the backing temp file.
func (h *Handle) TempPath() string { return h.tempPath }

// DeclaredMime returns the client-declared content type.
func (h *Handle) DeclaredMime() string { return h.declaredMime }

// Size returns the byte size of the temp file when the handle was created.
func (h *Handle) Size() int64 { return h.size }

// Extension returns the extension of the original name without the dot, in
// its original case. Callers lower-case it for comparisons.
func (h *Handle) Extension() string {
	return strings.TrimPrefix(filepath.Ext(h.name), ".")
}

// Open opens the temp file for reading.
func (h *Handle) Open() (*os.File, error) {
	f, err := os.Open(h.tempPath)
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}
	return f, nil
}

// DetectedMime sniffs the content of the temp file. Parameters such as
// charset are stripped, so a text file reports "text/plain".
func (h *Handle) DetectedMime() (string, error) {
	h.mimeOnce.Do(func() {
		m, err := mimetype.DetectFile(h.tempPath)
		if err != nil {
			h.mimeErr = fmt.Errorf("detect mime: %w", err)
			return
		}
		h.mime = BaseMime(m.String())
	})
	return h.mime, h.mimeErr
}

// Mime returns the detected MIME type, or the declared one when detection
// fails.
func (h *Handle) Mime() string {
	if m, err := h.DetectedMime(); err == nil && m != "" {
		return m
	}
	return BaseMime(h.declaredMime)
}

// ContentHash returns the hex SHA-256 of the temp file bytes.
func (h *Handle) ContentHash() (string, error) {
	h.hashOnce.Do(func() {
		f, err := h.Open()
		if err != nil {
			h.hashErr = err
			return
		}
		defer f.Close()
		sum := sha256.New()
		if _, err := io.Copy(sum, f); err != nil {
			h.hashErr = fmt.Errorf("hash temp file: %w", err)
			return
		}
		h.hash = hex.EncodeToString(sum.Sum(nil))
	})
	return h.hash, h.hashErr
}

// BaseMime drops any parameters from a media type and lower-cases it.
func BaseMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}
