// Package storage defines the byte-store capability uploads are written to,
// plus a local filesystem implementation and a registry of named disks.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"time"
)

var (
	// ErrNotFound is wrapped by every error caused by a missing path, so
	// callers can compare with errors.Is.
	ErrNotFound = errors.New("file not found")
	// ErrNoPublicURL is returned when no public base URL is configured.
	ErrNoPublicURL = errors.New("public url base not configured")
)

// Storage is a byte store addressed by slash-separated relative paths.
// Delete is idempotent. ListContents is lazy and may be ranged over again to
// restart it.
type Storage interface {
	Write(ctx context.Context, path string, data []byte) error
	WriteStream(ctx context.Context, path string, r io.Reader) (int64, error)
	Read(ctx context.Context, path string) ([]byte, error)
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	DeleteDirectory(ctx context.Context, path string) error
	CreateDirectory(ctx context.Context, path string) error
	FileExists(ctx context.Context, path string) (bool, error)
	DirectoryExists(ctx context.Context, path string) (bool, error)
	Move(ctx context.Context, src, dst string) error
	Copy(ctx context.Context, src, dst string) error
	FileSize(ctx context.Context, path string) (int64, error)
	MimeType(ctx context.Context, path string) (string, error)
	LastModified(ctx context.Context, path string) (time.Time, error)
	ListContents(ctx context.Context, path string, deep bool) iter.Seq2[Entry, error]
	PublicURL(path string) (string, error)
	TemporaryURL(path string, expires time.Time) (string, error)
}

// EntryType distinguishes files from directories in listings.
type EntryType string

const (
	TypeFile EntryType = "file"
	TypeDir  EntryType = "dir"
)

// Entry describes one listed path.
type Entry struct {
	Path         string         `json:"path"`
	Type         EntryType      `json:"type"`
	Size         int64          `json:"size"`
	LastModified time.Time      `json:"last_modified"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (e Entry) IsFile() bool { return e.Type == TypeFile }

func (e Entry) IsDir() bool { return e.Type == TypeDir }

// Filename returns the last path element.
func (e Entry) Filename() string { return path.Base(e.Path) }

// Dirname returns everything but the last path element.
func (e Entry) Dirname() string { return path.Dir(e.Path) }

// Extension returns the extension without its dot.
func (e Entry) Extension() string {
	ext := path.Ext(e.Path)
	if ext == "" {
		return ""
	}
	return ext[1:]
}

// Operation names carried by Error.
const (
	OpWrite  = "write"
	OpRead   = "read"
	OpDelete = "delete"
	OpMove   = "move"
	OpCopy   = "copy"
	OpMkdir  = "mkdir"
)

// CodeNotFound is the numeric code of errors wrapping ErrNotFound.
const CodeNotFound = 404

var opCodes = map[string]int{
	OpWrite:  2001,
	OpRead:   2002,
	OpDelete: 2003,
	OpMove:   2004,
	OpCopy:   2005,
	OpMkdir:  2006,
}

// Error is an I/O failure of one storage operation.
type Error struct {
	Op          string
	Path        string
	Destination string
	Reason      string
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("storage %s %s", e.Op, e.Path)
	if e.Destination != "" {
		msg += " -> " + e.Destination
	}
	switch {
	case e.Reason != "" && e.Err != nil:
		msg += fmt.Sprintf(": %s: %v", e.Reason, e.Err)
	case e.Reason != "":
		msg += ": " + e.Reason
	case e.Err != nil:
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns 404 for missing paths, otherwise the code of Op.
func (e *Error) Code() int {
	if errors.Is(e.Err, ErrNotFound) {
		return CodeNotFound
	}
	return opCodes[e.Op]
}

func notFound(op, p string) error { return &Error{Op: op, Path: p, Err: ErrNotFound} }
