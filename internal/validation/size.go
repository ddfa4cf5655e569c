package validation

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/dharsanguruparan/vaultgate/internal/file"
)

const (
	CodeFileTooSmall = "FILE_TOO_SMALL"
	CodeFileTooLarge = "FILE_TOO_LARGE"
	CodeEmptyFile    = "EMPTY_FILE"
)

// Size categories recognised by SizeConfig.CategoryLimits.
const (
	CategoryImage    = "image"
	CategoryVideo    = "video"
	CategoryAudio    = "audio"
	CategoryDocument = "document"
	CategoryArchive  = "archive"
	CategoryDefault  = "default"
)

// SizeConfig configures the Size validator. Zero limits are disabled.
type SizeConfig struct {
	Min int64
	Max int64
	// CategoryLimits override Max per MIME category; the "default" key
	// applies to files that match no other category.
	CategoryLimits map[string]int64
	// RejectEmpty fails zero-byte files.
	RejectEmpty bool
}

// Size enforces byte-size bounds.
type Size struct {
	cfg SizeConfig
}

// NewSize builds the validator.
func NewSize(cfg SizeConfig) *Size { return &Size{cfg: cfg} }

// Name implements Validator.
func (v *Size) Name() string { return "size" }

// Validate implements Validator.
func (v *Size) Validate(f *file.Handle) *Outcome {
	size := f.Size()
	if v.cfg.RejectEmpty && size == 0 {
		return Failure("File is empty", CodeEmptyFile, map[string]any{"size": size})
	}
	if v.cfg.Min > 0 && size < v.cfg.Min {
		return Failure(
			fmt.Sprintf("File size (%s) is below minimum (%s)", formatBytes(size), formatBytes(v.cfg.Min)),
			CodeFileTooSmall,
			map[string]any{"size": size, "min_size": v.cfg.Min})
	}
	if limit := v.maxFor(f); limit > 0 && size > limit {
		return Failure(
			fmt.Sprintf("File size (%s) exceeds maximum (%s)", formatBytes(size), formatBytes(limit)),
			CodeFileTooLarge,
			map[string]any{"size": size, "max_size": limit})
	}
	return Success(map[string]any{"size": size, "formatted_size": formatBytes(size)})
}

func (v *Size) maxFor(f *file.Handle) int64 {
	if len(v.cfg.CategoryLimits) == 0 {
		return v.cfg.Max
	}
	if limit, ok := v.cfg.CategoryLimits[Category(f.Mime())]; ok {
		return limit
	}
	if limit, ok := v.cfg.CategoryLimits[CategoryDefault]; ok {
		return limit
	}
	return v.cfg.Max
}

// Category buckets a MIME type. It returns "" for uncategorised types.
func Category(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return CategoryImage
	case strings.HasPrefix(mime, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mime, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mime, "application/pdf"),
		strings.HasPrefix(mime, "application/msword"),
		strings.HasPrefix(mime, "application/vnd.openxmlformats-officedocument"),
		strings.HasPrefix(mime, "text/"):
		return CategoryDocument
	case strings.HasPrefix(mime, "application/zip"),
		strings.HasPrefix(mime, "application/x-rar"),
		strings.HasPrefix(mime, "application/x-7z"),
		strings.HasPrefix(mime, "application/x-tar"),
		strings.HasPrefix(mime, "application/gzip"):
		return CategoryArchive
	}
	return ""
}

func formatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
