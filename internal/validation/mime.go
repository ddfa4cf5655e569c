package validation

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/vaultgate/internal/file"
)

const (
	CodeMimeDetectionFailed = "MIME_DETECTION_FAILED"
	CodeInvalidMime         = "INVALID_MIME"
	CodeMimeMismatch        = "MIME_MISMATCH"
)

// MimeConfig configures the MimeType validator.
type MimeConfig struct {
	Allowed []string
	// ExtensionMap maps a lower-case extension to the MIME type its content
	// must sniff as in strict mode.
	ExtensionMap map[string]string
	Strict       bool
}

// MimeType checks the sniffed content type of the file.
type MimeType struct {
	allowed      []string
	extensionMap map[string]string
	strict       bool
}

// NewMimeType builds the validator.
func NewMimeType(cfg MimeConfig) *MimeType {
	v := &MimeType{extensionMap: make(map[string]string, len(cfg.ExtensionMap)), strict: cfg.Strict}
	for _, m := range cfg.Allowed {
		if m = file.BaseMime(m); m != "" {
			v.allowed = append(v.allowed, m)
		}
	}
	for ext, m := range cfg.ExtensionMap {
		v.extensionMap[strings.ToLower(strings.TrimPrefix(ext, "."))] = file.BaseMime(m)
	}
	return v
}

// Name implements Validator.
func (v *MimeType) Name() string { return "mime_type" }

// Validate implements Validator.
func (v *MimeType) Validate(f *file.Handle) *Outcome {
	mime, err := f.DetectedMime()
	if err != nil {
		return Failure("Failed to determine MIME type", CodeMimeDetectionFailed, map[string]any{"error": err.Error()})
	}
	if len(v.allowed) > 0 && !contains(v.allowed, mime) {
		return Failure(fmt.Sprintf("MIME type '%s' is not allowed", mime), CodeInvalidMime,
			map[string]any{"mime": mime, "allowed": v.allowed})
	}
	if v.strict && len(v.extensionMap) > 0 {
		ext := strings.ToLower(f.Extension())
		if expected, ok := v.extensionMap[ext]; ok && expected != mime {
			return Failure(
				fmt.Sprintf("MIME type '%s' does not match expected type '%s' for extension '%s'", mime, expected, ext),
				CodeMimeMismatch,
				map[string]any{"mime": mime, "expected": expected, "extension": ext})
		}
	}
	return Success(map[string]any{"mime": mime})
}
