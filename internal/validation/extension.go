package validation

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/vaultgate/internal/file"
)

const (
	CodeBlockedExtension = "BLOCKED_EXTENSION"
	CodeInvalidExtension = "INVALID_EXTENSION"
)

// Extension checks the file extension against a block-list and an
// allow-list. The block-list wins. An empty allow-list accepts everything,
// so callers that rely on extension filtering must supply one.
type Extension struct {
	allowed []string
	blocked []string
}

// NewExtension builds the validator; entries may carry a leading dot.
func NewExtension(allowed, blocked []string) *Extension {
	return &Extension{allowed: normalizeExts(allowed), blocked: normalizeExts(blocked)}
}

// Name implements Validator.
func (v *Extension) Name() string { return "extension" }

// Validate implements Validator.
func (v *Extension) Validate(f *file.Handle) *Outcome {
	ext := strings.ToLower(f.Extension())
	if contains(v.blocked, ext) {
		return Failure(fmt.Sprintf("File extension '%s' is blocked", ext), CodeBlockedExtension,
			map[string]any{"extension": ext, "blocked": v.blocked})
	}
	if len(v.allowed) > 0 && !contains(v.allowed, ext) {
		return Failure(fmt.Sprintf("File extension '%s' is not allowed", ext), CodeInvalidExtension,
			map[string]any{"extension": ext, "allowed": v.allowed})
	}
	return Success(map[string]any{"extension": ext})
}

func normalizeExts(in []string) []string {
	out := make([]string, 0, len(in))
	for _, e := range in {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
