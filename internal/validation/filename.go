package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dharsanguruparan/vaultgate/internal/file"
)

// Error codes produced by the filename validator.
const (
	CodeEmptyFilename        = "EMPTY_FILENAME"
	CodeFilenameTooLong      = "FILENAME_TOO_LONG"
	CodeForbiddenFilename    = "FORBIDDEN_FILENAME"
	CodeForbiddenPattern     = "FORBIDDEN_PATTERN"
	CodeNullByte             = "NULL_BYTE_DETECTED"
	CodePathTraversal        = "PATH_TRAVERSAL_DETECTED"
	CodeInvalidCharacters    = "INVALID_CHARACTERS"
	CodeReservedWindowsName  = "RESERVED_WINDOWS_NAME"
	defaultMaxFilenameLength = 255
)

var (
	traversalPattern = regexp.MustCompile(`\.\.[\\/]`)
	reservedNames    = map[string]struct{}{
		"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
		"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
		"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
	}
)

// FilenameConfig configures the Filename validator.
type FilenameConfig struct {
	// Forbidden names, compared case-insensitively against the whole name.
	Forbidden []string
	// Patterns are RE2 expressions; a match rejects the name.
	Patterns []string
	// MaxLength in bytes; zero means 255.
	MaxLength int
	// ASCIIOnly rejects bytes outside printable ASCII.
	ASCIIOnly bool
}

// Filename checks the client-supplied file name.
type Filename struct {
	forbidden    map[string]struct{}
	patterns     []*regexp.Regexp
	maxLength int
	asciiOnly bool
}

// NewFilename compiles cfg. It fails when a pattern is not a valid expression.
func NewFilename(cfg FilenameConfig) (*Filename, error) {
	v := &Filename{
		forbidden: make(map[string]struct{}, len(cfg.Forbidden)),
		maxLength: cfg.MaxLength,
		asciiOnly: cfg.ASCIIOnly,
	}
	if v.maxLength <= 0 {
		v.maxLength = defaultMaxFilenameLength
	}
	for _, name := range cfg.Forbidden {
		v.forbidden[strings.ToLower(name)] = struct{}{}
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile forbidden pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, re)
	}
	return v, nil
}

// Name implements Validator.
func (v *Filename) Name() string { return "filename" }

// Validate implements Validator.
func (v *Filename) Validate(f *file.Handle) *Outcome {
	name := f.Name()
	if name == "" {
		return Failure("Filename cannot be empty", CodeEmptyFilename, nil)
	}
	out := Success(map[string]any{"filename": name})

	if len(name) > v.maxLength {
		out.AddError(fmt.Sprintf("Filename exceeds maximum length of %d characters", v.maxLength),
			CodeFilenameTooLong, map[string]any{"length": len(name), "max_length": v.maxLength})
	}
	if _, ok := v.forbidden[strings.ToLower(name)]; ok {
		out.AddError(fmt.Sprintf("Filename '%s' is forbidden", name),
			CodeForbiddenFilename, map[string]any{"filename": name})
	}
	for _, re := range v.patterns {
		if re.MatchString(name) {
			out.AddError("Filename matches forbidden pattern",
				CodeForbiddenPattern, map[string]any{"filename": name, "pattern": re.String()})
			break
		}
	}
	if strings.ContainsRune(name, 0) {
		out.AddError("Filename contains null bytes", CodeNullByte, nil)
	}
	if traversalPattern.MatchString(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		out.AddError("Filename contains path traversal characters",
			CodePathTraversal, map[string]any{"filename": name})
	}
	if v.asciiOnly && !printableASCII(name) {
		out.AddError("Filename contains non-ASCII characters",
			CodeInvalidCharacters, map[string]any{"filename": name})
	}

	base := strings.TrimSuffix(name, filepath.Ext(name))
	if _, ok := reservedNames[strings.ToUpper(base)]; ok {
		out.AddWarning(fmt.Sprintf("Filename '%s' is a reserved Windows name", base),
			CodeReservedWindowsName, map[string]any{"filename": name})
	}
	return out
}

func printableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
