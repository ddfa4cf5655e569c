// Package validation runs an ordered set of independent checks over an
// uploaded file and aggregates their findings into one Outcome.
package validation

import (
	"fmt"
	"strings"

	"github.com/dharsanguruparan/vaultgate/internal/file"
)

// Validator is one check. Implementations are pure functions of the handle
// and their own configuration and must not mutate the handle.
type Validator interface {
	Name() string
	Validate(f *file.Handle) *Outcome
}

// Error is one finding. It is used for both errors and warnings.
type Error struct {
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Context map[string]any `json:"context,omitempty"`
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s [%s]", e.Message, e.Code)
}

// Outcome collects errors, warnings and metadata. It is valid while it holds
// no errors.
type Outcome struct {
	Errors   []Error        `json:"errors"`
	Warnings []Error        `json:"warnings"`
	Metadata map[string]any `json:"metadata"`
}

// Success returns a valid outcome carrying metadata.
func Success(metadata map[string]any) *Outcome {
	o := &Outcome{Metadata: map[string]any{}}
	for k, v := range metadata {
		o.Metadata[k] = v
	}
	return o
}

// Failure returns an outcome holding a single error.
func Failure(message, code string, context map[string]any) *Outcome {
	return Success(nil).AddError(message, code, context)
}

// Valid reports whether no error has been recorded.
func (o *Outcome) Valid() bool { return len(o.Errors) == 0 }

// AddError records an error; the outcome stays invalid from then on.
func (o *Outcome) AddError(message, code string, context map[string]any) *Outcome {
	o.Errors = append(o.Errors, Error{Message: message, Code: code, Context: context})
	return o
}

// AddWarning records a non-fatal finding.
func (o *Outcome) AddWarning(message, code string, context map[string]any) *Outcome {
	o.Warnings = append(o.Warnings, Error{Message: message, Code: code, Context: context})
	return o
}

// SetMetadata stores one metadata value.
func (o *Outcome) SetMetadata(key string, value any) *Outcome {
	if o.Metadata == nil {
		o.Metadata = map[string]any{}
	}
	o.Metadata[key] = value
	return o
}

// FirstError returns the first error message, or "" when valid.
func (o *Outcome) FirstError() string {
	if len(o.Errors) == 0 {
		return ""
	}
	return o.Errors[0].Message
}

// FirstCode returns the code of the first error, or "" when valid.
func (o *Outcome) FirstCode() string {
	if len(o.Errors) == 0 {
		return ""
	}
	return o.Errors[0].Code
}

// HasCode reports whether any error carries code.
func (o *Outcome) HasCode(code string) bool {
	for _, e := range o.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Merge appends other's errors and warnings and copies its metadata over
// ours; later keys win.
func (o *Outcome) Merge(other *Outcome) *Outcome {
	if other == nil {
		return o
	}
	o.Errors = append(o.Errors, other.Errors...)
	o.Warnings = append(o.Warnings, other.Warnings...)
	for k, v := range other.Metadata {
		o.SetMetadata(k, v)
	}
	return o
}

// Err returns nil for a valid outcome and a *FailedError otherwise.
func (o *Outcome) Err() error {
	if o.Valid() {
		return nil
	}
	return &FailedError{Outcome: o}
}

// FailedError is returned when validation rejected a file.
type FailedError struct {
	Outcome *Outcome
}

func (e *FailedError) Error() string {
	msgs := make([]string, 0, len(e.Outcome.Errors))
	for _, v := range e.Outcome.Errors {
		msgs = append(msgs, v.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Unwrap exposes every individual Error to errors.As.
func (e *FailedError) Unwrap() []error {
	out := make([]error, 0, len(e.Outcome.Errors))
	for _, v := range e.Outcome.Errors {
		out = append(out, v)
	}
	return out
}

// Code returns the numeric code of the first error's family.
func (e *FailedError) Code() int { return NumericCode(e.Outcome.FirstCode()) }

// Numeric codes shared with the rest of the failure taxonomy.
const (
	NumInvalidExtension  = 1001
	NumInvalidMime       = 1002
	NumFileTooLarge      = 1003
	NumFileTooSmall      = 1004
	NumForbiddenName     = 1005
	NumEmptyFile         = 1006
	NumInvalidDimensions = 1007
	NumNotAnImage        = 1008
	NumVirusDetected     = 1009
	NumRateLimitExceeded = 1010
)

// NumericCode maps a validator code onto its numeric family. Unknown codes
// map to 1000.
func NumericCode(code string) int {
	switch code {
	case CodeInvalidExtension, CodeBlockedExtension:
		return NumInvalidExtension
	case CodeInvalidMime, CodeMimeMismatch, CodeMimeDetectionFailed:
		return NumInvalidMime
	case CodeFileTooLarge:
		return NumFileTooLarge
	case CodeFileTooSmall:
		return NumFileTooSmall
	case CodeEmptyFilename, CodeFilenameTooLong, CodeForbiddenFilename, CodeForbiddenPattern,
		CodeNullByte, CodePathTraversal, CodeInvalidCharacters:
		return NumForbiddenName
	case CodeEmptyFile:
		return NumEmptyFile
	case CodeWidthTooSmall, CodeWidthTooLarge, CodeHeightTooSmall, CodeHeightTooLarge,
		CodeAspectRatioTooSmall, CodeAspectRatioTooLarge, CodeTooManyPages, CodeTooFewPages:
		return NumInvalidDimensions
	case CodeDimensionReadFailed, CodePDFReadFailed:
		return NumNotAnImage
	}
	return 1000
}
