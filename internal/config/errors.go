package config

import "fmt"

// Numeric codes carried by Error.
const (
	CodeMissing           = 3001
	CodeInvalid           = 3002
	CodeMissingDependency = 3003
)

// Error reports missing or invalid setup. It is fatal and never retried.
type Error struct {
	Key      string
	Value    any
	Expected string
	code     int
}

// Missing reports a required key that was not set.
func Missing(key string) *Error { return &Error{Key: key, code: CodeMissing} }

// Invalid reports a key whose value is unusable.
func Invalid(key string, value any, expected string) *Error {
	return &Error{Key: key, Value: value, Expected: expected, code: CodeInvalid}
}

// MissingDependency reports an absent collaborator; purpose may be empty.
func MissingDependency(dependency, purpose string) *Error {
	return &Error{Key: dependency, Expected: purpose, code: CodeMissingDependency}
}

func (e *Error) Error() string {
	switch e.code {
	case CodeMissing:
		return fmt.Sprintf("missing required configuration: %s", e.Key)
	case CodeMissingDependency:
		if e.Expected != "" {
			return fmt.Sprintf("missing dependency %s (required for %s)", e.Key, e.Expected)
		}
		return fmt.Sprintf("missing dependency %s", e.Key)
	}
	msg := fmt.Sprintf("invalid configuration for %s: %v", e.Key, e.Value)
	if e.Expected != "" {
		msg += fmt.Sprintf(" (expected %s)", e.Expected)
	}
	return msg
}

// Code returns the numeric code.
func (e *Error) Code() int { return e.code }
