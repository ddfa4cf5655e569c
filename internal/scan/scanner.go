// Package scan checks stored bytes for malware before they are persisted.
package scan

import (
	"context"
	"fmt"
	"time"
)

// Status is the verdict of one scan.
type Status string

const (
	StatusClean    Status = "clean"
	StatusInfected Status = "infected"
	StatusError    Status = "error"
	StatusSkipped  Status = "skipped"
)

// Scanner inspects a file on local disk.
type Scanner interface {
	Scan(ctx context.Context, path string) *Outcome
	IsAvailable(ctx context.Context) bool
}

// Outcome is the result of one scan. VirusName is set only when infected and
// ErrorMessage only on error.
type Outcome struct {
	Status       Status         `json:"status"`
	Path         string         `json:"path"`
	VirusName    string         `json:"virus_name,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Elapsed      time.Duration  `json:"elapsed"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func Clean(path string) *Outcome { return &Outcome{Status: StatusClean, Path: path} }

func Infected(path, virus string) *Outcome {
	return &Outcome{Status: StatusInfected, Path: path, VirusName: virus}
}

func Failed(path, message string) *Outcome {
	return &Outcome{Status: StatusError, Path: path, ErrorMessage: message}
}

func Skipped(path string) *Outcome { return &Outcome{Status: StatusSkipped, Path: path} }

// ElapsedSeconds returns Elapsed as fractional seconds.
func (o *Outcome) ElapsedSeconds() float64 { return o.Elapsed.Seconds() }

// Err maps the verdict onto the error taxonomy: nil for clean and skipped,
// *InfectedError or *Error otherwise.
func (o *Outcome) Err() error {
	switch o.Status {
	case StatusInfected:
		return &InfectedError{Path: o.Path, VirusName: o.VirusName}
	case StatusError:
		return &Error{Path: o.Path, Reason: o.ErrorMessage}
	}
	return nil
}

// Numeric error codes.
const (
	CodeInfected  = 1009
	CodeScanError = 1011
)

// InfectedError reports a detected virus.
type InfectedError struct {
	Path      string
	VirusName string
}

func (e *InfectedError) Error() string {
	if e.VirusName == "" {
		return "virus detected in uploaded file"
	}
	return fmt.Sprintf("virus detected: %s", e.VirusName)
}

// Code returns CodeInfected.
func (e *InfectedError) Code() int { return CodeInfected }

// Error reports a scanner that failed to produce a verdict. It is never a
// clean result.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("virus scan failed: %s", e.Reason) }

// Code returns CodeScanError.
func (e *Error) Code() int { return CodeScanError }

// Nop skips every scan.
type Nop struct{}

var _ Scanner = Nop{}

func (Nop) Scan(_ context.Context, path string) *Outcome { return Skipped(path) }

func (Nop) IsAvailable(context.Context) bool { return true }

// Version identifies the no-op scanner.
func (Nop) Version(context.Context) string { return "none" }
