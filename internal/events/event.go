// Package events lets outside code observe, and veto, the stages of an
// upload. Listeners are registered by event name with a priority.
package events

import (
	"time"

	"github.com/dharsanguruparan/vaultgate/internal/file"
	"github.com/dharsanguruparan/vaultgate/internal/scan"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

// Event names dispatched by the upload pipeline.
const (
	BeforeValidation  = "upload.before_validation"
	AfterValidation   = "upload.after_validation"
	ValidationFailed  = "upload.validation_failed"
	BeforeScan        = "upload.before_scan"
	AfterScan         = "upload.after_scan"
	VirusDetected     = "upload.virus_detected"
	BeforeUpload      = "upload.before_upload"
	AfterUpload       = "upload.after_upload"
	UploadFailed      = "upload.upload_failed"
	BeforeDelete      = "upload.before_delete"
	AfterDelete       = "upload.after_delete"
	RateLimitExceeded = "upload.rate_limit_exceeded"
)

// All lists every event name.
var All = []string{
	BeforeValidation, AfterValidation, ValidationFailed,
	BeforeScan, AfterScan, VirusDetected,
	BeforeUpload, AfterUpload, UploadFailed,
	BeforeDelete, AfterDelete,
	RateLimitExceeded,
}

// Event is one stage notification. Listeners may mutate Data and stop
// propagation; everything else is informational.
type Event struct {
	Name       string
	File       *file.Handle
	Validation *validation.Outcome
	Scan       *scan.Outcome
	Data       map[string]any
	Time       time.Time

	stopped bool
}

// New creates an event stamped with the current time.
func New(name string, f *file.Handle) *Event {
	return &Event{Name: name, File: f, Data: map[string]any{}, Time: time.Now()}
}

// With sets one data value and returns the event.
func (e *Event) With(key string, value any) *Event {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

// Get returns a data value, or nil.
func (e *Event) Get(key string) any { return e.Data[key] }

// StopPropagation prevents later listeners from running. For cancelable
// stages it also aborts the upload.
func (e *Event) StopPropagation() { e.stopped = true }

// IsPropagationStopped reports whether a listener stopped the event.
func (e *Event) IsPropagationStopped() bool { return e.stopped }

// Record is the serialisable form of an Event used by the bus bridges.
type Record struct {
	Name     string         `json:"name"`
	Filename string         `json:"filename,omitempty"`
	Size     int64          `json:"size,omitempty"`
	Mime     string         `json:"mime,omitempty"`
	Valid    *bool          `json:"valid,omitempty"`
	Scan     string         `json:"scan_status,omitempty"`
	Virus    string         `json:"virus,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Time     time.Time      `json:"time"`
}

// Record snapshots the event.
func (e *Event) Record() Record {
	r := Record{Name: e.Name, Data: e.Data, Time: e.Time}
	if e.File != nil {
		r.Filename = e.File.Name()
		r.Size = e.File.Size()
		r.Mime = e.File.Mime()
	}
	if e.Validation != nil {
		valid := e.Validation.Valid()
		r.Valid = &valid
	}
	if e.Scan != nil {
		r.Scan = string(e.Scan.Status)
		r.Virus = e.Scan.VirusName
	}
	return r
}
