package pipeline

import (
	"github.com/dharsanguruparan/vaultgate/internal/scan"
	"github.com/dharsanguruparan/vaultgate/internal/validation"
)

// Outcome describes one upload attempt. It is filled in as stages complete
// and must not be fed back into the pipeline.
type Outcome struct {
	Success          bool                `json:"success"`
	Error            string              `json:"error,omitempty"`
	ErrorCode        int                 `json:"error_code,omitempty"`
	OriginalFilename string              `json:"original_filename"`
	StoredFilename   string              `json:"stored_filename,omitempty"`
	StoredPath       string              `json:"stored_path,omitempty"`
	PublicURL        string              `json:"public_url,omitempty"`
	FileSize         int64               `json:"file_size,omitempty"`
	MimeType         string              `json:"mime_type,omitempty"`
	ContentHash      string              `json:"content_hash,omitempty"`
	Validation       *validation.Outcome `json:"validation,omitempty"`
	Scan             *scan.Outcome       `json:"scan,omitempty"`
	RateLimitHeaders map[string]string   `json:"-"`

	cause error
}

// Cause returns the typed error behind a failed outcome, or nil.
func (o *Outcome) Cause() error { return o.cause }

func (o *Outcome) fail(err error, message string) {
	o.Success = false
	o.cause = err
	o.Error = message
	if o.Error == "" {
		o.Error = err.Error()
	}
	if c, ok := codeOf(err); ok {
		o.ErrorCode = c
	}
}
