package validation

import (
	"fmt"

	"github.com/dharsanguruparan/vaultgate/internal/file"
	pdfutil "github.com/dharsanguruparan/vaultgate/internal/pdf"
)

const (
	CodePDFReadFailed = "PDF_READ_FAILED"
	CodeTooManyPages  = "TOO_MANY_PAGES"
	CodeTooFewPages   = "TOO_FEW_PAGES"
)

// PDFPages bounds the page count of PDF documents. Other files pass with
// skipped metadata. Zero bounds are disabled.
type PDFPages struct {
	min, max int
}

// NewPDFPages builds the validator.
func NewPDFPages(min, max int) *PDFPages { return &PDFPages{min: min, max: max} }

// Name implements Validator.
func (v *PDFPages) Name() string { return "pdf_pages" }

// Validate implements Validator.
func (v *PDFPages) Validate(f *file.Handle) *Outcome {
	if f.Mime() != "application/pdf" {
		return Success(map[string]any{"skipped": true, "reason": "not a pdf document"})
	}
	pages, err := pdfutil.PageCount(f.TempPath())
	if err != nil {
		return Failure("Failed to read PDF document", CodePDFReadFailed, map[string]any{"error": err.Error()})
	}

	out := Success(map[string]any{"pages": pages})
	if v.min > 0 && pages < v.min {
		out.AddError(fmt.Sprintf("Document has %d pages, minimum is %d", pages, v.min),
			CodeTooFewPages, map[string]any{"pages": pages, "min_pages": v.min})
	}
	if v.max > 0 && pages > v.max {
		out.AddError(fmt.Sprintf("Document has %d pages, maximum is %d", pages, v.max),
			CodeTooManyPages, map[string]any{"pages": pages, "max_pages": v.max})
	}
	return out
}
