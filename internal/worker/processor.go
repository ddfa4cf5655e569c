// Package worker runs background jobs against stored uploads.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/vaultgate/internal/logging"
	pdfutil "github.com/dharsanguruparan/vaultgate/internal/pdf"
	"github.com/dharsanguruparan/vaultgate/internal/queue"
	"github.com/dharsanguruparan/vaultgate/internal/storage"
)

// Extractor turns PDF bytes into plain text.
type Extractor func(data []byte) (string, error)

// Processor is plugged into the asynq worker loop.
type Processor struct {
	store   storage.Storage
	extract Extractor
	logger  logging.Logger
}

// NewProcessor constructs a worker processor. A nil extract uses
// pdfutil.ExtractText.
func NewProcessor(store storage.Storage, extract Extractor, logger logging.Logger) *Processor {
	if extract == nil {
		extract = pdfutil.ExtractText
	}
	return &Processor{store: store, extract: extract, logger: logging.OrNop(logger)}
}

// Handler registers the extract job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.ExtractDocumentTask, p.handleExtract)
	return mux
}

func (p *Processor) handleExtract(ctx context.Context, task *asynq.Task) error {
	var payload queue.ExtractPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		// Retrying cannot fix a malformed payload.
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	failure := func(err error) error {
		p.logger.Log(logging.LevelError, "extract failed", "path", payload.StoredPath, "error", err)
		return err
	}

	data, err := p.store.Read(ctx, payload.StoredPath)
	if err != nil {
		return failure(err)
	}
	text, err := p.extract(data)
	if err != nil {
		return failure(fmt.Errorf("extract %s: %w", payload.StoredPath, err))
	}
	textPath := TextPath(payload.StoredPath)
	if err := p.store.Write(ctx, textPath, []byte(text)); err != nil {
		return failure(err)
	}
	p.logger.Log(logging.LevelInfo, "document processed", "path", payload.StoredPath, "text", textPath, "bytes", len(text))
	return nil
}

// TextPath is where the extracted text of storedPath is written.
func TextPath(storedPath string) string {
	return strings.TrimSuffix(storedPath, path.Ext(storedPath)) + ".txt"
}
